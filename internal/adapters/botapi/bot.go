// Package botapi — бот‑сессия поверх Telegram Bot API (long polling через
// telego). Сессия авторизуется токеном бота, сводит апдейты к сырым событиям
// единого конвейера и принимает исходящие отправки. Монотонный update_id
// апдейтов служит транспортным номером для упорядочивания.
package botapi

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"telegram-dualbot/internal/adapters/session"
	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/infra/logger"
)

// eventBufferSize — ёмкость канала сырых событий сессии. При заполнении цикл
// long polling блокируется — backpressure до транспорта.
const eventBufferSize = 128

// BotOptions — параметры бот‑сессии.
type BotOptions struct {
	ID    string // имя сессии в логах и событиях
	Token string
}

// BotSession реализует session.Handle поверх telego‑клиента.
type BotSession struct {
	opts    BotOptions
	tracker *session.Tracker
	events  chan event.RawEvent

	bot atomic.Pointer[telego.Bot]
}

var _ session.Handle = (*BotSession)(nil)

// NewBotSession валидирует параметры и собирает сессию. Подключение не
// устанавливается до первого Run.
func NewBotSession(opts BotOptions) (*BotSession, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("bot token is required")
	}
	return &BotSession{
		opts:    opts,
		tracker: session.NewTracker(opts.ID),
		events:  make(chan event.RawEvent, eventBufferSize),
	}, nil
}

// ID возвращает имя сессии.
func (b *BotSession) ID() string { return b.opts.ID }

// Kind возвращает тип сессии.
func (b *BotSession) Kind() event.SessionKind { return event.SessionBot }

// State возвращает текущее состояние живости.
func (b *BotSession) State() session.Liveness { return b.tracker.Get() }

// Tracker отдаёт трекер живости для супервизора.
func (b *BotSession) Tracker() *session.Tracker { return b.tracker }

// Events возвращает канал сырых событий сессии.
func (b *BotSession) Events() <-chan event.RawEvent { return b.events }

// Run выполняет одну попытку: проверка токена, запуск long polling и перекачка
// апдейтов до сбоя или отмены контекста. Перезапусками управляет
// session.Supervise.
func (b *BotSession) Run(ctx context.Context) error {
	bot, err := telego.NewBot(strings.TrimSpace(b.opts.Token))
	if err != nil {
		return classify(err)
	}

	// GetMe и валидирует токен (401 — фатально), и даёт имя бота для логов.
	me, err := bot.GetMe(ctx)
	if err != nil {
		return classify(err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return classify(err)
	}

	b.bot.Store(bot)
	b.tracker.Set(session.Live)
	logger.Infof("session %s: long polling started as @%s (id=%d)", b.opts.ID, me.Username, me.ID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &session.TransportError{Err: errors.New("updates channel closed")}
			}
			b.emit(ctx, upd)
		}
	}
}

// Send отправляет текст в диалог через Bot API. Random_id у Bot API нет;
// идемпотентность ретраев обеспечивают токены на уровне исходящего шлюза.
func (b *BotSession) Send(ctx context.Context, action event.OutboundAction) error {
	if b.tracker.Get() == session.Closed {
		return session.ErrClosed
	}
	bot := b.bot.Load()
	if bot == nil {
		return &session.TransportError{Err: errors.New("bot not connected yet")}
	}

	params := tu.Message(tu.ID(action.ConversationID), action.Text)
	if action.ReplyTo > 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(action.ReplyTo)}
	}

	if _, err := bot.SendMessage(ctx, params); err != nil {
		return classify(err)
	}
	return nil
}

// emit кладёт сырое событие в канал сессии, блокируясь при заполнении.
func (b *BotSession) emit(ctx context.Context, upd telego.Update) {
	raw := event.RawEvent{
		SessionID:    b.opts.ID,
		SessionKind:  event.SessionBot,
		TransportSeq: int64(upd.UpdateID),
		ReceivedAt:   time.Now(),
		Payload:      upd,
	}
	select {
	case <-ctx.Done():
	case b.events <- raw:
	}
}
