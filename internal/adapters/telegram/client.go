// Package telegram — пользовательская (MTProto) сессия поверх gotd/td.
// Сессия авторизуется интерактивно при первом запуске, хранит MTProto‑ключи в
// файле, состояние подписки на апдейты — в bbolt, и сводит входящие апдейты к
// сырым событиям единого конвейера. Один экземпляр владеет одним подключением.
package telegram

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	tdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/dcs"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"golang.org/x/time/rate"

	"telegram-dualbot/internal/adapters/session"
	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/infra/logger"
	"telegram-dualbot/internal/infra/storage"
)

// eventBufferSize — ёмкость канала сырых событий сессии. При заполнении
// обработчики апдейтов блокируются — backpressure до транспорта.
const eventBufferSize = 128

// UserOptions — параметры пользовательской сессии.
type UserOptions struct {
	ID          string // имя сессии в логах и событиях
	APIID       int
	APIHash     string
	PhoneNumber string
	SessionFile string // файл MTProto‑ключей
	StateFile   string // bbolt с состоянием подписки на апдейты (pts/qts/seq)
	TestDC      bool
	ThrottleRPS int // потолок исходящих RPC, запросов в секунду
}

// UserSession реализует session.Handle поверх gotd‑клиента.
type UserSession struct {
	opts    UserOptions
	tracker *session.Tracker
	events  chan event.RawEvent

	client  *tdtelegram.Client
	waiter  *floodwait.Waiter
	updMgr  *tgupdates.Manager
	peers   *PeerCache
	stateDB *bbolt.DB
}

var _ session.Handle = (*UserSession)(nil)

// NewUserSession собирает клиент, диспетчер апдейтов и хранилища. Подключение
// не устанавливается до первого Run.
func NewUserSession(opts UserOptions) (*UserSession, error) {
	u := &UserSession{
		opts:    opts,
		tracker: session.NewTracker(opts.ID),
		events:  make(chan event.RawEvent, eventBufferSize),
		peers:   NewPeerCache(),
	}

	if err := storage.EnsureDir(opts.StateFile); err != nil {
		return nil, errors.Wrap(err, "ensure state dir")
	}
	stateDB, err := bbolt.Open(opts.StateFile, storage.DefaultFilePerm, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open updates state storage")
	}
	u.stateDB = stateDB

	dispatcher := tg.NewUpdateDispatcher()
	u.registerHandlers(&dispatcher)

	u.updMgr = tgupdates.New(tgupdates.Config{
		Handler: dispatcher,
		Storage: boltstor.NewStateStorage(stateDB),
	})

	u.waiter = floodwait.NewWaiter()

	rps := opts.ThrottleRPS
	if rps <= 0 {
		rps = 1
	}
	options := tdtelegram.Options{
		SessionStorage: &FileStorage{
			Path: opts.SessionFile,
			// Удачная запись сессии означает живое авторизованное подключение.
			OnStore: func() { u.tracker.Set(session.Live) },
		},
		UpdateHandler: u.updMgr,
		Middlewares: []tdtelegram.Middleware{
			u.waiter,
			ratelimit.New(rate.Limit(rps), rps*2), //nolint:mnd // burst = 2*rate
		},
	}
	if opts.TestDC {
		options.DCList = dcs.Test()
	}

	u.client = tdtelegram.NewClient(opts.APIID, opts.APIHash, options)
	return u, nil
}

// ID возвращает имя сессии.
func (u *UserSession) ID() string { return u.opts.ID }

// Kind возвращает тип сессии.
func (u *UserSession) Kind() event.SessionKind { return event.SessionUser }

// State возвращает текущее состояние живости.
func (u *UserSession) State() session.Liveness { return u.tracker.Get() }

// Tracker отдаёт трекер живости для супервизора.
func (u *UserSession) Tracker() *session.Tracker { return u.tracker }

// Events возвращает канал сырых событий сессии.
func (u *UserSession) Events() <-chan event.RawEvent { return u.events }

// Run выполняет одну попытку: подключение, авторизация при необходимости и
// перекачка апдейтов до сбоя или отмены контекста. Перезапусками управляет
// session.Supervise.
func (u *UserSession) Run(ctx context.Context) error {
	err := u.waiter.Run(ctx, func(ctx context.Context) error {
		return u.client.Run(ctx, func(ctx context.Context) error {
			flow := auth.NewFlow(
				TerminalAuthenticator{PhoneNumber: u.opts.PhoneNumber},
				auth.SendCodeOptions{},
			)
			if authErr := u.client.Auth().IfNecessary(ctx, flow); authErr != nil {
				return &session.AuthError{Err: authErr}
			}

			self, selfErr := u.client.Self(ctx)
			if selfErr != nil {
				return classify(selfErr)
			}
			logger.Infof("session %s: logged in as %s (id=%d)", u.opts.ID, self.Username, self.ID)

			return u.updMgr.Run(ctx, u.client.API(), self.ID, tgupdates.AuthOptions{
				OnStart: func(context.Context) {
					u.tracker.Set(session.Live)
					logger.Debugf("session %s: updates subscription started", u.opts.ID)
				},
			})
		})
	})
	return classify(err)
}

// Send отправляет текст в диалог через MTProto. random_id детерминирован по
// idempotency‑токену: ретраи одного действия Telegram схлопывает сам.
func (u *UserSession) Send(ctx context.Context, action event.OutboundAction) error {
	if u.tracker.Get() == session.Closed {
		return session.ErrClosed
	}

	peer, err := u.peers.InputPeer(action.ConversationID)
	if err != nil {
		return &session.TransportError{Err: err}
	}

	randomID := event.TokenRandomID(action.IdempotencyToken)
	if action.IdempotencyToken == "" {
		randomID = rand.Int64N(1<<62) + 1 // #nosec G404
	}

	req := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  action.Text,
		RandomID: randomID,
	}
	if action.ReplyTo > 0 {
		req.ReplyTo = &tg.InputReplyToMessage{ReplyToMsgID: int(action.ReplyTo)}
	}

	if _, err = u.client.API().MessagesSendMessage(ctx, req); err != nil {
		return classify(err)
	}
	return nil
}

// Close освобождает ресурсы сессии. Вызывается один раз после остановки Run.
func (u *UserSession) Close() error {
	if u.stateDB != nil {
		return u.stateDB.Close()
	}
	return nil
}

// registerHandlers подписывает диспетчер на интересующие ядро типы апдейтов.
// Каждый обработчик прогревает кэш пиров и эмитит сырое событие; исходящие
// сообщения самого аккаунта отбрасываются.
func (u *UserSession) registerHandlers(dispatcher *tg.UpdateDispatcher) {
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateNewMessage) error {
		return u.emitMessage(ctx, e, upd.Message, false)
	})
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateNewChannelMessage) error {
		return u.emitMessage(ctx, e, upd.Message, false)
	})
	dispatcher.OnEditMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateEditMessage) error {
		return u.emitMessage(ctx, e, upd.Message, true)
	})
	dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, upd *tg.UpdateEditChannelMessage) error {
		return u.emitMessage(ctx, e, upd.Message, true)
	})
	dispatcher.OnChatParticipant(func(ctx context.Context, e tg.Entities, upd *tg.UpdateChatParticipant) error {
		u.peers.Remember(e)
		return u.emit(ctx, 0, &MemberChange{
			ConversationID: -upd.ChatID,
			UserID:         upd.UserID,
			Seq:            int64(upd.Date),
		})
	})
	dispatcher.OnChannelParticipant(func(ctx context.Context, e tg.Entities, upd *tg.UpdateChannelParticipant) error {
		u.peers.Remember(e)
		return u.emit(ctx, 0, &MemberChange{
			ConversationID: botSuperPrefix - upd.ChannelID,
			UserID:         upd.UserID,
			Seq:            int64(upd.Date),
		})
	})
}

// emitMessage обрабатывает новое либо отредактированное сообщение.
func (u *UserSession) emitMessage(ctx context.Context, e tg.Entities, message tg.MessageClass, edited bool) error {
	msg, ok := message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	u.peers.Remember(e)
	return u.emit(ctx, int64(msg.ID), &Message{Msg: msg, Edited: edited})
}

// emit кладёт сырое событие в канал сессии, блокируясь при заполнении.
func (u *UserSession) emit(ctx context.Context, seq int64, payload any) error {
	raw := event.RawEvent{
		SessionID:    u.opts.ID,
		SessionKind:  event.SessionUser,
		TransportSeq: seq,
		ReceivedAt:   time.Now(),
		Payload:      payload,
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case u.events <- raw:
		return nil
	}
}
