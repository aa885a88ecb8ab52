// Package outbound — исходящий шлюз. Сериализует действия обработчиков обратно
// на подходящую сессию: выбирает ручку по предпочтению с фолбэком на вторую,
// схлопывает повторные сабмиты по idempotency‑токену и ограничивает темп
// отправки токен‑бакетом на каждый целевой диалог. Избыток встаёт в
// ограниченную очередь; переполнение — явный отказ RateLimited, а не
// бесконечная блокировка.
package outbound

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"telegram-dualbot/internal/adapters/session"
	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/domain/report"
	"telegram-dualbot/internal/infra/backoff"
	"telegram-dualbot/internal/infra/concurrency"
)

// ErrRateLimited возвращается из Submit при переполнении очереди диалога.
var ErrRateLimited = errors.New("outbound: rate limited, conversation queue full")

// sendMaxAttempts ограничивает повторы отправки при ответе «подождите»:
// после исчерпания действие репортится и выбрасывается.
const sendMaxAttempts = 3

// defaultRetryAfter используется, когда транспорт велел подождать, но не сказал сколько.
const defaultRetryAfter = time.Second

// GatewayOptions — зависимости и параметры шлюза.
type GatewayOptions struct {
	// RatePerConversation — целевой темп отправки в один диалог (токенов/сек).
	RatePerConversation float64
	// Burst — ёмкость токен‑бакета диалога. <=0 → 1.
	Burst int
	// QueueDepth — глубина очереди ожидания на диалог.
	QueueDepth int
	// IdempotencyWindow — окно схлопывания повторных сабмитов по токену.
	IdempotencyWindow time.Duration
	// IdleTimeout — простой, после которого пер‑диалоговая полоса собирается.
	IdleTimeout time.Duration
	// Sessions — доступные ручки сессий (бот и пользователь).
	Sessions []session.Handle
	// Reporter получает уведомления о дропах и отказах.
	Reporter report.Reporter
}

// lane — полоса отправки одного диалога: собственный лимитер и очередь.
// Воркер полосы живёт, пока полосу не соберёт сборщик или не остановят шлюз.
type lane struct {
	queue      chan event.OutboundAction
	limiter    *rate.Limiter
	done       chan struct{}
	lastActive time.Time
}

// GatewayStats — снимок счётчиков шлюза для CLI.
type GatewayStats struct {
	Sent      uint64
	Collapsed uint64
	Rejected  uint64
	Lanes     int
}

// Gateway — исходящий шлюз поверх набора сессий.
type Gateway struct {
	opts   GatewayOptions
	tokens *concurrency.TTLSet

	mu    sync.Mutex
	lanes map[int64]*lane

	sent      atomic.Uint64
	collapsed atomic.Uint64
	rejected  atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewGateway создаёт шлюз; воркеры полос стартуют лениво при первом Submit
// в соответствующий диалог.
func NewGateway(opts GatewayOptions) *Gateway {
	if opts.RatePerConversation <= 0 {
		opts.RatePerConversation = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Nop{}
	}
	return &Gateway{
		opts:   opts,
		tokens: concurrency.NewTTLSet(opts.IdempotencyWindow),
		lanes:  make(map[int64]*lane),
	}
}

// Start привязывает шлюз к контексту и запускает фоновые службы.
func (g *Gateway) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	g.startOnce.Do(func() {
		g.ctx, g.cancel = context.WithCancel(ctx)
		g.tokens.Start(g.ctx)
		if g.opts.IdleTimeout > 0 {
			g.wg.Go(func() { g.gcLoop(g.ctx) })
		}
	})
}

// Stop гасит шлюз: воркеры завершаются, недоотправленные действия очередей
// выбрасываются. Частично отправленных действий после остановки не бывает —
// действие либо ушло в транспорт целиком, либо не ушло вовсе.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		g.wg.Wait()
		g.tokens.Stop()
	})
}

// Submit принимает исходящее действие. Ошибки: session.ErrNoSession — обе
// сессии закрыты; ErrRateLimited — очередь диалога переполнена. Повторный
// сабмит с тем же idempotency‑токеном в пределах окна схлопывается в no‑op;
// отклонённый сабмит токен не расходует, его повтор проходит как новый.
func (g *Gateway) Submit(action event.OutboundAction) error {
	if g.ctx == nil || g.ctx.Err() != nil {
		return session.ErrClosed
	}

	if g.pick(action.PreferredKind) == nil {
		g.opts.Reporter.Report(report.KindGlobalDegraded,
			zap.Int64("conversation", action.ConversationID))
		return session.ErrNoSession
	}

	if action.IdempotencyToken != "" && g.tokens.Seen(action.IdempotencyToken) {
		g.collapsed.Add(1)
		g.opts.Reporter.Report(report.KindIdempotentSkip,
			zap.Int64("conversation", action.ConversationID),
			zap.String("token", action.IdempotencyToken))
		return nil
	}

	g.mu.Lock()
	l, ok := g.lanes[action.ConversationID]
	if !ok {
		l = &lane{
			queue:   make(chan event.OutboundAction, g.opts.QueueDepth),
			limiter: rate.NewLimiter(rate.Limit(g.opts.RatePerConversation), g.opts.Burst),
			done:    make(chan struct{}),
		}
		g.lanes[action.ConversationID] = l
		g.wg.Go(func() { g.laneLoop(l) })
	}
	l.lastActive = time.Now()

	// Постановка в очередь под мьютексом, чтобы не гонять с GC полосы.
	select {
	case l.queue <- action:
		g.mu.Unlock()
		return nil
	default:
		g.mu.Unlock()
		// Отказ возвращает токен: действие не принято, его повтор — не дубль.
		if action.IdempotencyToken != "" {
			g.tokens.Forget(action.IdempotencyToken)
		}
		g.rejected.Add(1)
		g.opts.Reporter.Report(report.KindRateLimitReject,
			zap.Int64("conversation", action.ConversationID),
			zap.String("token", action.IdempotencyToken))
		return ErrRateLimited
	}
}

// Stats возвращает снимок счётчиков.
func (g *Gateway) Stats() GatewayStats {
	g.mu.Lock()
	lanes := len(g.lanes)
	g.mu.Unlock()

	return GatewayStats{
		Sent:      g.sent.Load(),
		Collapsed: g.collapsed.Load(),
		Rejected:  g.rejected.Load(),
		Lanes:     lanes,
	}
}

// laneLoop — воркер полосы: ждёт токен лимитера и отправляет действия по одному.
func (g *Gateway) laneLoop(l *lane) {
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-l.done:
			return
		case action := <-l.queue:
			if err := l.limiter.Wait(g.ctx); err != nil {
				return
			}
			g.send(action)

			g.mu.Lock()
			l.lastActive = time.Now()
			g.mu.Unlock()
		}
	}
}

// send выбирает сессию и отправляет действие. Ответ «подождите» уважается
// ограниченным числом повторов; прочие сбои транспорта репортятся без повторов —
// переподключением занимается супервизор сессии, а идемпотентность повторной
// доставки обеспечивают токены обработчиков.
func (g *Gateway) send(action event.OutboundAction) {
	for attempt := 0; attempt < sendMaxAttempts; attempt++ {
		h := g.pick(action.PreferredKind)
		if h == nil {
			g.opts.Reporter.Report(report.KindSendFailure,
				zap.Int64("conversation", action.ConversationID),
				zap.Error(session.ErrNoSession))
			return
		}

		err := h.Send(g.ctx, action)
		if err == nil {
			g.sent.Add(1)
			return
		}

		if rl, ok := session.IsRateLimited(err); ok {
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			g.opts.Reporter.Report(report.KindRateLimitReject,
				zap.Int64("conversation", action.ConversationID),
				zap.String("session", h.ID()),
				zap.Duration("retry_after", wait))
			if backoff.Wait(g.ctx, wait) != nil {
				return
			}
			continue
		}

		g.opts.Reporter.Report(report.KindSendFailure,
			zap.Int64("conversation", action.ConversationID),
			zap.String("session", h.ID()),
			zap.Error(err))
		return
	}
}

// pick возвращает ручку предпочитаемого типа, если она не закрыта, иначе —
// вторую незакрытую, иначе nil.
func (g *Gateway) pick(preferred event.SessionKind) session.Handle {
	var fallback session.Handle
	for _, h := range g.opts.Sessions {
		if h.State() == session.Closed {
			continue
		}
		if h.Kind() == preferred {
			return h
		}
		fallback = h
	}
	return fallback
}

// gcLoop собирает полосы, простоявшие без работы дольше IdleTimeout.
func (g *Gateway) gcLoop(ctx context.Context) {
	interval := g.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.collectIdle()
		}
	}
}

// collectIdle закрывает и удаляет неактивные полосы под мьютексом. Постановка
// в очередь тоже идёт под мьютексом, поэтому в закрытую полосу никто не пишет.
func (g *Gateway) collectIdle() {
	cutoff := time.Now().Add(-g.opts.IdleTimeout)

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, l := range g.lanes {
		if len(l.queue) == 0 && l.lastActive.Before(cutoff) {
			close(l.done)
			delete(g.lanes, id)
		}
	}
}
