// Файл router.go — маршрутизация выпущенных буфером событий на обработчики.
// Гарантии: на диалог — не более одного обработчика одновременно, события
// одного диалога наблюдаются в порядке выпуска; диалоги обрабатываются
// параллельно без общего лимита. Ошибка обработчика никогда не фатальна для
// роутера и не задевает другие диалоги.
package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/domain/report"
	"telegram-dualbot/internal/infra/concurrency"
	"telegram-dualbot/internal/infra/logger"
)

// SubmitFunc отдаёт исходящее действие шлюзу. Ошибки сабмита роутер только
// репортит: повторная доставка — забота обработчика и его idempotency‑токенов.
type SubmitFunc func(ctx context.Context, action event.OutboundAction) error

// RouterOptions — зависимости и параметры роутера.
type RouterOptions struct {
	// Depth — максимум отложенных событий на диалог; при переполнении
	// выбрасывается старейшее некритичное событие, новейшее сохраняется всегда.
	Depth int
	// IdleTimeout — через сколько простоя очередь диалога собирается сборщиком.
	IdleTimeout time.Duration
	// Registry — явный реестр обработчиков.
	Registry *Registry
	// Submit — выход на исходящий шлюз.
	Submit SubmitFunc
	// Reporter получает уведомления об ошибках обработчиков и дропах.
	Reporter report.Reporter
	// Now — источник времени; подменяется в тестах.
	Now func() time.Time
}

// conversation — состояние одного диалога: отложенные события и признак
// выполняющегося обработчика. Защищается мьютексом роутера.
type conversation struct {
	id         int64
	pending    []event.Event
	inflight   bool
	lastActive time.Time
}

// RouterStats — снимок счётчиков роутера для CLI.
type RouterStats struct {
	Dispatched    uint64
	Dropped       uint64
	HandlerErrors uint64
	Conversations int
}

// Router ведёт карту очередей диалогов и раздаёт события обработчикам.
type Router struct {
	opts RouterOptions

	mu    sync.Mutex
	convs map[int64]*conversation

	dispatched    atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64

	ctx       context.Context
	cancel    context.CancelFunc
	stopping  atomic.Bool
	wg        sync.WaitGroup // горутины обработчиков
	gcWG      sync.WaitGroup // сборщик неактивных диалогов
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRouter создаёт роутер; горутины стартуют в Start.
func NewRouter(opts RouterOptions) *Router {
	if opts.Depth <= 0 {
		opts.Depth = 32
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Nop{}
	}
	return &Router{
		opts:  opts,
		convs: make(map[int64]*conversation),
	}
}

// Start запускает сборщик неактивных диалогов. Повторные вызовы игнорируются.
func (r *Router) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	r.startOnce.Do(func() {
		r.ctx, r.cancel = context.WithCancel(ctx)
		if r.opts.IdleTimeout > 0 {
			r.gcWG.Go(func() { r.gcLoop(r.ctx) })
		}
	})
}

// Dispatch принимает выпущенное буфером событие. Если обработчик диалога уже
// выполняется — событие встаёт в ограниченную очередь, иначе запускается
// немедленно в отдельной горутине. После начала остановки новые события
// молча отбрасываются: система в состоянии глобальной деградации/shutdown.
func (r *Router) Dispatch(ev event.Event) {
	if r.ctx == nil || r.stopping.Load() {
		return
	}

	r.mu.Lock()
	c, ok := r.convs[ev.ConversationID]
	if !ok {
		// Очередь диалога создаётся лениво при первом событии.
		c = &conversation{id: ev.ConversationID}
		r.convs[ev.ConversationID] = c
	}
	c.lastActive = r.opts.Now()

	if c.inflight {
		r.enqueueLocked(c, ev)
		r.mu.Unlock()
		return
	}
	c.inflight = true
	r.mu.Unlock()

	r.wg.Go(func() { r.runConversation(c, ev) })
}

// Stats возвращает снимок счётчиков.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	convs := len(r.convs)
	r.mu.Unlock()

	return RouterStats{
		Dispatched:    r.dispatched.Load(),
		Dropped:       r.dropped.Load(),
		HandlerErrors: r.handlerErrors.Load(),
		Conversations: convs,
	}
}

// Stop останавливает роутер: прекращает приём, дренирует выполняющиеся
// обработчики не дольше grace, затем форсирует завершение отменой контекста.
func (r *Router) Stop(grace time.Duration) {
	r.stopOnce.Do(func() {
		r.stopping.Store(true)
		if r.cancel == nil {
			return
		}

		if !concurrency.WaitTimeout(&r.wg, grace) {
			logger.Warn("router: drain grace exceeded, cancelling in-flight handlers")
			r.cancel()
			r.wg.Wait()
		} else {
			r.cancel()
		}
		r.gcWG.Wait()
	})
}

// enqueueLocked добавляет событие в очередь диалога с политикой переполнения:
// выбрасывается старейшее некритичное событие; если все критичные — старейшее
// вообще. Каждый дроп репортится ровно один раз. Вызывается под r.mu.
func (r *Router) enqueueLocked(c *conversation, ev event.Event) {
	if len(c.pending) >= r.opts.Depth {
		victim := 0
		for i, pending := range c.pending {
			if !pending.Critical() {
				victim = i
				break
			}
		}
		droppedEv := c.pending[victim]
		c.pending = slices.Delete(c.pending, victim, victim+1)

		r.dropped.Add(1)
		r.opts.Reporter.Report(report.KindQueueOverflow,
			zap.Int64("conversation", c.id),
			zap.String("event_kind", droppedEv.Kind.String()),
			zap.Int64("message_id", droppedEv.Payload.MessageID))
	}
	c.pending = append(c.pending, ev)
}

// runConversation обрабатывает события диалога последовательно до опустошения
// очереди. Во время остановки очередь не продолжается — завершается только
// текущая инвокация.
func (r *Router) runConversation(c *conversation, first event.Event) {
	ev := first
	for {
		r.invoke(ev)

		r.mu.Lock()
		if len(c.pending) > 0 && !r.stopping.Load() && r.ctx.Err() == nil {
			ev = c.pending[0]
			c.pending = slices.Delete(c.pending, 0, 1)
			r.mu.Unlock()
			continue
		}
		c.inflight = false
		c.lastActive = r.opts.Now()
		r.mu.Unlock()
		return
	}
}

// invoke находит обработчик (не более одного — первый совпавший) и выполняет
// его с изоляцией паник. Ошибка репортится и не распространяется.
func (r *Router) invoke(ev event.Event) {
	h, ok := r.opts.Registry.Match(ev)
	if !ok {
		return
	}

	actions, err := r.safeHandle(h, ev)
	r.dispatched.Add(1)
	if err != nil {
		r.handlerErrors.Add(1)
		r.opts.Reporter.Report(report.KindHandlerError,
			zap.Int64("conversation", ev.ConversationID),
			zap.String("event_kind", ev.Kind.String()),
			zap.Error(err))
		return
	}

	if r.opts.Submit == nil {
		return
	}
	for _, action := range actions {
		if submitErr := r.opts.Submit(r.ctx, action); submitErr != nil {
			r.opts.Reporter.Report(report.KindSendFailure,
				zap.Int64("conversation", action.ConversationID),
				zap.Error(submitErr))
		}
	}
}

// safeHandle вызывает обработчик, переводя панику в обычную ошибку — паника
// чужого кода не должна ронять роутер.
func (r *Router) safeHandle(h Handler, ev event.Event) (actions []event.OutboundAction, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Handle(r.ctx, ev)
}

// gcLoop периодически собирает диалоги без отложенной и выполняющейся работы,
// простоявшие дольше IdleTimeout, чтобы карта не росла бесконечно.
func (r *Router) gcLoop(ctx context.Context) {
	interval := r.opts.IdleTimeout / 2
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
			r.collectIdle()
		}
	}
}

// collectIdle удаляет неактивные диалоги под мьютексом.
func (r *Router) collectIdle() {
	cutoff := r.opts.Now().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.convs {
		if !c.inflight && len(c.pending) == 0 && c.lastActive.Before(cutoff) {
			delete(r.convs, id)
		}
	}
}
