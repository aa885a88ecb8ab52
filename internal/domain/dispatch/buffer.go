// Package dispatch — ядро диспетчеризации: слияние двух потоков событий в один
// упорядоченный дедуплицированный поток (buffer.go) и маршрутизация событий на
// обработчики с пер‑диалоговой сериализацией (router.go).
//
// В этом файле — буфер дедупликации и упорядочивания. Два продьюсера (бот‑ и
// пользовательская сессии) конкурентно кладут нормализованные события через
// Ingest; все решения о допуске и порядке принимает единственная горутина‑
// владелец, поэтому кэш повторов и очередь ожидания не требуют внешних локов.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/domain/report"
	"telegram-dualbot/internal/infra/concurrency"
)

// ingestBufferSize — ёмкость входного канала буфера. Небольшой буфер сглаживает
// всплески, при переполнении продьюсеры блокируются — это и есть backpressure.
const ingestBufferSize = 64

// pendingEntry — допущенное событие, ожидающее выпуска. releaseAt — момент,
// раньше которого событие не выпускается (грейс на корроборацию вторым
// транспортом).
type pendingEntry struct {
	ev        event.Event
	releaseAt time.Time
}

// BufferOptions — зависимости и параметры буфера.
type BufferOptions struct {
	// Grace — задержка выпуска: окно, в котором более медленный транспорт
	// успевает доставить дубликат и схлопнуться, а не уехать в диспетчер.
	Grace time.Duration
	// Window — окно кэша повторов по dedupKey.
	Window time.Duration
	// Degraded сообщает, что одна из сессий закрыта: ждать корроборации
	// бессмысленно, события выпускаются без грейса (best‑effort порядок).
	Degraded func() bool
	// Emit вызывается на горутине‑владельце для каждого выпущенного события.
	Emit func(event.Event)
	// Reporter получает уведомления о дедуп‑дропах.
	Reporter report.Reporter
	// Now — источник времени; подменяется в тестах.
	Now func() time.Time
}

// BufferStats — снимок счётчиков буфера для CLI.
type BufferStats struct {
	Admitted   uint64
	Duplicates uint64
	Released   uint64
	Pending    int
}

// OrderingBuffer принимает события из двух сессий и выпускает единый поток:
// на диалог — строго без дубликатов, в неубывающем порядке ключа упорядочивания
// (транспортный номер, затем время приёма с тай‑брейком в пользу
// пользовательской сессии).
type OrderingBuffer struct {
	opts BufferOptions

	in   chan event.Event
	seen *concurrency.TTLSet

	// pending отсортирован по event.Less; трогает только горутина‑владелец.
	pending []pendingEntry

	admitted   atomic.Uint64
	duplicates atomic.Uint64
	released   atomic.Uint64
	pendingLen atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewOrderingBuffer создаёт буфер. Запуск горутины‑владельца — через Start.
func NewOrderingBuffer(opts BufferOptions) *OrderingBuffer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Degraded == nil {
		opts.Degraded = func() bool { return false }
	}
	if opts.Reporter == nil {
		opts.Reporter = report.Nop{}
	}

	ttlOpts := []concurrency.TTLOption{concurrency.WithNow(opts.Now)}
	return &OrderingBuffer{
		opts: opts,
		in:   make(chan event.Event, ingestBufferSize),
		seen: concurrency.NewTTLSet(opts.Window, ttlOpts...),
	}
}

// Start запускает горутину‑владельца и фоновую очистку кэша повторов.
// Повторные вызовы безопасно игнорируются.
func (b *OrderingBuffer) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(ctx)
		b.seen.Start(b.ctx)
		b.wg.Go(func() { b.ownerLoop(b.ctx) })
	})
}

// Stop останавливает буфер: остаток очереди ожидания выпускается в порядке
// ключа (без грейса), затем горутина‑владелец завершается.
func (b *OrderingBuffer) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
		b.seen.Stop()
	})
}

// Ingest кладёт нормализованное событие в буфер. Блокируется при заполненном
// входном канале (backpressure на продьюсера) и прерывается отменой любого из
// контекстов.
func (b *OrderingBuffer) Ingest(ctx context.Context, ev event.Event) error {
	if b.ctx == nil {
		return context.Canceled
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.ctx.Done():
		return b.ctx.Err()
	case b.in <- ev:
		return nil
	}
}

// Stats возвращает снимок счётчиков.
func (b *OrderingBuffer) Stats() BufferStats {
	return BufferStats{
		Admitted:   b.admitted.Load(),
		Duplicates: b.duplicates.Load(),
		Released:   b.released.Load(),
		Pending:    int(b.pendingLen.Load()),
	}
}

// ownerLoop — единственный владелец pending и кэша повторов. Просыпается на
// новое событие либо на дедлайн головы очереди; выпускает события строго от
// головы, чтобы порядок ключа не нарушался событиями с более поздним грейсом.
func (b *OrderingBuffer) ownerLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		b.flushDue(timer)

		select {
		case <-ctx.Done():
			b.flushAll()
			return
		case ev := <-b.in:
			b.admit(ev)
		case <-timer.C:
		}
	}
}

// admit решает судьбу события: дубликат дропается с уведомлением, новое
// событие встаёт в отсортированную очередь ожидания. При закрытой второй
// сессии дедлайн обнуляется — ждать корроборации не от кого.
func (b *OrderingBuffer) admit(ev event.Event) {
	if b.seen.Seen(ev.DedupKeyString()) {
		b.duplicates.Add(1)
		b.opts.Reporter.Report(report.KindDedupDrop,
			zap.Int64("conversation", ev.ConversationID),
			zap.String("origin", ev.OriginKind.String()),
			zap.String("dedup_key", ev.DedupKeyString()))
		return
	}

	releaseAt := b.opts.Now()
	if b.opts.Grace > 0 && !b.opts.Degraded() {
		releaseAt = releaseAt.Add(b.opts.Grace)
	}

	idx := sort.Search(len(b.pending), func(i int) bool {
		return event.Less(ev, b.pending[i].ev)
	})
	b.pending = append(b.pending, pendingEntry{})
	copy(b.pending[idx+1:], b.pending[idx:])
	b.pending[idx] = pendingEntry{ev: ev, releaseAt: releaseAt}

	b.admitted.Add(1)
	b.pendingLen.Store(int64(len(b.pending)))
}

// flushDue выпускает созревшие события от головы очереди и перевзводит таймер
// на дедлайн новой головы. Голова с недозревшим грейсом удерживает и более
// «созревшие» события позади себя — цена строгого порядка выпуска.
func (b *OrderingBuffer) flushDue(timer *time.Timer) {
	now := b.opts.Now()
	for len(b.pending) > 0 && !b.pending[0].releaseAt.After(now) {
		b.emitHead()
		now = b.opts.Now()
	}

	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if len(b.pending) > 0 {
		timer.Reset(b.pending[0].releaseAt.Sub(now))
	}
}

// flushAll выпускает весь остаток очереди в порядке ключа. Вызывается при
// остановке, чтобы не потерять уже допущенные события.
func (b *OrderingBuffer) flushAll() {
	for len(b.pending) > 0 {
		b.emitHead()
	}
}

// emitHead снимает голову очереди и отдаёт её потребителю.
func (b *OrderingBuffer) emitHead() {
	head := b.pending[0].ev
	b.pending = b.pending[1:]
	b.pendingLen.Store(int64(len(b.pending)))
	b.released.Add(1)

	if b.opts.Emit != nil {
		b.opts.Emit(head)
	}
}
