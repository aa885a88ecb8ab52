// Package session определяет контракт «ручки сессии» — обёртки над одним
// авторизованным подключением к Telegram (бот либо пользователь). Ручка
// производит ленивый бесконечный поток сырых событий и принимает исходящие
// отправки; состояние живости отражает фактическое здоровье подключения.
package session

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/domain/report"
	"telegram-dualbot/internal/infra/backoff"
	"telegram-dualbot/internal/infra/logger"
)

// Liveness — состояние жизненного цикла подключения.
type Liveness int32

const (
	// Connecting — подключение устанавливается (также начальное состояние).
	Connecting Liveness = iota
	// Live — подключение работает, события текут.
	Live
	// Degraded — одиночный восстановимый сбой, идёт переподключение.
	Degraded
	// Closed — подключение закрыто: исчерпаны попытки, фатальная ошибка
	// авторизации либо общий shutdown. Из Closed возврата нет.
	Closed
)

// String возвращает имя состояния для логов и CLI.
func (l Liveness) String() string {
	switch l {
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

// Handle — ручка одной сессии. Владеет подключением эксклюзивно: создаётся на
// старте процесса, закрывается при shutdown или фатальном сбое авторизации.
//
// Events возвращает канал сырых событий; после переподключения поток
// продолжается с точки возобновления транспорта (не обязательно без пропусков).
// Send может вернуть RateLimitedError, TransportError или ErrClosed.
type Handle interface {
	ID() string
	Kind() event.SessionKind
	State() Liveness
	Events() <-chan event.RawEvent
	Send(ctx context.Context, action event.OutboundAction) error
}

// Tracker хранит состояние живости сессии. Потокобезопасен: состояние лежит в
// atomic, переходы из Closed запрещены.
type Tracker struct {
	id    string
	state atomic.Int32
}

// NewTracker создаёт трекер в состоянии Connecting.
func NewTracker(id string) *Tracker {
	t := &Tracker{id: id}
	t.state.Store(int32(Connecting))
	return t
}

// Get возвращает текущее состояние.
func (t *Tracker) Get() Liveness {
	return Liveness(t.state.Load())
}

// Set переводит трекер в состояние s. Переходы из Closed игнорируются:
// закрытая сессия закрыта навсегда, до внешней реавторизации.
func (t *Tracker) Set(s Liveness) {
	for {
		old := t.state.Load()
		if Liveness(old) == Closed {
			return
		}
		if t.state.CompareAndSwap(old, int32(s)) {
			if Liveness(old) != s {
				logger.Debugf("session %s: %s -> %s", t.id, Liveness(old), s)
			}
			return
		}
	}
}

// Supervise крутит цикл «подключился — работал — упал — подождал — снова»
// для одной сессии. run выполняет одну попытку: подключение и перекачку
// событий до сбоя или отмены контекста; внутри попытки run обязан перевести
// трекер в Live после успешного подключения.
//
// Политика: AuthError фатальна — сессия сразу закрывается без ретраев;
// транспортные сбои ретраятся с экспоненциальным бэкофом, счётчик
// последовательных неудач сбрасывается, если попытка дошла до Live; после
// pol.MaxAttempts неудач подряд сессия переводится в Closed.
// Сбои одной сессии никогда не блокируют вторую: Supervise запускается
// отдельной горутиной на каждую ручку.
func Supervise(ctx context.Context, tracker *Tracker, pol backoff.Policy,
	rep report.Reporter, run func(ctx context.Context) error) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			tracker.Set(Closed)
			return
		}

		tracker.Set(Connecting)
		err := run(ctx)

		if ctx.Err() != nil {
			tracker.Set(Closed)
			return
		}

		if IsAuth(err) {
			// Фатально: ретрай с теми же кредами бессмыслен.
			tracker.Set(Closed)
			rep.Report(report.KindSessionClosed,
				zap.String("session", tracker.id), zap.Error(err))
			return
		}

		// Попытка, дожившая до Live, обнуляет счётчик последовательных неудач.
		if tracker.Get() == Live {
			attempt = 0
		}
		attempt++

		if pol.Exhausted(attempt) {
			tracker.Set(Closed)
			rep.Report(report.KindSessionClosed,
				zap.String("session", tracker.id),
				zap.Int("attempts", attempt), zap.Error(err))
			return
		}

		tracker.Set(Degraded)
		delay := pol.Delay(attempt - 1)
		rep.Report(report.KindSessionDegraded,
			zap.String("session", tracker.id),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay), zap.Error(err))

		if waitErr := backoff.Wait(ctx, delay); waitErr != nil {
			tracker.Set(Closed)
			return
		}
	}
}
