package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"telegram-dualbot/internal/adapters/session"
	"telegram-dualbot/internal/domain/report"
	"telegram-dualbot/internal/infra/backoff"
)

// countingReporter считает уведомления по видам; для проверок в тестах.
type countingReporter struct {
	mu     sync.Mutex
	counts map[report.Kind]int
}

func newCountingReporter() *countingReporter {
	return &countingReporter{counts: make(map[report.Kind]int)}
}

func (r *countingReporter) Report(kind report.Kind, _ ...zap.Field) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[kind]++
}

func (r *countingReporter) count(kind report.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// fastPolicy — политика с миллисекундными паузами, чтобы тесты не спали.
func fastPolicy(maxAttempts int) backoff.Policy {
	return backoff.Policy{
		Base:        time.Millisecond,
		Max:         2 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}.WithRandom(func() float64 { return 0.5 })
}

func TestTrackerClosedIsTerminal(t *testing.T) {
	t.Parallel()

	tr := session.NewTracker("test")
	if got := tr.Get(); got != session.Connecting {
		t.Fatalf("initial state = %s, want connecting", got)
	}

	tr.Set(session.Live)
	if got := tr.Get(); got != session.Live {
		t.Fatalf("state = %s, want live", got)
	}

	tr.Set(session.Closed)
	tr.Set(session.Live)
	if got := tr.Get(); got != session.Closed {
		t.Fatalf("state after reopen attempt = %s, closed must be terminal", got)
	}
}

func TestSuperviseAuthErrorIsFatal(t *testing.T) {
	t.Parallel()

	tr := session.NewTracker("user")
	rep := newCountingReporter()
	runs := 0

	session.Supervise(context.Background(), tr, fastPolicy(10), rep, func(context.Context) error {
		runs++
		return &session.AuthError{Err: errors.New("key revoked")}
	})

	if runs != 1 {
		t.Fatalf("run attempts = %d, auth failure must not be retried", runs)
	}
	if got := tr.Get(); got != session.Closed {
		t.Fatalf("state = %s, want closed", got)
	}
	if n := rep.count(report.KindSessionClosed); n != 1 {
		t.Fatalf("session close reported %d times, want 1", n)
	}
}

func TestSuperviseRetriesUntilExhausted(t *testing.T) {
	t.Parallel()

	tr := session.NewTracker("bot")
	rep := newCountingReporter()
	runs := 0

	session.Supervise(context.Background(), tr, fastPolicy(3), rep, func(context.Context) error {
		runs++
		return &session.TransportError{Err: errors.New("connection reset")}
	})

	if runs != 3 {
		t.Fatalf("run attempts = %d, want 3", runs)
	}
	if got := tr.Get(); got != session.Closed {
		t.Fatalf("state = %s, want closed", got)
	}
	// Две деградации между тремя попытками, затем закрытие.
	if n := rep.count(report.KindSessionDegraded); n != 2 {
		t.Fatalf("degradation reported %d times, want 2", n)
	}
	if n := rep.count(report.KindSessionClosed); n != 1 {
		t.Fatalf("session close reported %d times, want 1", n)
	}
}

func TestSuperviseResetsAttemptsAfterLive(t *testing.T) {
	t.Parallel()

	tr := session.NewTracker("bot")
	rep := newCountingReporter()
	runs := 0

	// Каждая попытка доживает до Live и падает: счётчик последовательных
	// неудач сбрасывается, лимит не исчерпывается.
	session.Supervise(context.Background(), tr, fastPolicy(2), rep, func(context.Context) error {
		runs++
		if runs >= 6 {
			return &session.AuthError{Err: errors.New("stop the test")}
		}
		tr.Set(session.Live)
		return &session.TransportError{Err: errors.New("flaky link")}
	})

	if runs != 6 {
		t.Fatalf("run attempts = %d, want 6", runs)
	}
}

func TestSuperviseStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	tr := session.NewTracker("bot")
	ctx, cancel := context.WithCancel(context.Background())

	session.Supervise(ctx, tr, fastPolicy(0), report.Nop{}, func(context.Context) error {
		cancel()
		return &session.TransportError{Err: errors.New("went away")}
	})

	if got := tr.Get(); got != session.Closed {
		t.Fatalf("state after cancel = %s, want closed", got)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	wrapped := &session.AuthError{Err: errors.New("401")}
	if !session.IsAuth(wrapped) {
		t.Fatal("IsAuth must detect AuthError")
	}
	if session.IsAuth(&session.TransportError{Err: errors.New("reset")}) {
		t.Fatal("IsAuth must not match transport errors")
	}

	rl, ok := session.IsRateLimited(&session.RateLimitedError{RetryAfter: 5 * time.Second})
	if !ok || rl.RetryAfter != 5*time.Second {
		t.Fatalf("IsRateLimited = (%v, %t)", rl, ok)
	}
	if _, ok := session.IsRateLimited(session.ErrClosed); ok {
		t.Fatal("IsRateLimited must not match ErrClosed")
	}
}
