package outbound_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"telegram-dualbot/internal/adapters/session"
	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/domain/outbound"
	"telegram-dualbot/internal/domain/report"
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

// fakeHandle — управляемая ручка сессии для тестов шлюза.
type fakeHandle struct {
	id   string
	kind event.SessionKind

	mu     sync.Mutex
	state  session.Liveness
	sent   []event.OutboundAction
	sentAt []time.Time

	// sendFn, если задан, вызывается вместо записи по умолчанию.
	sendFn func(ctx context.Context, action event.OutboundAction) error
}

func newFakeHandle(id string, kind event.SessionKind) *fakeHandle {
	return &fakeHandle{id: id, kind: kind, state: session.Live}
}

func (h *fakeHandle) ID() string                    { return h.id }
func (h *fakeHandle) Kind() event.SessionKind       { return h.kind }
func (h *fakeHandle) Events() <-chan event.RawEvent { return nil }

func (h *fakeHandle) State() session.Liveness {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) setState(s session.Liveness) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

func (h *fakeHandle) Send(ctx context.Context, action event.OutboundAction) error {
	if h.sendFn != nil {
		if err := h.sendFn(ctx, action); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, action)
	h.sentAt = append(h.sentAt, time.Now())
	return nil
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

func (h *fakeHandle) sentTimes() []time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Time(nil), h.sentAt...)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func startGateway(t *testing.T, opts outbound.GatewayOptions) *outbound.Gateway {
	t.Helper()

	g := outbound.NewGateway(opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	g.Start(ctx)
	t.Cleanup(g.Stop)
	return g
}

func action(conv int64, kind event.SessionKind, token string) event.OutboundAction {
	return event.OutboundAction{
		ConversationID:   conv,
		PreferredKind:    kind,
		Text:             "hello",
		IdempotencyToken: token,
	}
}

func TestGatewayRoutesToPreferredSession(t *testing.T) {
	t.Parallel()

	bot := newFakeHandle("bot", event.SessionBot)
	user := newFakeHandle("user", event.SessionUser)
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 100,
		Sessions:            []session.Handle{bot, user},
	})

	if err := g.Submit(action(1, event.SessionUser, "")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	waitUntil(t, func() bool { return user.sentCount() == 1 })
	if bot.sentCount() != 0 {
		t.Fatal("bot session must not receive a user-preferred action")
	}
}

func TestGatewayFallsBackWhenPreferredClosed(t *testing.T) {
	t.Parallel()

	bot := newFakeHandle("bot", event.SessionBot)
	user := newFakeHandle("user", event.SessionUser)
	user.setState(session.Closed)
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 100,
		Sessions:            []session.Handle{bot, user},
	})

	if err := g.Submit(action(1, event.SessionUser, "")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	waitUntil(t, func() bool { return bot.sentCount() == 1 })
}

func TestGatewayRejectsWhenAllClosed(t *testing.T) {
	t.Parallel()

	bot := newFakeHandle("bot", event.SessionBot)
	user := newFakeHandle("user", event.SessionUser)
	bot.setState(session.Closed)
	user.setState(session.Closed)

	rep := newCountingReporter()
	g := startGateway(t, outbound.GatewayOptions{
		Sessions: []session.Handle{bot, user},
		Reporter: rep,
	})

	if err := g.Submit(action(1, event.SessionBot, "")); !errors.Is(err, session.ErrNoSession) {
		t.Fatalf("Submit() = %v, want ErrNoSession", err)
	}
	if n := rep.count(report.KindGlobalDegraded); n != 1 {
		t.Fatalf("global degradation reported %d times, want 1", n)
	}
}

func TestGatewayCollapsesIdempotentResubmit(t *testing.T) {
	t.Parallel()

	bot := newFakeHandle("bot", event.SessionBot)
	rep := newCountingReporter()
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 100,
		IdempotencyWindow:   time.Minute,
		Sessions:            []session.Handle{bot},
		Reporter:            rep,
	})

	if err := g.Submit(action(1, event.SessionBot, "pong:1")); err != nil {
		t.Fatalf("first Submit() failed: %v", err)
	}
	if err := g.Submit(action(1, event.SessionBot, "pong:1")); err != nil {
		t.Fatalf("collapsed Submit() must succeed, got %v", err)
	}

	waitUntil(t, func() bool { return g.Stats().Sent == 1 })
	if got := g.Stats().Collapsed; got != 1 {
		t.Fatalf("Collapsed = %d, want 1", got)
	}
	if n := rep.count(report.KindIdempotentSkip); n != 1 {
		t.Fatalf("idempotent skip reported %d times, want 1", n)
	}
	if bot.sentCount() != 1 {
		t.Fatalf("transport received %d sends, want 1", bot.sentCount())
	}
}

func TestGatewayRejectsOnFullQueue(t *testing.T) {
	t.Parallel()

	sending := make(chan struct{})
	release := make(chan struct{})
	bot := newFakeHandle("bot", event.SessionBot)
	bot.sendFn = func(context.Context, event.OutboundAction) error {
		sending <- struct{}{}
		<-release
		return nil
	}

	rep := newCountingReporter()
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 1000,
		QueueDepth:          1,
		Sessions:            []session.Handle{bot},
		Reporter:            rep,
	})

	// Первое действие занимает воркера, второе заполняет очередь глубины 1.
	if err := g.Submit(action(1, event.SessionBot, "")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	<-sending
	if err := g.Submit(action(1, event.SessionBot, "")); err != nil {
		t.Fatalf("Submit() into queue failed: %v", err)
	}

	if err := g.Submit(action(1, event.SessionBot, "")); !errors.Is(err, outbound.ErrRateLimited) {
		t.Fatalf("Submit() = %v, want ErrRateLimited", err)
	}
	if n := rep.count(report.KindRateLimitReject); n != 1 {
		t.Fatalf("rate limit reject reported %d times, want 1", n)
	}

	close(release)
	go func() {
		for range sending {
		}
	}()
	waitUntil(t, func() bool { return g.Stats().Sent == 2 })
	close(sending)
}

// Отклонённый сабмит не должен расходовать idempotency‑токен: повтор после
// RateLimited обязан дойти до транспорта, а не схлопнуться об собственный след.
func TestGatewayRejectedSubmitKeepsTokenRetryable(t *testing.T) {
	t.Parallel()

	sending := make(chan struct{})
	release := make(chan struct{})
	bot := newFakeHandle("bot", event.SessionBot)
	bot.sendFn = func(context.Context, event.OutboundAction) error {
		sending <- struct{}{}
		<-release
		return nil
	}

	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 1000,
		QueueDepth:          1,
		IdempotencyWindow:   time.Minute,
		Sessions:            []session.Handle{bot},
	})

	if err := g.Submit(action(1, event.SessionBot, "a")); err != nil {
		t.Fatalf("Submit(a) failed: %v", err)
	}
	<-sending
	if err := g.Submit(action(1, event.SessionBot, "b")); err != nil {
		t.Fatalf("Submit(b) failed: %v", err)
	}
	if err := g.Submit(action(1, event.SessionBot, "c")); !errors.Is(err, outbound.ErrRateLimited) {
		t.Fatalf("Submit(c) = %v, want ErrRateLimited", err)
	}

	close(release)
	go func() {
		for range sending {
		}
	}()
	waitUntil(t, func() bool { return g.Stats().Sent == 2 })

	if err := g.Submit(action(1, event.SessionBot, "c")); err != nil {
		t.Fatalf("retry of rejected Submit(c) = %v, want nil", err)
	}
	waitUntil(t, func() bool { return g.Stats().Sent == 3 })
	close(sending)

	if got := g.Stats().Collapsed; got != 0 {
		t.Fatalf("Collapsed = %d, retry of a rejected action must not collapse", got)
	}
	if got := bot.sentCount(); got != 3 {
		t.Fatalf("transport received %d sends, want 3", got)
	}
}

func TestGatewaySpacesSendsPerConversation(t *testing.T) {
	t.Parallel()

	bot := newFakeHandle("bot", event.SessionBot)
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 20, // интервал 50ms
		Sessions:            []session.Handle{bot},
	})

	for i := 0; i < 3; i++ {
		if err := g.Submit(action(1, event.SessionBot, "")); err != nil {
			t.Fatalf("Submit() failed: %v", err)
		}
	}
	waitUntil(t, func() bool { return bot.sentCount() == 3 })

	times := bot.sentTimes()
	if total := times[2].Sub(times[0]); total < 80*time.Millisecond {
		t.Fatalf("three sends took %s, want at least ~100ms of limiter spacing", total)
	}
}

func TestGatewayRetriesAfterRateLimitedSend(t *testing.T) {
	t.Parallel()

	var attempts int
	var mu sync.Mutex
	bot := newFakeHandle("bot", event.SessionBot)
	bot.sendFn = func(context.Context, event.OutboundAction) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return &session.RateLimitedError{RetryAfter: 10 * time.Millisecond}
		}
		return nil
	}

	rep := newCountingReporter()
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 1000,
		Sessions:            []session.Handle{bot},
		Reporter:            rep,
	})

	if err := g.Submit(action(1, event.SessionBot, "")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	waitUntil(t, func() bool { return g.Stats().Sent == 1 })

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("send attempts = %d, want 3", got)
	}
	if n := rep.count(report.KindRateLimitReject); n != 2 {
		t.Fatalf("rate limit waits reported %d times, want 2", n)
	}
}

func TestGatewayDoesNotRetryTransportFailure(t *testing.T) {
	t.Parallel()

	var attempts int
	var mu sync.Mutex
	bot := newFakeHandle("bot", event.SessionBot)
	bot.sendFn = func(context.Context, event.OutboundAction) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return &session.TransportError{Err: errors.New("connection reset")}
	}

	rep := newCountingReporter()
	g := startGateway(t, outbound.GatewayOptions{
		RatePerConversation: 1000,
		Sessions:            []session.Handle{bot},
		Reporter:            rep,
	})

	if err := g.Submit(action(1, event.SessionBot, "")); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	waitUntil(t, func() bool { return rep.count(report.KindSendFailure) == 1 })

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 1 {
		t.Fatalf("send attempts = %d, want 1", got)
	}
	if sent := g.Stats().Sent; sent != 0 {
		t.Fatalf("Sent = %d, want 0", sent)
	}
}

func TestGatewaySubmitBeforeStart(t *testing.T) {
	t.Parallel()

	g := outbound.NewGateway(outbound.GatewayOptions{
		Sessions: []session.Handle{newFakeHandle("bot", event.SessionBot)},
	})
	if err := g.Submit(action(1, event.SessionBot, "")); !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Submit() before Start = %v, want ErrClosed", err)
	}
}
