// Package app — верхний уровень сборки процесса с двумя сессиями Telegram.
// Здесь связываются обе сессии (бот и пользователь), нормализаторы, буфер
// упорядочивания, роутер диалогов, исходящий шлюз и операторская консоль.
// Запуск и остановка подсистем идут через lifecycle.Manager: линейный старт,
// остановка в обратном порядке.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"telegram-dualbot/internal/adapters/botapi"
	"telegram-dualbot/internal/adapters/cli"
	"telegram-dualbot/internal/adapters/session"
	"telegram-dualbot/internal/adapters/telegram"
	"telegram-dualbot/internal/domain/dispatch"
	"telegram-dualbot/internal/domain/event"
	"telegram-dualbot/internal/domain/outbound"
	"telegram-dualbot/internal/domain/report"
	"telegram-dualbot/internal/infra/backoff"
	"telegram-dualbot/internal/infra/config"
	"telegram-dualbot/internal/infra/lifecycle"
	"telegram-dualbot/internal/infra/logger"
)

// livenessPollInterval — период опроса живости сессий наблюдателем глобальной
// деградации.
const livenessPollInterval = time.Second

// App агрегирует подсистемы процесса и управляет их связью.
type App struct {
	mainCtx    context.Context
	mainCancel context.CancelFunc

	reporter *report.Log
	botSess  *botapi.BotSession
	userSess *telegram.UserSession
	buffer   *dispatch.OrderingBuffer
	router   *dispatch.Router
	gateway  *outbound.Gateway
	console  *cli.Service
	manager  *lifecycle.Manager

	superviseWG sync.WaitGroup
	pumpWG      sync.WaitGroup
	watchWG     sync.WaitGroup
}

// New создаёт пустой каркас приложения. Фактическая сборка выполняется в Run.
func New(mainCtx context.Context, mainCancel context.CancelFunc) *App {
	return &App{mainCtx: mainCtx, mainCancel: mainCancel}
}

// Run собирает конвейер, запускает подсистемы и блокируется до отмены
// корневого контекста. Возвращает ошибку сборки либо объединённую ошибку
// остановки.
func (a *App) Run() error {
	cfg := config.Env()
	a.reporter = report.NewLog()

	botSess, err := botapi.NewBotSession(botapi.BotOptions{
		ID:    "bot",
		Token: cfg.BotToken,
	})
	if err != nil {
		return errors.Wrap(err, "init bot session")
	}
	a.botSess = botSess

	userSess, err := telegram.NewUserSession(telegram.UserOptions{
		ID:          "user",
		APIID:       cfg.APIID,
		APIHash:     cfg.APIHash,
		PhoneNumber: cfg.PhoneNumber,
		SessionFile: cfg.SessionFile,
		StateFile:   cfg.StateFile,
		TestDC:      cfg.TestDC,
		ThrottleRPS: cfg.ThrottleRPS,
	})
	if err != nil {
		return errors.Wrap(err, "init user session")
	}
	a.userSess = userSess

	sessions := []session.Handle{botSess, userSess}

	a.gateway = outbound.NewGateway(outbound.GatewayOptions{
		RatePerConversation: cfg.OutboundRatePerConv,
		QueueDepth:          cfg.OutboundQueueDepth,
		IdempotencyWindow:   cfg.DedupWindow(),
		IdleTimeout:         cfg.IdleConversationTimeout(),
		Sessions:            sessions,
		Reporter:            a.reporter,
	})

	registry := dispatch.NewRegistry()
	registerBuiltinHandlers(registry)

	a.router = dispatch.NewRouter(dispatch.RouterOptions{
		Depth:       cfg.ConversationDepth,
		IdleTimeout: cfg.IdleConversationTimeout(),
		Registry:    registry,
		Submit: func(_ context.Context, action event.OutboundAction) error {
			return a.gateway.Submit(action)
		},
		Reporter: a.reporter,
	})

	// Деградация: одна из сессий закрыта — корроборации ждать не от кого,
	// буфер выпускает события без грейса.
	degraded := func() bool {
		return botSess.State() == session.Closed || userSess.State() == session.Closed
	}
	a.buffer = dispatch.NewOrderingBuffer(dispatch.BufferOptions{
		Grace:    cfg.OrderingGrace(),
		Window:   cfg.DedupWindow(),
		Degraded: degraded,
		Emit:     a.router.Dispatch,
		Reporter: a.reporter,
	})

	a.console = cli.NewService(a.snapshot, a.mainCancel)

	if err = a.registerNodes(cfg); err != nil {
		return err
	}
	if err = a.manager.StartAll(); err != nil {
		return err
	}

	logger.Info("dualbot running")
	<-a.mainCtx.Done()
	logger.Info("shutdown signal received")

	return a.manager.Shutdown()
}

// registerNodes регистрирует подсистемы в lifecycle. Порядок регистрации —
// порядок запуска; остановка идёт в обратном порядке: консоль, роутер
// (дренирование обработчиков), шлюз, буфер, насосы, сессии.
func (a *App) registerNodes(cfg config.EnvConfig) error {
	a.manager = lifecycle.New(a.mainCtx)

	nodes := []struct {
		name  string
		start lifecycle.StartFunc
		stop  lifecycle.StopFunc
	}{
		{
			name:  "sessions",
			start: a.startSessions,
			stop: func(context.Context) error {
				a.superviseWG.Wait()
				a.watchWG.Wait()
				return a.userSess.Close()
			},
		},
		{
			name:  "pumps",
			start: a.startPumps,
			stop: func(context.Context) error {
				a.pumpWG.Wait()
				return nil
			},
		},
		{
			name: "buffer",
			start: func(ctx context.Context) error {
				a.buffer.Start(ctx)
				return nil
			},
			stop: func(context.Context) error {
				a.buffer.Stop()
				return nil
			},
		},
		{
			name: "gateway",
			start: func(ctx context.Context) error {
				a.gateway.Start(ctx)
				return nil
			},
			stop: func(context.Context) error {
				a.gateway.Stop()
				return nil
			},
		},
		{
			name: "router",
			start: func(ctx context.Context) error {
				a.router.Start(ctx)
				return nil
			},
			stop: func(context.Context) error {
				a.router.Stop(cfg.ShutdownGrace())
				return nil
			},
		},
		{
			name: "console",
			start: func(ctx context.Context) error {
				a.console.Start(ctx)
				return nil
			},
			stop: func(context.Context) error {
				a.console.Stop()
				return nil
			},
		},
	}

	for _, n := range nodes {
		if err := a.manager.Register(n.name, n.start, n.stop); err != nil {
			return err
		}
	}
	return nil
}

// startSessions запускает супервизоры обеих сессий и наблюдателя глобальной
// деградации. Сбои одной сессии никогда не блокируют вторую.
func (a *App) startSessions(ctx context.Context) error {
	pol := backoff.Default(config.Env().ReconnectMaxAttempts)

	a.superviseWG.Go(func() {
		session.Supervise(ctx, a.botSess.Tracker(), pol, a.reporter, a.botSess.Run)
	})
	a.superviseWG.Go(func() {
		session.Supervise(ctx, a.userSess.Tracker(), pol, a.reporter, a.userSess.Run)
	})
	a.watchWG.Go(func() { a.watchGlobalDegradation(ctx) })
	return nil
}

// startPumps запускает насосы «сырые события → нормализация → буфер», по
// одному на сессию. Нормализаторы чистые, насосы не разделяют состояние.
func (a *App) startPumps(ctx context.Context) error {
	a.pumpWG.Go(func() { a.pump(ctx, a.botSess.Events(), botapi.Normalizer{}) })
	a.pumpWG.Go(func() { a.pump(ctx, a.userSess.Events(), telegram.Normalizer{}) })
	return nil
}

// pump перекачивает события одной сессии в буфер до отмены контекста.
func (a *App) pump(ctx context.Context, events <-chan event.RawEvent, norm event.Normalizer) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-events:
			ev, ok := norm.Normalize(raw)
			if !ok {
				continue
			}
			if err := a.buffer.Ingest(ctx, ev); err != nil {
				return
			}
		}
	}
}

// watchGlobalDegradation следит за живостью сессий: когда закрыты обе,
// процессу больше нечем заниматься — репортим и инициируем остановку.
func (a *App) watchGlobalDegradation(ctx context.Context) {
	ticker := time.NewTicker(livenessPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.botSess.State() == session.Closed && a.userSess.State() == session.Closed {
				a.reporter.Report(report.KindGlobalDegraded)
				logger.Error("both sessions closed, shutting down")
				a.mainCancel()
				return
			}
		}
	}
}

// snapshot собирает моментальный снимок состояния конвейера для консоли.
func (a *App) snapshot() cli.Snapshot {
	reports := make(map[string]uint64)
	for kind, count := range a.reporter.Counters() {
		reports[string(kind)] = count
	}

	return cli.Snapshot{
		Sessions: []cli.SessionStatus{
			{ID: a.botSess.ID(), Kind: a.botSess.Kind().String(), State: a.botSess.State().String()},
			{ID: a.userSess.ID(), Kind: a.userSess.Kind().String(), State: a.userSess.State().String()},
		},
		Buffer:  a.buffer.Stats(),
		Router:  a.router.Stats(),
		Gateway: a.gateway.Stats(),
		Reports: reports,
	}
}
