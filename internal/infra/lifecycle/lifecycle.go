// Package lifecycle — менеджер управляемых подсистем приложения.
// Узлы регистрируются в порядке запуска и останавливаются в обратном порядке,
// каждый получает дочерний контекст, отменяемый при Shutdown. Менеджер
// гарантирует, что частично стартовавшее приложение гасится корректно.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"telegram-dualbot/internal/infra/logger"
)

// StartFunc запускает узел. Контекст отменяется при остановке узла; реализация
// не должна блокироваться дольше собственной инициализации.
type StartFunc func(ctx context.Context) error

// StopFunc останавливает узел. На момент вызова контекст узла уже отменён,
// поэтому реализация должна завершить фоновые задачи и освободить ресурсы.
type StopFunc func(ctx context.Context) error

type node struct {
	name    string
	start   StartFunc
	stop    StopFunc
	cancel  context.CancelFunc
	running bool
}

// Manager управляет набором узлов: линейный запуск в порядке регистрации,
// остановка в обратном порядке. Потокобезопасен.
type Manager struct {
	mu      sync.Mutex
	rootCtx context.Context
	nodes   []*node
}

// New создаёт менеджер с корневым контекстом rootCtx (nil → Background).
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{rootCtx: rootCtx}
}

// Register добавляет узел name с хуками start/stop. Оба хука опциональны.
// Повторная регистрация имени — ошибка программиста, возвращается error.
func (m *Manager) Register(name string, start StartFunc, stop StopFunc) error {
	if name == "" {
		return errors.New("lifecycle: empty node name")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, n := range m.nodes {
		if n.name == name {
			return fmt.Errorf("lifecycle: node %q already registered", name)
		}
	}
	m.nodes = append(m.nodes, &node{name: name, start: start, stop: stop})
	return nil
}

// StartAll запускает узлы в порядке регистрации. Первая ошибка прерывает
// запуск; уже стартовавшие узлы останавливаются в обратном порядке.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	nodes := append([]*node(nil), m.nodes...)
	rootCtx := m.rootCtx
	m.mu.Unlock()

	for _, n := range nodes {
		logger.Debugf("lifecycle: starting node %s", n.name)

		ctx, cancel := context.WithCancel(rootCtx)
		if n.start != nil {
			if err := n.start(ctx); err != nil {
				cancel()
				logger.Errorf("lifecycle: node %s failed to start: %v", n.name, err)
				_ = m.Shutdown()
				return fmt.Errorf("start %s: %w", n.name, err)
			}
		}

		m.mu.Lock()
		n.cancel = cancel
		n.running = true
		m.mu.Unlock()

		logger.Debugf("lifecycle: node %s is running", n.name)
	}
	return nil
}

// Shutdown останавливает запущенные узлы в порядке, обратном регистрации.
// Сначала отменяется контекст узла (сигнал фоновым горутинам), затем вызывается
// StopFunc. Возвращает объединённую ошибку stop‑хуков.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	nodes := append([]*node(nil), m.nodes...)
	m.mu.Unlock()

	var errs error
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]

		m.mu.Lock()
		running := n.running
		n.running = false
		cancel := n.cancel
		m.mu.Unlock()

		if !running {
			continue
		}

		logger.Debugf("lifecycle: stopping node %s", n.name)
		if cancel != nil {
			cancel()
		}
		if n.stop != nil {
			if err := n.stop(context.Background()); err != nil {
				logger.Errorf("lifecycle: node %s stopped with error: %v", n.name, err)
				errs = errors.Join(errs, fmt.Errorf("stop %s: %w", n.name, err))
				continue
			}
		}
		logger.Debugf("lifecycle: node %s stopped", n.name)
	}
	return errs
}
