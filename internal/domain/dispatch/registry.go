package dispatch

import (
	"context"
	"sync"

	"telegram-dualbot/internal/domain/event"
)

// Handler — пара «предикат + обработчик». Handle возвращает набор исходящих
// действий; ошибка изолируется роутером в пределах одного диалога.
type Handler interface {
	Matches(ev event.Event) bool
	Handle(ctx context.Context, ev event.Event) ([]event.OutboundAction, error)
}

// Registry — явный реестр обработчиков, передаётся в роутер при конструировании
// (не модульный синглтон). Порядок регистрации определяет приоритет: событие
// получает не более одного обработчика — первый совпавший.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register добавляет обработчик в конец списка. nil игнорируется.
func (r *Registry) Register(h Handler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Match возвращает первый обработчик, чей предикат совпал, либо ok=false.
func (r *Registry) Match(ev event.Event) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.handlers {
		if h.Matches(ev) {
			return h, true
		}
	}
	return nil, false
}

// funcHandler адаптирует пару функций к интерфейсу Handler.
type funcHandler struct {
	match func(event.Event) bool
	run   func(context.Context, event.Event) ([]event.OutboundAction, error)
}

func (f funcHandler) Matches(ev event.Event) bool { return f.match(ev) }

func (f funcHandler) Handle(ctx context.Context, ev event.Event) ([]event.OutboundAction, error) {
	return f.run(ctx, ev)
}

// HandlerFunc собирает Handler из пары функций. Удобно для регистрации
// обработчиков по месту и в тестах.
func HandlerFunc(match func(event.Event) bool,
	run func(context.Context, event.Event) ([]event.OutboundAction, error)) Handler {
	return funcHandler{match: match, run: run}
}
