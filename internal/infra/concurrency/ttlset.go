// Package concurrency — вспомогательная инфраструктура конкурентного исполнения.
// Данный файл содержит TTLSet — потокобезопасный кэш «недавно видели», который
// подавляет повторную обработку в пределах заданного окна времени. Используется
// ядром диспетчеризации (dedupKey входящих событий) и исходящим шлюзом
// (idempotency‑токены отправок).

package concurrency

import (
	"context"
	"sync"
	"time"
)

// cleanupInterval — период фоновой очистки просроченных записей.
const cleanupInterval = time.Minute

// TTLSet хранит «сигнатуры» недавно виденных ключей и решает, считать ли
// очередной ключ повтором в рамках заданного окна. Структура потокобезопасна.
type TTLSet struct {
	mu     sync.Mutex           // защищает доступ к карте seen из параллельных горутин
	seen   map[string]time.Time // key → expireAt; срок годности записи для проверки повторов
	window time.Duration        // до истечения expireAt ключ считается повтором
	now    func() time.Time     // источник времени; подменяется в тестах

	runMu  sync.Mutex         // защищает старт/остановку фоновой очистки
	cancel context.CancelFunc // завершает цикл очистки, если он был запущен
	wg     sync.WaitGroup     // дожидается завершения фоновой горутины при остановке
}

// TTLOption настраивает TTLSet при создании.
type TTLOption func(*TTLSet)

// WithNow подменяет источник времени. Используется в детерминированных тестах.
func WithNow(now func() time.Time) TTLOption {
	return func(s *TTLSet) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTTLSet создаёт кэш подавления повторов с окном window. Нулевое окно
// означает «повторов нет» только мгновенно на текущем тике времени, поэтому
// обычно имеет смысл задавать положительное окно.
func NewTTLSet(window time.Duration, opts ...TTLOption) *TTLSet {
	s := &TTLSet{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seen сообщает, видели ли уже ключ в пределах окна. Возвращает true, если
// запись ещё актуальна (повтор), иначе регистрирует новую запись с истечением
// через window и возвращает false.
func (s *TTLSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.seen[key]; ok && now.Before(exp) {
		return true
	}
	s.seen[key] = now.Add(s.window)
	return false
}

// Forget снимает регистрацию ключа до истечения окна. Нужен, когда операция,
// зарегистрировавшая ключ, в итоге не состоялась и её повтор должен пройти.
func (s *TTLSet) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, key)
}

// Len возвращает текущий размер карты (включая просроченные, ещё не вычищенные записи).
func (s *TTLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Cleanup удаляет из карты все записи с истёкшим сроком. Потокобезопасен и
// может вызываться как фоново (через Start), так и синхронно по необходимости.
func (s *TTLSet) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, k)
		}
	}
}

// Start поднимает фоновую горутину очистки устаревших ключей. Повторные вызовы
// безопасны и игнорируются. Если передан nil‑контекст, запуск отменяется.
func (s *TTLSet) Start(ctx context.Context) {
	if ctx == nil {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Go(func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Cleanup()
			}
		}
	})
}

// Stop корректно завершает фоновую очистку и дожидается её окончания.
func (s *TTLSet) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
