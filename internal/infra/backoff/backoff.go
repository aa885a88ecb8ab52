// Package backoff — политика экспоненциальных пауз с джиттером для повторных
// попыток подключения к внешним транспортам. Паузы растут как 2^attempt секунд,
// ограничены сверху и умножаются на джиттер, чтобы развести одновременные
// реконнекты двух сессий по времени.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	jitterRange = 0.3
	jitterMin   = 0.85
)

// Policy описывает стратегию пауз: базовая задержка, потолок и лимит попыток.
// MaxAttempts <= 0 означает «без ограничения».
type Policy struct {
	Base        time.Duration // задержка первой паузы (attempt=0)
	Max         time.Duration // потолок паузы
	MaxAttempts int           // лимит последовательных неудач до отказа

	randFn func() float64 // источник случайности для джиттера (подменяется в тестах)
}

// Default возвращает политику по умолчанию: старт с секунды, потолок минута,
// maxAttempts последовательных неудач до перевода сессии в Closed.
func Default(maxAttempts int) Policy {
	return Policy{
		Base:        time.Second,
		Max:         time.Minute,
		MaxAttempts: maxAttempts,
	}
}

// WithRandom возвращает копию политики с подменённым источником случайности.
func (p Policy) WithRandom(fn func() float64) Policy {
	p.randFn = fn
	return p
}

// Delay вычисляет паузу перед попыткой attempt (нумерация с нуля):
// Base*2^attempt, ограниченную Max и умноженную на джиттер [0.85..1.15].
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	random := p.randFn
	if random == nil {
		random = rand.Float64
	}
	jitter := random()*jitterRange + jitterMin
	return time.Duration(d * jitter)
}

// Exhausted сообщает, исчерпан ли лимит последовательных неудач.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Wait блокирует на d или до отмены контекста. Возвращает ctx.Err() при отмене.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
