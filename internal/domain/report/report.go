// Package report — коллаборатор наблюдаемости ядра. Ядро отдаёт сюда
// структурированные уведомления о сбоях и дропах (ошибки обработчиков,
// дедуп‑дропы, переполнения очередей, отказы рейт‑лимитера) по принципу
// fire‑and‑forget: Report никогда не блокирует вызывающего.
package report

import (
	"sync"

	"go.uber.org/zap"

	"telegram-dualbot/internal/infra/logger"
)

// Kind классифицирует уведомление. Ядро оперирует только этими видами;
// новые добавляются по мере появления источников.
type Kind string

const (
	KindHandlerError    Kind = "handler_error"
	KindDedupDrop       Kind = "dedup_drop"
	KindQueueOverflow   Kind = "queue_overflow"
	KindRateLimitReject Kind = "rate_limit_reject"
	KindIdempotentSkip  Kind = "idempotent_skip"
	KindSendFailure     Kind = "send_failure"
	KindSessionDegraded Kind = "session_degraded"
	KindSessionClosed   Kind = "session_closed"
	KindGlobalDegraded  Kind = "global_degraded"
)

// Reporter принимает уведомления ядра. Реализация не имеет права блокироваться
// и не должна возвращать ошибки — сбой наблюдаемости не влияет на диспетчеризацию.
type Reporter interface {
	Report(kind Kind, fields ...zap.Field)
}

// Log — реализация Reporter поверх глобального zap‑логгера с подсчётом
// количества уведомлений по видам. Снимок счётчиков отдаётся в CLI.
type Log struct {
	mu       sync.Mutex
	counters map[Kind]uint64
}

// NewLog создаёт репортер с пустыми счётчиками.
func NewLog() *Log {
	return &Log{counters: make(map[Kind]uint64)}
}

// Report инкрементирует счётчик вида и пишет запись в лог. Ошибки обработчиков
// и отказы отправки идут на уровне Warn, остальное — Debug: дедуп‑дропы в
// нормальной работе происходят постоянно и не должны шуметь.
func (l *Log) Report(kind Kind, fields ...zap.Field) {
	l.mu.Lock()
	l.counters[kind]++
	l.mu.Unlock()

	fields = append(fields, zap.String("kind", string(kind)))
	switch kind {
	case KindHandlerError, KindSendFailure, KindSessionClosed, KindGlobalDegraded:
		logger.Warn("core report", fields...)
	default:
		logger.Debug("core report", fields...)
	}
}

// Counters возвращает снимок счётчиков по видам уведомлений.
func (l *Log) Counters() map[Kind]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[Kind]uint64, len(l.counters))
	for k, v := range l.counters {
		out[k] = v
	}
	return out
}

// Nop — репортер‑заглушка для тестов, где уведомления не проверяются.
type Nop struct{}

// Report ничего не делает.
func (Nop) Report(Kind, ...zap.Field) {}
