// Package concurrency — утилиты для безопасного конкурентного исполнения.
// В этом файле — ожидание WaitGroup с ограничением по времени, используется
// при graceful shutdown для дренажа обработчиков.
package concurrency

import (
	"sync"
	"time"
)

// WaitTimeout ждёт завершения wg не дольше d. Возвращает true, если все
// горутины завершились вовремя, и false при истечении таймаута (горутины при
// этом продолжают работать; решение о форсированном завершении принимает
// вызывающий через отмену контекста).
func WaitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
