package session

import (
	"errors"
	"fmt"
	"time"
)

// Таксономия ошибок сессий (§ error handling):
//   - AuthError — фатальна для сессии, ретраев нет;
//   - TransportError — ретраится с бэкофом, затем эскалирует в Closed;
//   - RateLimitedError — отдаётся вызывающему, молча не глотается;
//   - ErrClosed — операция над уже закрытой сессией;
//   - ErrNoSession — ни одна сессия не пригодна для отправки.

// ErrClosed возвращается при попытке использовать закрытую сессию.
var ErrClosed = errors.New("session: closed")

// ErrNoSession возвращается шлюзом, когда обе сессии закрыты.
var ErrNoSession = errors.New("session: no session available")

// AuthError — ошибка авторизации транспорта. Для затронутой сессии фатальна.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth сообщает, является ли ошибка фатальной ошибкой авторизации.
func IsAuth(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransportError — восстановимый сбой ввода-вывода транспорта.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitedError — транспорт велел подождать. RetryAfter может быть нулевым,
// если сервер не сообщил срок.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// IsRateLimited извлекает RateLimitedError из цепочки ошибок.
func IsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
