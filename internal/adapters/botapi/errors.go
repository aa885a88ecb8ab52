package botapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/mymmrac/telego/telegoapi"

	"telegram-dualbot/internal/adapters/session"
)

// classify сводит ошибку Bot API к таксономии ядра: 401/403 — фатальная ошибка
// авторизации (токен отозван либо бот заблокирован), 429 — просьба подождать с
// retry_after, остальное — восстановимый транспортный сбой.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if session.IsAuth(err) {
		return err
	}
	if _, ok := session.IsRateLimited(err); ok {
		return err
	}

	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &session.AuthError{Err: err}
		case http.StatusTooManyRequests:
			retryAfter := time.Duration(0)
			if apiErr.Parameters != nil {
				retryAfter = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
			}
			return &session.RateLimitedError{RetryAfter: retryAfter}
		}
	}

	return &session.TransportError{Err: err}
}
