package telegram

import (
	"context"
	"errors"

	"github.com/gotd/td/tgerr"

	"telegram-dualbot/internal/adapters/session"
)

// authRPCTypes — RPC‑ошибки, после которых ретрай с теми же кредами бессмыслен:
// сессия отозвана либо аккаунт недоступен. Переводятся в session.AuthError.
var authRPCTypes = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// classify сводит ошибку MTProto‑слоя к таксономии ядра: FLOOD_WAIT — просьба
// подождать с известным сроком, ошибки авторизации фатальны, остальное —
// восстановимый транспортный сбой. Контекстные отмены проходят как есть.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Уже классифицированные ошибки проходят без повторной упаковки.
	if session.IsAuth(err) {
		return err
	}
	if _, ok := session.IsRateLimited(err); ok {
		return err
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &session.RateLimitedError{RetryAfter: wait}
	}

	if rpcErr, ok := tgerr.As(err); ok {
		for _, t := range authRPCTypes {
			if rpcErr.Type == t {
				return &session.AuthError{Err: err}
			}
		}
		if rpcErr.Code == 401 {
			return &session.AuthError{Err: err}
		}
	}

	return &session.TransportError{Err: err}
}
