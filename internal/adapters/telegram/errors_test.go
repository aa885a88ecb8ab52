package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"

	"telegram-dualbot/internal/adapters/session"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{
			name: "nil",
			err:  nil,
			want: func(got error) bool { return got == nil },
		},
		{
			name: "floodWait",
			err:  tgerr.New(420, "FLOOD_WAIT_5"),
			want: func(got error) bool {
				rl, ok := session.IsRateLimited(got)
				return ok && rl.RetryAfter == 5*time.Second
			},
		},
		{
			name: "revokedAuthKey",
			err:  tgerr.New(401, "AUTH_KEY_UNREGISTERED"),
			want: session.IsAuth,
		},
		{
			name: "sessionRevoked",
			err:  tgerr.New(401, "SESSION_REVOKED"),
			want: session.IsAuth,
		},
		{
			name: "unauthorizedByCode",
			err:  tgerr.New(401, "SOMETHING_NEW"),
			want: session.IsAuth,
		},
		{
			name: "contextCanceledPassesThrough",
			err:  context.Canceled,
			want: func(got error) bool {
				var te *session.TransportError
				return errors.Is(got, context.Canceled) && !errors.As(got, &te)
			},
		},
		{
			name: "deadlinePassesThrough",
			err:  context.DeadlineExceeded,
			want: func(got error) bool {
				var te *session.TransportError
				return errors.Is(got, context.DeadlineExceeded) && !errors.As(got, &te)
			},
		},
		{
			name: "badRequestIsTransport",
			err:  tgerr.New(400, "MESSAGE_EMPTY"),
			want: func(got error) bool {
				var te *session.TransportError
				return errors.As(got, &te)
			},
		},
		{
			name: "plainErrorIsTransport",
			err:  errors.New("connection reset"),
			want: func(got error) bool {
				var te *session.TransportError
				return errors.As(got, &te)
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := classify(tc.err); !tc.want(got) {
				t.Fatalf("classify(%v) = %v", tc.err, got)
			}
		})
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	t.Parallel()

	auth := &session.AuthError{Err: errors.New("revoked")}
	if got := classify(auth); got != auth {
		t.Fatalf("classify rewrapped AuthError: %v", got)
	}

	rl := &session.RateLimitedError{RetryAfter: time.Second}
	if got := classify(rl); got != error(rl) {
		t.Fatalf("classify rewrapped RateLimitedError: %v", got)
	}
}
