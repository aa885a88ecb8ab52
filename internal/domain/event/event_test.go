package event_test

import (
	"testing"
	"time"

	"telegram-dualbot/internal/domain/event"
)

func TestComputeDedupKey(t *testing.T) {
	t.Parallel()

	base := event.ComputeDedupKey(100, 200, 300, event.KindMessage, 0)

	cases := []struct {
		name           string
		conversationID int64
		senderID       int64
		messageID      int64
		kind           event.Kind
		editDate       int64
		wantEqual      bool
	}{
		{name: "sameInputsSameKey", conversationID: 100, senderID: 200, messageID: 300, kind: event.KindMessage, wantEqual: true},
		{name: "differentConversation", conversationID: 101, senderID: 200, messageID: 300, kind: event.KindMessage, wantEqual: false},
		{name: "differentSender", conversationID: 100, senderID: 201, messageID: 300, kind: event.KindMessage, wantEqual: false},
		{name: "differentMessage", conversationID: 100, senderID: 200, messageID: 301, kind: event.KindMessage, wantEqual: false},
		{name: "negativeConversation", conversationID: -100, senderID: 200, messageID: 300, kind: event.KindMessage, wantEqual: false},
		// Правка несёт id оригинала, но не должна делить с ним ключ.
		{name: "editOfSameMessage", conversationID: 100, senderID: 200, messageID: 300, kind: event.KindEditedMessage, editDate: 1756000000, wantEqual: false},
		{name: "editKindAlone", conversationID: 100, senderID: 200, messageID: 300, kind: event.KindEditedMessage, wantEqual: false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := event.ComputeDedupKey(tc.conversationID, tc.senderID, tc.messageID, tc.kind, tc.editDate)
			if (got == base) != tc.wantEqual {
				t.Fatalf("ComputeDedupKey(%d,%d,%d,%s,%d) = %d, base = %d, wantEqual = %t",
					tc.conversationID, tc.senderID, tc.messageID, tc.kind, tc.editDate, got, base, tc.wantEqual)
			}
		})
	}
}

// Последовательные правки одного сообщения различаются по editDate.
func TestComputeDedupKeyEditRevisions(t *testing.T) {
	t.Parallel()

	first := event.ComputeDedupKey(100, 200, 300, event.KindEditedMessage, 1756000000)
	second := event.ComputeDedupKey(100, 200, 300, event.KindEditedMessage, 1756000060)
	if first == second {
		t.Fatalf("edits with different edit dates share key %d", first)
	}
}

func TestLess(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		a, b event.Event
		want bool
	}{
		{
			name: "transportSeqWinsWhenBothPresent",
			a:    event.Event{TransportSeq: 5, ReceivedAt: at.Add(time.Hour)},
			b:    event.Event{TransportSeq: 6, ReceivedAt: at},
			want: true,
		},
		{
			// update_id бота и id сообщения MTProto — несвязанные счётчики.
			name: "crossOriginSeqIgnored",
			a:    event.Event{OriginKind: event.SessionUser, TransportSeq: 900, ReceivedAt: at},
			b:    event.Event{OriginKind: event.SessionBot, TransportSeq: 5, ReceivedAt: at.Add(time.Millisecond)},
			want: true,
		},
		{
			name: "receivedAtWhenSeqMissing",
			a:    event.Event{ReceivedAt: at},
			b:    event.Event{TransportSeq: 1, ReceivedAt: at.Add(time.Millisecond)},
			want: true,
		},
		{
			name: "userWinsOnTie",
			a:    event.Event{OriginKind: event.SessionUser, ReceivedAt: at},
			b:    event.Event{OriginKind: event.SessionBot, ReceivedAt: at},
			want: true,
		},
		{
			name: "botLosesOnTie",
			a:    event.Event{OriginKind: event.SessionBot, ReceivedAt: at},
			b:    event.Event{OriginKind: event.SessionUser, ReceivedAt: at},
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := event.Less(tc.a, tc.b); got != tc.want {
				t.Fatalf("Less() = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestTokenRandomID(t *testing.T) {
	t.Parallel()

	first := event.TokenRandomID("echo:abc")
	second := event.TokenRandomID("echo:abc")
	other := event.TokenRandomID("echo:abd")

	if first != second {
		t.Fatalf("TokenRandomID is not deterministic: %d != %d", first, second)
	}
	if first == other {
		t.Fatalf("different tokens produced same random_id: %d", first)
	}
	if first <= 0 {
		t.Fatalf("random_id must be positive, got %d", first)
	}
	if empty := event.TokenRandomID(""); empty <= 0 {
		t.Fatalf("random_id for empty token must be positive, got %d", empty)
	}
}

func TestCritical(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind event.Kind
		want bool
	}{
		{kind: event.KindMessage, want: false},
		{kind: event.KindEditedMessage, want: false},
		{kind: event.KindMemberChange, want: true},
		{kind: event.KindCallbackAction, want: true},
	}

	for _, tc := range cases {
		if got := (event.Event{Kind: tc.kind}).Critical(); got != tc.want {
			t.Fatalf("Critical(%s) = %t, want %t", tc.kind, got, tc.want)
		}
	}
}

func TestSessionKindOther(t *testing.T) {
	t.Parallel()

	if event.SessionBot.Other() != event.SessionUser {
		t.Fatal("bot fallback must be user")
	}
	if event.SessionUser.Other() != event.SessionBot {
		t.Fatal("user fallback must be bot")
	}
}
