// Файл normalize.go — приведение сырых MTProto‑апдейтов к канонической модели
// событий. Нормализатор чистый: всё нужное лежит в полезной нагрузке сырого
// события, разделяемого состояния нет.
package telegram

import (
	"github.com/gotd/td/tg"

	"telegram-dualbot/internal/domain/event"
)

// Message — полезная нагрузка сырого события «сообщение» пользовательской сессии.
type Message struct {
	Msg    *tg.Message
	Edited bool
}

// MemberChange — полезная нагрузка сырого события об изменении состава диалога.
// Seq — unix‑время апдейта; вместе с (диалог, участник) даёт ключ дедупликации,
// согласованный с бот‑транспортом (у обоих нет message id для таких событий).
type MemberChange struct {
	ConversationID int64
	UserID         int64
	Seq            int64
}

// Normalizer реализует event.Normalizer для MTProto‑транспорта.
type Normalizer struct{}

var _ event.Normalizer = Normalizer{}

// Normalize сводит сырое событие к канонической модели. ok=false для полезных
// нагрузок, не несущих пользовательского смысла.
func (Normalizer) Normalize(raw event.RawEvent) (event.Event, bool) {
	switch payload := raw.Payload.(type) {
	case *Message:
		return normalizeMessage(raw, payload)
	case *MemberChange:
		return normalizeMemberChange(raw, payload)
	default:
		return event.Event{}, false
	}
}

func normalizeMessage(raw event.RawEvent, payload *Message) (event.Event, bool) {
	msg := payload.Msg
	if msg == nil {
		return event.Event{}, false
	}

	conv := PeerConversationID(msg.PeerID)
	if conv == 0 {
		return event.Event{}, false
	}
	sender := messageSenderID(msg)

	kind := event.KindMessage
	if payload.Edited {
		kind = event.KindEditedMessage
	}

	return event.Event{
		ConversationID:  conv,
		SenderID:        sender,
		Kind:            kind,
		Payload:         event.Payload{MessageID: int64(msg.ID), Text: msg.Message},
		OriginSessionID: raw.SessionID,
		OriginKind:      raw.SessionKind,
		TransportSeq:    raw.TransportSeq,
		ReceivedAt:      raw.ReceivedAt,
		DedupKey:        event.ComputeDedupKey(conv, sender, int64(msg.ID), kind, int64(msg.EditDate)),
	}, true
}

func normalizeMemberChange(raw event.RawEvent, payload *MemberChange) (event.Event, bool) {
	if payload.ConversationID == 0 {
		return event.Event{}, false
	}

	return event.Event{
		ConversationID:  payload.ConversationID,
		SenderID:        payload.UserID,
		Kind:            event.KindMemberChange,
		Payload:         event.Payload{MessageID: payload.Seq},
		OriginSessionID: raw.SessionID,
		OriginKind:      raw.SessionKind,
		TransportSeq:    raw.TransportSeq,
		ReceivedAt:      raw.ReceivedAt,
		DedupKey:        event.ComputeDedupKey(payload.ConversationID, payload.UserID, payload.Seq, event.KindMemberChange, 0),
	}, true
}

// messageSenderID извлекает id отправителя: явный FromID, для личных диалогов —
// сам peer (входящие без FromID приходят от собеседника).
func messageSenderID(msg *tg.Message) int64 {
	if from, ok := msg.FromID.(*tg.PeerUser); ok {
		return from.UserID
	}
	if peer, ok := msg.PeerID.(*tg.PeerUser); ok {
		return peer.UserID
	}
	return 0
}
