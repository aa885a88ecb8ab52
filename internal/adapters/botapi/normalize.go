// Файл normalize.go — приведение апдейтов Bot API к канонической модели.
// Bot API уже нумерует чаты в каноническом виде (пользователь — положительный
// id, группа — отрицательный, канал — -100<id>), конвертация не требуется.
package botapi

import (
	"github.com/mymmrac/telego"

	"telegram-dualbot/internal/domain/event"
)

// Normalizer реализует event.Normalizer для Bot API‑транспорта.
type Normalizer struct{}

var _ event.Normalizer = Normalizer{}

// Normalize сводит сырой апдейт к канонической модели. ok=false для апдейтов,
// не несущих пользовательского смысла (inline‑запросы, опросы и прочее).
func (Normalizer) Normalize(raw event.RawEvent) (event.Event, bool) {
	upd, ok := raw.Payload.(telego.Update)
	if !ok {
		return event.Event{}, false
	}

	switch {
	case upd.Message != nil:
		return normalizeMessage(raw, upd.Message, event.KindMessage)
	case upd.EditedMessage != nil:
		return normalizeMessage(raw, upd.EditedMessage, event.KindEditedMessage)
	case upd.CallbackQuery != nil:
		return normalizeCallback(raw, upd.CallbackQuery)
	case upd.MyChatMember != nil:
		return normalizeMemberChange(raw, upd.MyChatMember)
	case upd.ChatMember != nil:
		return normalizeMemberChange(raw, upd.ChatMember)
	default:
		return event.Event{}, false
	}
}

func normalizeMessage(raw event.RawEvent, msg *telego.Message, kind event.Kind) (event.Event, bool) {
	if msg.From == nil {
		return event.Event{}, false
	}

	conv := msg.Chat.ID
	sender := msg.From.ID
	messageID := int64(msg.MessageID)

	return event.Event{
		ConversationID:  conv,
		SenderID:        sender,
		Kind:            kind,
		Payload:         event.Payload{MessageID: messageID, Text: msg.Text},
		OriginSessionID: raw.SessionID,
		OriginKind:      raw.SessionKind,
		TransportSeq:    raw.TransportSeq,
		ReceivedAt:      raw.ReceivedAt,
		DedupKey:        event.ComputeDedupKey(conv, sender, messageID, kind, msg.EditDate),
	}, true
}

func normalizeCallback(raw event.RawEvent, cq *telego.CallbackQuery) (event.Event, bool) {
	if cq.Message == nil {
		return event.Event{}, false
	}

	conv := cq.Message.GetChat().ID
	sender := cq.From.ID
	messageID := int64(cq.Message.GetMessageID())

	return event.Event{
		ConversationID:  conv,
		SenderID:        sender,
		Kind:            event.KindCallbackAction,
		Payload:         event.Payload{MessageID: messageID, Text: cq.Data},
		OriginSessionID: raw.SessionID,
		OriginKind:      raw.SessionKind,
		TransportSeq:    raw.TransportSeq,
		ReceivedAt:      raw.ReceivedAt,
		DedupKey:        event.ComputeDedupKey(conv, sender, messageID, event.KindCallbackAction, 0),
	}, true
}

func normalizeMemberChange(raw event.RawEvent, upd *telego.ChatMemberUpdated) (event.Event, bool) {
	conv := upd.Chat.ID
	member := upd.NewChatMember.MemberUser().ID

	return event.Event{
		ConversationID:  conv,
		SenderID:        member,
		Kind:            event.KindMemberChange,
		Payload:         event.Payload{MessageID: upd.Date},
		OriginSessionID: raw.SessionID,
		OriginKind:      raw.SessionKind,
		TransportSeq:    raw.TransportSeq,
		ReceivedAt:      raw.ReceivedAt,
		DedupKey:        event.ComputeDedupKey(conv, member, upd.Date, event.KindMemberChange, 0),
	}, true
}
