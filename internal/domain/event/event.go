// Package event — каноническая модель событий ядра диспетчеризации.
// Обе сессии (бот и пользовательская) сводят свои транспортные апдейты к
// единому типу Event; дальше ядро (буфер упорядочивания, роутер, шлюз)
// работает только с этой моделью и ничего не знает о транспортах.
//
// Соглашение об идентификаторах: ConversationID использует нумерацию Bot API
// (пользователь — положительный id, базовая группа — отрицательный,
// канал/супергруппа — -100<id>), чтобы события одного диалога из двух
// транспортов получали одинаковый ключ.
package event

import (
	"encoding/binary"
	"hash/fnv"
	"strconv"
	"time"
)

// SessionKind различает два типа подключений процесса.
type SessionKind uint8

const (
	// SessionBot — подключение зарегистрированного бота (Bot API, long polling).
	SessionBot SessionKind = iota
	// SessionUser — авторизованная пользовательская сессия (MTProto), видит
	// правки и реакции, недоступные боту.
	SessionUser
)

// String возвращает текстовое имя типа сессии для логов.
func (k SessionKind) String() string {
	switch k {
	case SessionBot:
		return "bot"
	case SessionUser:
		return "user"
	default:
		return "unknown"
	}
}

// Other возвращает противоположный тип сессии (для фолбэка исходящих).
func (k SessionKind) Other() SessionKind {
	if k == SessionBot {
		return SessionUser
	}
	return SessionBot
}

// Kind — канонический тип события после нормализации.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindMessage
	KindEditedMessage
	KindMemberChange
	KindCallbackAction
)

// String возвращает текстовое имя типа события для логов.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindEditedMessage:
		return "edited_message"
	case KindMemberChange:
		return "member_change"
	case KindCallbackAction:
		return "callback_action"
	default:
		return "unknown"
	}
}

// RawEvent — сырое событие транспорта до нормализации. Неизменяемо после
// эмиссии. TransportSeq монотонен в пределах одной сессии (update_id у бота,
// id сообщения у пользовательской сессии); 0 означает «нет номера».
type RawEvent struct {
	SessionID    string
	SessionKind  SessionKind
	TransportSeq int64
	ReceivedAt   time.Time
	Payload      any
}

// Payload — общая часть полезной нагрузки нормализованного события.
type Payload struct {
	MessageID int64  // идентификатор сообщения в транспорте (0, если неприменимо)
	Text      string // текст сообщения либо data коллбэка
}

// Event — нормализованное событие, единица работы ядра.
type Event struct {
	ConversationID  int64
	SenderID        int64
	Kind            Kind
	Payload         Payload
	OriginSessionID string
	OriginKind      SessionKind
	TransportSeq    int64
	ReceivedAt      time.Time
	DedupKey        uint64
}

// Critical сообщает, относится ли событие к критичным: такие события очередь
// диалога при переполнении не выбрасывает в первую очередь.
func (e Event) Critical() bool {
	return e.Kind == KindMemberChange || e.Kind == KindCallbackAction
}

// DedupKeyString возвращает строковую форму ключа для TTL‑кэша повторов.
func (e Event) DedupKeyString() string {
	return strconv.FormatUint(e.DedupKey, 16)
}

// Less задаёт порядок выпуска событий: первичен транспортный номер, но только
// в пределах одной сессии — update_id бота и id сообщения MTProto никак не
// соотносятся между собой. Между сессиями — время приёма; при равенстве времени
// пользовательская сессия выигрывает, так как обычно видит больше контекста
// (правки, реакции).
func Less(a, b Event) bool {
	if a.OriginKind == b.OriginKind &&
		a.TransportSeq > 0 && b.TransportSeq > 0 && a.TransportSeq != b.TransportSeq {
		return a.TransportSeq < b.TransportSeq
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.OriginKind == SessionUser && b.OriginKind == SessionBot
}

// ComputeDedupKey детерминированно сворачивает (диалог, отправитель,
// транспортный id сообщения, тип события, editDate) в 64‑битный ключ через
// FNV‑1a. Один и тот же логический апдейт, пришедший по обеим сессиям,
// получает одинаковый ключ. Тип и editDate входят в ключ, потому что правка
// несёт id исходного сообщения: без них правка, пришедшая в пределах окна
// дедупликации, гасилась бы как повтор оригинала. editDate равен нулю для
// всего, кроме правок, и различает последовательные правки одного сообщения.
func ComputeDedupKey(conversationID, senderID, messageID int64, kind Kind, editDate int64) uint64 {
	return hashParts(
		uint64(conversationID), // #nosec G115
		uint64(senderID),       // #nosec G115
		uint64(messageID),      // #nosec G115
		uint64(kind),
		uint64(editDate), // #nosec G115
	)
}

// OutboundAction — исходящее действие, произведённое обработчиком.
// IdempotencyToken позволяет шлюзу схлопывать повторные сабмиты.
type OutboundAction struct {
	ConversationID   int64
	PreferredKind    SessionKind
	Text             string
	ReplyTo          int64
	IdempotencyToken string
}

// TokenRandomID проецирует idempotency‑токен в диапазон random_id Telegram
// [1, 2^63-1]. Детерминированность даёт дедупликацию ретраев и на стороне
// самого Telegram (MTProto дедуплицирует по random_id в пределах peer).
func TokenRandomID(token string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(token))
	value := hasher.Sum64() & ((1 << 63) - 1)
	if value == 0 {
		value = 1
	}
	return int64(value) // #nosec G115
}

// hashParts хэширует части FNV‑1a (64 бит) в стабильном байтовом представлении.
func hashParts(parts ...uint64) uint64 {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		_, _ = hasher.Write(buf[:])
	}
	return hasher.Sum64()
}

// Normalizer приводит сырое транспортное событие к канонической модели.
// Реализации обязаны быть чистыми функциями без разделяемого состояния:
// нормализация выполняется в пути обработки каждой из сессий конкурентно.
// ok=false означает «событие транспортное, пользовательского смысла нет».
type Normalizer interface {
	Normalize(raw RawEvent) (ev Event, ok bool)
}
