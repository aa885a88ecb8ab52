// Файл handlers.go — встроенные обработчики событий. Служат проверкой
// связности конвейера end‑to‑end: ping отвечает на команду, echo возвращает
// текст отправителю. Прикладные обработчики регистрируются тем же способом.
package app

import (
	"context"
	"strings"

	"telegram-dualbot/internal/domain/dispatch"
	"telegram-dualbot/internal/domain/event"
)

const echoPrefix = "/echo "

// registerBuiltinHandlers добавляет служебные обработчики в реестр. Порядок
// регистрации определяет приоритет: событие получает первый совпавший.
func registerBuiltinHandlers(registry *dispatch.Registry) {
	registry.Register(dispatch.HandlerFunc(
		func(ev event.Event) bool {
			return ev.Kind == event.KindMessage && strings.TrimSpace(ev.Payload.Text) == "/ping"
		},
		func(_ context.Context, ev event.Event) ([]event.OutboundAction, error) {
			return []event.OutboundAction{{
				ConversationID:   ev.ConversationID,
				PreferredKind:    ev.OriginKind,
				Text:             "pong",
				ReplyTo:          ev.Payload.MessageID,
				IdempotencyToken: "pong:" + ev.DedupKeyString(),
			}}, nil
		},
	))

	registry.Register(dispatch.HandlerFunc(
		func(ev event.Event) bool {
			return ev.Kind == event.KindMessage && strings.HasPrefix(ev.Payload.Text, echoPrefix)
		},
		func(_ context.Context, ev event.Event) ([]event.OutboundAction, error) {
			text := strings.TrimSpace(strings.TrimPrefix(ev.Payload.Text, echoPrefix))
			if text == "" {
				return nil, nil
			}
			return []event.OutboundAction{{
				ConversationID:   ev.ConversationID,
				PreferredKind:    ev.OriginKind,
				Text:             text,
				ReplyTo:          ev.Payload.MessageID,
				IdempotencyToken: "echo:" + ev.DedupKeyString(),
			}}, nil
		},
	))
}
