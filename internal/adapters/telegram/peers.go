package telegram

import (
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// botSuperPrefix — база chat_id каналов/супергрупп в канонической нумерации:
// conversationID = -100<channel_id>. Обычные группы — просто отрицательный id.
const botSuperPrefix int64 = -1000000000000

// PeerConversationID сводит MTProto‑peer к каноническому идентификатору диалога
// (нумерация Bot API), чтобы события одного диалога из обоих транспортов
// получали одинаковый ключ.
func PeerConversationID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return -p.ChatID
	case *tg.PeerChannel:
		return botSuperPrefix - p.ChannelID
	default:
		return 0
	}
}

// PeerCache — кэш соответствий «канонический id диалога → tg.InputPeer*».
// Заполняется из entities входящих апдейтов; исходящая отправка через MTProto
// возможна только в диалоги, которые сессия уже наблюдала (есть access_hash).
// Потокобезопасен.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

// ErrPeerUnknown возвращается, когда диалог ещё не встречался во входящих
// апдейтах и access_hash для него неизвестен.
var ErrPeerUnknown = errors.New("peer not seen yet")

// NewPeerCache создаёт пустой кэш.
func NewPeerCache() *PeerCache {
	return &PeerCache{peers: make(map[int64]tg.InputPeerClass)}
}

// Remember прогревает кэш сущностями из апдейта. Вызывается на каждом входящем
// событии: пользователи и каналы несут access_hash, без которого MTProto не
// принимает исходящие запросы.
func (c *PeerCache) Remember(entities tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, user := range entities.Users {
		if user == nil {
			continue
		}
		c.peers[id] = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
	}
	for id, chat := range entities.Chats {
		if chat == nil {
			continue
		}
		c.peers[-id] = &tg.InputPeerChat{ChatID: chat.ID}
	}
	for id, ch := range entities.Channels {
		if ch == nil {
			continue
		}
		c.peers[botSuperPrefix-id] = &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
	}
}

// InputPeer возвращает tg.InputPeer* для канонического id диалога.
func (c *PeerCache) InputPeer(conversationID int64) (tg.InputPeerClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, ok := c.peers[conversationID]
	if !ok {
		return nil, errors.Wrapf(ErrPeerUnknown, "conversation %d", conversationID)
	}
	return peer, nil
}

// Len возвращает число закэшированных диалогов (для status в CLI).
func (c *PeerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.peers)
}
