// Package hub is the reference messaging hub: room membership, fan-out of
// server events, and the in-memory store behind the REST history pages. It
// implements the collaborator surface the sync engine is written against.
package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/AlohaMarket/marketchat/internal/protocol"
)

type Hub struct {
	store  *Store
	logger *zap.Logger

	mu      sync.Mutex
	clients map[string]map[*Client]struct{}
	rooms   map[string]map[*Client]struct{}
}

func NewHub(store *Store, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:   store,
		logger:  logger,
		clients: make(map[string]map[*Client]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Store() *Store {
	return h.store
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[client.userID] = set
	}
	first := len(set) == 0
	set[client] = struct{}{}
	h.mu.Unlock()

	if first {
		h.store.SetOnline(client.userID, true)
		h.BroadcastAll(protocol.EventUserStatusChanged, protocol.UserStatusChangedEvent{
			UserID:   client.userID,
			IsOnline: true,
		})
	}
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if client.joined != "" {
		h.leaveLocked(client, client.joined)
	}
	last := false
	if set, ok := h.clients[client.userID]; ok {
		if _, exists := set[client]; exists {
			delete(set, client)
			close(client.send)
		}
		if len(set) == 0 {
			delete(h.clients, client.userID)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		h.store.SetOnline(client.userID, false)
		h.BroadcastAll(protocol.EventUserStatusChanged, protocol.UserStatusChangedEvent{
			UserID:   client.userID,
			IsOnline: false,
		})
	}
}

// Join makes conversationID the client's single joined room, replacing any
// previous membership server-side as well.
func (h *Hub) Join(client *Client, conversationID string) error {
	if !h.store.IsParticipant(conversationID, client.userID) {
		return ErrNotParticipant
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if client.joined != "" && client.joined != conversationID {
		h.leaveLocked(client, client.joined)
	}
	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[conversationID] = room
	}
	room[client] = struct{}{}
	client.joined = conversationID
	return nil
}

func (h *Hub) Leave(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, conversationID)
}

func (h *Hub) leaveLocked(client *Client, conversationID string) {
	if room, ok := h.rooms[conversationID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	if client.joined == conversationID {
		client.joined = ""
	}
}

// JoinedUsers reports which user ids currently have a connection joined to
// the conversation's room.
func (h *Hub) JoinedUsers(conversationID string) map[string]bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined := make(map[string]bool)
	for client := range h.rooms[conversationID] {
		joined[client.userID] = true
	}
	return joined
}

// SendToUser delivers an event to every connection of one user.
func (h *Hub) SendToUser(userID, event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendToUserLocked(userID, data)
}

// BroadcastToParticipants delivers an event to every participant of the
// conversation, joined or not, optionally excluding one user.
func (h *Hub) BroadcastToParticipants(conversationID, event string, payload any, exceptUserID string) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}
	participants := h.store.ParticipantIDs(conversationID)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, userID := range participants {
		if userID == exceptUserID {
			continue
		}
		h.sendToUserLocked(userID, data)
	}
}

// BroadcastToRoom delivers an event only to connections joined to the room.
func (h *Hub) BroadcastToRoom(conversationID, event string, payload any, except *Client) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[conversationID] {
		if client == except {
			continue
		}
		h.deliverLocked(client, data)
	}
}

func (h *Hub) BroadcastAll(event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for client := range set {
			h.deliverLocked(client, data)
		}
	}
}

func (h *Hub) sendToUserLocked(userID string, payload []byte) {
	for client := range h.clients[userID] {
		h.deliverLocked(client, payload)
	}
}

// deliverLocked drops the connection when its send buffer is full rather
// than blocking the hub.
func (h *Hub) deliverLocked(client *Client, payload []byte) {
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("client send buffer full, dropping connection",
			zap.String("user_id", client.userID))
		if set, ok := h.clients[client.userID]; ok {
			if _, exists := set[client]; exists {
				delete(set, client)
				close(client.send)
			}
			if len(set) == 0 {
				delete(h.clients, client.userID)
			}
		}
		if client.joined != "" {
			h.leaveLocked(client, client.joined)
		}
	}
}

func encodeEvent(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(protocol.Frame{Type: event, Payload: data})
}
