package hub

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AlohaMarket/marketchat/internal/models"
)

var (
	ErrNotParticipant      = errors.New("hub: not a conversation participant")
	ErrUnknownConversation = errors.New("hub: unknown conversation")
	ErrUnknownMessage      = errors.New("hub: unknown message")
	ErrNotSender           = errors.New("hub: only the sender may modify a message")
)

type conversationState struct {
	conv     models.Conversation
	messages []models.Message
	unread   map[string]int
}

// Store is the hub's in-memory conversation and message log. It backs both
// the REST history pages and the live command handlers.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversationState
	messageIndex  map[string]string // message id -> conversation id
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*conversationState),
		messageIndex:  make(map[string]string),
	}
}

// CreateOrGet returns the existing conversation with the same participant
// set and product, or creates one.
func (s *Store) CreateOrGet(participants []models.Participant, convType string, product *models.ProductContext) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.conversations {
		if state.conv.Type == convType &&
			sameParticipants(state.conv.Participants, participants) &&
			sameProduct(state.conv.Product, product) {
			return state.conv
		}
	}

	conv := models.Conversation{
		ID:           uuid.NewString(),
		Type:         convType,
		Participants: append([]models.Participant(nil), participants...),
		Product:      product,
	}
	s.conversations[conv.ID] = &conversationState{
		conv:   conv,
		unread: make(map[string]int),
	}
	return conv
}

// ListForParticipant pages the conversations userID belongs to, most recent
// activity first, with that user's unread counts filled in.
func (s *Store) ListForParticipant(userID string, page, limit int, convType string) ([]models.Conversation, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.Conversation
	for _, state := range s.conversations {
		if convType != "" && state.conv.Type != convType {
			continue
		}
		if !hasParticipant(state.conv.Participants, userID) {
			continue
		}
		conv := state.conv
		conv.UnreadCount = state.unread[userID]
		all = append(all, conv)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].LastMessageAt.After(all[j].LastMessageAt)
	})

	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return nil, total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total
}

// AppendMessage assigns a server id and timestamp, records the message, and
// bumps unread counters for every participant except the sender and anyone
// in skipUnread (the users currently joined to the conversation's room).
func (s *Store) AppendMessage(conversationID, senderID, content string, kind models.MessageKind, skipUnread map[string]bool) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, ErrUnknownConversation
	}
	sender, ok := findParticipant(state.conv.Participants, senderID)
	if !ok {
		return models.Message{}, ErrNotParticipant
	}
	if kind == "" {
		kind = models.MessageKindText
	}

	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     sender.Name,
		SenderAvatar:   sender.AvatarURL,
		Content:        content,
		Kind:           kind,
		Timestamp:      time.Now().UTC(),
	}
	state.messages = append(state.messages, msg)
	s.messageIndex[msg.ID] = conversationID

	snapshot := msg
	state.conv.LastMessage = &snapshot
	state.conv.LastMessageAt = msg.Timestamp
	for _, p := range state.conv.Participants {
		if p.ID == senderID || skipUnread[p.ID] {
			continue
		}
		state.unread[p.ID]++
	}
	return msg, nil
}

// MessagesPage returns one newest-first page, optionally only messages
// strictly before the given cursor.
func (s *Store) MessagesPage(conversationID string, page, limit int, before time.Time) ([]models.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return nil, 0, ErrUnknownConversation
	}

	filtered := state.messages
	if !before.IsZero() {
		var upTo []models.Message
		for _, m := range filtered {
			if m.Timestamp.Before(before) {
				upTo = append(upTo, m)
			}
		}
		filtered = upTo
	}

	total := len(filtered)
	// page 1 is the newest window
	end := total - (page-1)*limit
	if end <= 0 {
		return nil, total, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]models.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, filtered[i])
	}
	return out, total, nil
}

func (s *Store) EditMessage(messageID, actorID, content string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, i, err := s.locate(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if state.messages[i].SenderID != actorID {
		return models.Message{}, ErrNotSender
	}

	state.messages[i].Content = content
	state.messages[i].IsEdited = true
	if state.conv.LastMessage != nil && state.conv.LastMessage.ID == messageID {
		// conversation copies handed out by ListForParticipant share the old
		// pointer; replace it instead of mutating through it
		snapshot := state.messages[i]
		state.conv.LastMessage = &snapshot
	}
	return state.messages[i], nil
}

func (s *Store) DeleteMessage(messageID, actorID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, i, err := s.locate(messageID)
	if err != nil {
		return "", err
	}
	if state.messages[i].SenderID != actorID {
		return "", ErrNotSender
	}

	conversationID := state.messages[i].ConversationID
	state.messages = append(state.messages[:i], state.messages[i+1:]...)
	delete(s.messageIndex, messageID)
	return conversationID, nil
}

// MarkRead zeroes userID's unread counter and flags the given messages,
// returning the sender of each flagged message so delivery receipts can be
// routed. The ids are advisory; the counter resets regardless.
func (s *Store) MarkRead(conversationID, userID string, messageIDs []string) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	state.unread[userID] = 0

	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	bySender := make(map[string][]string)
	for i := range state.messages {
		if _, ok := ids[state.messages[i].ID]; ok && !state.messages[i].IsRead {
			state.messages[i].IsRead = true
			sender := state.messages[i].SenderID
			bySender[sender] = append(bySender[sender], state.messages[i].ID)
		}
	}
	return bySender
}

func (s *Store) IsParticipant(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return false
	}
	return hasParticipant(state.conv.Participants, userID)
}

func (s *Store) Participant(conversationID, userID string) (models.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return models.Participant{}, false
	}
	return findParticipant(state.conv.Participants, userID)
}

// ParticipantIDs returns the member ids of a conversation.
func (s *Store) ParticipantIDs(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(state.conv.Participants))
	for _, p := range state.conv.Participants {
		out = append(out, p.ID)
	}
	return out
}

// SetOnline flips the user's online flag everywhere they appear.
func (s *Store) SetOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.conversations {
		for i := range state.conv.Participants {
			if state.conv.Participants[i].ID == userID {
				state.conv.Participants[i].IsOnline = online
			}
		}
	}
}

func (s *Store) locate(messageID string) (*conversationState, int, error) {
	conversationID, ok := s.messageIndex[messageID]
	if !ok {
		return nil, 0, ErrUnknownMessage
	}
	state := s.conversations[conversationID]
	for i := range state.messages {
		if state.messages[i].ID == messageID {
			return state, i, nil
		}
	}
	return nil, 0, ErrUnknownMessage
}

func hasParticipant(participants []models.Participant, userID string) bool {
	_, ok := findParticipant(participants, userID)
	return ok
}

func findParticipant(participants []models.Participant, userID string) (models.Participant, bool) {
	for _, p := range participants {
		if p.ID == userID {
			return p, true
		}
	}
	return models.Participant{}, false
}

func sameParticipants(a, b []models.Participant) bool {
	if len(a) != len(b) {
		return false
	}
	for _, p := range b {
		if !hasParticipant(a, p.ID) {
			return false
		}
	}
	return true
}

func sameProduct(a, b *models.ProductContext) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ProductID == b.ProductID
}
