// Package engine keeps a client's view of conversations, messages, typing
// state, and presence consistent with the hub's event stream while absorbing
// locally originated optimistic actions before their confirmation arrives.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AlohaMarket/marketchat/internal/channel"
	"github.com/AlohaMarket/marketchat/internal/models"
	"github.com/AlohaMarket/marketchat/internal/protocol"
	"github.com/AlohaMarket/marketchat/internal/restapi"
)

// ChannelClient is the duplex channel surface the engine drives. Satisfied
// by *channel.Client and by test doubles.
type ChannelClient interface {
	Connect(ctx context.Context, token string) error
	Invoke(ctx context.Context, command string, payload any) (json.RawMessage, error)
	On(event string, handler channel.Handler)
	StateChanges() <-chan channel.StateChange
	State() channel.State
	Close()
}

// HistoryAPI is the request/response collaborator for paginated history.
type HistoryAPI interface {
	ListConversations(ctx context.Context, page, limit int, convType string) (*restapi.ConversationPage, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int, before string) ([]models.Message, models.PaginationMeta, error)
	CreateConversation(ctx context.Context, participantIDs []string, convType, productID string) (*models.Conversation, error)
}

// SendError carries the original content back to the caller when a send
// fails, so the UI can restore the input field without losing anything.
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string { return fmt.Sprintf("send message: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// ErrIdentityRequired is returned by Connect when no local user is set.
var ErrIdentityRequired = errors.New("engine: local user identity required before connect")

// Options tune the engine's empirical windows. Zero values take the
// defaults (10s reconcile window, 3s typing expiry, 2.5s typing debounce,
// 50-message history pages).
type Options struct {
	ReconcileWindow time.Duration
	TypingExpiry    time.Duration
	TypingDebounce  time.Duration
	PageLimit       int
}

// Engine composes the channel client, reconciler, typing tracker, and
// membership coordinator, and is the only component the presentation layer
// talks to. All state below the mutex-free line is touched exclusively on
// the run goroutine: server events, timer callbacks, and snapshot reads all
// funnel through one ordered task queue, so no handler ever runs
// concurrently with another.
type Engine struct {
	user      models.LocalUser
	channel   ChannelClient
	api       HistoryAPI
	logger    *zap.Logger
	pageLimit int

	tasks    chan func()
	quit     chan struct{}
	stopOnce sync.Once
	updates  chan struct{}

	// dispatch-context state
	reconciler    *Reconciler
	typing        *TypingTracker
	membership    *MembershipCoordinator
	conversations []models.Conversation
	connState     channel.State
}

func New(user models.LocalUser, ch ChannelClient, api HistoryAPI, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 50
	}

	e := &Engine{
		user:      user,
		channel:   ch,
		api:       api,
		logger:    logger,
		pageLimit: opts.PageLimit,
		tasks:     make(chan func(), 256),
		quit:      make(chan struct{}),
		updates:   make(chan struct{}, 1),
		connState: channel.StateDisconnected,
	}
	e.reconciler = NewReconciler(opts.ReconcileWindow)
	e.typing = NewTypingTracker(user, opts.TypingExpiry, opts.TypingDebounce, e.do, e.emitTyping)
	e.membership = NewMembershipCoordinator(ch, logger)

	ch.On(protocol.EventReceiveMessage, e.enqueue(e.onReceiveMessage))
	ch.On(protocol.EventMessageEdited, e.enqueue(e.onMessageEdited))
	ch.On(protocol.EventMessageDeleted, e.enqueue(e.onMessageDeleted))
	ch.On(protocol.EventUserTyping, e.enqueue(e.onUserTyping))
	ch.On(protocol.EventUserStatusChanged, e.enqueue(e.onUserStatusChanged))
	ch.On(protocol.EventMessageDelivered, e.enqueue(e.onMessageDelivered))

	go e.run(ch.StateChanges())
	return e
}

// Connect opens the duplex channel. The identity collaborator must have
// supplied a local user first.
func (e *Engine) Connect(ctx context.Context, token string) error {
	if e.user.ID == "" {
		return ErrIdentityRequired
	}
	return e.channel.Connect(ctx, token)
}

// Close tears down the channel and stops the engine permanently.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		e.channel.Close()
		close(e.quit)
	})
}

// LoadConversations fetches the first conversation page and replaces the
// in-memory list. The REST call runs on the caller's goroutine and only its
// result rejoins the dispatch context.
func (e *Engine) LoadConversations(ctx context.Context) error {
	page, err := e.api.ListConversations(ctx, 1, e.pageLimit, "")
	if err != nil {
		return err
	}

	e.call(func() {
		e.conversations = page.Conversations
		e.notify()
	})
	return nil
}

// SelectConversation makes conversationID the single joined conversation:
// leave the previous one (best effort), join, load its latest history page,
// and mark it read. Selecting the active conversation is a no-op. If the
// user switches again before the history fetch resolves, the late result is
// ignored.
func (e *Engine) SelectConversation(ctx context.Context, conversationID string) error {
	if e.membership.Active() == conversationID {
		return nil
	}

	if err := e.membership.Select(ctx, conversationID); err != nil {
		return fmt.Errorf("join conversation: %w", err)
	}

	messages, _, err := e.api.ListMessages(ctx, conversationID, 1, e.pageLimit, "")
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	e.call(func() {
		if e.membership.Active() != conversationID {
			// selection moved on while the fetch was in flight
			return
		}
		e.reconciler.Replace(conversationID, messages)
		for i := range e.conversations {
			e.conversations[i].IsActive = e.conversations[i].ID == conversationID
		}
		e.notify()
	})

	if e.membership.Active() == conversationID {
		e.MarkAsRead(ctx, conversationID)
	}
	return nil
}

// LeaveActiveConversation abandons the current membership and clears its
// message list.
func (e *Engine) LeaveActiveConversation(ctx context.Context) {
	active := e.membership.Active()
	if active == "" {
		return
	}
	e.membership.Leave(ctx)
	e.call(func() {
		e.reconciler.Clear(active)
		for i := range e.conversations {
			e.conversations[i].IsActive = false
		}
		e.notify()
	})
}

// SendMessage appends a provisional message for optimistic display, then
// issues the send command. On success nothing else happens here: the server
// echo reconciles the provisional entry. On failure the provisional message
// is discarded and the returned SendError carries the content back.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string, kind models.MessageKind) error {
	if kind == "" {
		kind = models.MessageKindText
	}

	var provisional models.Message
	e.call(func() {
		provisional = e.reconciler.AppendProvisional(conversationID, e.user, content, kind)
		e.typing.StopLocalTyping(conversationID)
		e.notify()
	})

	_, err := e.channel.Invoke(ctx, protocol.CmdSendMessage, protocol.SendMessagePayload{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    kind,
	})
	if err != nil {
		e.call(func() {
			e.reconciler.DiscardProvisional(conversationID, provisional.ID)
			e.notify()
		})
		return &SendError{Content: content, Err: err}
	}
	return nil
}

func (e *Engine) EditMessage(ctx context.Context, messageID, content string) error {
	_, err := e.channel.Invoke(ctx, protocol.CmdEditMessage, protocol.EditMessagePayload{
		MessageID: messageID,
		Content:   content,
	})
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := e.channel.Invoke(ctx, protocol.CmdDeleteMessage, protocol.DeleteMessagePayload{
		MessageID: messageID,
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// NotifyTyping records local keystroke activity; the tracker debounces the
// outbound start/stop signals.
func (e *Engine) NotifyTyping(conversationID string) {
	e.call(func() { e.typing.NotifyLocalTyping(conversationID) })
}

// MarkAsRead zeroes the unread counter locally and tells the hub which
// messages were seen. Read state is advisory: a failed command is logged,
// never surfaced.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string) {
	var unreadIDs []string
	e.call(func() {
		for _, m := range e.reconciler.Messages(conversationID) {
			if !m.IsRead && !m.Provisional && m.SenderID != e.user.ID {
				unreadIDs = append(unreadIDs, m.ID)
			}
		}
		e.reconciler.MarkRead(conversationID, unreadIDs)
		if conv := e.findConversation(conversationID); conv != nil {
			conv.UnreadCount = 0
		}
		e.notify()
	})

	_, err := e.channel.Invoke(ctx, protocol.CmdMarkAsRead, protocol.MarkAsReadPayload{
		ConversationID: conversationID,
		MessageIDs:     unreadIDs,
	})
	if err != nil {
		e.logger.Warn("mark as read failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

// CreateConversation asks the REST collaborator to create (or return) a
// conversation and adds it to the local list.
func (e *Engine) CreateConversation(ctx context.Context, participantIDs []string, convType, productID string) (*models.Conversation, error) {
	conv, err := e.api.CreateConversation(ctx, participantIDs, convType, productID)
	if err != nil {
		return nil, err
	}

	e.call(func() {
		if e.findConversation(conv.ID) == nil {
			e.conversations = append([]models.Conversation{*conv}, e.conversations...)
		}
		e.notify()
	})
	return conv, nil
}

// Conversations returns a snapshot of the conversation list.
func (e *Engine) Conversations() []models.Conversation {
	var out []models.Conversation
	e.call(func() {
		out = make([]models.Conversation, len(e.conversations))
		copy(out, e.conversations)
	})
	return out
}

// ActiveConversationID returns the joined conversation id, or "".
func (e *Engine) ActiveConversationID() string {
	return e.membership.Active()
}

// Messages returns the active conversation's ordered message list.
func (e *Engine) Messages() []models.Message {
	var out []models.Message
	e.call(func() {
		if active := e.membership.Active(); active != "" {
			out = e.reconciler.Messages(active)
		}
	})
	return out
}

func (e *Engine) ConnectionState() channel.State {
	return e.channel.State()
}

func (e *Engine) TypingUsers(conversationID string) []models.TypingUser {
	var out []models.TypingUser
	e.call(func() { out = e.typing.TypingUsers(conversationID) })
	return out
}

func (e *Engine) UnreadCount(conversationID string) int {
	var count int
	e.call(func() {
		if conv := e.findConversation(conversationID); conv != nil {
			count = conv.UnreadCount
		}
	})
	return count
}

// Updates signals that engine state changed; notifications coalesce.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

func (e *Engine) run(stateCh <-chan channel.StateChange) {
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case change := <-stateCh:
			e.onStateChange(change)
		case <-e.quit:
			return
		}
	}
}

// do enqueues fn onto the dispatch context.
func (e *Engine) do(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.quit:
	}
}

// call runs fn on the dispatch context and waits for it.
func (e *Engine) call(fn func()) {
	done := make(chan struct{})
	e.do(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-e.quit:
	}
}

func (e *Engine) enqueue(handler func(json.RawMessage)) channel.Handler {
	return func(payload json.RawMessage) {
		e.do(func() { handler(payload) })
	}
}

func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

func (e *Engine) onStateChange(change channel.StateChange) {
	prev := e.connState
	e.connState = change.State

	if prev == channel.StateReconnecting && change.State == channel.StateConnected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.membership.Rejoin(ctx); err != nil {
				e.logger.Warn("rejoin after reconnect failed", zap.Error(err))
			}
		}()
	}
	e.notify()
}

func (e *Engine) onReceiveMessage(payload json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warn("malformed message event", zap.Error(err))
		return
	}

	e.reconciler.ReconcileIncoming(msg)

	conv := e.findConversation(msg.ConversationID)
	if conv == nil {
		// first contact on a conversation we have not listed yet
		e.conversations = append([]models.Conversation{{
			ID: msg.ConversationID,
			Participants: []models.Participant{{
				ID:        msg.SenderID,
				Name:      msg.SenderName,
				AvatarURL: msg.SenderAvatar,
				IsOnline:  true,
			}},
		}}, e.conversations...)
		conv = &e.conversations[0]
	}

	snapshot := msg
	conv.LastMessage = &snapshot
	conv.LastMessageAt = msg.Timestamp
	if msg.ConversationID != e.membership.Active() && msg.SenderID != e.user.ID {
		conv.UnreadCount++
	}
	e.notify()
}

func (e *Engine) onMessageEdited(payload json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warn("malformed edit event", zap.Error(err))
		return
	}

	e.reconciler.ApplyEdit(msg)
	if conv := e.findConversation(msg.ConversationID); conv != nil &&
		conv.LastMessage != nil && conv.LastMessage.ID == msg.ID {
		// earlier Conversations() snapshots share the old pointer; swap in a
		// fresh message rather than writing through it
		snapshot := *conv.LastMessage
		snapshot.Content = msg.Content
		snapshot.IsEdited = true
		conv.LastMessage = &snapshot
	}
	e.notify()
}

func (e *Engine) onMessageDeleted(payload json.RawMessage) {
	var ev protocol.MessageDeletedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.logger.Warn("malformed delete event", zap.Error(err))
		return
	}
	e.reconciler.ApplyDelete(ev.ConversationID, ev.MessageID)
	e.notify()
}

func (e *Engine) onUserTyping(payload json.RawMessage) {
	var ev protocol.UserTypingEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.logger.Warn("malformed typing event", zap.Error(err))
		return
	}
	e.typing.HandleRemote(ev)
	e.notify()
}

func (e *Engine) onUserStatusChanged(payload json.RawMessage) {
	var ev protocol.UserStatusChangedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.logger.Warn("malformed status event", zap.Error(err))
		return
	}

	for i := range e.conversations {
		for j := range e.conversations[i].Participants {
			if e.conversations[i].Participants[j].ID == ev.UserID {
				e.conversations[i].Participants[j].IsOnline = ev.IsOnline
			}
		}
	}
	e.notify()
}

func (e *Engine) onMessageDelivered(payload json.RawMessage) {
	var ev protocol.MessageDeliveredEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		e.logger.Warn("malformed delivery event", zap.Error(err))
		return
	}

	if ev.Status == "read" {
		if active := e.membership.Active(); active != "" {
			e.reconciler.MarkRead(active, []string{ev.MessageID})
			e.notify()
		}
	}
}

// findConversation returns a pointer into the conversation slice; dispatch
// context only.
func (e *Engine) findConversation(conversationID string) *models.Conversation {
	for i := range e.conversations {
		if e.conversations[i].ID == conversationID {
			return &e.conversations[i]
		}
	}
	return nil
}

// emitTyping forwards the tracker's start/stop signal to the hub without
// blocking the dispatch context. Typing is advisory, so failures are only
// logged.
func (e *Engine) emitTyping(conversationID string, isTyping bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := e.channel.Invoke(ctx, protocol.CmdSetTyping, protocol.SetTypingPayload{
			ConversationID: conversationID,
			IsTyping:       isTyping,
		})
		if err != nil {
			e.logger.Warn("set typing failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err))
		}
	}()
}
