package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/AlohaMarket/marketchat/internal/models"
)

// Reconciler maintains one ordered-by-time message list per conversation and
// merges the two message sources: locally created provisional messages and
// authoritative server-pushed ones. A provisional message and its server echo
// carry different ids (client-assigned vs server-assigned), so echoes are
// matched by sender, content, and a bounded timestamp window instead.
//
// The reconciler is a plain data structure with no locking; it runs on the
// engine's single dispatch context.
type Reconciler struct {
	window time.Duration
	now    func() time.Time
	lists  map[string][]models.Message
}

func NewReconciler(window time.Duration) *Reconciler {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Reconciler{
		window: window,
		now:    time.Now,
		lists:  make(map[string][]models.Message),
	}
}

// AppendProvisional inserts an unconfirmed message at the tail of the
// conversation's list and returns it for optimistic display.
func (r *Reconciler) AppendProvisional(conversationID string, sender models.LocalUser, content string, kind models.MessageKind) models.Message {
	msg := models.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderName:     sender.Name,
		SenderAvatar:   sender.AvatarURL,
		Content:        content,
		Kind:           kind,
		Timestamp:      r.now(),
		Provisional:    true,
	}
	r.lists[conversationID] = append(r.lists[conversationID], msg)
	return msg
}

// ReconcileIncoming merges an authoritative message. A provisional message
// with identical sender and content whose timestamp lies within the window is
// replaced at its list position; a message whose id is already present is
// dropped; anything else is appended, repairing the tail order if the wire
// delivered it late.
func (r *Reconciler) ReconcileIncoming(msg models.Message) {
	list := r.lists[msg.ConversationID]

	for i := range list {
		if list[i].Provisional &&
			list[i].SenderID == msg.SenderID &&
			list[i].Content == msg.Content &&
			absDuration(msg.Timestamp.Sub(list[i].Timestamp)) <= r.window {
			msg.Provisional = false
			list[i] = msg
			return
		}
	}

	for i := range list {
		if list[i].ID == msg.ID {
			return
		}
	}

	msg.Provisional = false
	list = append(list, msg)
	// The list is already ordered; only walk the new entry backward past any
	// later-stamped predecessors to repair out-of-order delivery.
	for i := len(list) - 1; i > 0 && list[i-1].Timestamp.After(list[i].Timestamp); i-- {
		list[i-1], list[i] = list[i], list[i-1]
	}
	r.lists[msg.ConversationID] = list
}

// DiscardProvisional removes a provisional message after its send command
// failed, returning its content so the caller can restore the input field.
func (r *Reconciler) DiscardProvisional(conversationID, provisionalID string) (string, bool) {
	list := r.lists[conversationID]
	for i := range list {
		if list[i].ID == provisionalID && list[i].Provisional {
			content := list[i].Content
			r.lists[conversationID] = append(list[:i], list[i+1:]...)
			return content, true
		}
	}
	return "", false
}

// ApplyEdit updates a message in place by exact id. Absent ids are a no-op:
// edit events may race a conversation switch that already cleared the list.
func (r *Reconciler) ApplyEdit(msg models.Message) {
	list := r.lists[msg.ConversationID]
	for i := range list {
		if list[i].ID == msg.ID {
			list[i].Content = msg.Content
			list[i].IsEdited = true
			return
		}
	}
}

// ApplyDelete removes a message by exact id; absent ids are a no-op.
func (r *Reconciler) ApplyDelete(conversationID, messageID string) {
	list := r.lists[conversationID]
	for i := range list {
		if list[i].ID == messageID {
			r.lists[conversationID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// MarkRead flags the listed messages as read.
func (r *Reconciler) MarkRead(conversationID string, messageIDs []string) {
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	list := r.lists[conversationID]
	for i := range list {
		if _, ok := ids[list[i].ID]; ok {
			list[i].IsRead = true
		}
	}
}

// Messages returns a copy of the conversation's ordered list.
func (r *Reconciler) Messages(conversationID string) []models.Message {
	list := r.lists[conversationID]
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

// Replace swaps in a freshly loaded history page, dropping prior state for
// the conversation.
func (r *Reconciler) Replace(conversationID string, messages []models.Message) {
	list := make([]models.Message, len(messages))
	copy(list, messages)
	r.lists[conversationID] = list
}

func (r *Reconciler) Clear(conversationID string) {
	delete(r.lists, conversationID)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
