package engine

import (
	"time"

	"github.com/AlohaMarket/marketchat/internal/models"
	"github.com/AlohaMarket/marketchat/internal/protocol"
)

type typingKey struct {
	conversationID string
	userID         string
}

type armedTimer struct {
	timer *time.Timer
	seq   uint64
}

// TypingTracker covers two independent jobs: debouncing this client's own
// typing signal, and tracking which remote users are currently typing per
// conversation. Remote entries expire on their own timer so a lost stop
// event cannot leave a peer typing forever.
//
// The tracker holds no locks. Timer callbacks re-enter through schedule,
// which the engine points at its dispatch queue, so expiry never races
// event handling. Each timer closes only over its own key, and every re-arm
// bumps a sequence number so an expiry that was already queued when its
// entry got refreshed is recognized as stale and dropped.
type TypingTracker struct {
	localUser models.LocalUser
	expiry    time.Duration
	debounce  time.Duration
	schedule  func(func())
	emit      func(conversationID string, isTyping bool)

	seq         uint64
	remote      map[string][]models.TypingUser
	timers      map[typingKey]armedTimer
	localActive map[string]bool
	localTimers map[string]armedTimer
}

func NewTypingTracker(localUser models.LocalUser, expiry, debounce time.Duration, schedule func(func()), emit func(string, bool)) *TypingTracker {
	if expiry <= 0 {
		expiry = 3 * time.Second
	}
	if debounce <= 0 {
		debounce = 2500 * time.Millisecond
	}
	if schedule == nil {
		schedule = func(fn func()) { fn() }
	}
	if emit == nil {
		emit = func(string, bool) {}
	}
	return &TypingTracker{
		localUser:   localUser,
		expiry:      expiry,
		debounce:    debounce,
		schedule:    schedule,
		emit:        emit,
		remote:      make(map[string][]models.TypingUser),
		timers:      make(map[typingKey]armedTimer),
		localActive: make(map[string]bool),
		localTimers: make(map[string]armedTimer),
	}
}

// NotifyLocalTyping records local keystroke activity. Only the first call of
// a burst emits a start signal; every call re-arms the stop timer.
func (t *TypingTracker) NotifyLocalTyping(conversationID string) {
	if !t.localActive[conversationID] {
		t.localActive[conversationID] = true
		t.emit(conversationID, true)
	}

	if prev, ok := t.localTimers[conversationID]; ok {
		prev.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.localTimers[conversationID] = armedTimer{
		seq: seq,
		timer: time.AfterFunc(t.debounce, func() {
			t.schedule(func() { t.localDebounceFired(conversationID, seq) })
		}),
	}
}

// StopLocalTyping emits the stop signal immediately. Called when a message
// is sent; the debounce timer takes the same path when it fires.
func (t *TypingTracker) StopLocalTyping(conversationID string) {
	if prev, ok := t.localTimers[conversationID]; ok {
		prev.timer.Stop()
		delete(t.localTimers, conversationID)
	}
	if t.localActive[conversationID] {
		delete(t.localActive, conversationID)
		t.emit(conversationID, false)
	}
}

func (t *TypingTracker) localDebounceFired(conversationID string, seq uint64) {
	current, ok := t.localTimers[conversationID]
	if !ok || current.seq != seq {
		// re-armed or stopped after this firing was queued
		return
	}
	delete(t.localTimers, conversationID)
	if t.localActive[conversationID] {
		delete(t.localActive, conversationID)
		t.emit(conversationID, false)
	}
}

// HandleRemote applies a typing event from the hub. Events about the local
// user are ignored. Every addition or refresh re-arms that pair's expiry
// timer.
func (t *TypingTracker) HandleRemote(ev protocol.UserTypingEvent) {
	if ev.UserID == t.localUser.ID {
		return
	}

	key := typingKey{conversationID: ev.ConversationID, userID: ev.UserID}
	if !ev.IsTyping {
		if prev, ok := t.timers[key]; ok {
			prev.timer.Stop()
			delete(t.timers, key)
		}
		t.removeUser(key)
		return
	}

	users := t.remote[ev.ConversationID]
	found := false
	for i := range users {
		if users[i].UserID == ev.UserID {
			users[i].UserName = ev.UserName
			found = true
			break
		}
	}
	if !found {
		t.remote[ev.ConversationID] = append(users, models.TypingUser{
			UserID:    ev.UserID,
			UserName:  ev.UserName,
			AvatarURL: ev.AvatarURL,
		})
	}

	if prev, ok := t.timers[key]; ok {
		prev.timer.Stop()
	}
	t.seq++
	seq := t.seq
	t.timers[key] = armedTimer{
		seq: seq,
		timer: time.AfterFunc(t.expiry, func() {
			t.schedule(func() { t.expireRemote(key, seq) })
		}),
	}
}

// TypingUsers returns who is typing in a conversation, ordered by when each
// user first started. Empty is the steady state.
func (t *TypingTracker) TypingUsers(conversationID string) []models.TypingUser {
	users := t.remote[conversationID]
	out := make([]models.TypingUser, len(users))
	copy(out, users)
	return out
}

func (t *TypingTracker) expireRemote(key typingKey, seq uint64) {
	current, ok := t.timers[key]
	if !ok || current.seq != seq {
		return
	}
	delete(t.timers, key)
	t.removeUser(key)
}

func (t *TypingTracker) removeUser(key typingKey) {
	users := t.remote[key.conversationID]
	for i := range users {
		if users[i].UserID == key.userID {
			t.remote[key.conversationID] = append(users[:i], users[i+1:]...)
			return
		}
	}
}
