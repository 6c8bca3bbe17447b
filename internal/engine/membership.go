package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/AlohaMarket/marketchat/internal/protocol"
)

// commandInvoker is the slice of the duplex channel the coordinator needs.
type commandInvoker interface {
	Invoke(ctx context.Context, command string, payload any) (json.RawMessage, error)
}

// MembershipCoordinator enforces that this client has at most one joined
// conversation on the duplex channel. It owns the active membership value;
// nothing else writes it.
//
// Two locks with distinct jobs: opMu serializes the join/leave command
// sequences, and mu guards only the activeID value. Invokes run under opMu
// alone, so Active() stays cheap while a join round-trip is in flight —
// event handlers on the dispatch context read it constantly.
type MembershipCoordinator struct {
	channel commandInvoker
	logger  *zap.Logger

	opMu sync.Mutex

	mu       sync.Mutex
	activeID string
}

func NewMembershipCoordinator(ch commandInvoker, logger *zap.Logger) *MembershipCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MembershipCoordinator{channel: ch, logger: logger}
}

// Select switches the joined conversation. Any current membership is left
// first; leave failures are logged and ignored since the server times out
// stale memberships on its own. Selecting the active conversation is a
// no-op. On join failure no membership remains.
func (m *MembershipCoordinator) Select(ctx context.Context, conversationID string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Active() == conversationID {
		return nil
	}

	if prev := m.Active(); prev != "" {
		m.leave(ctx, prev)
		m.setActive("")
	}

	if err := m.join(ctx, conversationID); err != nil {
		return err
	}
	m.setActive(conversationID)
	return nil
}

// Leave abandons the current membership, if any.
func (m *MembershipCoordinator) Leave(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	active := m.Active()
	if active == "" {
		return
	}
	m.leave(ctx, active)
	m.setActive("")
}

// Rejoin re-issues join for the membership that was active before a drop.
// It deliberately skips any history re-fetch; only events from here on are
// expected, and the gap is an accepted consistency weakening.
func (m *MembershipCoordinator) Rejoin(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	active := m.Active()
	if active == "" {
		return nil
	}
	if err := m.join(ctx, active); err != nil {
		return fmt.Errorf("rejoin %s: %w", active, err)
	}
	m.logger.Info("rejoined conversation after reconnect",
		zap.String("conversation_id", active))
	return nil
}

// Active returns the currently joined conversation id, or "". Never blocks
// on in-flight commands.
func (m *MembershipCoordinator) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

func (m *MembershipCoordinator) setActive(conversationID string) {
	m.mu.Lock()
	m.activeID = conversationID
	m.mu.Unlock()
}

func (m *MembershipCoordinator) join(ctx context.Context, conversationID string) error {
	_, err := m.channel.Invoke(ctx, protocol.CmdJoinConversation, protocol.JoinConversationPayload{
		ConversationID: conversationID,
	})
	return err
}

func (m *MembershipCoordinator) leave(ctx context.Context, conversationID string) {
	_, err := m.channel.Invoke(ctx, protocol.CmdLeaveConversation, protocol.LeaveConversationPayload{
		ConversationID: conversationID,
	})
	if err != nil {
		m.logger.Warn("leave conversation failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}
