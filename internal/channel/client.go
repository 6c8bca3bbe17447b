// Package channel owns the single duplex connection to the messaging hub.
// It exposes command invocation with per-call acknowledgment, ordered event
// dispatch on one goroutine, and a connection state machine that recovers
// from drops with a fixed backoff schedule.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/AlohaMarket/marketchat/internal/protocol"
)

var (
	// tuning parameters
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong message from the peer
	pingInterval   = (pongWait * 9) / 10 // send pings to peer with this period
	maxMessageSize = int64(64 * 1024)    // max inbound frame size
	eventQueueSize = 256                 // ordered dispatch queue depth
	dialTimeout    = 10 * time.Second    // per-attempt dial timeout during reconnect
)

// Handler processes one server event. Handlers run on a single dispatch
// goroutine in arrival order and never concurrently with each other.
type Handler func(payload json.RawMessage)

type ackResult struct {
	payload   json.RawMessage
	remoteErr string
	lost      bool
}

type queuedEvent struct {
	name    string
	payload json.RawMessage
}

// Client is the duplex channel client. Exactly one underlying transport
// exists per successful Connect; all other components issue commands through
// Invoke and never touch the transport directly.
type Client struct {
	rawURL        string
	backoff       *Backoff
	invokeTimeout time.Duration
	logger        *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      int
	token    string
	closing  bool
	done     chan struct{}
	pending  map[string]chan ackResult
	handlers map[string]Handler
	subs     []chan StateChange

	events       chan queuedEvent
	dispatchOnce sync.Once
	writeMu      sync.Mutex
}

func NewClient(hubURL string, backoff *Backoff, invokeTimeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backoff == nil {
		backoff = NewBackoff(nil)
	}
	if invokeTimeout <= 0 {
		invokeTimeout = 10 * time.Second
	}
	return &Client{
		rawURL:        hubURL,
		backoff:       backoff,
		invokeTimeout: invokeTimeout,
		logger:        logger,
		state:         StateDisconnected,
		pending:       make(map[string]chan ackResult),
		handlers:      make(map[string]Handler),
		events:        make(chan queuedEvent, eventQueueSize),
	}
}

// On registers the handler for a server event, replacing any previous one.
// Registration is expected to happen before Connect.
func (c *Client) On(event string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

// StateChanges returns a subscription to connection state transitions. The
// channel is buffered; a consumer that stops draining loses notifications
// rather than blocking the connection.
func (c *Client) StateChanges() <-chan StateChange {
	ch := make(chan StateChange, 32)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the hub, authenticating with token. Calling Connect while
// already Connected is a no-op. A failed initial dial leaves the client
// Disconnected; automatic retries apply only to drops of an established
// connection.
func (c *Client) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.token = token
	c.done = make(chan struct{})
	c.setStateLocked(StateConnecting, 0, nil)
	c.mu.Unlock()

	c.dispatchOnce.Do(func() { go c.dispatchLoop() })

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL(token), nil)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected, 0, err)
		c.mu.Unlock()
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("dial hub: %w", ErrConnectionLost)
	}
	c.adoptLocked(conn)
	c.mu.Unlock()
	return nil
}

// Invoke sends a command and waits for the server's acknowledgment. It fails
// with ErrNotConnected, ErrRemoteRejected, ErrTimeout, or ErrConnectionLost
// per the channel contract.
func (c *Client) Invoke(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", command, err)
	}

	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	ch := make(chan ackResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame := protocol.Frame{Type: command, InvocationID: id, Payload: data}
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(c.invokeTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.lost {
			return nil, ErrConnectionLost
		}
		if res.remoteErr != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemoteRejected, res.remoteErr)
		}
		return res.payload, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, command)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// Close tears down the connection and stops reconnecting. The client stays
// Disconnected until Connect is called again.
func (c *Client) Close() {
	c.mu.Lock()
	c.closing = true
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	conn := c.conn
	c.conn = nil
	c.gen++ // invalidate any reader still draining the old transport
	c.failPendingLocked()
	c.setStateLocked(StateDisconnected, 0, nil)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Client) dialURL(token string) string {
	if token == "" {
		return c.rawURL
	}
	sep := "?"
	if strings.Contains(c.rawURL, "?") {
		sep = "&"
	}
	return c.rawURL + sep + "token=" + url.QueryEscape(token)
}

// adoptLocked installs conn as the live transport and starts its pumps.
// Caller holds c.mu.
func (c *Client) adoptLocked(conn *websocket.Conn) {
	c.gen++
	gen := c.gen
	c.conn = conn

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.backoff.Reset()
	c.setStateLocked(StateConnected, 0, nil)

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		if frame.InvocationID != "" {
			c.resolve(frame)
			continue
		}
		c.events <- queuedEvent{name: frame.Type, payload: frame.Payload}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}

		c.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Client) dispatchLoop() {
	for ev := range c.events {
		c.mu.Lock()
		handler := c.handlers[ev.name]
		c.mu.Unlock()

		if handler == nil {
			c.logger.Debug("no handler for event", zap.String("event", ev.name))
			continue
		}
		handler(ev.payload)
	}
}

// handleDrop runs when a read loop dies. A drop of the live transport fails
// all in-flight invokes with ErrConnectionLost and, unless the client is
// closing, moves to Reconnecting and starts the retry loop.
func (c *Client) handleDrop(gen int, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// a newer transport already took over
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.failPendingLocked()
	if c.closing {
		c.setStateLocked(StateDisconnected, 0, nil)
		c.mu.Unlock()
		return
	}
	c.logger.Warn("connection dropped", zap.Error(err))
	c.setStateLocked(StateReconnecting, 0, err)
	token := c.token
	done := c.done
	c.mu.Unlock()

	go c.reconnectLoop(gen, token, done)
}

func (c *Client) reconnectLoop(gen int, token string, done chan struct{}) {
	for attempt := 0; ; attempt++ {
		wait := c.backoff.Delay(attempt)
		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-done:
				return
			}
		} else {
			select {
			case <-done:
				return
			default:
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.dialURL(token), nil)
		cancel()

		c.mu.Lock()
		if c.closing || c.gen != gen {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			c.setStateLocked(StateReconnecting, attempt+1, err)
			c.mu.Unlock()
			continue
		}
		c.logger.Info("reconnected", zap.Int("attempts", attempt+1))
		c.adoptLocked(conn)
		c.mu.Unlock()
		return
	}
}

func (c *Client) resolve(frame protocol.Frame) {
	c.mu.Lock()
	ch := c.pending[frame.InvocationID]
	delete(c.pending, frame.InvocationID)
	c.mu.Unlock()

	if ch != nil {
		ch <- ackResult{payload: frame.Payload, remoteErr: frame.Error}
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// failPendingLocked fails every in-flight invoke. Caller holds c.mu.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		ch <- ackResult{lost: true}
		delete(c.pending, id)
	}
}

// setStateLocked records the transition and fans it out to subscribers
// without blocking. Caller holds c.mu.
func (c *Client) setStateLocked(state State, attempt int, err error) {
	c.state = state
	change := StateChange{State: state, Attempt: attempt, Err: err}
	for _, sub := range c.subs {
		select {
		case sub <- change:
		default:
			c.logger.Warn("state subscriber lagging, dropping notification",
				zap.String("state", state.String()))
		}
	}
}
