package hub

import (
	"encoding/json"
	"errors"

	websocket "github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"github.com/AlohaMarket/marketchat/internal/models"
	"github.com/AlohaMarket/marketchat/internal/protocol"
)

// Client is one WebSocket connection of one authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte

	// joined is the room this connection is in, guarded by hub.mu
	joined string
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, 64),
	}
}

// ReadPump consumes command frames until the connection closes. Every frame
// carrying an invocation id is acknowledged, with Error set when the command
// was rejected.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.hub.logger.Warn("malformed command frame",
				zap.String("user_id", c.userID),
				zap.Error(err))
			continue
		}

		result, err := c.handleCommand(frame)
		if frame.InvocationID != "" {
			c.ack(frame.Type, frame.InvocationID, result, err)
		}
	}
}

// WritePump drains the send buffer onto the wire.
func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (c *Client) handleCommand(frame protocol.Frame) (any, error) {
	switch frame.Type {
	case protocol.CmdJoinConversation:
		var p protocol.JoinConversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		return nil, c.hub.Join(c, p.ConversationID)

	case protocol.CmdLeaveConversation:
		var p protocol.LeaveConversationPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		c.hub.Leave(c, p.ConversationID)
		return nil, nil

	case protocol.CmdSendMessage:
		var p protocol.SendMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		return c.handleSend(p)

	case protocol.CmdEditMessage:
		var p protocol.EditMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		msg, err := c.hub.store.EditMessage(p.MessageID, c.userID, p.Content)
		if err != nil {
			return nil, err
		}
		c.hub.BroadcastToParticipants(msg.ConversationID, protocol.EventMessageEdited, msg, "")
		return msg, nil

	case protocol.CmdDeleteMessage:
		var p protocol.DeleteMessagePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		conversationID, err := c.hub.store.DeleteMessage(p.MessageID, c.userID)
		if err != nil {
			return nil, err
		}
		c.hub.BroadcastToParticipants(conversationID, protocol.EventMessageDeleted, protocol.MessageDeletedEvent{
			MessageID:      p.MessageID,
			ConversationID: conversationID,
		}, "")
		return nil, nil

	case protocol.CmdSetTyping:
		var p protocol.SetTypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		return nil, c.handleTyping(p)

	case protocol.CmdMarkAsRead:
		var p protocol.MarkAsReadPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return nil, err
		}
		bySender := c.hub.store.MarkRead(p.ConversationID, c.userID, p.MessageIDs)
		for senderID, messageIDs := range bySender {
			for _, messageID := range messageIDs {
				c.hub.SendToUser(senderID, protocol.EventMessageDelivered, protocol.MessageDeliveredEvent{
					MessageID: messageID,
					Status:    "read",
				})
			}
		}
		return nil, nil

	default:
		return nil, errors.New("unsupported command")
	}
}

func (c *Client) handleSend(p protocol.SendMessagePayload) (any, error) {
	// Users with the room open should not accrue unread for this message.
	joined := c.hub.JoinedUsers(p.ConversationID)
	msg, err := c.hub.store.AppendMessage(p.ConversationID, c.userID, p.Content, messageKindOrDefault(p.MessageType), joined)
	if err != nil {
		return nil, err
	}

	// All participants get the message event, joined or not; the sender's
	// own echo is what resolves its provisional copy.
	c.hub.BroadcastToParticipants(p.ConversationID, protocol.EventReceiveMessage, msg, "")
	c.hub.SendToUser(c.userID, protocol.EventMessageDelivered, protocol.MessageDeliveredEvent{
		MessageID: msg.ID,
		Status:    "delivered",
	})
	return msg, nil
}

func (c *Client) handleTyping(p protocol.SetTypingPayload) error {
	participant, ok := c.hub.store.Participant(p.ConversationID, c.userID)
	if !ok {
		return ErrNotParticipant
	}

	c.hub.BroadcastToRoom(p.ConversationID, protocol.EventUserTyping, protocol.UserTypingEvent{
		ConversationID: p.ConversationID,
		UserID:         c.userID,
		UserName:       participant.Name,
		AvatarURL:      participant.AvatarURL,
		IsTyping:       p.IsTyping,
	}, c)
	return nil
}

func (c *Client) ack(command, invocationID string, result any, err error) {
	frame := protocol.Frame{Type: command, InvocationID: invocationID}
	if err != nil {
		frame.Error = err.Error()
	} else if result != nil {
		data, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			c.hub.logger.Error("marshal ack payload", zap.Error(marshalErr))
			frame.Error = "internal error"
		} else {
			frame.Payload = data
		}
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.Unregister(c)
	}
}

// messageKindOrDefault keeps unknown kinds from entering the log.
func messageKindOrDefault(kind models.MessageKind) models.MessageKind {
	switch kind {
	case models.MessageKindText, models.MessageKindImage, models.MessageKindFile:
		return kind
	default:
		return models.MessageKindText
	}
}
