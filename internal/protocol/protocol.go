// Package protocol defines the wire format of the duplex chat channel: the
// frame envelope plus the closed sets of client commands and server events.
package protocol

import (
	"encoding/json"

	"github.com/AlohaMarket/marketchat/internal/models"
)

// Commands issued by clients.
const (
	CmdJoinConversation  = "JoinConversation"
	CmdLeaveConversation = "LeaveConversation"
	CmdSendMessage       = "SendMessage"
	CmdEditMessage       = "EditMessage"
	CmdDeleteMessage     = "DeleteMessage"
	CmdSetTyping         = "SetTyping"
	CmdMarkAsRead        = "MarkAsRead"
)

// Events pushed by the server.
const (
	EventReceiveMessage    = "ReceiveMessage"
	EventMessageEdited     = "MessageEdited"
	EventMessageDeleted    = "MessageDeleted"
	EventUserTyping        = "UserTyping"
	EventUserStatusChanged = "UserStatusChanged"
	EventMessageDelivered  = "MessageDelivered"
)

// Frame is the envelope carried in every WebSocket text frame, in both
// directions. Client frames are commands and always carry an InvocationID;
// the server answers each one with an ack frame echoing that id (Error set
// when the command was rejected). Server frames without an InvocationID are
// events.
type Frame struct {
	Type         string          `json:"type"`
	InvocationID string          `json:"invocationId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type JoinConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationID string             `json:"conversationId"`
	Content        string             `json:"content"`
	MessageType    models.MessageKind `json:"messageType"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type SetTypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type MarkAsReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type UserTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	AvatarURL      string `json:"avatarUrl,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

type UserStatusChangedEvent struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

type MessageDeletedEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MessageDeliveredEvent struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}
