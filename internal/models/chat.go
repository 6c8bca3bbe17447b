package models

import "time"

type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

// Participant is a member of a conversation as the server reports them.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	IsOnline  bool   `json:"isOnline"`
}

// ProductContext ties a conversation to the listing it was started from.
type ProductContext struct {
	ProductID  string  `json:"productId"`
	Name       string  `json:"name"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	Price      float64 `json:"price"`
	SellerName string  `json:"sellerName,omitempty"`
}

type Conversation struct {
	ID            string          `json:"id"`
	Type          string          `json:"type,omitempty"`
	Participants  []Participant   `json:"participants"`
	Product       *ProductContext `json:"product,omitempty"`
	LastMessage   *Message        `json:"lastMessage,omitempty"`
	LastMessageAt time.Time       `json:"lastMessageAt"`
	UnreadCount   int             `json:"unreadCount"`
	IsActive      bool            `json:"isActive"`
}

// Message is a chat message. Provisional is set on locally created messages
// that have not yet been confirmed by a server echo; such messages carry a
// client-assigned id until reconciliation swaps in the server's.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	SenderAvatar   string      `json:"senderAvatar,omitempty"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"messageType"`
	Timestamp      time.Time   `json:"timestamp"`
	IsRead         bool        `json:"isRead"`
	IsEdited       bool        `json:"isEdited"`
	Provisional    bool        `json:"pending,omitempty"`
}

// TypingUser is one entry of a conversation's "currently typing" set.
type TypingUser struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// LocalUser identifies this client to the hub. Supplied by the identity
// collaborator before the channel may connect.
type LocalUser struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type PaginationMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}
