package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationClosed   ConversationStatus = "closed"
)

// MessageType distinguishes the kinds of messages a conversation can hold.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageFile   MessageType = "FILE"
	MessageSystem MessageType = "SYSTEM"
)

// ParseMessageType validates a wire-level message type string.
func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageText, MessageFile, MessageSystem:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("unknown message type %q", s)
}

// MessageStatus tracks an optimistic message's delivery state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single message in a conversation. Immutable after creation
// except ReadStatus and Status.
type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"createdAt"`
	ReadStatus     bool        `json:"readStatus"`
	ReplyToID      string      `json:"replyToId,omitempty"`

	Status MessageStatus `json:"status,omitempty"`
}

// Conversation is the client-side view of a conversation. UnreadCount,
// LastMessagePreview and LastActivityAt are derived from Messages and are
// recomputed by the store, never set directly.
type Conversation struct {
	ID             string             `json:"id"`
	Title          string             `json:"title"`
	ParticipantIDs []string           `json:"participantIds"`
	Status         ConversationStatus `json:"status"`
	Messages       []Message          `json:"messages"`

	UnreadCount        int       `json:"unreadCount"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastActivityAt     time.Time `json:"lastActivityAt"`

	// LoadError is set when this conversation's history fetch failed during
	// a bulk load. The conversation remains usable for live traffic.
	LoadError string `json:"loadError,omitempty"`
}

// TypingState is the ephemeral typing indicator for one (user, conversation)
// pair. Resolves to not-typing on explicit stop or TTL expiry.
type TypingState struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// ReadReceiptEvent is a transient read acknowledgement; applied, not stored.
type ReadReceiptEvent struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// ============================================================================
// Wire Protocol
// ============================================================================

// Frame is the envelope for every frame on the realtime transport.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameEvent       = "event"
)

// TopicMessages is the subscription topic carrying new messages for a
// conversation.
func TopicMessages(conversationID string) string {
	return "chat-messages/" + conversationID
}

// TopicReadStatus is the subscription topic carrying read receipts for a
// conversation.
func TopicReadStatus(conversationID string) string {
	return "chat-read-status/" + conversationID
}

// TopicTypingStatus is the subscription topic carrying typing indicators for
// a conversation.
func TopicTypingStatus(conversationID string) string {
	return "chat-typing-status/" + conversationID
}

// DestSendMessage is the publish destination for outbound messages.
func DestSendMessage(conversationID string) string {
	return "send-message/" + conversationID
}

// DestTypingStatus is the publish destination for outbound typing signals.
func DestTypingStatus(conversationID string) string {
	return "typing-status/" + conversationID
}

// DestMarkAsRead is the publish destination for read acknowledgements.
const DestMarkAsRead = "mark-as-read"

// messagePayload is the wire shape of a chat-messages event and of the
// send-message publish body.
type messagePayload struct {
	ID             string `json:"id,omitempty"`
	ClientID       string `json:"clientId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Type           string `json:"type"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt,omitempty"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// typingPayload is the wire shape of a chat-typing-status event and of the
// typing-status publish body.
type typingPayload struct {
	UserID         string `json:"userId,omitempty"`
	ConversationID string `json:"conversationId"`
	Typing         bool   `json:"typing"`
}

// receiptPayload is the wire shape of a chat-read-status event and of the
// mark-as-read publish body.
type receiptPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
	ReaderID       string `json:"readerId,omitempty"`
}

func (m *messagePayload) toMessage() (Message, error) {
	mt, err := ParseMessageType(m.Type)
	if err != nil {
		return Message{}, err
	}
	createdAt := time.Now().UTC()
	if m.CreatedAt != "" {
		if ts, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			createdAt = ts
		}
	}
	return Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Type:           mt,
		Content:        m.Content,
		CreatedAt:      createdAt,
		Status:         StatusConfirmed,
		ReplyToID:      m.ReplyToID,
	}, nil
}
