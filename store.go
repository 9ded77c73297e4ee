package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConversationNotFound is returned when an operation names a conversation
// the store does not hold.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationAPI is the REST surface the store needs. *Client implements it.
type ConversationAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateConversation(ctx context.Context, title string, participantIDs []string) (*Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID string) (*Conversation, error)
}

// EventType classifies store change notifications.
type EventType string

const (
	EventConversationsLoaded EventType = "conversations_loaded"
	EventMessageReceived     EventType = "message_received"
	EventMessageUpdated      EventType = "message_updated"
	EventConversationUpdated EventType = "conversation_updated"
	EventTypingChanged       EventType = "typing_changed"
	EventSendFailed          EventType = "send_failed"
)

// StoreEvent notifies observers that store state changed. Observers re-read
// the store; events carry identity, not data.
type StoreEvent struct {
	Type           EventType
	ConversationID string
	MessageID      string
}

// StoreConfig configures a ConversationStore. Zero values select defaults.
type StoreConfig struct {
	// LocalUserID identifies the local user; own messages never count as
	// unread and own typing echoes are ignored.
	LocalUserID string

	DedupTTL     time.Duration
	DedupMaxSize int

	TypingDebounce time.Duration
	TypingFailsafe time.Duration

	OutboxMaxRetries int

	Logger *log.Logger
}

// ConversationStore is the client-side source of truth for conversation
// state. It composes the realtime connection, the REST API, deduplication,
// presence and read receipts, and keeps the derived fields (unread count,
// preview, last activity) consistent with the message lists.
type ConversationStore struct {
	api  ConversationAPI
	conn *ConnectionManager
	log  *log.Logger

	localUserID string

	dedup    *MessageDeduplicator
	presence *PresenceTracker
	receipts *ReadReceiptCoordinator
	outbox   *Outbox

	mu        sync.Mutex
	convs     map[string]*Conversation
	active    string
	observers []func(StoreEvent)
}

// NewConversationStore wires a store to its connection manager and REST
// client. Call Close when done to release timers and the outbox loop.
func NewConversationStore(api ConversationAPI, conn *ConnectionManager, cfg StoreConfig) *ConversationStore {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	s := &ConversationStore{
		api:         api,
		conn:        conn,
		log:         cfg.Logger,
		localUserID: cfg.LocalUserID,
		dedup:       NewMessageDeduplicator(cfg.DedupTTL, cfg.DedupMaxSize),
		convs:       make(map[string]*Conversation),
	}

	s.presence = NewPresenceTracker(PresenceConfig{
		Debounce: cfg.TypingDebounce,
		Failsafe: cfg.TypingFailsafe,
		Publish: func(conversationID string, typing bool) bool {
			return conn.Publish(DestTypingStatus(conversationID), typingPayload{
				UserID:         cfg.LocalUserID,
				ConversationID: conversationID,
				Typing:         typing,
			})
		},
		OnChange: func(conversationID string) {
			s.emit(StoreEvent{Type: EventTypingChanged, ConversationID: conversationID})
		},
		Logger: cfg.Logger,
	})

	s.receipts = NewReadReceiptCoordinator(ReceiptConfig{
		ReaderID: cfg.LocalUserID,
		Publish: func(payload any) bool {
			return conn.Publish(DestMarkAsRead, payload)
		},
		Apply:  s.applyReceipt,
		Logger: cfg.Logger,
	})

	s.outbox = NewOutbox(OutboxConfig{
		MaxRetries: cfg.OutboxMaxRetries,
		Publish:    conn.Publish,
		OnFailed:   s.markSendFailed,
		Logger:     cfg.Logger,
	})
	s.outbox.Start()

	conn.OnConnected(s.outbox.Flush)

	return s
}

// OnEvent registers an observer for store change notifications.
func (s *ConversationStore) OnEvent(fn func(StoreEvent)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *ConversationStore) emit(ev StoreEvent) {
	s.mu.Lock()
	observers := append([]func(StoreEvent){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// Close releases presence timers and stops the outbox flush loop.
func (s *ConversationStore) Close() {
	s.presence.Stop()
	s.outbox.Stop()
}

// ============================================================================
// Loading
// ============================================================================

// LoadConversations fetches the conversation list and each conversation's
// history. A failed history fetch is isolated: the conversation is kept with
// LoadError set and stays usable for live traffic, while the other
// conversations load normally. Only a failed list fetch fails the call.
func (s *ConversationStore) LoadConversations(ctx context.Context) error {
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	for i := range convs {
		c := convs[i]
		msgs, err := s.api.ConversationMessages(ctx, c.ID)
		if err != nil {
			s.log.Printf("history load for conversation %s failed: %v", c.ID, err)
			c.LoadError = err.Error()
			c.Messages = nil
		} else {
			c.Messages = msgs
			for _, m := range msgs {
				s.dedup.MarkSeen(m.ID)
			}
		}

		s.mu.Lock()
		s.recompute(&c)
		s.convs[c.ID] = &c
		s.mu.Unlock()
	}

	s.emit(StoreEvent{Type: EventConversationsLoaded})
	return nil
}

// Conversation returns a snapshot of one conversation.
func (s *ConversationStore) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return snapshot(conv), true
}

// Conversations returns snapshots of all conversations, most recently active
// first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	out := make([]Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, snapshot(conv))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

func snapshot(conv *Conversation) Conversation {
	c := *conv
	c.Messages = append([]Message(nil), conv.Messages...)
	c.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	return c
}

// ============================================================================
// Active conversation and subscriptions
// ============================================================================

// SetActiveConversation switches the realtime focus: the previous active
// conversation's topics are unsubscribed and the new one's message, read
// receipt and typing topics are subscribed (deferred until connect when
// offline).
func (s *ConversationStore) SetActiveConversation(conversationID string) error {
	s.mu.Lock()
	if _, ok := s.convs[conversationID]; !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	prev := s.active
	s.active = conversationID
	s.mu.Unlock()

	if prev == conversationID {
		return nil
	}
	if prev != "" {
		s.conn.Unsubscribe(TopicMessages(prev))
		s.conn.Unsubscribe(TopicReadStatus(prev))
		s.conn.Unsubscribe(TopicTypingStatus(prev))
	}

	s.conn.Subscribe(TopicMessages(conversationID), s.handleMessageFrame)
	s.conn.Subscribe(TopicReadStatus(conversationID), s.handleReceiptFrame)
	s.conn.Subscribe(TopicTypingStatus(conversationID), s.handleTypingFrame)
	return nil
}

// ActiveConversation returns the id of the active conversation, or "".
func (s *ConversationStore) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage appends an optimistic pending message and queues it for
// delivery. The returned message carries a synthetic local id and the
// correlation token (ClientID) the server will echo back; reconciliation
// replaces the synthetic id with the server id in place.
func (s *ConversationStore) SendMessage(conversationID, content string) (Message, error) {
	clientID := uuid.NewString()
	msg := Message{
		ID:             "local-" + clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       s.localUserID,
		Type:           MessageText,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		ReadStatus:     true,
		Status:         StatusPending,
	}

	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return Message{}, ErrConversationNotFound
	}
	conv.Messages = append(conv.Messages, msg)
	s.recompute(conv)
	s.mu.Unlock()

	// Sending implies the typing burst is over.
	s.presence.SetLocalTyping(conversationID, false)

	s.emit(StoreEvent{Type: EventMessageReceived, ConversationID: conversationID, MessageID: msg.ID})

	s.outbox.Enqueue(clientID, DestSendMessage(conversationID), messagePayload{
		ClientID:       clientID,
		ConversationID: conversationID,
		Type:           string(MessageText),
		Content:        content,
		CreatedAt:      msg.CreatedAt.Format(time.RFC3339Nano),
	})
	return msg, nil
}

// markSendFailed flips a pending message to failed once its outbox retries
// are exhausted.
func (s *ConversationStore) markSendFailed(clientID string) {
	s.mu.Lock()
	var convID, msgID string
	for _, conv := range s.convs {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ClientID == clientID && m.Status == StatusPending {
				m.Status = StatusFailed
				convID, msgID = conv.ID, m.ID
			}
		}
	}
	s.mu.Unlock()

	if msgID != "" {
		s.log.Printf("message %s failed to send", msgID)
		s.emit(StoreEvent{Type: EventSendFailed, ConversationID: convID, MessageID: msgID})
	}
}

// ============================================================================
// Inbound frames
// ============================================================================

func (s *ConversationStore) handleMessageFrame(frame Frame) {
	var p messagePayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.log.Printf("invalid message payload: %v", err)
		return
	}
	msg, err := p.toMessage()
	if err != nil {
		s.log.Printf("dropping message %s: %v", p.ID, err)
		return
	}

	s.mu.Lock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		s.log.Printf("message for unknown conversation %s dropped", msg.ConversationID)
		return
	}

	// Echo of an optimistic send: reconcile in place by correlation token,
	// never by id coincidence.
	if msg.ClientID != "" {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ClientID == msg.ClientID && m.Status != StatusConfirmed {
				m.ID = msg.ID
				m.SenderID = msg.SenderID
				m.Content = msg.Content
				m.CreatedAt = msg.CreatedAt
				m.Status = StatusConfirmed
				s.dedup.MarkSeen(msg.ID)
				s.recompute(conv)
				s.mu.Unlock()

				s.outbox.Ack(msg.ClientID)
				s.emit(StoreEvent{Type: EventMessageUpdated, ConversationID: conv.ID, MessageID: msg.ID})
				return
			}
		}
	}

	// Regular inbound delivery, at most once per server id.
	if s.dedup.CheckAndMark(msg.ID) {
		s.mu.Unlock()
		return
	}
	msg.ReadStatus = msg.SenderID == s.localUserID
	conv.Messages = append(conv.Messages, msg)
	s.recompute(conv)
	s.mu.Unlock()

	s.emit(StoreEvent{Type: EventMessageReceived, ConversationID: conv.ID, MessageID: msg.ID})
}

func (s *ConversationStore) handleReceiptFrame(frame Frame) {
	var p receiptPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.log.Printf("invalid receipt payload: %v", err)
		return
	}
	s.receipts.ApplyReadReceipt(ReadReceiptEvent{
		MessageID:      p.MessageID,
		ConversationID: p.ConversationID,
		ReaderID:       p.ReaderID,
	})
}

func (s *ConversationStore) handleTypingFrame(frame Frame) {
	var p typingPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil {
		s.log.Printf("invalid typing payload: %v", err)
		return
	}
	// Our own typing signal echoed back is not presence.
	if p.UserID == s.localUserID {
		return
	}
	s.presence.ApplyRemoteTyping(p.UserID, p.ConversationID, p.Typing)
}

// ============================================================================
// Read state
// ============================================================================

// MarkAsRead marks one message read and publishes the acknowledgement.
func (s *ConversationStore) MarkAsRead(conversationID, messageID string) {
	s.receipts.MarkAsRead(conversationID, messageID)
}

// MarkConversationRead marks every unread incoming message in the
// conversation read.
func (s *ConversationStore) MarkConversationRead(conversationID string) {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	var ids []string
	if ok {
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if !m.ReadStatus && m.SenderID != s.localUserID {
				ids = append(ids, m.ID)
			}
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.receipts.MarkAsRead(conversationID, id)
	}
}

// applyReceipt flips the read flag on every locally held copy of the message
// and reports whether anything changed.
func (s *ConversationStore) applyReceipt(ev ReadReceiptEvent) bool {
	s.mu.Lock()
	changed := false
	var convID string
	for _, conv := range s.convs {
		if ev.ConversationID != "" && conv.ID != ev.ConversationID {
			continue
		}
		for i := range conv.Messages {
			m := &conv.Messages[i]
			if m.ID == ev.MessageID && !m.ReadStatus {
				m.ReadStatus = true
				changed = true
				convID = conv.ID
			}
		}
		if changed && conv.ID == convID {
			s.recompute(conv)
		}
	}
	s.mu.Unlock()

	if changed {
		s.emit(StoreEvent{Type: EventMessageUpdated, ConversationID: convID, MessageID: ev.MessageID})
	}
	return changed
}

// ============================================================================
// Typing
// ============================================================================

// SetTyping records local keyboard activity for the conversation.
func (s *ConversationStore) SetTyping(conversationID string, typing bool) {
	s.presence.SetLocalTyping(conversationID, typing)
}

// TypingUsers returns the remote users currently typing in the conversation.
func (s *ConversationStore) TypingUsers(conversationID string) []string {
	return s.presence.TypingUsers(conversationID)
}

// IsAnyoneTyping reports whether any remote participant is typing.
func (s *ConversationStore) IsAnyoneTyping(conversationID string) bool {
	return s.presence.IsAnyoneTyping(conversationID)
}

// ============================================================================
// Conversation lifecycle
// ============================================================================

// CreateConversation creates a conversation server-side and caches it.
func (s *ConversationStore) CreateConversation(ctx context.Context, title string, participantIDs []string) (Conversation, error) {
	conv, err := s.api.CreateConversation(ctx, title, participantIDs)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.mu.Lock()
	c := *conv
	s.recompute(&c)
	s.convs[c.ID] = &c
	out := snapshot(&c)
	s.mu.Unlock()

	s.emit(StoreEvent{Type: EventConversationUpdated, ConversationID: c.ID})
	return out, nil
}

// ArchiveConversation archives a conversation server-side, then updates the
// local copy. No optimistic mutation: on failure local state is untouched.
func (s *ConversationStore) ArchiveConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	_, ok := s.convs[conversationID]
	s.mu.Unlock()
	if !ok {
		return ErrConversationNotFound
	}

	if _, err := s.api.ArchiveConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("archive conversation: %w", err)
	}

	s.mu.Lock()
	if conv, ok := s.convs[conversationID]; ok {
		conv.Status = ConversationArchived
	}
	s.mu.Unlock()

	s.emit(StoreEvent{Type: EventConversationUpdated, ConversationID: conversationID})
	return nil
}

// ============================================================================
// Derived fields
// ============================================================================

// recompute refreshes the derived fields from the message list. Caller holds
// s.mu.
func (s *ConversationStore) recompute(conv *Conversation) {
	unread := 0
	for i := range conv.Messages {
		m := &conv.Messages[i]
		if !m.ReadStatus && m.SenderID != s.localUserID {
			unread++
		}
	}
	conv.UnreadCount = unread

	if n := len(conv.Messages); n > 0 {
		last := conv.Messages[n-1]
		conv.LastMessagePreview = preview(last)
		conv.LastActivityAt = last.CreatedAt
	}
}

func preview(m Message) string {
	switch m.Type {
	case MessageFile:
		return "[file] " + m.Content
	case MessageSystem, MessageText:
		return m.Content
	default:
		return m.Content
	}
}
