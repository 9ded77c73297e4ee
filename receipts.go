package chatsync

import (
	"io"
	"log"
)

// ReceiptConfig configures a ReadReceiptCoordinator.
type ReceiptConfig struct {
	// ReaderID identifies the local user on outbound acknowledgements.
	ReaderID string

	// Publish sends a read acknowledgement frame. Wired to
	// ConnectionManager.Publish by the store.
	Publish func(payload any) bool

	// Apply flips the read flag on the locally held message and reports
	// whether anything changed. Wired to the store's message index.
	Apply func(ev ReadReceiptEvent) bool

	Logger *log.Logger
}

// ReadReceiptCoordinator owns read-state transitions. Marking a message read
// flips the local copy immediately (optimistic, no pending state) and then
// publishes the acknowledgement; inbound receipts from other participants are
// applied to every locally held copy. Unread counts are not stored anywhere,
// they are derived from message read flags by the store.
type ReadReceiptCoordinator struct {
	cfg ReceiptConfig
	log *log.Logger
}

// NewReadReceiptCoordinator creates a coordinator.
func NewReadReceiptCoordinator(cfg ReceiptConfig) *ReadReceiptCoordinator {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &ReadReceiptCoordinator{cfg: cfg, log: cfg.Logger}
}

// MarkAsRead marks a message read locally and publishes the acknowledgement.
// Idempotent: a message already read publishes nothing.
func (c *ReadReceiptCoordinator) MarkAsRead(conversationID, messageID string) {
	ev := ReadReceiptEvent{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReaderID:       c.cfg.ReaderID,
	}
	if c.cfg.Apply != nil && !c.cfg.Apply(ev) {
		return
	}
	if c.cfg.Publish != nil {
		c.cfg.Publish(receiptPayload{
			MessageID:      messageID,
			ConversationID: conversationID,
			ReaderID:       c.cfg.ReaderID,
		})
	}
}

// ApplyReadReceipt applies an inbound acknowledgement to local state. Receipts
// are transient: they mutate message read flags and are then discarded.
func (c *ReadReceiptCoordinator) ApplyReadReceipt(ev ReadReceiptEvent) {
	if c.cfg.Apply == nil {
		return
	}
	if !c.cfg.Apply(ev) {
		c.log.Printf("read receipt for unknown message %s ignored", ev.MessageID)
	}
}
