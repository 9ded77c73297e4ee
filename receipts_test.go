package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkAsReadPublishesAfterLocalFlip(t *testing.T) {
	var applied []ReadReceiptEvent
	var published []any
	c := NewReadReceiptCoordinator(ReceiptConfig{
		ReaderID: "u1",
		Apply: func(ev ReadReceiptEvent) bool {
			applied = append(applied, ev)
			return true
		},
		Publish: func(payload any) bool {
			published = append(published, payload)
			return true
		},
	})

	c.MarkAsRead("c1", "m1")

	require.Len(t, applied, 1)
	assert.Equal(t, ReadReceiptEvent{MessageID: "m1", ConversationID: "c1", ReaderID: "u1"}, applied[0])

	require.Len(t, published, 1)
	p, ok := published[0].(receiptPayload)
	require.True(t, ok)
	assert.Equal(t, "m1", p.MessageID)
	assert.Equal(t, "u1", p.ReaderID)
}

func TestMarkAsReadIsIdempotent(t *testing.T) {
	published := 0
	c := NewReadReceiptCoordinator(ReceiptConfig{
		ReaderID: "u1",
		Apply:    func(ReadReceiptEvent) bool { return false },
		Publish: func(any) bool {
			published++
			return true
		},
	})

	// Already read locally: nothing to announce.
	c.MarkAsRead("c1", "m1")
	assert.Equal(t, 0, published)
}

func TestApplyReadReceiptDoesNotPublish(t *testing.T) {
	applied := 0
	c := NewReadReceiptCoordinator(ReceiptConfig{
		Apply: func(ReadReceiptEvent) bool {
			applied++
			return true
		},
		Publish: func(any) bool {
			t.Fatal("inbound receipt must not be re-published")
			return false
		},
	})

	c.ApplyReadReceipt(ReadReceiptEvent{MessageID: "m1", ConversationID: "c1", ReaderID: "u2"})
	assert.Equal(t, 1, applied)
}
