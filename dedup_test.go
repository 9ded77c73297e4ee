package chatsync

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupMarkAndSeen(t *testing.T) {
	d := NewMessageDeduplicator(0, 0)

	assert.False(t, d.Seen("m1"))
	d.MarkSeen("m1")
	assert.True(t, d.Seen("m1"))
	assert.False(t, d.Seen("m2"))
}

func TestDedupCheckAndMark(t *testing.T) {
	d := NewMessageDeduplicator(0, 0)

	assert.False(t, d.CheckAndMark("m1"), "first delivery is not a duplicate")
	assert.True(t, d.CheckAndMark("m1"), "second delivery is a duplicate")
}

func TestDedupIgnoresEmptyID(t *testing.T) {
	d := NewMessageDeduplicator(0, 0)

	assert.False(t, d.CheckAndMark(""))
	assert.False(t, d.CheckAndMark(""))
	assert.Equal(t, 0, d.Size())
}

func TestDedupEntriesExpireAfterTTL(t *testing.T) {
	d := NewMessageDeduplicator(time.Minute, 0)
	now := time.Now()

	d.markSeenAt("m1", now)
	assert.True(t, d.seenAt("m1", now.Add(30*time.Second)))
	assert.False(t, d.seenAt("m1", now.Add(2*time.Minute)))

	// An expired id is accepted again as a fresh delivery.
	assert.False(t, d.checkAndMarkAt("m1", now.Add(2*time.Minute)))
}

func TestDedupEvictsOldestAboveMaxSize(t *testing.T) {
	d := NewMessageDeduplicator(time.Hour, 3)
	now := time.Now()

	for i := 0; i < 4; i++ {
		d.markSeenAt(fmt.Sprintf("m%d", i), now.Add(time.Duration(i)*time.Second))
	}

	assert.Equal(t, 3, d.Size())
	assert.False(t, d.seenAt("m0", now.Add(5*time.Second)), "oldest entry evicted")
	assert.True(t, d.seenAt("m3", now.Add(5*time.Second)))
}

func TestDedupClear(t *testing.T) {
	d := NewMessageDeduplicator(0, 0)
	d.MarkSeen("m1")
	d.Clear()
	assert.False(t, d.Seen("m1"))
	assert.Equal(t, 0, d.Size())
}
