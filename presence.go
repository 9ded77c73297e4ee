package chatsync

import (
	"io"
	"log"
	"sync"
	"time"
)

// Presence timing. The local debounce bounds outbound typing traffic to one
// started/stopped pair per burst of keystrokes; the remote failsafe forces a
// typing flag back to false even when the stop signal is lost in transit.
const (
	DefaultTypingDebounce = 2 * time.Second
	DefaultTypingFailsafe = 3 * time.Second
)

// PresenceConfig configures a PresenceTracker. Zero durations select the
// defaults.
type PresenceConfig struct {
	Debounce time.Duration
	Failsafe time.Duration

	// Publish sends a typing signal for the local user. Wired to
	// ConnectionManager.Publish by the store.
	Publish func(conversationID string, typing bool) bool

	// OnChange is invoked whenever the remote typing set for a conversation
	// changes, including failsafe expiries.
	OnChange func(conversationID string)

	Logger *log.Logger
}

// PresenceTracker maintains per-(user, conversation) ephemeral typing state.
// All timers are owned by the tracker and cancelled by Stop, so teardown
// (conversation switch, logout, test cleanup) never leaves callbacks firing
// against a disposed owner.
type PresenceTracker struct {
	cfg    PresenceConfig
	log    *log.Logger
	timers *timerSet

	mu          sync.Mutex
	remote      map[string]TypingState // key: conversationID + "|" + userID
	localTyping map[string]bool        // conversationID -> currently typing
}

// NewPresenceTracker creates a tracker.
func NewPresenceTracker(cfg PresenceConfig) *PresenceTracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultTypingDebounce
	}
	if cfg.Failsafe <= 0 {
		cfg.Failsafe = DefaultTypingFailsafe
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &PresenceTracker{
		cfg:         cfg,
		log:         cfg.Logger,
		timers:      newTimerSet(),
		remote:      make(map[string]TypingState),
		localTyping: make(map[string]bool),
	}
}

func presenceKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}

// SetLocalTyping records local keyboard activity. Each typing=true call
// resets the debounce timer; only the first call of a burst publishes a
// "started" signal, and exactly one "stopped" signal follows on debounce
// expiry or on an explicit typing=false call (message send).
func (p *PresenceTracker) SetLocalTyping(conversationID string, typing bool) {
	key := "debounce|" + conversationID

	if !typing {
		p.timers.cancel(key)
		p.stopLocal(conversationID)
		return
	}

	p.mu.Lock()
	already := p.localTyping[conversationID]
	p.localTyping[conversationID] = true
	p.mu.Unlock()

	if !already && p.cfg.Publish != nil {
		p.cfg.Publish(conversationID, true)
	}

	p.timers.schedule(key, p.cfg.Debounce, func() {
		p.stopLocal(conversationID)
	})
}

func (p *PresenceTracker) stopLocal(conversationID string) {
	p.mu.Lock()
	wasTyping := p.localTyping[conversationID]
	delete(p.localTyping, conversationID)
	p.mu.Unlock()

	if wasTyping && p.cfg.Publish != nil {
		p.cfg.Publish(conversationID, false)
	}
}

// ApplyRemoteTyping applies an inbound typing event. A typing=true event arms
// a failsafe expiry timer that clears the flag even if the stop event never
// arrives.
func (p *PresenceTracker) ApplyRemoteTyping(userID, conversationID string, typing bool) {
	key := presenceKey(conversationID, userID)

	p.mu.Lock()
	if typing {
		p.remote[key] = TypingState{
			UserID:         userID,
			ConversationID: conversationID,
			IsTyping:       true,
			ExpiresAt:      time.Now().Add(p.cfg.Failsafe),
		}
	} else {
		delete(p.remote, key)
	}
	p.mu.Unlock()

	if typing {
		p.timers.schedule(key, p.cfg.Failsafe, func() {
			p.expire(key, conversationID)
		})
	} else {
		p.timers.cancel(key)
	}

	if p.cfg.OnChange != nil {
		p.cfg.OnChange(conversationID)
	}
}

func (p *PresenceTracker) expire(key, conversationID string) {
	p.mu.Lock()
	_, ok := p.remote[key]
	delete(p.remote, key)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.log.Printf("typing failsafe expired for %s", key)
	if p.cfg.OnChange != nil {
		p.cfg.OnChange(conversationID)
	}
}

// IsAnyoneTyping reports whether any remote participant is typing in the
// conversation.
func (p *PresenceTracker) IsAnyoneTyping(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, st := range p.remote {
		if st.ConversationID == conversationID && now.Before(st.ExpiresAt) {
			return true
		}
	}
	return false
}

// TypingUsers returns the ids of remote users currently typing in the
// conversation.
func (p *PresenceTracker) TypingUsers(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var users []string
	for _, st := range p.remote {
		if st.ConversationID == conversationID && now.Before(st.ExpiresAt) {
			users = append(users, st.UserID)
		}
	}
	return users
}

// Stop cancels every pending debounce and failsafe timer and clears all
// state. The tracker cannot be reused afterwards.
func (p *PresenceTracker) Stop() {
	p.timers.stopAll()
	p.mu.Lock()
	p.remote = make(map[string]TypingState)
	p.localTyping = make(map[string]bool)
	p.mu.Unlock()
}
