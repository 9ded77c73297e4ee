package chatsync

import "sync"

// FrameHandler handles an inbound event frame for a subscribed topic.
type FrameHandler func(frame Frame)

// SubscriptionHandle identifies one live subscription. A handle is active
// while its subscribe frame has been sent on the current connection; it goes
// inactive when the transport drops and is reactivated by replay.
type SubscriptionHandle struct {
	Destination string

	mu     sync.Mutex
	active bool
}

// Active reports whether the subscription is established on the current
// connection.
func (h *SubscriptionHandle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

func (h *SubscriptionHandle) setActive(v bool) {
	h.mu.Lock()
	h.active = v
	h.mu.Unlock()
}

type subscription struct {
	handler FrameHandler
	handle  *SubscriptionHandle
}

// SubscriptionRegistry maps topic destinations to handlers. It survives
// reconnects: ConnectionManager replays every inactive entry on each
// successful (re)connection.
type SubscriptionRegistry struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSubscriptionRegistry creates an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]*subscription)}
}

// Register adds a handler for destination, replacing any existing one. At
// most one handler per destination. The returned handle starts inactive.
func (r *SubscriptionRegistry) Register(destination string, handler FrameHandler) *SubscriptionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle := &SubscriptionHandle{Destination: destination}
	r.subs[destination] = &subscription{handler: handler, handle: handle}
	return handle
}

// Unregister removes the entry for destination, if any.
func (r *SubscriptionRegistry) Unregister(destination string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[destination]; ok {
		sub.handle.setActive(false)
		delete(r.subs, destination)
	}
}

// UnregisterAll empties the registry. Called on deliberate disconnect so a
// later Connect starts clean.
func (r *SubscriptionRegistry) UnregisterAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dest, sub := range r.subs {
		sub.handle.setActive(false)
		delete(r.subs, dest)
	}
}

// Lookup returns the registered subscription for destination.
func (r *SubscriptionRegistry) Lookup(destination string) (FrameHandler, *SubscriptionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[destination]
	if !ok {
		return nil, nil, false
	}
	return sub.handler, sub.handle, true
}

// Len returns the number of registered destinations.
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// deactivateAll marks every handle inactive. Called when the transport
// drops so the next replay re-establishes every destination.
func (r *SubscriptionRegistry) deactivateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		sub.handle.setActive(false)
	}
}

// ReplayAll sends a subscribe frame for every inactive entry via send,
// marking entries active as they are re-established. Entries whose handle is
// still active are skipped, so a destination is never double-subscribed.
func (r *SubscriptionRegistry) ReplayAll(send func(destination string) bool) {
	r.mu.Lock()
	dests := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		dests = append(dests, sub)
	}
	r.mu.Unlock()

	for _, sub := range dests {
		if sub.handle.Active() {
			continue
		}
		if send(sub.handle.Destination) {
			sub.handle.setActive(true)
		}
	}
}
