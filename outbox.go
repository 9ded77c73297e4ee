package chatsync

import (
	"io"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Outbox defaults.
const (
	DefaultOutboxMaxRetries    = 5
	DefaultOutboxFlushInterval = 2 * time.Second
	DefaultOutboxBaseDelay     = 500 * time.Millisecond
	DefaultOutboxMaxDelay      = 15 * time.Second
)

// outboxOp is one queued publish. The ID doubles as the idempotency key: the
// same op retried across reconnects carries the same id, so the server can
// collapse duplicates.
type outboxOp struct {
	ID          string
	Destination string
	Payload     any
	Retries     int
	EnqueuedAt  time.Time
	NextAttempt time.Time
}

// OutboxConfig configures an Outbox. Zero values select the defaults.
type OutboxConfig struct {
	MaxRetries    int
	FlushInterval time.Duration
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	// Publish attempts delivery; false means not connected or write failure.
	Publish func(destination string, payload any) bool

	// OnFailed is invoked when an op exhausts its retries and is dropped.
	OnFailed func(id string)

	Logger *log.Logger
}

// Outbox queues publishes that could not be delivered and retries them with
// exponential backoff until delivery succeeds or the retry budget runs out.
// Flush is also triggered externally on reconnect so queued traffic drains as
// soon as the transport is back.
type Outbox struct {
	cfg OutboxConfig
	log *log.Logger

	mu       sync.Mutex
	ops      []*outboxOp
	flushing bool
	stopCh   chan struct{}
	stopped  bool
}

// NewOutbox creates an outbox. Call Start to begin the background flush loop.
func NewOutbox(cfg OutboxConfig) *Outbox {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultOutboxMaxRetries
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultOutboxFlushInterval
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultOutboxBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultOutboxMaxDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return &Outbox{
		cfg:    cfg,
		log:    cfg.Logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic flush loop.
func (o *Outbox) Start() {
	go o.flushLoop()
}

// Stop halts the flush loop. Queued ops are dropped.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.ops = nil
	o.mu.Unlock()
	close(o.stopCh)
}

// Enqueue queues a publish under idempotency key id and attempts an immediate
// flush.
func (o *Outbox) Enqueue(id, destination string, payload any) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.ops = append(o.ops, &outboxOp{
		ID:          id,
		Destination: destination,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
		NextAttempt: time.Now(),
	})
	o.mu.Unlock()

	o.Flush()
}

// Ack removes the op with the given id, typically because the server echoed
// the message it carried.
func (o *Outbox) Ack(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == id {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return
		}
	}
}

// Len returns the number of queued ops.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

func (o *Outbox) flushLoop() {
	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.Flush()
		case <-o.stopCh:
			return
		}
	}
}

// Flush attempts delivery of every due op, in FIFO order. Concurrent calls
// coalesce: a flush already in progress makes later calls no-ops.
func (o *Outbox) Flush() {
	o.mu.Lock()
	if o.flushing || o.stopped || len(o.ops) == 0 {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	due := make([]*outboxOp, 0, len(o.ops))
	now := time.Now()
	for _, op := range o.ops {
		if !now.Before(op.NextAttempt) {
			due = append(due, op)
		}
	}
	o.mu.Unlock()

	var failed []string
	for _, op := range due {
		if o.cfg.Publish != nil && o.cfg.Publish(op.Destination, op.Payload) {
			o.remove(op.ID)
			continue
		}

		o.mu.Lock()
		op.Retries++
		exhausted := op.Retries >= o.cfg.MaxRetries
		if !exhausted {
			op.NextAttempt = time.Now().Add(o.retryDelay(op.Retries))
		}
		o.mu.Unlock()

		if exhausted {
			o.log.Printf("outbox op %s to %q dropped after %d attempts", op.ID, op.Destination, op.Retries)
			o.remove(op.ID)
			failed = append(failed, op.ID)
		}
	}

	o.mu.Lock()
	o.flushing = false
	o.mu.Unlock()

	if o.cfg.OnFailed != nil {
		for _, id := range failed {
			o.cfg.OnFailed(id)
		}
	}
}

func (o *Outbox) remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, op := range o.ops {
		if op.ID == id {
			o.ops = append(o.ops[:i], o.ops[i+1:]...)
			return
		}
	}
}

// retryDelay computes exponential backoff with jitter for the given attempt.
func (o *Outbox) retryDelay(attempt int) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(o.cfg.BaseDelay) * 0.5)
	return time.Duration(math.Min(
		float64(o.cfg.BaseDelay)*math.Pow(2, float64(attempt-1))+float64(jitter),
		float64(o.cfg.MaxDelay),
	))
}
