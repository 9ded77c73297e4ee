package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ConnState represents the connection state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

const writeWait = 10 * time.Second

// transportConn is the minimal surface the manager needs from a transport
// connection. Production uses a WebSocket; tests inject fakes via ConnConfig.Dial.
type transportConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// DialFunc establishes a transport connection, authenticating with token.
type DialFunc func(ctx context.Context, url, token string) (transportConn, error)

type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}

// dialWebSocket is the default DialFunc. The bearer credential rides on the
// handshake headers, so an auth failure surfaces as a connection error.
func dialWebSocket(ctx context.Context, url, token string) (transportConn, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// ConnConfig configures a ConnectionManager.
type ConnConfig struct {
	URL   string
	Token string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	Dial   DialFunc
	Logger *log.Logger
}

func (c *ConnConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.Dial == nil {
		c.Dial = dialWebSocket
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// WebSocketURL converts an http(s) base URL into the realtime endpoint URL.
func WebSocketURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes exponential backoff with jitter and a bounded attempt
// count. The attempt counter resets once a connection has stayed up for a
// minute.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *ConnConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the transport connection lifecycle: connect,
// authenticate, detect failure, reconnect. It exposes publish/subscribe to
// higher layers and replays registered subscriptions on every (re)connect.
//
// Managers are constructed and injected explicitly; there is no package-level
// singleton, so tests can run isolated instances side by side.
type ConnectionManager struct {
	cfg      *ConnConfig
	log      *log.Logger
	registry *SubscriptionRegistry
	recon    *reconnector
	timers   *timerSet

	mu               sync.Mutex
	state            ConnState
	conn             transportConn
	intentionalClose bool
	readCancel       context.CancelFunc

	// Connect-attempt memoization: concurrent Connect calls join the
	// in-flight attempt instead of opening a second transport.
	pendingDone chan struct{}
	pendingErr  error

	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onOffline      []func()
}

// NewConnectionManager creates a manager in the Disconnected state.
func NewConnectionManager(cfg ConnConfig) *ConnectionManager {
	cfg.defaults()
	return &ConnectionManager{
		cfg:      &cfg,
		log:      cfg.Logger,
		registry: NewSubscriptionRegistry(),
		recon:    newReconnector(&cfg),
		timers:   newTimerSet(),
		state:    StateDisconnected,
	}
}

// Registry returns the subscription registry owned by this manager.
func (cm *ConnectionManager) Registry() *SubscriptionRegistry {
	return cm.registry
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// OnConnected registers a callback invoked after each successful (re)connect,
// once subscriptions have been replayed.
func (cm *ConnectionManager) OnConnected(fn func()) {
	cm.mu.Lock()
	cm.onConnected = append(cm.onConnected, fn)
	cm.mu.Unlock()
}

// OnDisconnected registers a callback invoked when the transport drops.
func (cm *ConnectionManager) OnDisconnected(fn func(reason string)) {
	cm.mu.Lock()
	cm.onDisconnected = append(cm.onDisconnected, fn)
	cm.mu.Unlock()
}

// OnReconnecting registers a callback invoked before each retry wait.
func (cm *ConnectionManager) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	cm.mu.Lock()
	cm.onReconnecting = append(cm.onReconnecting, fn)
	cm.mu.Unlock()
}

// OnOffline registers a callback invoked when the retry ceiling is exhausted
// and the manager gives up until the next explicit Connect.
func (cm *ConnectionManager) OnOffline(fn func()) {
	cm.mu.Lock()
	cm.onOffline = append(cm.onOffline, fn)
	cm.mu.Unlock()
}

func (cm *ConnectionManager) emitConnected() {
	cm.mu.Lock()
	handlers := append([]func(){}, cm.onConnected...)
	cm.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (cm *ConnectionManager) emitDisconnected(reason string) {
	cm.mu.Lock()
	handlers := append([]func(string){}, cm.onDisconnected...)
	cm.mu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (cm *ConnectionManager) emitReconnecting(attempt int, delay time.Duration) {
	cm.mu.Lock()
	handlers := append([]func(int, time.Duration){}, cm.onReconnecting...)
	cm.mu.Unlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (cm *ConnectionManager) emitOffline() {
	cm.mu.Lock()
	handlers := append([]func(){}, cm.onOffline...)
	cm.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

// Connect establishes the transport connection. It is idempotent: if an
// attempt is already in flight, the caller joins it and receives the same
// result; if already connected it returns nil immediately.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.timers.cancel("reconnect")

	cm.mu.Lock()
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	if cm.pendingDone != nil {
		done := cm.pendingDone
		cm.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		cm.mu.Lock()
		err := cm.pendingErr
		cm.mu.Unlock()
		return err
	}

	cm.state = StateConnecting
	cm.intentionalClose = false
	done := make(chan struct{})
	cm.pendingDone = done
	cm.mu.Unlock()

	err := cm.dial(ctx)

	cm.mu.Lock()
	cm.pendingErr = err
	cm.pendingDone = nil
	cm.mu.Unlock()
	close(done)

	return err
}

func (cm *ConnectionManager) dial(ctx context.Context) error {
	conn, err := cm.cfg.Dial(ctx, cm.cfg.URL, cm.cfg.Token)
	if err != nil {
		cm.log.Printf("connect failed: %v", err)
		cm.mu.Lock()
		intentional := cm.intentionalClose
		cm.mu.Unlock()
		if cm.cfg.AutoReconnect && !intentional {
			cm.scheduleReconnect()
		} else {
			cm.setState(StateDisconnected)
		}
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())

	cm.mu.Lock()
	cm.conn = conn
	cm.state = StateConnected
	cm.readCancel = cancel
	cm.mu.Unlock()

	cm.recon.markConnected()
	cm.log.Printf("connected to %s", cm.cfg.URL)

	go cm.readLoop(readCtx, conn)

	cm.registry.ReplayAll(cm.sendSubscribe)

	cm.emitConnected()
	return nil
}

// Disconnect tears the connection down deliberately: it cancels any pending
// reconnect timer, empties the subscription registry and closes the
// transport. Terminal until Connect is called again.
func (cm *ConnectionManager) Disconnect() {
	cm.timers.cancel("reconnect")

	cm.mu.Lock()
	cm.intentionalClose = true
	cm.state = StateDisconnected
	conn := cm.conn
	cm.conn = nil
	if cm.readCancel != nil {
		cm.readCancel()
		cm.readCancel = nil
	}
	cm.mu.Unlock()

	cm.registry.UnregisterAll()
	cm.recon.reset()

	if conn != nil {
		_ = conn.Close("client disconnect")
	}
	cm.emitDisconnected("client disconnect")
}

// Publish sends payload to destination. It fails fast: while not connected it
// returns false and the frame is dropped (callers that need delivery
// guarantees go through the outbox).
func (cm *ConnectionManager) Publish(destination string, payload any) bool {
	cm.mu.Lock()
	conn := cm.conn
	state := cm.state
	cm.mu.Unlock()

	if conn == nil || state != StateConnected {
		cm.log.Printf("publish to %q dropped: not connected", destination)
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		cm.log.Printf("publish to %q: marshal: %v", destination, err)
		return false
	}
	return cm.writeFrame(conn, Frame{Type: framePublish, Topic: destination, Payload: body})
}

// Subscribe registers handler for destination and establishes the
// subscription if connected. While disconnected the subscription is deferred
// in the registry and replayed on the next connect.
func (cm *ConnectionManager) Subscribe(destination string, handler FrameHandler) *SubscriptionHandle {
	handle := cm.registry.Register(destination, handler)

	cm.mu.Lock()
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if connected && cm.sendSubscribe(destination) {
		handle.setActive(true)
	}
	return handle
}

// Unsubscribe removes the subscription for destination, notifying the server
// when connected.
func (cm *ConnectionManager) Unsubscribe(destination string) {
	cm.mu.Lock()
	conn := cm.conn
	connected := cm.state == StateConnected
	cm.mu.Unlock()

	if connected && conn != nil {
		cm.writeFrame(conn, Frame{Type: frameUnsubscribe, Topic: destination})
	}
	cm.registry.Unregister(destination)
}

func (cm *ConnectionManager) sendSubscribe(destination string) bool {
	cm.mu.Lock()
	conn := cm.conn
	cm.mu.Unlock()
	if conn == nil {
		return false
	}
	return cm.writeFrame(conn, Frame{Type: frameSubscribe, Topic: destination})
}

func (cm *ConnectionManager) writeFrame(conn transportConn, frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		cm.log.Printf("marshal frame: %v", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := conn.Write(ctx, data); err != nil {
		cm.log.Printf("write frame: %v", err)
		return false
	}
	return true
}

func (cm *ConnectionManager) readLoop(ctx context.Context, conn transportConn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			cm.handleTransportError(err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			cm.log.Printf("invalid frame: %v", err)
			continue
		}
		if frame.Type != frameEvent {
			continue
		}

		handler, _, ok := cm.registry.Lookup(frame.Topic)
		if !ok {
			cm.log.Printf("no handler for topic %q", frame.Topic)
			continue
		}
		handler(frame)
	}
}

// handleTransportError recovers from a dropped transport. Errors are never
// raised to callers; recovery is automatic until the retry ceiling is hit.
func (cm *ConnectionManager) handleTransportError(err error) {
	cm.mu.Lock()
	if cm.intentionalClose {
		cm.mu.Unlock()
		return
	}
	cm.conn = nil
	cm.state = StateDisconnected
	cm.mu.Unlock()

	cm.log.Printf("transport error: %v", err)
	cm.registry.deactivateAll()

	cm.emitDisconnected(err.Error())

	if cm.cfg.AutoReconnect {
		cm.scheduleReconnect()
	}
}

func (cm *ConnectionManager) scheduleReconnect() {
	if !cm.recon.shouldReconnect() {
		cm.log.Printf("reconnect attempts exhausted, going offline")
		cm.setState(StateDisconnected)
		cm.emitOffline()
		return
	}

	delay := cm.recon.nextDelay()
	cm.setState(StateReconnecting)
	cm.emitReconnecting(cm.recon.attempt, delay)

	cm.log.Printf("reconnecting in %s (attempt %d)", delay, cm.recon.attempt)
	cm.timers.schedule("reconnect", delay, func() {
		_ = cm.Connect(context.Background())
	})
}

func (cm *ConnectionManager) setState(s ConnState) {
	cm.mu.Lock()
	cm.state = s
	cm.mu.Unlock()
}
