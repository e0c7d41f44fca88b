package ember

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// FeedEnvelope is the wire format for all feed events.
type FeedEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FeedCommand is a client-to-server command.
type FeedCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// InsertPayload carries a newly inserted row pushed by the backend.
type InsertPayload struct {
	Message Message `json:"message"`
}

type ackPayload struct {
	RequestID string `json:"requestId"`
}

// ============================================================================
// Configuration
// ============================================================================

// FeedConfig configures the realtime feed connection.
type FeedConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *FeedConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// FeedState represents the connection state.
type FeedState string

const (
	FeedDisconnected FeedState = "disconnected"
	FeedConnecting   FeedState = "connecting"
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *FeedConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
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

// ============================================================================
// Feed
// ============================================================================

// Feed is the realtime push connection delivering insert events for the
// subscribed chat. It auto-reconnects with exponential backoff and resends
// the active subscription after every reconnect. Delivery carries no gap
// guarantee across disconnects; RealtimeReconciler.Resume is the backstop.
type Feed struct {
	baseURL string
	config  *FeedConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            FeedState
	intentionalClose bool
	subscribedChat   string
	cancelFn         context.CancelFunc

	handlerMu      sync.RWMutex
	onInsert       []func(InsertPayload)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)

	recon *reconnector

	pingCounter  int
	pendingPings map[string]chan ackPayload
	pendingMu    sync.Mutex
}

// NewFeed creates a feed client for the given backend base URL.
func NewFeed(baseURL string, config *FeedConfig) *Feed {
	cfg := *config
	cfg.defaults()
	return &Feed{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		log:          zerolog.Nop(),
		state:        FeedDisconnected,
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan ackPayload),
	}
}

// SetLogger attaches a logger.
func (f *Feed) SetLogger(log zerolog.Logger) {
	f.log = log.With().Str("component", "feed").Logger()
}

// OnInsert registers a handler for pushed inserts. Handlers run sequentially
// on the read loop so cache writes keep event order.
func (f *Feed) OnInsert(h func(InsertPayload)) {
	f.handlerMu.Lock()
	f.onInsert = append(f.onInsert, h)
	f.handlerMu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (f *Feed) OnConnected(h func()) {
	f.handlerMu.Lock()
	f.onConnected = append(f.onConnected, h)
	f.handlerMu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (f *Feed) OnDisconnected(h func(reason string)) {
	f.handlerMu.Lock()
	f.onDisconnected = append(f.onDisconnected, h)
	f.handlerMu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (f *Feed) OnReconnecting(h func(attempt int, delay time.Duration)) {
	f.handlerMu.Lock()
	f.onReconnecting = append(f.onReconnecting, h)
	f.handlerMu.Unlock()
}

// State returns the current connection state.
func (f *Feed) State() FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect establishes the websocket connection.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == FeedConnected || f.state == FeedConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = FeedConnecting
	f.intentionalClose = false
	f.mu.Unlock()

	wsURL := strings.Replace(f.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + f.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = FeedDisconnected
		f.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.state = FeedConnected
	chat := f.subscribedChat
	f.mu.Unlock()
	f.recon.markConnected()

	connCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancelFn = cancel
	f.mu.Unlock()

	go f.readLoop(connCtx)
	go f.heartbeatLoop(connCtx)

	// Re-establish the subscription the disconnect interrupted.
	if chat != "" {
		if err := f.send(ctx, &FeedCommand{
			Type:    "subscribe",
			Payload: map[string]string{"chatId": chat},
		}); err != nil {
			f.log.Warn().Err(err).Str("chat", chat).Msg("resubscribe failed")
		}
	}

	f.emitConnected()
	return nil
}

// Disconnect closes the connection intentionally. No reconnect follows.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	f.intentionalClose = true
	if f.cancelFn != nil {
		f.cancelFn()
		f.cancelFn = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = FeedDisconnected
	f.mu.Unlock()

	f.clearPendingPings()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	f.emitDisconnected("client disconnect")
	return closeErr
}

// Subscribe asks the backend to push inserts for one chat. Any prior
// subscription is replaced. The returned func unsubscribes.
func (f *Feed) Subscribe(ctx context.Context, chatID string) (func(), error) {
	f.mu.Lock()
	f.subscribedChat = chatID
	f.mu.Unlock()

	err := f.send(ctx, &FeedCommand{
		Type:    "subscribe",
		Payload: map[string]string{"chatId": chatID},
	})
	if err != nil {
		return nil, err
	}

	return func() {
		f.mu.Lock()
		if f.subscribedChat == chatID {
			f.subscribedChat = ""
		}
		f.mu.Unlock()
		_ = f.send(context.Background(), &FeedCommand{
			Type:    "unsubscribe",
			Payload: map[string]string{"chatId": chatID},
		})
	}, nil
}

// Ping sends a ping and waits for the ack.
func (f *Feed) Ping(ctx context.Context) error {
	f.pendingMu.Lock()
	f.pingCounter++
	requestID := fmt.Sprintf("ping-%d", f.pingCounter)
	ch := make(chan ackPayload, 1)
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()

	err := f.send(ctx, &FeedCommand{
		Type:    "ping",
		Payload: map[string]string{"requestId": requestID},
	})
	if err != nil {
		f.dropPendingPing(requestID)
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		f.dropPendingPing(requestID)
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		f.dropPendingPing(requestID)
		return ctx.Err()
	}
}

func (f *Feed) send(ctx context.Context, cmd *FeedCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (f *Feed) readLoop(ctx context.Context) {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			f.mu.Lock()
			intentional := f.intentionalClose
			f.mu.Unlock()
			if intentional {
				return
			}

			f.mu.Lock()
			f.state = FeedDisconnected
			f.conn = nil
			f.mu.Unlock()
			f.emitDisconnected(err.Error())

			if f.config.AutoReconnect && f.recon.shouldReconnect() {
				f.scheduleReconnect(ctx)
			}
			return
		}

		var env FeedEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		f.dispatch(env)
	}
}

func (f *Feed) dispatch(env FeedEnvelope) {
	switch env.Type {
	case "message.insert":
		var p InsertPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			f.log.Debug().Err(err).Msg("bad insert payload")
			return
		}
		f.handlerMu.RLock()
		handlers := append([]func(InsertPayload){}, f.onInsert...)
		f.handlerMu.RUnlock()
		for _, h := range handlers {
			h(p)
		}

	case "pong":
		var p ackPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
			f.pendingMu.Lock()
			ch, ok := f.pendingPings[p.RequestID]
			if ok {
				delete(f.pendingPings, p.RequestID)
			}
			f.pendingMu.Unlock()
			if ok {
				ch <- p
			}
		}
	}
}

func (f *Feed) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.State() != FeedConnected {
				return
			}
			if err := f.Ping(ctx); err != nil {
				f.mu.Lock()
				conn := f.conn
				f.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (f *Feed) scheduleReconnect(ctx context.Context) {
	delay := f.recon.nextDelay()
	f.mu.Lock()
	f.state = FeedReconnecting
	f.mu.Unlock()
	f.emitReconnecting(f.recon.attempt, delay)

	time.Sleep(delay)

	if err := f.Connect(ctx); err != nil {
		if f.config.AutoReconnect && f.recon.shouldReconnect() {
			f.scheduleReconnect(ctx)
		} else {
			f.mu.Lock()
			f.state = FeedDisconnected
			f.mu.Unlock()
		}
	}
}

func (f *Feed) emitConnected() {
	f.handlerMu.RLock()
	handlers := append([]func(){}, f.onConnected...)
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (f *Feed) emitDisconnected(reason string) {
	f.handlerMu.RLock()
	handlers := append([]func(string){}, f.onDisconnected...)
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (f *Feed) emitReconnecting(attempt int, delay time.Duration) {
	f.handlerMu.RLock()
	handlers := append([]func(int, time.Duration){}, f.onReconnecting...)
	f.handlerMu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (f *Feed) dropPendingPing(requestID string) {
	f.pendingMu.Lock()
	delete(f.pendingPings, requestID)
	f.pendingMu.Unlock()
}

func (f *Feed) clearPendingPings() {
	f.pendingMu.Lock()
	for k, ch := range f.pendingPings {
		close(ch)
		delete(f.pendingPings, k)
	}
	f.pendingMu.Unlock()
}
