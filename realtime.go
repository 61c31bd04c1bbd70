package chatcore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures the realtime socket client.
type SocketConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *SocketConfig) defaults() {
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

// ConnectionState represents the socket connection state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// EventSink receives decoded events and connection state transitions. The
// session controller implements it; tests substitute a recorder.
type EventSink interface {
	Dispatch(Event)
	NotifyConnectionState(ConnectionState)
}

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

func newReconnector(config *SocketConfig) *reconnector {
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

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// SocketClient
// ============================================================================

// SocketClient is the WebSocket transport with auto-reconnect and heartbeat.
// Decoded events and connection transitions flow into the EventSink; outbound
// commands go through Emit, which satisfies Transport.
type SocketClient struct {
	baseURL          string
	config           *SocketConfig
	sink             EventSink
	conn             *websocket.Conn
	mu               sync.Mutex
	state            ConnectionState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc

	protoHandlers []func(error)
}

// NewSocketClient creates a socket client targeting baseURL.
func NewSocketClient(baseURL string, config SocketConfig, sink EventSink) *SocketClient {
	config.defaults()
	return &SocketClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		config:  &config,
		sink:    sink,
		state:   StateDisconnected,
		recon:   newReconnector(&config),
	}
}

// OnProtocolError registers a handler for undecodable frames. Unknown event
// names and malformed payloads are dropped at this boundary; the handler is
// the diagnostic channel for them.
func (sc *SocketClient) OnProtocolError(h func(error)) {
	sc.protoHandlers = append(sc.protoHandlers, h)
}

// State returns the current connection state.
func (sc *SocketClient) State() ConnectionState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

func (sc *SocketClient) setState(state ConnectionState) {
	sc.mu.Lock()
	sc.state = state
	sc.mu.Unlock()
	if sc.sink != nil {
		sc.sink.NotifyConnectionState(state)
	}
}

// Connect establishes the WebSocket connection and starts the read and
// heartbeat loops.
func (sc *SocketClient) Connect(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == StateConnected || sc.state == StateConnecting {
		sc.mu.Unlock()
		return nil
	}
	sc.state = StateConnecting
	sc.intentionalClose = false
	sc.mu.Unlock()

	wsURL := strings.Replace(sc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + sc.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		sc.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	sc.mu.Lock()
	sc.conn = conn
	sc.mu.Unlock()
	sc.recon.markConnected()
	sc.setState(StateConnected)

	connCtx, cancel := context.WithCancel(ctx)
	sc.mu.Lock()
	sc.cancelFn = cancel
	sc.mu.Unlock()

	go sc.readLoop(connCtx)
	go sc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection.
func (sc *SocketClient) Disconnect() error {
	sc.mu.Lock()
	sc.intentionalClose = true
	if sc.cancelFn != nil {
		sc.cancelFn()
		sc.cancelFn = nil
	}
	conn := sc.conn
	sc.conn = nil
	sc.mu.Unlock()

	sc.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Emit sends one event to the server. Implements Transport.
func (sc *SocketClient) Emit(ctx context.Context, event string, payload any) error {
	sc.mu.Lock()
	conn := sc.conn
	sc.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

func (sc *SocketClient) readLoop(ctx context.Context) {
	for {
		sc.mu.Lock()
		conn := sc.conn
		sc.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			sc.mu.Lock()
			intentional := sc.intentionalClose
			sc.conn = nil
			sc.mu.Unlock()
			if intentional {
				return
			}

			sc.setState(StateDisconnected)

			if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
				sc.scheduleReconnect(ctx)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			sc.protocolError(fmt.Errorf("decode frame: %w", err))
			continue
		}
		ev, err := DecodeEvent(env)
		if err != nil {
			sc.protocolError(err)
			continue
		}
		if sc.sink != nil {
			sc.sink.Dispatch(ev)
		}
	}
}

func (sc *SocketClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(sc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			conn := sc.conn
			state := sc.state
			sc.mu.Unlock()
			if state != StateConnected || conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (sc *SocketClient) scheduleReconnect(ctx context.Context) {
	delay := sc.recon.nextDelay()
	sc.setState(StateReconnecting)

	time.Sleep(delay)

	// The per-connection context is cancelled by now; dial fresh.
	if err := sc.Connect(context.Background()); err != nil {
		if sc.config.AutoReconnect && sc.recon.shouldReconnect() {
			sc.scheduleReconnect(ctx)
		} else {
			sc.setState(StateDisconnected)
		}
	}
}

func (sc *SocketClient) protocolError(err error) {
	for _, h := range sc.protoHandlers {
		h(err)
	}
}
