package mbest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// wsEnvelope is the wire format for every frame in both directions.
type wsEnvelope struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Frame types.
const (
	frameAuthenticated = "authenticated"
	frameSubscribe     = "subscribe"
	frameUnsubscribe   = "unsubscribe"
	frameSubscribed    = "subscription_succeeded"
	frameSubscribeErr  = "subscription_error"
	frameEvent         = "event"
	framePing          = "ping"
	framePong          = "pong"
	frameError         = "error"
)

type authenticatedPayload struct {
	SocketID string `json:"socket_id"`
	UserID   UserID `json:"user_id"`
}

type subscribePayload struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ChannelAuthorizer signs private channel subscriptions. *Client implements it
// against the server's broadcasting endpoint.
type ChannelAuthorizer interface {
	AuthorizeChannel(ctx context.Context, socketID, channel string) (string, error)
}

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures WSTransport.
type WSConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	SubscribeTimeout     time.Duration
	Authorizer           ChannelAuthorizer
	Logger               *slog.Logger
}

func (c *WSConfig) defaults() {
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
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ConnState is the connection state of a WSTransport.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnReconnecting ConnState = "reconnecting"
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

func newReconnector(config *WSConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with jitter. A connection that stayed up for a
// minute resets the attempt count.
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
// Channel handle
// ============================================================================

type channelHandle struct {
	name     string
	mu       sync.RWMutex
	handlers map[string][]func(json.RawMessage)
}

func (c *channelHandle) Name() string { return c.name }

func (c *channelHandle) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

func (c *channelHandle) dispatch(event string, payload json.RawMessage) {
	c.mu.RLock()
	handlers := append([]func(json.RawMessage){}, c.handlers[event]...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(payload)
	}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a PushTransport over a single WebSocket with auto-reconnect,
// heartbeat and channel resubscription after reconnect.
type WSTransport struct {
	baseURL string
	config  *WSConfig
	log     *slog.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	token            string
	socketID         string
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*channelHandle
	onState          []func(ConnState)

	reqMu       sync.Mutex
	reqCounter  int
	pendingSubs map[string]chan error
	pendingPing map[string]chan struct{}
}

var _ PushTransport = (*WSTransport)(nil)

func NewWSTransport(baseURL string, config *WSConfig) *WSTransport {
	if config == nil {
		config = &WSConfig{AutoReconnect: true}
	}
	config.defaults()
	return &WSTransport{
		baseURL:     strings.TrimRight(baseURL, "/"),
		config:      config,
		log:         config.Logger,
		recon:       newReconnector(config),
		state:       ConnDisconnected,
		channels:    make(map[string]*channelHandle),
		pendingSubs: make(map[string]chan error),
		pendingPing: make(map[string]chan struct{}),
	}
}

// OnStateChange registers a handler for connection state transitions.
func (ws *WSTransport) OnStateChange(h func(ConnState)) {
	ws.mu.Lock()
	ws.onState = append(ws.onState, h)
	ws.mu.Unlock()
}

func (ws *WSTransport) State() ConnState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// SocketID returns the id the server assigned to the current connection.
func (ws *WSTransport) SocketID() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.socketID
}

func (ws *WSTransport) setState(s ConnState) {
	ws.mu.Lock()
	ws.state = s
	handlers := append([]func(ConnState){}, ws.onState...)
	ws.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Authenticate connects with token. An open connection made with a different
// token is replaced.
func (ws *WSTransport) Authenticate(ctx context.Context, token string) error {
	ws.mu.Lock()
	same := ws.token == token && ws.state == ConnConnected
	ws.token = token
	ws.mu.Unlock()
	if same {
		return nil
	}
	ws.disconnect(false)
	return ws.connect(ctx)
}

func (ws *WSTransport) connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == ConnConnected || ws.state == ConnConnecting {
		ws.mu.Unlock()
		return nil
	}
	token := ws.token
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.setState(ConnConnecting)

	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(token)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ws.setState(ConnDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// The first frame must be "authenticated".
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(ConnDisconnected)
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(ConnDisconnected)
		if env.Type == frameError {
			var p errorPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("%w: %s", ErrSubscriptionRejected, p.Message)
		}
		return fmt.Errorf("expected %q, got %q", frameAuthenticated, env.Type)
	}
	var auth authenticatedPayload
	_ = json.Unmarshal(env.Payload, &auth)

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.socketID = auth.SocketID
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(ConnConnected)
	ws.log.Debug("websocket connected", "socket_id", auth.SocketID)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

// Close disconnects and forgets every channel.
func (ws *WSTransport) Close() error {
	ws.disconnect(true)
	ws.mu.Lock()
	ws.channels = make(map[string]*channelHandle)
	ws.mu.Unlock()
	return nil
}

func (ws *WSTransport) disconnect(forget bool) {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.socketID = ""
	ws.mu.Unlock()

	ws.clearPending()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if forget || conn != nil {
		ws.setState(ConnDisconnected)
	}
}

// Subscribe joins channel and waits for the server to accept it.
func (ws *WSTransport) Subscribe(ctx context.Context, channel string) (ChannelHandle, error) {
	ws.mu.Lock()
	connected := ws.conn != nil
	socketID := ws.socketID
	ch := &channelHandle{name: channel, handlers: make(map[string][]func(json.RawMessage))}
	ws.channels[channel] = ch
	ws.mu.Unlock()
	if !connected {
		ws.forget(channel, ch)
		return nil, ErrNotConnected
	}

	if err := ws.requestSubscribe(ctx, channel, socketID, true); err != nil {
		ws.forget(channel, ch)
		return nil, err
	}
	return ch, nil
}

func (ws *WSTransport) requestSubscribe(ctx context.Context, channel, socketID string, wait bool) error {
	payload := subscribePayload{Channel: channel}
	if ws.config.Authorizer != nil && strings.HasPrefix(channel, "private-") {
		auth, err := ws.config.Authorizer.AuthorizeChannel(ctx, socketID, channel)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSubscriptionRejected, err)
		}
		payload.Auth = auth
	}

	var result chan error
	if wait {
		result = make(chan error, 1)
		ws.reqMu.Lock()
		ws.pendingSubs[channel] = result
		ws.reqMu.Unlock()
	}
	if err := ws.send(ctx, frameSubscribe, channel, payload); err != nil {
		ws.dropPendingSub(channel)
		return err
	}
	if !wait {
		return nil
	}

	timer := time.NewTimer(ws.config.SubscribeTimeout)
	defer timer.Stop()
	select {
	case err, ok := <-result:
		if !ok {
			return ErrNotConnected
		}
		return err
	case <-timer.C:
		ws.dropPendingSub(channel)
		return fmt.Errorf("subscribe %s: timeout", channel)
	case <-ctx.Done():
		ws.dropPendingSub(channel)
		return ctx.Err()
	}
}

// Unsubscribe leaves channel. Leaving a channel that is not joined is a no-op.
func (ws *WSTransport) Unsubscribe(ctx context.Context, channel string) error {
	ws.mu.Lock()
	_, joined := ws.channels[channel]
	delete(ws.channels, channel)
	connected := ws.conn != nil
	ws.mu.Unlock()
	if !joined || !connected {
		return nil
	}
	return ws.send(ctx, frameUnsubscribe, channel, subscribePayload{Channel: channel})
}

func (ws *WSTransport) forget(channel string, ch *channelHandle) {
	ws.mu.Lock()
	if ws.channels[channel] == ch {
		delete(ws.channels, channel)
	}
	ws.mu.Unlock()
}

func (ws *WSTransport) send(ctx context.Context, frameType, channel string, payload any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wsEnvelope{Type: frameType, Channel: channel, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSTransport) nextRequestID(prefix string) string {
	ws.reqMu.Lock()
	defer ws.reqMu.Unlock()
	ws.reqCounter++
	return fmt.Sprintf("%s-%d", prefix, ws.reqCounter)
}

// Ping sends a ping and waits for the pong.
func (ws *WSTransport) Ping(ctx context.Context) error {
	requestID := ws.nextRequestID("ping")
	ch := make(chan struct{}, 1)
	ws.reqMu.Lock()
	ws.pendingPing[requestID] = ch
	ws.reqMu.Unlock()
	defer func() {
		ws.reqMu.Lock()
		delete(ws.pendingPing, requestID)
		ws.reqMu.Unlock()
	}()

	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, _ := json.Marshal(wsEnvelope{Type: framePing, RequestID: requestID})
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			superseded := ws.conn != conn
			if !superseded {
				ws.conn = nil
			}
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional || superseded {
				return
			}
			ws.clearPending()
			ws.setState(ConnDisconnected)
			ws.log.Warn("websocket disconnected", "err", err)

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil {
			ws.log.Debug("websocket frame ignored", "bytes", len(data))
			continue
		}
		ws.handle(env)
	}
}

func (ws *WSTransport) handle(env wsEnvelope) {
	switch env.Type {
	case framePong:
		ws.reqMu.Lock()
		ch, ok := ws.pendingPing[env.RequestID]
		delete(ws.pendingPing, env.RequestID)
		ws.reqMu.Unlock()
		if ok {
			ch <- struct{}{}
		}
	case frameSubscribed:
		ws.resolveSub(env.Channel, nil)
	case frameSubscribeErr:
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ws.resolveSub(env.Channel, fmt.Errorf("%w: %s", ErrSubscriptionRejected, p.Message))
	case frameEvent:
		ws.mu.Lock()
		ch := ws.channels[env.Channel]
		ws.mu.Unlock()
		if ch != nil {
			ch.dispatch(env.Event, env.Payload)
		}
	case frameError:
		var p errorPayload
		_ = json.Unmarshal(env.Payload, &p)
		ws.log.Warn("websocket server error", "message", p.Message)
	}
}

func (ws *WSTransport) resolveSub(channel string, err error) {
	ws.reqMu.Lock()
	ch, ok := ws.pendingSubs[channel]
	delete(ws.pendingSubs, channel)
	ws.reqMu.Unlock()
	if ok {
		ch <- err
	} else if err != nil {
		ws.log.Warn("resubscribe rejected", "channel", channel, "err", err)
	}
}

func (ws *WSTransport) dropPendingSub(channel string) {
	ws.reqMu.Lock()
	delete(ws.pendingSubs, channel)
	ws.reqMu.Unlock()
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != ConnConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSTransport) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.setState(ConnReconnecting)
	ws.log.Info("websocket reconnecting", "attempt", ws.recon.attempt, "delay", delay)

	time.Sleep(delay)

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		return
	}
	ws.state = ConnDisconnected
	ws.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ws.config.SubscribeTimeout)
	err := ws.connect(ctx)
	cancel()
	if err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		} else {
			ws.setState(ConnDisconnected)
		}
		return
	}
	ws.resubscribe()
}

// resubscribe rejoins every channel after a reconnect without waiting for acks.
func (ws *WSTransport) resubscribe() {
	ws.mu.Lock()
	socketID := ws.socketID
	names := make([]string, 0, len(ws.channels))
	for name := range ws.channels {
		names = append(names, name)
	}
	ws.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), ws.config.SubscribeTimeout)
	defer cancel()
	for _, name := range names {
		if err := ws.requestSubscribe(ctx, name, socketID, false); err != nil {
			ws.log.Warn("resubscribe failed", "channel", name, "err", err)
		}
	}
}

func (ws *WSTransport) clearPending() {
	ws.reqMu.Lock()
	for k, ch := range ws.pendingSubs {
		close(ch)
		delete(ws.pendingSubs, k)
	}
	for k, ch := range ws.pendingPing {
		close(ch)
		delete(ws.pendingPing, k)
	}
	ws.reqMu.Unlock()
}
