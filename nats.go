package mbest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures NATSTransport.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Logger        *slog.Logger
}

func (c *NATSConfig) defaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "mbest."
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 60
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// natsEvent is the body of every message published on a thread subject.
type natsEvent struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// NATSTransport is a PushTransport backed by NATS subjects, one per channel.
// The session token is presented as the NATS auth token.
type NATSTransport struct {
	config NATSConfig
	log    *slog.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	token    string
	channels map[string]*natsChannel
}

type natsChannel struct {
	handle *channelHandle
	sub    *nats.Subscription
}

var _ PushTransport = (*NATSTransport)(nil)

func NewNATSTransport(config NATSConfig) *NATSTransport {
	config.defaults()
	return &NATSTransport{
		config:   config,
		log:      config.Logger,
		channels: make(map[string]*natsChannel),
	}
}

// Subject returns the NATS subject carrying channel.
func (t *NATSTransport) Subject(channel string) string { return t.config.SubjectPrefix + channel }

// Authenticate (re)connects with token. Joined channels are resubscribed on
// the new connection.
func (t *NATSTransport) Authenticate(ctx context.Context, token string) error {
	t.mu.Lock()
	if t.conn != nil && t.token == token && t.conn.IsConnected() {
		t.mu.Unlock()
		return nil
	}
	old := t.conn
	t.conn = nil
	t.mu.Unlock()
	if old != nil {
		old.Close()
	}

	opts := []nats.Option{
		nats.Token(token),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.Timeout(t.config.Timeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			t.log.Warn("disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.log.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			t.log.Debug("NATS connection closed")
		}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < t.config.Timeout {
			opts = append(opts, nats.Timeout(d))
		}
	}
	conn, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return fmt.Errorf("%w: %v", ErrSubscriptionRejected, err)
		}
		return fmt.Errorf("nats connect: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.token = token
	joined := make(map[string]*natsChannel, len(t.channels))
	for name, ch := range t.channels {
		joined[name] = ch
	}
	t.mu.Unlock()

	for name, ch := range joined {
		sub, err := t.subscribe(conn, name, ch.handle)
		if err != nil {
			t.log.Warn("resubscribe failed", "channel", name, "err", err)
			continue
		}
		t.mu.Lock()
		ch.sub = sub
		t.mu.Unlock()
	}
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, channel string) (ChannelHandle, error) {
	t.mu.Lock()
	conn := t.conn
	prev := t.channels[channel]
	t.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}
	if prev != nil && prev.sub != nil {
		_ = prev.sub.Unsubscribe()
	}

	handle := &channelHandle{name: channel, handlers: make(map[string][]func(json.RawMessage))}
	sub, err := t.subscribe(conn, channel, handle)
	if err != nil {
		return nil, err
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if err := conn.LastError(); errors.Is(err, nats.ErrPermissionViolation) {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionRejected, err)
	}

	t.mu.Lock()
	t.channels[channel] = &natsChannel{handle: handle, sub: sub}
	t.mu.Unlock()
	return handle, nil
}

func (t *NATSTransport) subscribe(conn *nats.Conn, channel string, handle *channelHandle) (*nats.Subscription, error) {
	return conn.Subscribe(t.Subject(channel), func(msg *nats.Msg) {
		var ev natsEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Payload == nil {
			t.log.Warn("nats event ignored", "subject", msg.Subject, "err", err)
			return
		}
		if ev.Event == "" {
			ev.Event = DefaultMessageEvent
		}
		handle.dispatch(ev.Event, ev.Payload)
	})
}

// Unsubscribe leaves channel. Leaving a channel that is not joined is a no-op.
func (t *NATSTransport) Unsubscribe(ctx context.Context, channel string) error {
	t.mu.Lock()
	ch, ok := t.channels[channel]
	delete(t.channels, channel)
	t.mu.Unlock()
	if !ok || ch.sub == nil || !ch.sub.IsValid() {
		return nil
	}
	return ch.sub.Unsubscribe()
}

// Publish sends payload as event on channel. It is used by servers and tests.
func (t *NATSTransport) Publish(channel, event string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(natsEvent{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return conn.Publish(t.Subject(channel), data)
}

func (t *NATSTransport) Close() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.channels = make(map[string]*natsChannel)
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
