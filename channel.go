package mbest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

const (
	DefaultChannelPrefix = "private-thread."
	DefaultMessageEvent  = "message.sent"
)

// PushTransport is the push-delivery collaborator. Authenticate must succeed
// before Subscribe guarantees delivery. Unsubscribing a channel that is not
// subscribed is not an error.
type PushTransport interface {
	Authenticate(ctx context.Context, token string) error
	Subscribe(ctx context.Context, channel string) (ChannelHandle, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// ChannelHandle is one subscribed channel.
type ChannelHandle interface {
	Name() string
	On(event string, handler func(payload json.RawMessage))
}

// ChannelState is the subscription state of the open thread.
type ChannelState int

const (
	Unsubscribed ChannelState = iota
	Subscribing
	Subscribed
)

func (s ChannelState) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	}
	return "unsubscribed"
}

// ChannelManager keeps exactly one push channel subscribed: the one of the
// open thread. Subscription failures degrade to polling.
type ChannelManager struct {
	transport PushTransport
	session   *Session
	poller    *Poller
	deliver   func(json.RawMessage)
	prefix    string
	event     string
	metrics   *Metrics
	log       *slog.Logger

	mu        sync.Mutex
	state     ChannelState
	threadID  string
	channel   string
	gen       uint64
	authToken string
	authed    bool
}

// ChannelOptions names the channels and the event carrying messages.
type ChannelOptions struct {
	Prefix string
	Event  string
}

// NewChannelManager wires transport to deliver. poller may be nil, in which
// case a failed subscription leaves the thread without live updates.
func NewChannelManager(transport PushTransport, session *Session, poller *Poller, deliver func(json.RawMessage), opts ChannelOptions, metrics *Metrics, log *slog.Logger) *ChannelManager {
	if log == nil {
		log = slog.Default()
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultChannelPrefix
	}
	if opts.Event == "" {
		opts.Event = DefaultMessageEvent
	}
	cm := &ChannelManager{
		transport: transport,
		session:   session,
		poller:    poller,
		deliver:   deliver,
		prefix:    opts.Prefix,
		event:     opts.Event,
		metrics:   metrics,
		log:       log,
	}
	session.OnChange(cm.sessionChanged)
	return cm
}

// ChannelName returns the channel of threadID.
func (cm *ChannelManager) ChannelName(threadID string) string { return cm.prefix + threadID }

func (cm *ChannelManager) State() ChannelState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// ThreadID returns the thread whose channel is open or being opened.
func (cm *ChannelManager) ThreadID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.threadID
}

// Degraded reports whether the open thread is being polled instead of pushed.
func (cm *ChannelManager) Degraded() bool {
	return cm.poller != nil && cm.poller.Running()
}

// Open subscribes to the channel of threadID, leaving the previous channel
// first. It returns ErrNoSession while the local user is unknown. A
// subscription failure is logged and starts polling; it is not returned.
func (cm *ChannelManager) Open(ctx context.Context, threadID string) error {
	if threadID == "" || IsProvisionalThread(threadID) {
		cm.Close(ctx)
		return nil
	}
	if cm.session.UserID() == 0 {
		return ErrNoSession
	}

	name := cm.ChannelName(threadID)
	cm.mu.Lock()
	if cm.threadID == threadID && cm.state != Unsubscribed {
		cm.mu.Unlock()
		return nil
	}
	prev := cm.channel
	cm.gen++
	gen := cm.gen
	cm.threadID = threadID
	cm.channel = name
	cm.setState(Subscribing)
	cm.mu.Unlock()

	if prev != "" && prev != name {
		cm.leave(ctx, prev)
	}

	handle, err := cm.subscribe(ctx, name)

	cm.mu.Lock()
	if cm.gen != gen {
		cm.mu.Unlock()
		if err == nil {
			cm.leave(ctx, name)
		}
		return nil
	}
	if err != nil {
		cm.setState(Unsubscribed)
		cm.mu.Unlock()
		cm.log.Warn("channel subscribe failed, polling instead", "channel", name, "err", err)
		if cm.poller != nil {
			cm.poller.Start()
		}
		return nil
	}
	handle.On(cm.event, func(payload json.RawMessage) {
		cm.mu.Lock()
		current := cm.gen == gen
		cm.mu.Unlock()
		if current {
			cm.deliver(payload)
		}
	})
	cm.setState(Subscribed)
	cm.mu.Unlock()

	if cm.poller != nil {
		cm.poller.Stop()
	}
	cm.log.Info("channel subscribed", "channel", name)
	return nil
}

// Close leaves the current channel and stops polling. It is idempotent.
func (cm *ChannelManager) Close(ctx context.Context) {
	cm.mu.Lock()
	prev := cm.channel
	cm.gen++
	cm.threadID = ""
	cm.channel = ""
	cm.setState(Unsubscribed)
	cm.mu.Unlock()

	if cm.poller != nil {
		cm.poller.Stop()
	}
	if prev != "" {
		cm.leave(ctx, prev)
	}
}

func (cm *ChannelManager) subscribe(ctx context.Context, name string) (ChannelHandle, error) {
	if err := cm.authenticate(ctx, false); err != nil {
		return nil, err
	}
	handle, err := cm.transport.Subscribe(ctx, name)
	if errors.Is(err, ErrSubscriptionRejected) {
		cm.log.Info("channel auth rejected, re-authenticating", "channel", name)
		if authErr := cm.authenticate(ctx, true); authErr != nil {
			return nil, authErr
		}
		handle, err = cm.transport.Subscribe(ctx, name)
	}
	return handle, err
}

// authenticate refreshes transport credentials when the session token changed
// since the last successful authentication, or when force is set.
func (cm *ChannelManager) authenticate(ctx context.Context, force bool) error {
	token := cm.session.Token()
	if token == "" {
		return ErrNoSession
	}
	cm.mu.Lock()
	fresh := cm.authed && cm.authToken == token
	cm.mu.Unlock()
	if fresh && !force {
		return nil
	}
	err := cm.transport.Authenticate(ctx, token)
	cm.mu.Lock()
	cm.authed = err == nil
	cm.authToken = token
	cm.mu.Unlock()
	return err
}

func (cm *ChannelManager) leave(ctx context.Context, name string) {
	if err := cm.transport.Unsubscribe(ctx, name); err != nil {
		cm.log.Debug("channel leave", "channel", name, "err", err)
	}
}

func (cm *ChannelManager) sessionChanged(st SessionState) {
	if st.User == nil || st.Token == "" {
		cm.Close(context.Background())
		return
	}
	cm.mu.Lock()
	stale := cm.authed && cm.authToken != st.Token
	if stale {
		cm.authed = false
	}
	threadID := cm.threadID
	cm.mu.Unlock()
	if !stale || threadID == "" {
		return
	}
	// Resubscribe under the new credentials.
	go func() {
		ctx := context.Background()
		cm.mu.Lock()
		if cm.threadID != threadID {
			cm.mu.Unlock()
			return
		}
		cm.setState(Unsubscribed)
		cm.mu.Unlock()
		if err := cm.Open(ctx, threadID); err != nil {
			cm.log.Warn("channel resubscribe failed", "thread_id", threadID, "err", err)
		}
	}()
}

// setState must be called with mu held.
func (cm *ChannelManager) setState(s ChannelState) {
	cm.state = s
	cm.metrics.channel(s)
}
