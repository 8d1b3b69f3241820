package mbest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// RecipientSource lists who the local user may start a thread with.
type RecipientSource interface {
	Recipients(ctx context.Context) ([]Recipient, error)
}

// RecipientFunc adapts a function to RecipientSource.
type RecipientFunc func(ctx context.Context) ([]Recipient, error)

func (f RecipientFunc) Recipients(ctx context.Context) ([]Recipient, error) { return f(ctx) }

// RoleFilter narrows src to recipients whose role is one of roles.
func RoleFilter(src RecipientSource, roles ...string) RecipientSource {
	return RecipientFunc(func(ctx context.Context) ([]Recipient, error) {
		all, err := src.Recipients(ctx)
		if err != nil {
			return nil, err
		}
		return slices.DeleteFunc(all, func(r Recipient) bool {
			return !slices.ContainsFunc(roles, func(role string) bool { return strings.EqualFold(role, r.Role) })
		}), nil
	})
}

// threadRecipients derives recipients from the participants of known threads.
func threadRecipients(store *Store) RecipientSource {
	return RecipientFunc(func(context.Context) ([]Recipient, error) {
		var out []Recipient
		seen := make(map[UserID]bool)
		for _, s := range store.Threads() {
			p := s.Participant
			if p.ID == 0 || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, Recipient{ID: p.ID, Name: p.Name, Role: p.Role})
		}
		return out, nil
	})
}

// ============================================================================
// Options
// ============================================================================

type Option func(*Messenger)

func WithLogger(log *slog.Logger) Option {
	return func(m *Messenger) { m.log = log }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Messenger) { m.metrics = metrics }
}

func WithReadDebounce(d time.Duration) Option {
	return func(m *Messenger) { m.readOpts.Debounce = d }
}

func WithReadTrackerOptions(opts ReadTrackerOptions) Option {
	return func(m *Messenger) { m.readOpts = opts }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Messenger) { m.pollInterval = d }
}

func WithRecipients(src RecipientSource) Option {
	return func(m *Messenger) { m.recipients = src }
}

func WithChannelPrefix(prefix string) Option {
	return func(m *Messenger) { m.chanOpts.Prefix = prefix }
}

func WithMessageEvent(event string) Option {
	return func(m *Messenger) { m.chanOpts.Event = event }
}

func WithThumbnailEdge(px uint) Option {
	return func(m *Messenger) { m.thumbEdge = px }
}

func WithBlobRegistry(blobs *BlobRegistry) Option {
	return func(m *Messenger) { m.blobs = blobs }
}

// ============================================================================
// Messenger
// ============================================================================

// Compose is the content of the compose box.
type Compose struct {
	Body        string
	Attachments []Preview
}

// Messenger is the screen-facing facade over one user's threads. All state lives
// in a Store; actions never block rendering of the optimistic entry.
type Messenger struct {
	api     API
	session *Session
	store   *Store
	orderer *Orderer
	recon   *Reconciler
	factory *Factory
	preview *PreviewBuilder
	blobs   *BlobRegistry

	receipts *ReadTracker
	channels *ChannelManager
	poller   *Poller
	events   *emitter
	metrics  *Metrics
	log      *slog.Logger

	recipients   RecipientSource
	readOpts     ReadTrackerOptions
	pollInterval time.Duration
	chanOpts     ChannelOptions
	thumbEdge    uint

	mu     sync.Mutex
	body   string
	files  []LocalFile
	shown  []Preview
	gates  map[UserID]*threadGate
	known  map[UserID]Recipient
	closed bool
}

// threadGate queues sends to a recipient whose first thread is unconfirmed.
type threadGate struct {
	key      string
	done     chan struct{}
	threadID string
	err      error
}

// New builds a Messenger. push may be nil, in which case the open thread is
// always polled.
func New(api API, push PushTransport, session *Session, opts ...Option) *Messenger {
	m := &Messenger{
		api:     api,
		session: session,
		store:   NewStore(),
		gates:   make(map[UserID]*threadGate),
		known:   make(map[UserID]Recipient),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.blobs == nil {
		m.blobs = NewBlobRegistry()
	}
	if m.recipients == nil {
		m.recipients = threadRecipients(m.store)
	}

	m.events = newEmitter(m.log)
	m.orderer = NewOrderer(m.store)
	m.recon = NewReconciler(m.store, m.orderer, session.UserID, m.metrics, m.log)
	m.factory = NewFactory(m.blobs)
	m.preview = NewPreviewBuilder(m.blobs, m.thumbEdge)
	m.receipts = NewReadTracker(api, m.store, session.UserID, m.readOpts, m.metrics, m.log)
	m.poller = NewPoller(m.pollInterval, m.poll, m.metrics, m.log)
	if push == nil {
		push = pollOnly{}
	}
	m.channels = NewChannelManager(push, session, m.poller, m.HandlePush, m.chanOpts, m.metrics, m.log)

	m.store.Observe(func(c Change) {
		if c.Threads {
			m.events.emit(EventThreadsChanged, nil)
		}
		for _, id := range c.Messages {
			m.events.emit(EventMessagesChanged, id)
		}
	})
	return m
}

// On registers handler for event.
func (m *Messenger) On(event string, handler EventHandler) { m.events.On(event, handler) }

// Start resolves the local user if the session lacks one and loads threads.
func (m *Messenger) Start(ctx context.Context) error {
	if m.session.User() == nil {
		if m.session.Token() == "" {
			return ErrNoSession
		}
		user, err := m.api.CurrentUser(ctx)
		if err != nil {
			return err
		}
		m.session.SetUser(*user)
	}
	return m.Refresh(ctx)
}

func (m *Messenger) Threads() []ThreadSummary { return m.store.Threads() }

func (m *Messenger) Messages(threadID string) []Message { return m.store.Messages(threadID) }

func (m *Messenger) Selected() string { return m.store.Selected() }

// ChannelState reports the subscription state of the open thread.
func (m *Messenger) ChannelState() ChannelState { return m.channels.State() }

// Store exposes the underlying thread store for read access.
func (m *Messenger) Store() *Store { return m.store }

// Refresh refetches the thread list. On failure the list is emptied and a
// notice is emitted.
func (m *Messenger) Refresh(ctx context.Context) error {
	threads, err := m.api.ListThreads(ctx)
	if err != nil {
		err = asFetchError("list threads", err)
		m.store.ClearThreads()
		m.notify(NoticeError, "Could not load conversations", err)
		return err
	}
	for _, s := range threads {
		m.remember(Recipient{ID: s.Participant.ID, Name: s.Participant.Name, Role: s.Participant.Role})
	}
	if m.orderer.Replace(threads) {
		m.log.Debug("thread list replaced", "threads", len(threads))
	}
	return nil
}

// SelectThread opens threadID: loads its messages, subscribes to its channel
// and schedules read acknowledgment.
func (m *Messenger) SelectThread(ctx context.Context, threadID string) error {
	if _, ok := m.store.Summary(threadID); !ok {
		return ErrUnknownThread
	}
	m.store.Select(threadID)

	var fetchErr error
	if !IsProvisionalThread(threadID) {
		fetchErr = m.loadMessages(ctx, threadID)
	}
	if err := m.channels.Open(ctx, threadID); err != nil {
		m.log.Warn("channel not opened", "thread_id", threadID, "err", err)
	}
	m.receipts.ThreadVisible(threadID)
	return fetchErr
}

func (m *Messenger) loadMessages(ctx context.Context, threadID string) error {
	msgs, err := m.api.ListMessages(ctx, threadID)
	if err != nil {
		err = asFetchError("list messages "+threadID, err)
		m.store.ClearMessages(threadID)
		m.notify(NoticeError, "Could not load messages", err)
		return err
	}
	m.recon.Merge(threadID, msgs)
	return nil
}

// poll is the fallback refetch while the open thread has no live channel.
func (m *Messenger) poll(ctx context.Context) error {
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	if id := m.store.Selected(); id != "" && !IsProvisionalThread(id) {
		if err := m.loadMessages(ctx, id); err != nil {
			return err
		}
		m.receipts.ThreadVisible(id)
	}
	return nil
}

// HandlePush reconciles one raw message event. Malformed events are dropped.
func (m *Messenger) HandlePush(payload json.RawMessage) {
	ev, err := ParsePushEvent(payload)
	if err != nil {
		m.metrics.malformed()
		m.log.Warn("push event dropped", "err", err)
		return
	}
	if m.recon.Push(ev) == Inserted {
		self := m.session.UserID()
		if ev.Message.RecipientID == self && m.store.Selected() == ev.Message.ThreadID {
			m.receipts.ThreadVisible(ev.Message.ThreadID)
		}
	}
}

// ============================================================================
// Compose
// ============================================================================

func (m *Messenger) Compose() Compose {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Compose{Body: m.body, Attachments: slices.Clone(m.shown)}
}

// ComposeDraft returns the compose box as a draft with no recipient.
func (m *Messenger) ComposeDraft() Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Draft{Body: m.body, Files: slices.Clone(m.files)}
}

func (m *Messenger) SetComposeBody(body string) {
	m.mu.Lock()
	m.body = body
	m.mu.Unlock()
}

// AttachFile adds file to the compose box and returns its preview.
func (m *Messenger) AttachFile(file LocalFile) Preview {
	p := m.preview.Build(file)
	m.mu.Lock()
	m.files = append(m.files, file)
	m.shown = append(m.shown, p)
	m.mu.Unlock()
	return p
}

// RemoveAttachment drops the attachment at index and revokes its preview.
func (m *Messenger) RemoveAttachment(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.files) {
		m.mu.Unlock()
		return ErrAttachmentIndex
	}
	p := m.shown[index]
	m.files = slices.Delete(m.files, index, index+1)
	m.shown = slices.Delete(m.shown, index, index+1)
	m.mu.Unlock()
	p.Release()
	return nil
}

func (m *Messenger) clearCompose() {
	m.mu.Lock()
	shown := m.shown
	m.body, m.files, m.shown = "", nil, nil
	m.mu.Unlock()
	for _, p := range shown {
		p.Release()
	}
}

// restoreCompose puts a failed draft back unless the user already typed again.
func (m *Messenger) restoreCompose(d Draft) bool {
	m.mu.Lock()
	if m.closed || m.body != "" || len(m.files) > 0 {
		m.mu.Unlock()
		return false
	}
	m.body = d.Body
	m.files = slices.Clone(d.Files)
	m.mu.Unlock()

	shown := make([]Preview, 0, len(d.Files))
	for _, f := range d.Files {
		shown = append(shown, m.preview.Build(f))
	}
	m.mu.Lock()
	m.shown = shown
	m.mu.Unlock()
	return true
}

// SubmitCompose sends the compose box to the open thread.
func (m *Messenger) SubmitCompose(ctx context.Context) (*Message, error) {
	id := m.store.Selected()
	if id == "" {
		return nil, ErrUnknownThread
	}
	return m.SendToThread(ctx, id, m.ComposeDraft())
}

// ============================================================================
// Sending
// ============================================================================

// SendToThread sends draft into an existing thread. The optimistic entry is in
// the store before the request is issued. On failure the entry is rolled back,
// the draft is restored to the compose box and a *SendError is returned.
func (m *Messenger) SendToThread(ctx context.Context, threadID string, draft Draft) (*Message, error) {
	if strings.TrimSpace(draft.Body) == "" && len(draft.Files) == 0 {
		return nil, ErrEmptyDraft
	}
	self := m.session.UserID()
	if self == 0 {
		return nil, ErrNoSession
	}
	summary, ok := m.store.Summary(threadID)
	if !ok {
		return nil, ErrUnknownThread
	}
	if draft.RecipientID == 0 {
		draft.RecipientID = summary.Participant.ID
	}
	if IsProvisionalThread(threadID) {
		return m.StartNewThread(ctx, draft.RecipientID, draft)
	}
	draft.ThreadID = threadID
	m.clearCompose()

	msg := m.factory.Build(self, threadID, draft)
	m.recon.Insert(msg, summary.Participant)
	return m.deliver(ctx, threadID, msg, draft)
}

// StartNewThread sends draft to recipientID. When a thread with the recipient
// exists the message goes there. Otherwise a provisional thread is created;
// further sends to the same recipient queue behind the first until the server
// assigns the thread.
func (m *Messenger) StartNewThread(ctx context.Context, recipientID UserID, draft Draft) (*Message, error) {
	return m.startNewThread(ctx, recipientID, draft, true)
}

// startNewThread leaves the compose box alone when clear is false, so a queued
// send taking over after a failure does not wipe the restored draft.
func (m *Messenger) startNewThread(ctx context.Context, recipientID UserID, draft Draft, clear bool) (*Message, error) {
	if strings.TrimSpace(draft.Body) == "" && len(draft.Files) == 0 {
		return nil, ErrEmptyDraft
	}
	self := m.session.UserID()
	if self == 0 {
		return nil, ErrNoSession
	}
	draft.RecipientID = recipientID
	if id, ok := m.store.FindThreadWith(recipientID); ok {
		return m.SendToThread(ctx, id, draft)
	}

	m.mu.Lock()
	gate, queued := m.gates[recipientID]
	if !queued {
		gate = &threadGate{key: m.factory.ProvisionalThreadID(), done: make(chan struct{})}
		m.gates[recipientID] = gate
	}
	participant := m.participant(recipientID)
	m.mu.Unlock()

	if clear {
		m.clearCompose()
	}
	draft.ThreadID = ""
	msg := m.factory.Build(self, gate.key, draft)
	m.recon.Insert(msg, participant)

	if !queued {
		confirmed, err := m.deliver(ctx, gate.key, msg, draft)
		m.mu.Lock()
		delete(m.gates, recipientID)
		if err == nil {
			gate.threadID = confirmed.ThreadID
		}
		gate.err = err
		close(gate.done)
		m.mu.Unlock()
		return confirmed, err
	}

	select {
	case <-gate.done:
	case <-ctx.Done():
		if removed, ok := m.recon.Rollback(gate.key, msg.ID); ok {
			Release(removed)
		}
		return nil, ctx.Err()
	}
	if gate.err != nil {
		// The first send failed; this one becomes the first.
		if removed, ok := m.recon.Rollback(gate.key, msg.ID); ok {
			Release(removed)
		}
		return m.startNewThread(ctx, recipientID, draft, false)
	}
	draft.ThreadID = gate.threadID
	return m.deliver(ctx, gate.threadID, msg, draft)
}

// deliver issues the REST send for the already inserted optimistic msg.
func (m *Messenger) deliver(ctx context.Context, threadKey string, msg Message, draft Draft) (*Message, error) {
	req := SendRequest{
		RecipientID: draft.RecipientID,
		Body:        draft.Body,
		ThreadID:    draft.ThreadID,
		Attachments: draft.Files,
	}
	confirmed, err := m.api.SendMessage(ctx, req)
	if err != nil {
		if removed, ok := m.recon.Rollback(threadKey, msg.ID); ok {
			Release(removed)
		}
		restored := m.restoreCompose(draft)
		serr := &SendError{ThreadID: threadKey, Draft: draft, Err: err}
		m.log.Warn("send failed", "thread_id", threadKey, "temp_id", msg.ID.String(), "restored", restored, "err", err)
		m.notify(NoticeError, "Message could not be sent", serr)
		return nil, serr
	}
	if confirmed.SenderID == 0 {
		confirmed.SenderID = msg.SenderID
	}
	if confirmed.RecipientID == 0 {
		confirmed.RecipientID = msg.RecipientID
	}
	m.recon.Confirm(threadKey, msg.ID, *confirmed)

	if IsProvisionalThread(threadKey) && m.store.Selected() == confirmed.ThreadID {
		if err := m.channels.Open(ctx, confirmed.ThreadID); err != nil {
			m.log.Warn("channel not opened", "thread_id", confirmed.ThreadID, "err", err)
		}
	}
	return confirmed, nil
}

// ============================================================================
// Recipients
// ============================================================================

// Recipients lists who a new thread can be started with.
func (m *Messenger) Recipients(ctx context.Context) ([]Recipient, error) {
	list, err := m.recipients.Recipients(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range list {
		m.remember(r)
	}
	return list, nil
}

func (m *Messenger) remember(r Recipient) {
	if r.ID == 0 {
		return
	}
	m.mu.Lock()
	if prev, ok := m.known[r.ID]; !ok || prev.Name == "" {
		m.known[r.ID] = r
	}
	m.mu.Unlock()
}

// participant must be called with mu held.
func (m *Messenger) participant(id UserID) Participant {
	r := m.known[id]
	return Participant{ID: id, Name: r.Name, Role: r.Role}
}

// ============================================================================
// Teardown
// ============================================================================

// Close leaves the channel, stops polling and read acknowledgment and releases
// compose previews. In-flight sends still complete.
func (m *Messenger) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.channels.Close(ctx)
	m.poller.Stop()
	m.receipts.Close()
	m.clearCompose()
	m.events.removeAll()
}

func (m *Messenger) notify(level NoticeLevel, msg string, err error) {
	m.events.emit(EventNotice, Notice{Level: level, Message: msg, Err: err})
}

func asFetchError(op string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	return &FetchError{Op: op, Err: err}
}

// pollOnly is the transport used when push delivery is not configured.
type pollOnly struct{}

func (pollOnly) Authenticate(context.Context, string) error { return nil }

func (pollOnly) Subscribe(context.Context, string) (ChannelHandle, error) {
	return nil, ErrNotConnected
}

func (pollOnly) Unsubscribe(context.Context, string) error { return nil }
