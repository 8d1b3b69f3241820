package mbest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultReadDebounce    = 300 * time.Millisecond
	DefaultAckConcurrency  = 4
	DefaultAckRate         = rate.Limit(20)
	DefaultAckBurst        = 10
	DefaultAckRetries      = 2
	defaultAckRetryBackoff = 200 * time.Millisecond
)

// ReadTrackerOptions tunes read acknowledgment. Zero fields take defaults; a
// negative Retries disables retrying.
type ReadTrackerOptions struct {
	Debounce    time.Duration
	Concurrency int
	Rate        rate.Limit
	Burst       int
	Retries     int
	Backoff     time.Duration
}

func (o ReadTrackerOptions) withDefaults() ReadTrackerOptions {
	if o.Debounce <= 0 {
		o.Debounce = DefaultReadDebounce
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultAckConcurrency
	}
	if o.Rate <= 0 {
		o.Rate = DefaultAckRate
	}
	if o.Burst <= 0 {
		o.Burst = DefaultAckBurst
	}
	switch {
	case o.Retries == 0:
		o.Retries = DefaultAckRetries
	case o.Retries < 0:
		o.Retries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = defaultAckRetryBackoff
	}
	return o
}

// ReadTracker acknowledges messages addressed to the local user once their
// thread has been visible for the debounce window.
type ReadTracker struct {
	api     API
	store   *Store
	self    func() UserID
	opts    ReadTrackerOptions
	limiter *rate.Limiter
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time

	debounced func(func())
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[int64]bool
	closed  bool
}

func NewReadTracker(api API, store *Store, self func() UserID, opts ReadTrackerOptions, metrics *Metrics, log *slog.Logger) *ReadTracker {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &ReadTracker{
		api:       api,
		store:     store,
		self:      self,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.Rate, opts.Burst),
		metrics:   metrics,
		log:       log,
		now:       time.Now,
		debounced: debounce.New(opts.Debounce),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[int64]bool),
	}
}

// ThreadVisible schedules MarkThreadViewed for threadID after the debounce
// window. A later call replaces the scheduled one.
func (r *ReadTracker) ThreadVisible(threadID string) {
	r.debounced(func() {
		if sel := r.store.Selected(); sel != "" && sel != threadID {
			return
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()
		defer r.wg.Done()
		if err := r.MarkThreadViewed(r.ctx, threadID); err != nil {
			r.log.Debug("read acknowledgment incomplete", "thread_id", threadID, "err", err)
		}
	})
}

// MarkThreadViewed acknowledges every unread confirmed message of threadID
// addressed to the local user that is not already being acknowledged. A failed
// acknowledgment leaves its message unread for the next view.
func (r *ReadTracker) MarkThreadViewed(ctx context.Context, threadID string) error {
	self := r.self()
	if self == 0 {
		return ErrNoSession
	}

	var ids []int64
	r.mu.Lock()
	for _, m := range r.store.Messages(threadID) {
		if m.RecipientID != self || m.IsRead || m.IsOptimistic() {
			continue
		}
		id, ok := m.ID.Durable()
		if !ok || r.pending[id] {
			continue
		}
		r.pending[id] = true
		ids = append(ids, id)
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	var failed atomic.Int32
	for _, id := range ids {
		g.Go(func() error {
			err := r.ack(ctx, id)
			defer func() {
				r.mu.Lock()
				delete(r.pending, id)
				r.mu.Unlock()
			}()
			if err != nil {
				failed.Add(1)
				r.metrics.ack("failed")
				r.log.Warn("mark read failed", "thread_id", threadID, "message_id", id, "err", err)
				return nil
			}
			r.metrics.ack("ok")
			r.markRead(threadID, id)
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d read acknowledgments failed", n, len(ids))
	}
	return nil
}

func (r *ReadTracker) ack(ctx context.Context, id int64) error {
	for attempt := 0; ; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		err := r.api.MarkMessageRead(ctx, id)
		if err == nil {
			return nil
		}
		if attempt >= r.opts.Retries || !isTemporary(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.Backoff * time.Duration(attempt+1)):
		}
	}
}

// markRead flips the message and decrements unread, never below zero. A
// message that was never counted leaves unread alone.
func (r *ReadTracker) markRead(threadID string, id int64) {
	now := r.now().UTC()
	r.store.mutate(func(t *tx) {
		st, ok := t.thread(threadID)
		if !ok {
			return
		}
		i := indexDurable(st.messages, ConfirmedID(id))
		if i < 0 || st.messages[i].IsRead {
			return
		}
		st = t.edit(threadID)
		m := st.messages[i].clone()
		m.IsRead = true
		m.ReadAt = &now
		st.messages[i] = m
		switch {
		case st.uncounted[id]:
			delete(st.uncounted, id)
		case st.summary.UnreadCount > 0:
			st.summary.UnreadCount--
		}
		t.touched(threadID)
	})
}

// Close cancels scheduled and running acknowledgments and waits for them.
func (r *ReadTracker) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
