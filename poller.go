package mbest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const DefaultPollInterval = 10 * time.Second

// Poller periodically refetches while push delivery is unavailable.
type Poller struct {
	interval time.Duration
	timeout  time.Duration
	fetch    func(ctx context.Context) error
	metrics  *Metrics
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	polling bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewPoller(interval time.Duration, fetch func(ctx context.Context) error, metrics *Metrics, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		interval: interval,
		timeout:  interval,
		fetch:    fetch,
		metrics:  metrics,
		log:      log,
	}
}

// Start begins polling. It is a no-op while already running.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stopCh, p.done)
	p.log.Info("polling started", "interval", p.interval)
}

// Stop ends polling. It waits for the loop to exit unless a fetch is in flight,
// so it may be called from inside fetch.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	polling := p.polling
	p.mu.Unlock()
	if !polling {
		<-done
	}
	p.log.Info("polling stopped")
}

func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Poll runs one fetch now. Overlapping calls are skipped.
func (p *Poller) Poll(ctx context.Context) {
	p.mu.Lock()
	if p.polling {
		p.mu.Unlock()
		return
	}
	p.polling = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.polling = false
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.fetch(ctx); err != nil {
		p.metrics.poll("failed")
		p.log.Warn("poll failed", "err", err)
		return
	}
	p.metrics.poll("ok")
}

func (p *Poller) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}
