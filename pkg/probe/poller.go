package probe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultPollInterval = 30 * time.Second

// StatusChecker is satisfied by *Client.
type StatusChecker interface {
	Status(ctx context.Context) (Result, error)
}

// Poller refreshes the backend status on a fixed interval and caches the latest result.
// Reading the cache never triggers a request.
type Poller struct {
	checker  StatusChecker
	interval time.Duration
	onChange func(Result)

	mu      sync.RWMutex
	latest  Result
	checked time.Time
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithOnChange registers a callback invoked after every check whose result differs from the previous one.
func WithOnChange(f func(Result)) PollerOption {
	return func(p *Poller) {
		p.onChange = f
	}
}

func NewPoller(checker StatusChecker, opts ...PollerOption) *Poller {
	p := &Poller{
		checker:  checker,
		interval: DefaultPollInterval,
		latest:   Fallback(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Latest returns the cached result; Fallback() until the first check completes.
func (p *Poller) Latest() Result {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Poller) CheckedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.checked
}

// CheckNow runs one probe and stores its outcome. Failures store Fallback() and are only logged.
func (p *Poller) CheckNow(ctx context.Context) Result {
	r, err := p.checker.Status(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "probe").Msg("status probe failed")
		r = Fallback()
	}

	p.mu.Lock()
	changed := r != p.latest
	p.latest = r
	p.checked = time.Now()
	p.mu.Unlock()

	if changed && p.onChange != nil {
		p.onChange(r)
	}
	return r
}

// Run checks immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	log.Debug().Str("component", "probe").Dur("interval", p.interval).Msg("status poller started")
	p.CheckNow(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("component", "probe").Msg("status poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.CheckNow(ctx)
		}
	}
}
