package governor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/justinstimatze/undercity/internal/core"
)

// Pacer smooths outbound LLM calls per tier with a token bucket, so a burst
// of Worker goroutines hitting the same tier doesn't itself trigger the
// provider's rate limiter ahead of the Governor's own accounting.
type Pacer struct {
	mu       sync.Mutex
	limiters map[core.ModelTier]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewPacer creates a per-tier pacer allowing r calls/sec with burst b.
func NewPacer(r float64, b int) *Pacer {
	return &Pacer{
		limiters: make(map[core.ModelTier]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (p *Pacer) limiterFor(tier core.ModelTier) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[tier]
	if !ok {
		l = rate.NewLimiter(p.r, p.b)
		p.limiters[tier] = l
	}
	return l
}

// Wait blocks until tier's bucket has a token to spend, or ctx is done.
func (p *Pacer) Wait(ctx context.Context, tier core.ModelTier) error {
	return p.limiterFor(tier).Wait(ctx)
}
