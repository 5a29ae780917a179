package llm

import (
	"context"
	"time"

	"github.com/cascadelabs/cascade/internal/metrics"
	"github.com/cascadelabs/cascade/internal/ratecontrol"
)

// rateLimited throttles Send per variant before dispatching to the wrapped
// backend. The wait happens inside Send, so the delay is wall-clock time the
// caller's budget step pays for.
type rateLimited struct {
	inner   Backend
	limiter *ratecontrol.Limiter
}

// RateLimited wraps backend with per-variant rate control. A nil limiter
// returns the backend unchanged.
func RateLimited(backend Backend, limiter *ratecontrol.Limiter) Backend {
	if limiter == nil {
		return backend
	}
	return &rateLimited{inner: backend, limiter: limiter}
}

func (b *rateLimited) Send(ctx context.Context, req Request) (Stream, error) {
	start := time.Now()
	if err := b.limiter.Wait(ctx, string(req.Variant)); err != nil {
		return nil, err
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.RateLimitDelay.WithLabelValues(string(req.Variant)).Observe(waited.Seconds())
	}
	return b.inner.Send(ctx, req)
}
