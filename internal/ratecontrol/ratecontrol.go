// Package ratecontrol throttles backend dispatch per model variant. Limits
// come from a small yaml table; enforcement uses token-bucket limiters. Time
// spent waiting here is wall-clock time the caller charges against its
// budget step, so throttling can trip the absolute ceiling instead of
// silently stretching latency.
package ratecontrol

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Limit is requests/tokens per minute for one variant. Zero means unlimited.
type Limit struct {
	RPM int `yaml:"rpm"`
	TPM int `yaml:"tpm"`
}

type table struct {
	RateLimits struct {
		Default          Limit            `yaml:"default"`
		VariantOverrides map[string]Limit `yaml:"variant_overrides"`
	} `yaml:"rate_limits"`
}

// Limiter enforces per-variant limits.
type Limiter struct {
	mu       sync.Mutex
	tbl      table
	limiters map[string]*rate.Limiter
}

// NewLimiter creates a limiter with no limits configured.
func NewLimiter() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// LoadFile parses a yaml limit table from path.
func LoadFile(path string) (*Limiter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit table: %w", err)
	}
	return Load(data)
}

// Load parses a yaml limit table.
func Load(data []byte) (*Limiter, error) {
	l := NewLimiter()
	if err := yaml.Unmarshal(data, &l.tbl); err != nil {
		return nil, fmt.Errorf("parse rate limit table: %w", err)
	}
	return l, nil
}

// LimitFor returns the configured limit for a variant.
func (l *Limiter) LimitFor(variant string) Limit {
	key := strings.ToLower(strings.TrimSpace(variant))
	if override, ok := l.tbl.RateLimits.VariantOverrides[key]; ok {
		return override
	}
	return l.tbl.RateLimits.Default
}

// Wait blocks until the variant's token bucket admits one request, or the
// context expires. Unlimited variants return immediately.
func (l *Limiter) Wait(ctx context.Context, variant string) error {
	lim := l.limiterFor(variant)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Delay estimates the pacing delay a request of estimatedTokens would incur
// without actually reserving capacity.
func (l *Limiter) Delay(variant string, estimatedTokens int) time.Duration {
	limit := l.LimitFor(variant)
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delay time.Duration
	if limit.RPM > 0 {
		delay = time.Minute / time.Duration(limit.RPM)
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := time.Minute / time.Duration(limit.TPM)
		if d := perToken * time.Duration(estimatedTokens); d > delay {
			delay = d
		}
	}
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

func (l *Limiter) limiterFor(variant string) *rate.Limiter {
	limit := l.LimitFor(variant)
	if limit.RPM <= 0 {
		return nil
	}
	key := strings.ToLower(strings.TrimSpace(variant))

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	perSecond := float64(limit.RPM) / 60.0
	burst := limit.RPM / 10
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.limiters[key] = lim
	return lim
}
