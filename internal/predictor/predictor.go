// Package predictor seeds request budgets from a rolling history of
// completed call durations keyed by task signature. Absence of history is a
// normal state, never an error, and the store must never block or fail the
// request path.
package predictor

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HistoryStore persists bounded per-signature duration lists. Implementations
// evict the oldest entry once the cap is exceeded.
type HistoryStore interface {
	// Append records one completed duration for the signature.
	Append(ctx context.Context, signature string, d time.Duration) error
	// Recent returns up to limit most recent durations, oldest first.
	Recent(ctx context.Context, signature string, limit int) ([]time.Duration, error)
}

// Config holds the predictor's tunables.
type Config struct {
	// Default is the estimate used when no history exists.
	Default time.Duration
	// Min and Max clamp every estimate.
	Min time.Duration
	Max time.Duration
	// Window caps how many recent samples feed the average.
	Window int
	// Decay is the EMA factor applied to newer samples; higher biases the
	// estimate toward recent behavior.
	Decay float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Default: 30 * time.Second,
		Min:     5 * time.Second,
		Max:     5 * time.Minute,
		Window:  20,
		Decay:   0.6,
	}
}

// Predictor computes budget seeds from history.
type Predictor struct {
	store  HistoryStore
	cfg    Config
	logger *zap.Logger
}

// New creates a predictor over the given store. A nil store degrades to the
// configured default on every estimate.
func New(store HistoryStore, cfg Config, logger *zap.Logger) *Predictor {
	def := DefaultConfig()
	if cfg.Default <= 0 {
		cfg.Default = def.Default
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = def.Decay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Predictor{store: store, cfg: cfg, logger: logger}
}

// Estimate proposes an initial total budget for the signature: an
// exponentially weighted moving average over the recent window, clamped to
// [Min, Max]. Store failures degrade to the default.
func (p *Predictor) Estimate(ctx context.Context, signature string) time.Duration {
	if p.store == nil {
		return p.clamp(p.cfg.Default)
	}
	samples, err := p.store.Recent(ctx, signature, p.cfg.Window)
	if err != nil {
		p.logger.Warn("history lookup failed, using default estimate",
			zap.String("signature", signature),
			zap.Error(err))
		return p.clamp(p.cfg.Default)
	}
	if len(samples) == 0 {
		return p.clamp(p.cfg.Default)
	}

	ema := float64(samples[0])
	for _, s := range samples[1:] {
		ema = p.cfg.Decay*float64(s) + (1-p.cfg.Decay)*ema
	}
	return p.clamp(time.Duration(ema))
}

// Record appends one completed duration. Failures are logged and swallowed.
func (p *Predictor) Record(ctx context.Context, signature string, actual time.Duration) {
	if p.store == nil || actual <= 0 {
		return
	}
	if err := p.store.Append(ctx, signature, actual); err != nil {
		p.logger.Warn("history append failed",
			zap.String("signature", signature),
			zap.Error(err))
	}
}

func (p *Predictor) clamp(d time.Duration) time.Duration {
	if d < p.cfg.Min {
		return p.cfg.Min
	}
	if d > p.cfg.Max {
		return p.cfg.Max
	}
	return d
}
