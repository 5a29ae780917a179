// Package timeouts derives per-call deadlines from the remaining request
// budget and races streaming calls against them.
package timeouts

import "time"

// Kind identifies which deadline fired.
type Kind int

const (
	KindNone Kind = iota
	KindTTFT
	KindIdle
	KindAbsolute
)

func (k Kind) String() string {
	switch k {
	case KindTTFT:
		return "ttft"
	case KindIdle:
		return "idle"
	case KindAbsolute:
		return "absolute"
	default:
		return "none"
	}
}

// Defaults are the configured per-call deadline caps.
type Defaults struct {
	TTFT     time.Duration
	Idle     time.Duration
	Absolute time.Duration
}

// Fractions scale the remaining budget into TTFT/idle deadlines. They are
// configuration constants, not per-call knobs.
type Fractions struct {
	TTFT float64
	Idle float64
}

// DefaultFractions returns the documented defaults.
func DefaultFractions() Fractions {
	return Fractions{TTFT: 0.3, Idle: 0.2}
}

// Config is the derived deadline set for a single call. It is recomputed per
// call and never persisted.
type Config struct {
	TTFT        time.Duration
	Idle        time.Duration
	AbsoluteMax time.Duration
}

// Derive computes a call's deadlines from the remaining budget: TTFT and idle
// are the configured defaults capped by their budget fractions, and the
// absolute ceiling is the remaining budget itself (capped by the default
// ceiling when one is set). Monotone in remaining.
func Derive(remaining time.Duration, d Defaults, f Fractions) Config {
	if remaining < 0 {
		remaining = 0
	}
	if f.TTFT <= 0 {
		f.TTFT = DefaultFractions().TTFT
	}
	if f.Idle <= 0 {
		f.Idle = DefaultFractions().Idle
	}

	cfg := Config{
		TTFT:        time.Duration(float64(remaining) * f.TTFT),
		Idle:        time.Duration(float64(remaining) * f.Idle),
		AbsoluteMax: remaining,
	}
	if d.TTFT > 0 && d.TTFT < cfg.TTFT {
		cfg.TTFT = d.TTFT
	}
	if d.Idle > 0 && d.Idle < cfg.Idle {
		cfg.Idle = d.Idle
	}
	if d.Absolute > 0 && d.Absolute < cfg.AbsoluteMax {
		cfg.AbsoluteMax = d.Absolute
	}
	return cfg
}
