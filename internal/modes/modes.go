// Package modes implements the three-stage operating-mode policy. A request
// always starts in FAST; escalation causes push it to DEEP and then SEARCH,
// and no mode ever regresses within one request.
package modes

import (
	"time"

	"go.uber.org/zap"

	"github.com/cascadelabs/cascade/internal/metrics"
)

// Mode is one of the three operating modes.
type Mode string

const (
	ModeFast   Mode = "FAST"
	ModeDeep   Mode = "DEEP"
	ModeSearch Mode = "SEARCH"
)

func rank(m Mode) int {
	switch m {
	case ModeFast:
		return 0
	case ModeDeep:
		return 1
	case ModeSearch:
		return 2
	default:
		return -1
	}
}

// Cause explains why an escalation was requested.
type Cause string

const (
	CauseNoMatch           Cause = "no_match"
	CauseComplexity        Cause = "assessed_complexity"
	CauseTimeout           Cause = "timeout"
	CauseDeepTimeout       Cause = "deep reasoning timeout"
	CauseInsufficientLocal Cause = "insufficient_local_data"
)

// Transition is one logged mode change.
type Transition struct {
	From      Mode      `json:"from"`
	To        Mode      `json:"to"`
	Cause     Cause     `json:"cause"`
	Timestamp time.Time `json:"timestamp"`
}

// ModeBudgets maps each mode to its default total budget.
type ModeBudgets struct {
	Fast   time.Duration
	Deep   time.Duration
	Search time.Duration
}

// DefaultBudgets returns the documented per-mode defaults.
func DefaultBudgets() ModeBudgets {
	return ModeBudgets{
		Fast:   30 * time.Second,
		Deep:   2 * time.Minute,
		Search: 4 * time.Minute,
	}
}

// Budget returns the default total budget for m.
func (b ModeBudgets) Budget(m Mode) time.Duration {
	switch m {
	case ModeDeep:
		return b.Deep
	case ModeSearch:
		return b.Search
	default:
		return b.Fast
	}
}

// Policy tracks one request's mode and its append-only transition log.
// Created per request; terminal once the router returns.
type Policy struct {
	current Mode
	log     []Transition
	budgets ModeBudgets
	logger  *zap.Logger
}

// NewPolicy starts a fresh policy in FAST.
func NewPolicy(budgets ModeBudgets, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{current: ModeFast, budgets: budgets, logger: logger}
}

// Current returns the active mode.
func (p *Policy) Current() Mode { return p.current }

// Budget returns the active mode's default total budget.
func (p *Policy) Budget() time.Duration { return p.budgets.Budget(p.current) }

// Log returns the ordered transition log.
func (p *Policy) Log() []Transition { return p.log }

// Escalate applies the transition table for the given cause and reports
// whether the mode changed. Causes that do not apply to the current mode are
// ignored; regression is impossible by construction.
func (p *Policy) Escalate(cause Cause) (Mode, bool) {
	target := p.target(cause)
	if target == "" || rank(target) <= rank(p.current) {
		return p.current, false
	}
	return p.transition(target, cause), true
}

func (p *Policy) target(cause Cause) Mode {
	switch cause {
	case CauseNoMatch, CauseComplexity, CauseTimeout:
		if p.current == ModeFast {
			return ModeDeep
		}
		if cause == CauseTimeout && p.current == ModeDeep {
			return ModeSearch
		}
	case CauseDeepTimeout, CauseInsufficientLocal:
		return ModeSearch
	}
	return ""
}

func (p *Policy) transition(to Mode, cause Cause) Mode {
	from := p.current
	p.current = to
	p.log = append(p.log, Transition{
		From:      from,
		To:        to,
		Cause:     cause,
		Timestamp: time.Now(),
	})
	p.logger.Info("mode escalated",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("cause", string(cause)))
	metrics.RecordModeTransition(string(from), string(to), string(cause))
	return to
}
