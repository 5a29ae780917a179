// Package router is the escalation state machine at the heart of the system.
// A request walks six resolution tiers of increasing cost in strict order,
// short-circuiting on the first confident result. A predictor-seeded time
// budget bounds every network-bound tier, and the mode policy raises that
// budget as cheap strategies fail.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cascadelabs/cascade/internal/budget"
	"github.com/cascadelabs/cascade/internal/classify"
	"github.com/cascadelabs/cascade/internal/events"
	"github.com/cascadelabs/cascade/internal/metrics"
	"github.com/cascadelabs/cascade/internal/modes"
	"github.com/cascadelabs/cascade/internal/predictor"
	"github.com/cascadelabs/cascade/internal/timeouts"
	"github.com/cascadelabs/cascade/internal/tools"
)

// Tier identifies one resolution strategy. Tiers are attempted in strictly
// increasing order; the machine has no cycles.
type Tier int

const (
	TierNone       Tier = 0
	TierPattern    Tier = 1 // deterministic table lookup
	TierKeyword    Tier = 2 // heuristic classification, no model
	TierLightModel Tier = 3 // one short model call, disambiguation only
	TierDirect     Tier = 4 // single-shot answer generation
	TierReasoning  Tier = 5 // fixed chain of sequential model calls
	TierAutonomous Tier = 6 // bounded observe-decide-act loop
)

func (t Tier) String() string {
	switch t {
	case TierPattern:
		return "pattern"
	case TierKeyword:
		return "keyword"
	case TierLightModel:
		return "light_model"
	case TierDirect:
		return "direct"
	case TierReasoning:
		return "reasoning"
	case TierAutonomous:
		return "autonomous"
	default:
		return "none"
	}
}

// AttemptOutcome tags how one tier attempt ended.
type AttemptOutcome string

const (
	OutcomeMatched  AttemptOutcome = "matched"
	OutcomeNoMatch  AttemptOutcome = "no_match"
	OutcomeTimedOut AttemptOutcome = "timed_out"
	OutcomeError    AttemptOutcome = "error"
)

// Attempt records one tier attempt for the request trace and the stats
// aggregator.
type Attempt struct {
	Tier        Tier           `json:"tier"`
	Outcome     AttemptOutcome `json:"outcome"`
	TimeoutKind timeouts.Kind  `json:"timeout_kind,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Used        time.Duration  `json:"used"`
}

// Request is one free-text request. Immutable after creation except for the
// attempt history the router accumulates.
type Request struct {
	ID           string
	Text         string
	PriorContext []string
	// Signature overrides the derived predictor lookup key when set.
	Signature string
}

// Response is the terminal result of routing one request.
type Response struct {
	RequestID  string             `json:"request_id"`
	Content    string             `json:"content"`
	Tier       Tier               `json:"tier"`
	Mode       modes.Mode         `json:"mode"`
	Incomplete bool               `json:"incomplete,omitempty"`
	Failed     bool               `json:"failed,omitempty"`
	Attempts   []Attempt          `json:"attempts"`
	Modes      []modes.Transition `json:"mode_transitions,omitempty"`
	Used       time.Duration      `json:"used"`
}

// Config is the router's request-lifetime configuration, read at request
// start and immutable for that request.
type Config struct {
	Budgets           modes.ModeBudgets
	KeywordConfidence float64 // accept threshold for the tier-2 classifier
	ReasoningSteps    int     // sequential calls in the reasoning tier
	MaxIterations     int     // loop bound for the autonomous tier
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Budgets:           modes.DefaultBudgets(),
		KeywordConfidence: 0.75,
		ReasoningSteps:    3,
		MaxIterations:     8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Budgets.Fast <= 0 {
		c.Budgets = def.Budgets
	}
	if c.KeywordConfidence <= 0 || c.KeywordConfidence > 1 {
		c.KeywordConfidence = def.KeywordConfidence
	}
	if c.ReasoningSteps < 1 {
		c.ReasoningSteps = def.ReasoningSteps
	}
	if c.MaxIterations < 1 {
		c.MaxIterations = def.MaxIterations
	}
	return c
}

// Router wires the collaborators together. Safe for concurrent use; each
// request gets its own budget and mode policy.
type Router struct {
	cfg        Config
	pattern    classify.Provider
	keyword    classify.Provider
	controller *timeouts.Controller
	executor   tools.Executor
	predictor  *predictor.Predictor
	stats      *Stats
	emitter    events.Emitter
	logger     *zap.Logger
}

// New creates a router. The pattern and keyword providers, controller and
// executor are required; predictor, stats and emitter may be nil.
func New(cfg Config, pattern, keyword classify.Provider, controller *timeouts.Controller,
	executor tools.Executor, pred *predictor.Predictor, stats *Stats,
	emitter events.Emitter, logger *zap.Logger) *Router {
	if stats == nil {
		stats = NewStats()
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		cfg:        cfg.withDefaults(),
		pattern:    pattern,
		keyword:    keyword,
		controller: controller,
		executor:   executor,
		predictor:  pred,
		stats:      stats,
		emitter:    emitter,
		logger:     logger,
	}
}

// Stats returns the injected aggregator.
func (r *Router) Stats() *Stats { return r.stats }

// route carries the per-request state one pass through the tier ladder.
type route struct {
	req      Request
	budget   *budget.Budget
	policy   *modes.Policy
	attempts []Attempt
	start    time.Time
	// hint is a category name surfaced by a low-confidence classification or
	// the light-model tier, fed forward into later prompts.
	hint string
}

// tierStep names the budget step each tier charges.
func tierStep(t Tier) string { return t.String() }

var tierSpecs = []budget.StepSpec{
	{Name: TierPattern.String(), Weight: 0.02},
	{Name: TierKeyword.String(), Weight: 0.03},
	{Name: TierLightModel.String(), Weight: 0.10},
	{Name: TierDirect.String(), Weight: 0.25},
	{Name: TierReasoning.String(), Weight: 0.30},
	{Name: TierAutonomous.String(), Weight: 0.30, Critical: true},
}

// Route resolves one request through the tier ladder. It never returns an
// error for business failures; those surface as a failed or incomplete
// Response. The returned error covers only caller cancellation.
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	signature := req.Signature
	if signature == "" {
		signature = classify.Signature(req.Text, "")
	}

	total := r.cfg.Budgets.Fast
	var est time.Duration
	if r.predictor != nil {
		est = r.predictor.Estimate(ctx, signature)
		metrics.BudgetSeeded.Observe(est.Seconds())
		if est < total {
			total = est
		}
	}

	rt := &route{
		req:    req,
		policy: modes.NewPolicy(r.cfg.Budgets, r.logger),
		start:  time.Now(),
	}
	rt.budget = budget.Allocate(total, tierSpecs, budget.Options{
		CriticalFloor: 0.2,
		Logger:        r.logger,
	})

	// A prediction past the FAST budget is itself a complexity signal.
	if est > r.cfg.Budgets.Fast {
		r.escalate(rt, modes.CauseComplexity)
	}

	r.logger.Info("routing request",
		zap.String("request_id", req.ID),
		zap.String("signature", signature),
		zap.Duration("budget", rt.budget.Total()))

	resp := r.walk(ctx, rt)
	resp.Used = time.Since(rt.start)
	resp.Mode = rt.policy.Current()
	resp.Attempts = rt.attempts
	resp.Modes = rt.policy.Log()

	if ctx.Err() != nil {
		return resp, ctx.Err()
	}

	r.stats.RecordResolved(resp.Tier)
	status := "resolved"
	if resp.Failed {
		status = "failed"
	} else if resp.Incomplete {
		status = "incomplete"
	}
	metrics.RequestsTotal.WithLabelValues(string(resp.Mode), status).Inc()

	if r.predictor != nil && !resp.Failed {
		r.predictor.Record(ctx, signature, resp.Used)
	}
	r.emitter.Publish(req.ID, events.Event{
		Type:    events.TypeRequestDone,
		Tier:    int(resp.Tier),
		Mode:    string(resp.Mode),
		Message: status,
	})
	return resp, nil
}

// walk attempts each tier in order until one is terminal.
func (r *Router) walk(ctx context.Context, rt *route) *Response {
	var partial string

	for tier := TierPattern; tier <= TierAutonomous; tier++ {
		if ctx.Err() != nil {
			return r.failure(rt, partial, "canceled before tier "+tier.String())
		}
		if rt.budget.Exhausted() {
			return r.exhausted(rt, partial)
		}
		if !r.admit(rt, tier) {
			return r.exhausted(rt, partial)
		}

		r.emitter.Publish(rt.req.ID, events.Event{
			Type: events.TypeTierEntered,
			Tier: int(tier),
			Mode: string(rt.policy.Current()),
		})

		result := r.attempt(ctx, rt, tier)
		rt.attempts = append(rt.attempts, result.attempt)
		r.stats.RecordAttempt(result.attempt)
		r.chargeStep(rt, tier, result.attempt.Used)

		r.emitter.Publish(rt.req.ID, events.Event{
			Type:    events.TypeTierResult,
			Tier:    int(tier),
			Mode:    string(rt.policy.Current()),
			Message: string(result.attempt.Outcome),
		})

		if result.terminal {
			return &Response{
				RequestID: rt.req.ID,
				Content:   result.content,
				Tier:      tier,
			}
		}
		if result.content != "" {
			partial = result.content
		}
	}
	return r.failure(rt, partial, "all tiers exhausted")
}

// admit enforces the mode gate in front of the expensive tiers, escalating
// when the prior tiers' outcomes justify it.
func (r *Router) admit(rt *route, tier Tier) bool {
	switch tier {
	case TierReasoning:
		if rt.policy.Current() == modes.ModeFast {
			r.escalate(rt, r.causeFromLast(rt, modes.CauseNoMatch))
		}
		return true
	case TierAutonomous:
		if rt.policy.Current() != modes.ModeSearch {
			cause := modes.CauseInsufficientLocal
			if last := lastAttempt(rt); last != nil && last.Tier == TierReasoning && last.Outcome == OutcomeTimedOut {
				cause = modes.CauseDeepTimeout
			}
			r.escalate(rt, cause)
		}
		return rt.policy.Current() == modes.ModeSearch
	default:
		// The cheap tiers and single-call model tiers run in any mode. The
		// first pair of misses promotes FAST to DEEP before the reasoning
		// chain; nothing to gate here.
		if tier == TierLightModel && rt.policy.Current() == modes.ModeFast {
			if misses(rt, TierPattern) && misses(rt, TierKeyword) {
				r.escalate(rt, modes.CauseNoMatch)
			}
		}
		return true
	}
}

// escalate raises the mode and grows the budget to the new mode's default
// total. Mode escalation is the only way the active total changes mid-request.
func (r *Router) escalate(rt *route, cause modes.Cause) {
	from := rt.policy.Current()
	mode, changed := rt.policy.Escalate(cause)
	if !changed {
		return
	}
	if target := r.cfg.Budgets.Budget(mode); target > rt.budget.Total() {
		rt.budget.Extend(target - rt.budget.Total())
	}
	r.emitter.Publish(rt.req.ID, events.Event{
		Type:    events.TypeModeChanged,
		Mode:    string(mode),
		Message: fmt.Sprintf("%s -> %s: %s", from, mode, cause),
	})
}

func (r *Router) causeFromLast(rt *route, fallback modes.Cause) modes.Cause {
	if last := lastAttempt(rt); last != nil && last.Outcome == OutcomeTimedOut {
		return modes.CauseTimeout
	}
	return fallback
}

func lastAttempt(rt *route) *Attempt {
	if len(rt.attempts) == 0 {
		return nil
	}
	return &rt.attempts[len(rt.attempts)-1]
}

func misses(rt *route, tier Tier) bool {
	for _, a := range rt.attempts {
		if a.Tier == tier {
			return a.Outcome != OutcomeMatched
		}
	}
	return false
}

func (r *Router) chargeStep(rt *route, tier Tier, used time.Duration) {
	if err := rt.budget.CompleteStep(tierStep(tier), used); err != nil {
		r.logger.Warn("budget step completion failed",
			zap.String("step", tierStep(tier)),
			zap.Error(err))
	}
}

// exhausted is the non-error terminal failure state: budget gone, task
// incomplete. Partial content is returned with an explicit marker.
func (r *Router) exhausted(rt *route, partial string) *Response {
	metrics.BudgetExhausted.Inc()
	r.emitter.Publish(rt.req.ID, events.Event{
		Type:    events.TypeBudgetExhausted,
		Mode:    string(rt.policy.Current()),
		Message: "budget exhausted, task incomplete",
	})
	r.logger.Warn("budget exhausted before resolution",
		zap.String("request_id", rt.req.ID))

	resp := &Response{
		RequestID:  rt.req.ID,
		Incomplete: true,
	}
	if strings.TrimSpace(partial) != "" {
		resp.Content = partial + "\n\n[incomplete: time budget exhausted before the answer was finished]"
	} else {
		resp.Failed = true
		resp.Content = "The request could not be completed within its time budget."
	}
	return resp
}

// failure is the explicit total-failure response; never a silent empty
// answer.
func (r *Router) failure(rt *route, partial, why string) *Response {
	resp := &Response{
		RequestID: rt.req.ID,
		Failed:    true,
	}
	if strings.TrimSpace(partial) != "" {
		resp.Failed = false
		resp.Incomplete = true
		resp.Content = partial + "\n\n[incomplete: " + why + "]"
	} else {
		resp.Content = "No tier produced a usable answer (" + why + ")."
	}
	return resp
}
