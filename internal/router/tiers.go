package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cascadelabs/cascade/internal/classify"
	"github.com/cascadelabs/cascade/internal/llm"
	"github.com/cascadelabs/cascade/internal/timeouts"
	"github.com/cascadelabs/cascade/internal/tools"
)

// tierResult is one tier attempt's contribution to the walk: the recorded
// attempt, any salvageable content, and whether the result is terminal.
type tierResult struct {
	attempt  Attempt
	content  string
	terminal bool
}

func (r *Router) attempt(ctx context.Context, rt *route, tier Tier) tierResult {
	switch tier {
	case TierPattern:
		return r.runClassifier(ctx, rt, tier, r.pattern, 0)
	case TierKeyword:
		return r.runClassifier(ctx, rt, tier, r.keyword, r.cfg.KeywordConfidence)
	case TierLightModel:
		return r.runLightModel(ctx, rt)
	case TierDirect:
		return r.runDirect(ctx, rt)
	case TierReasoning:
		return r.runReasoning(ctx, rt)
	case TierAutonomous:
		return r.runAutonomous(ctx, rt)
	default:
		return tierResult{attempt: Attempt{Tier: tier, Outcome: OutcomeError}}
	}
}

// stepAllowance is the time the current tier may spend: its own allocation,
// never more than the whole budget has left.
func stepAllowance(rt *route, tier Tier) time.Duration {
	allowance := rt.budget.Remaining()
	if st, ok := rt.budget.Step(tierStep(tier)); ok && st.Allocated < allowance {
		allowance = st.Allocated
	}
	return allowance
}

// runClassifier drives the two cheap tiers: classify, then hand the match to
// the tool executor. An unavailable classifier is a silent no-match; a failed
// tool is the tier's terminal-for-this-tier error outcome.
func (r *Router) runClassifier(ctx context.Context, rt *route, tier Tier, provider classify.Provider, threshold float64) tierResult {
	start := time.Now()
	done := func(outcome AttemptOutcome, conf float64, content string, terminal bool) tierResult {
		return tierResult{
			attempt: Attempt{
				Tier:       tier,
				Outcome:    outcome,
				Confidence: conf,
				Used:       time.Since(start),
			},
			content:  content,
			terminal: terminal,
		}
	}

	if provider == nil {
		return done(OutcomeNoMatch, 0, "", false)
	}
	m, err := provider.Match(ctx, rt.req.Text, rt.req.PriorContext)
	if err != nil {
		if errors.Is(err, classify.ErrUnavailable) {
			r.logger.Debug("classifier unavailable, escalating",
				zap.Stringer("tier", tier))
			return done(OutcomeNoMatch, 0, "", false)
		}
		return done(OutcomeError, 0, "", false)
	}
	if m == nil || m.Confidence < threshold {
		if m != nil && rt.hint == "" {
			// A low-confidence category still helps the model tiers.
			rt.hint = m.Tool
		}
		return done(OutcomeNoMatch, 0, "", false)
	}

	res, err := r.executor.Execute(ctx, m.Tool, m.Args)
	if err != nil || !res.Success {
		r.logger.Warn("tool execution failed",
			zap.Stringer("tier", tier),
			zap.String("tool", m.Tool),
			zap.String("tool_error", res.Error),
			zap.Error(err))
		return done(OutcomeError, m.Confidence, "", false)
	}
	return done(OutcomeMatched, m.Confidence, res.Content, true)
}

// runLightModel is one short, tightly timed call used only to disambiguate.
// The model names a category; if that category is a registered tool it is
// executed, otherwise the name is kept as a hint for the later tiers.
func (r *Router) runLightModel(ctx context.Context, rt *route) tierResult {
	start := time.Now()
	out := r.controller.Execute(ctx, llm.Request{
		System:    "Classify the request. Reply with a single lowercase category name and nothing else.",
		Prompt:    promptWithContext(rt),
		Variant:   llm.VariantLight,
		MaxTokens: 16,
	}, stepAllowance(rt, TierLightModel))

	attempt := Attempt{
		Tier:        TierLightModel,
		Outcome:     outcomeOf(out),
		TimeoutKind: out.TimeoutKind(),
		Used:        time.Since(start),
	}
	if attempt.Outcome != OutcomeMatched {
		return tierResult{attempt: attempt}
	}

	category := strings.ToLower(strings.TrimSpace(firstLine(out.Content)))
	if category == "" {
		attempt.Outcome = OutcomeNoMatch
		return tierResult{attempt: attempt}
	}
	rt.hint = category

	res, err := r.executor.Execute(ctx, category, map[string]string{"query": rt.req.Text})
	if errors.Is(err, tools.ErrUnknownTool) {
		// Pure disambiguation: the category is not directly executable.
		attempt.Outcome = OutcomeNoMatch
		return tierResult{attempt: attempt}
	}
	if err != nil || !res.Success {
		attempt.Outcome = OutcomeError
		return tierResult{attempt: attempt}
	}
	attempt.Confidence = 0.9
	return tierResult{attempt: attempt, content: res.Content, terminal: true}
}

// runDirect is the single-shot answer tier.
func (r *Router) runDirect(ctx context.Context, rt *route) tierResult {
	start := time.Now()
	out := r.controller.Execute(ctx, llm.Request{
		System:  "Answer the request directly and completely.",
		Prompt:  promptWithContext(rt),
		Variant: llm.VariantFull,
	}, stepAllowance(rt, TierDirect))

	attempt := Attempt{
		Tier:        TierDirect,
		Outcome:     outcomeOf(out),
		TimeoutKind: out.TimeoutKind(),
		Used:        time.Since(start),
	}
	content := strings.TrimSpace(out.Content)
	if attempt.Outcome == OutcomeMatched && content == "" {
		attempt.Outcome = OutcomeNoMatch
	}
	return tierResult{
		attempt:  attempt,
		content:  content,
		terminal: attempt.Outcome == OutcomeMatched,
	}
}

// runReasoning chains a fixed small number of sequential calls, each drawing
// from the tier's single budget step. A chain that cannot finish inside its
// allowance is a timeout, not an error.
func (r *Router) runReasoning(ctx context.Context, rt *route) tierResult {
	start := time.Now()
	allowance := stepAllowance(rt, TierReasoning)

	var chain strings.Builder
	var last string
	for step := 1; step <= r.cfg.ReasoningSteps; step++ {
		left := allowance - time.Since(start)
		if left <= 0 {
			return tierResult{
				attempt: Attempt{
					Tier:        TierReasoning,
					Outcome:     OutcomeTimedOut,
					TimeoutKind: timeouts.KindAbsolute,
					Used:        time.Since(start),
				},
				content: last,
			}
		}

		prompt := promptWithContext(rt)
		if chain.Len() > 0 {
			prompt = fmt.Sprintf("%s\n\nWork so far:\n%s", prompt, chain.String())
		}
		out := r.controller.Execute(ctx, llm.Request{
			System:  fmt.Sprintf("Reasoning step %d of %d. Build on the work so far; on the final step give the complete answer.", step, r.cfg.ReasoningSteps),
			Prompt:  prompt,
			Variant: llm.VariantFull,
		}, left)

		if oc := outcomeOf(out); oc != OutcomeMatched {
			return tierResult{
				attempt: Attempt{
					Tier:        TierReasoning,
					Outcome:     oc,
					TimeoutKind: out.TimeoutKind(),
					Used:        time.Since(start),
				},
				content: last,
			}
		}
		last = strings.TrimSpace(out.Content)
		fmt.Fprintf(&chain, "Step %d: %s\n", step, last)
	}

	return tierResult{
		attempt: Attempt{
			Tier:    TierReasoning,
			Outcome: OutcomeMatched,
			Used:    time.Since(start),
		},
		content:  last,
		terminal: last != "",
	}
}

// runAutonomous is the bounded observe-decide-act loop. Each iteration the
// model either requests a tool with a "TOOL <name> <input>" line or produces
// the final answer. The loop ends on an answer, the iteration cap, or the
// tier's allowance running out.
func (r *Router) runAutonomous(ctx context.Context, rt *route) tierResult {
	start := time.Now()
	allowance := stepAllowance(rt, TierAutonomous)

	var observations strings.Builder
	var lastContent string
	for iter := 1; iter <= r.cfg.MaxIterations; iter++ {
		left := allowance - time.Since(start)
		if left <= 0 {
			return tierResult{
				attempt: Attempt{
					Tier:        TierAutonomous,
					Outcome:     OutcomeTimedOut,
					TimeoutKind: timeouts.KindAbsolute,
					Used:        time.Since(start),
				},
				content: lastContent,
			}
		}

		prompt := promptWithContext(rt)
		if observations.Len() > 0 {
			prompt = fmt.Sprintf("%s\n\nObservations so far:\n%s", prompt, observations.String())
		}
		out := r.controller.Execute(ctx, llm.Request{
			System:  "Resolve the request. To use a tool, reply with a single line: TOOL <name> <input>. Otherwise reply with the final answer.",
			Prompt:  prompt,
			Variant: llm.VariantFull,
		}, left)

		if oc := outcomeOf(out); oc != OutcomeMatched {
			return tierResult{
				attempt: Attempt{
					Tier:        TierAutonomous,
					Outcome:     oc,
					TimeoutKind: out.TimeoutKind(),
					Used:        time.Since(start),
				},
				content: lastContent,
			}
		}

		content := strings.TrimSpace(out.Content)
		name, input, isTool := parseToolDirective(content)
		if !isTool {
			return tierResult{
				attempt: Attempt{
					Tier:    TierAutonomous,
					Outcome: OutcomeMatched,
					Used:    time.Since(start),
				},
				content:  content,
				terminal: content != "",
			}
		}

		res, err := r.executor.Execute(ctx, name, map[string]string{"input": input})
		switch {
		case err != nil:
			fmt.Fprintf(&observations, "%s: unavailable (%v)\n", name, err)
		case !res.Success:
			fmt.Fprintf(&observations, "%s: failed (%s)\n", name, res.Error)
		default:
			fmt.Fprintf(&observations, "%s: %s\n", name, res.Content)
			lastContent = res.Content
		}
	}

	return tierResult{
		attempt: Attempt{
			Tier:    TierAutonomous,
			Outcome: OutcomeNoMatch,
			Used:    time.Since(start),
		},
		content: lastContent,
	}
}

// outcomeOf maps a controller outcome onto the tier outcome tags.
func outcomeOf(out timeouts.Outcome) AttemptOutcome {
	switch out.Kind {
	case timeouts.OutcomeCompleted, timeouts.OutcomeEarlyStop:
		return OutcomeMatched
	case timeouts.OutcomeTTFTTimeout, timeouts.OutcomeIdleTimeout, timeouts.OutcomeAbsoluteTimeout:
		return OutcomeTimedOut
	default:
		return OutcomeError
	}
}

func promptWithContext(rt *route) string {
	if len(rt.req.PriorContext) == 0 && rt.hint == "" {
		return rt.req.Text
	}
	var b strings.Builder
	if len(rt.req.PriorContext) > 0 {
		b.WriteString("Earlier in this conversation:\n")
		for _, line := range rt.req.PriorContext {
			b.WriteString("- " + line + "\n")
		}
		b.WriteString("\n")
	}
	if rt.hint != "" {
		b.WriteString("Likely category: " + rt.hint + "\n\n")
	}
	b.WriteString(rt.req.Text)
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func parseToolDirective(content string) (name, input string, ok bool) {
	line := strings.TrimSpace(firstLine(content))
	if !strings.HasPrefix(line, "TOOL ") {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(line, "TOOL "))
	if rest == "" {
		return "", "", false
	}
	parts := strings.SplitN(rest, " ", 2)
	name = parts[0]
	if len(parts) == 2 {
		input = strings.TrimSpace(parts[1])
	}
	return name, input, true
}
