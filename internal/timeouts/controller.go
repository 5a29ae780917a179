package timeouts

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cascadelabs/cascade/internal/llm"
	"github.com/cascadelabs/cascade/internal/metrics"
	"github.com/cascadelabs/cascade/internal/streamintent"
)

// OutcomeKind classifies how a streaming call ended.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeEarlyStop
	OutcomeTTFTTimeout
	OutcomeIdleTimeout
	OutcomeAbsoluteTimeout
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeEarlyStop:
		return "early_stop"
	case OutcomeTTFTTimeout:
		return "ttft_timeout"
	case OutcomeIdleTimeout:
		return "idle_timeout"
	case OutcomeAbsoluteTimeout:
		return "absolute_timeout"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// TimedOut reports whether the outcome is one of the three timeout kinds.
func (k OutcomeKind) TimedOut() bool {
	switch k {
	case OutcomeTTFTTimeout, OutcomeIdleTimeout, OutcomeAbsoluteTimeout:
		return true
	}
	return false
}

// Outcome is the typed result of one controller execution. Partial content
// is carried even on timeouts so callers can salvage it.
type Outcome struct {
	Kind    OutcomeKind
	Content string
	Chunks  int
	Used    time.Duration
	Reason  string
	Retried bool
	Err     error
}

// TimeoutKind maps the outcome back to the deadline that fired.
func (o Outcome) TimeoutKind() Kind {
	switch o.Kind {
	case OutcomeTTFTTimeout:
		return KindTTFT
	case OutcomeIdleTimeout:
		return KindIdle
	case OutcomeAbsoluteTimeout:
		return KindAbsolute
	default:
		return KindNone
	}
}

// ControllerConfig holds the controller's request-lifetime configuration.
type ControllerConfig struct {
	Defaults  Defaults
	Fractions Fractions
	Scheduler streamintent.Config

	// MinUsefulBytes is the minimal-usefulness threshold: a terminated
	// stream that already produced at least this much non-whitespace output
	// counts as an early stop rather than a timeout.
	MinUsefulBytes int

	// StuckIsFailure controls the contested reading of terminate(stuck):
	// false treats it as a degraded success when usable content exists,
	// true always reports an idle timeout.
	StuckIsFailure bool

	// RetryLighter enables the single same-step fallback to the light
	// variant after a TTFT or idle timeout. Absolute timeouts never retry.
	RetryLighter bool
}

// Controller races streaming backend calls against TTFT/idle/absolute
// deadlines, applying live decisions from the stream intent scheduler. It is
// the only component allowed to cancel an in-flight stream.
type Controller struct {
	backend llm.Backend
	cfg     ControllerConfig
	logger  *zap.Logger
}

// NewController creates a controller over the given backend.
func NewController(backend llm.Backend, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if cfg.MinUsefulBytes <= 0 {
		cfg.MinUsefulBytes = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{backend: backend, cfg: cfg, logger: logger}
}

// Execute runs req under deadlines derived from remaining. On a TTFT or idle
// timeout it may retry once against the light variant if budget is left; the
// returned outcome's Used covers both attempts.
func (c *Controller) Execute(ctx context.Context, req llm.Request, remaining time.Duration) Outcome {
	cfg := Derive(remaining, c.cfg.Defaults, c.cfg.Fractions)
	out := c.executeOnce(ctx, req, cfg)
	c.observe(req, out)

	if !c.cfg.RetryLighter || req.Variant == llm.VariantLight {
		return out
	}
	if out.Kind != OutcomeTTFTTimeout && out.Kind != OutcomeIdleTimeout {
		return out
	}
	left := remaining - out.Used
	if left <= 0 {
		return out
	}

	c.logger.Info("retrying with light variant after timeout",
		zap.String("timeout", out.Kind.String()),
		zap.Duration("budget_left", left))

	retryReq := req
	retryReq.Variant = llm.VariantLight
	retry := c.executeOnce(ctx, retryReq, Derive(left, c.cfg.Defaults, c.cfg.Fractions))
	retry.Used += out.Used
	retry.Retried = true
	if retry.Content == "" {
		// The retry produced nothing; salvage the first attempt's partial.
		retry.Content = out.Content
		retry.Chunks = out.Chunks
	}
	c.observe(retryReq, retry)
	return retry
}

// observe feeds the per-call instrumentation.
func (c *Controller) observe(req llm.Request, out Outcome) {
	metrics.RecordBackendCall(string(req.Variant), out.Kind.String(), out.Retried)
	if out.Kind.TimedOut() {
		metrics.CallTimeouts.WithLabelValues(out.TimeoutKind().String()).Inc()
	}
}

// executeOnce is one streaming attempt under one derived deadline set.
func (c *Controller) executeOnce(ctx context.Context, req llm.Request, cfg Config) Outcome {
	start := time.Now()

	stream, err := c.backend.Send(ctx, req)
	if err != nil {
		return Outcome{Kind: OutcomeError, Err: err, Used: time.Since(start)}
	}
	// Cancellation is idempotent; a second cancel on a finished stream is a
	// no-op, so the deferred cancel is safe on every path.
	defer stream.Cancel()

	sched := streamintent.New(c.cfg.Scheduler, cfg.Idle, c.logger)

	ttftTimer := time.NewTimer(cfg.TTFT)
	defer ttftTimer.Stop()
	absTimer := time.NewTimer(cfg.AbsoluteMax)
	defer absTimer.Stop()
	idleTimer := time.NewTimer(cfg.AbsoluteMax) // armed for real on first chunk
	defer idleTimer.Stop()

	ttftC := ttftTimer.C
	var idleC <-chan time.Time

	var buf strings.Builder
	chunks := 0
	idleWindow := cfg.Idle

	finish := func(kind OutcomeKind, reason string, err error) Outcome {
		stream.Cancel()
		return Outcome{
			Kind:    kind,
			Content: buf.String(),
			Chunks:  chunks,
			Used:    time.Since(start),
			Reason:  reason,
			Err:     err,
		}
	}

	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if serr := stream.Err(); serr != nil {
					return finish(OutcomeError, "stream error", serr)
				}
				return finish(OutcomeCompleted, "", nil)
			}
			if chunks == 0 {
				ttftC = nil
				ttftTimer.Stop()
				idleC = idleTimer.C
			}
			chunks++
			buf.WriteString(chunk.Text)

			at := chunk.At
			if at.IsZero() {
				at = time.Now()
			}
			decision := sched.OnChunk(chunk.Text, at)
			idleWindow = cfg.Idle
			switch decision.Action {
			case streamintent.ActionExtend:
				idleWindow = cfg.Idle + decision.Delta
			case streamintent.ActionReduce:
				idleWindow = cfg.Idle - decision.Delta
				if idleWindow < 100*time.Millisecond {
					idleWindow = 100 * time.Millisecond
				}
			case streamintent.ActionTerminate:
				return c.finishTerminated(finish, sched, decision.Reason)
			}
			resetTimer(idleTimer, idleWindow)

		case <-ttftC:
			return finish(OutcomeTTFTTimeout, "no first token", nil)

		case <-idleC:
			return finish(OutcomeIdleTimeout, "stream went silent", nil)

		case <-absTimer.C:
			return finish(OutcomeAbsoluteTimeout, "absolute ceiling", nil)

		case <-ctx.Done():
			return finish(OutcomeError, "caller canceled", ctx.Err())
		}
	}
}

// finishTerminated resolves a scheduler-initiated termination: a degraded
// success when enough usable content exists (and stuck is not configured as
// failure), an idle timeout otherwise.
func (c *Controller) finishTerminated(finish func(OutcomeKind, string, error) Outcome, sched *streamintent.Scheduler, reason string) Outcome {
	if !c.cfg.StuckIsFailure && sched.Bytes() >= c.cfg.MinUsefulBytes {
		return finish(OutcomeEarlyStop, reason, nil)
	}
	return finish(OutcomeIdleTimeout, reason, nil)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
