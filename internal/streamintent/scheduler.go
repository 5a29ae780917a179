// Package streamintent classifies in-flight generation behavior and emits
// live scheduling decisions consumed by the timeout controller.
package streamintent

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cascadelabs/cascade/internal/metrics"
)

// Action is the scheduling action requested by a decision.
type Action int

const (
	ActionNone Action = iota
	ActionExtend
	ActionReduce
	ActionTerminate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionExtend:
		return "extend"
	case ActionReduce:
		return "reduce"
	case ActionTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Phase labels the scheduler's current read of the generation.
type Phase string

const (
	PhaseExploring  Phase = "exploring"
	PhaseGenerating Phase = "generating"
	PhaseStuck      Phase = "stuck"
	PhaseCompleting Phase = "completing"
)

// Decision is consumed immediately by the timeout controller and never
// persisted. Delta only ever adjusts the current idle deadline; the absolute
// ceiling is untouchable.
type Decision struct {
	Action Action
	Delta  time.Duration
	Reason string
}

var neutral = Decision{Action: ActionNone}

// Config holds the scheduler's tunables.
type Config struct {
	// StuckLineThreshold is the number of consecutive near-duplicate lines
	// that triggers termination.
	StuckLineThreshold int

	// ExtendFraction scales the idle timeout into the extension delta while
	// a code fence is open.
	ExtendFraction float64

	// ReduceFraction scales the idle timeout into the reduction delta when
	// the stream has gone quiet with no structure in sight.
	ReduceFraction float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StuckLineThreshold: 5,
		ExtendFraction:     0.5,
		ReduceFraction:     0.25,
	}
}

// Scheduler holds per-call stream state. One scheduler serves exactly one
// call; it is driven by the controller's receive loop and is not safe for
// concurrent use (single-producer/single-consumer by design).
type Scheduler struct {
	cfg    Config
	idle   time.Duration
	logger *zap.Logger

	partial   string
	lastLine  string
	dupRun    int
	fenceOpen bool
	lastToken time.Time
	bytes     int
	phase     Phase
}

// New creates a scheduler for one streaming call. idle is the call's idle
// timeout as derived by the controller.
func New(cfg Config, idle time.Duration, logger *zap.Logger) *Scheduler {
	if cfg.StuckLineThreshold <= 0 {
		cfg.StuckLineThreshold = DefaultConfig().StuckLineThreshold
	}
	if cfg.ExtendFraction <= 0 {
		cfg.ExtendFraction = DefaultConfig().ExtendFraction
	}
	if cfg.ReduceFraction <= 0 {
		cfg.ReduceFraction = DefaultConfig().ReduceFraction
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		idle:   idle,
		logger: logger,
		phase:  PhaseExploring,
	}
}

// Phase returns the current classification label.
func (s *Scheduler) Phase() Phase { return s.phase }

// Bytes returns the total non-whitespace bytes observed so far.
func (s *Scheduler) Bytes() int { return s.bytes }

// OnChunk ingests one streamed chunk and returns a scheduling decision.
// Rules are evaluated in precedence order: stuck beats fence, fence beats
// quiet, quiet beats neutral.
func (s *Scheduler) OnChunk(text string, now time.Time) Decision {
	prev := s.lastToken
	s.lastToken = now
	s.bytes += len(strings.TrimSpace(text))
	s.ingest(text)

	if s.dupRun >= s.cfg.StuckLineThreshold {
		s.phase = PhaseStuck
		s.logger.Debug("stream stuck, terminating",
			zap.Int("duplicate_run", s.dupRun))
		return s.decide(Decision{Action: ActionTerminate, Reason: "stuck"})
	}

	if s.fenceOpen {
		s.phase = PhaseGenerating
		return s.decide(Decision{
			Action: ActionExtend,
			Delta:  time.Duration(float64(s.idle) * s.cfg.ExtendFraction),
			Reason: "code fence open",
		})
	}

	if !prev.IsZero() && now.Sub(prev) > s.idle/2 {
		s.phase = PhaseCompleting
		return s.decide(Decision{
			Action: ActionReduce,
			Delta:  time.Duration(float64(s.idle) * s.cfg.ReduceFraction),
			Reason: "quiet stream",
		})
	}

	if s.bytes > 0 {
		s.phase = PhaseGenerating
	}
	return neutral
}

func (s *Scheduler) decide(d Decision) Decision {
	metrics.SchedulerDecisions.WithLabelValues(d.Action.String()).Inc()
	return d
}

// ingest assembles complete lines out of chunks and tracks fence markers and
// duplicate runs.
func (s *Scheduler) ingest(text string) {
	s.partial += text
	for {
		idx := strings.IndexByte(s.partial, '\n')
		if idx < 0 {
			return
		}
		line := s.partial[:idx]
		s.partial = s.partial[idx+1:]
		s.observeLine(line)
	}
}

func (s *Scheduler) observeLine(line string) {
	if strings.HasPrefix(strings.TrimSpace(line), "```") {
		s.fenceOpen = !s.fenceOpen
	}

	norm := normalizeLine(line)
	if norm == "" {
		return
	}
	if norm == s.lastLine {
		s.dupRun++
	} else {
		s.lastLine = norm
		s.dupRun = 1
	}
}

// normalizeLine collapses internal whitespace so trivially reflowed repeats
// still count as duplicates.
func normalizeLine(line string) string {
	return strings.Join(strings.Fields(line), " ")
}
