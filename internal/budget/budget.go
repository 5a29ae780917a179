package budget

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Epsilon below which a budget counts as exhausted. Sub-50ms slices are not
// worth scheduling a network call for.
const defaultEpsilon = 50 * time.Millisecond

var (
	// ErrStepNotFound is returned when completing or skipping an unknown step.
	ErrStepNotFound = errors.New("budget step not found")

	// ErrStepFinished is returned when a step is completed or skipped twice.
	ErrStepFinished = errors.New("budget step already finished")
)

// StepSpec describes one named unit of work before allocation.
type StepSpec struct {
	Name     string  `json:"name"`
	Weight   float64 `json:"weight"`
	Critical bool    `json:"critical,omitempty"`
}

// Step is a named slice of a request's time budget.
type Step struct {
	Name      string        `json:"name"`
	Weight    float64       `json:"weight"`
	Allocated time.Duration `json:"allocated"`
	Used      time.Duration `json:"used"`
	Critical  bool          `json:"critical"`

	finished bool
}

// Finished reports whether the step has been completed or skipped.
func (s *Step) Finished() bool { return s.finished }

// Budget splits a fixed total deadline across an ordered sequence of steps.
// Invariant: the sum of step allocations equals the total at all times;
// reallocation moves time between steps but never creates or destroys it.
//
// A Budget is owned by the single request task that created it and is not
// safe for concurrent use.
type Budget struct {
	total   time.Duration
	steps   []*Step
	epsilon time.Duration
	logger  *zap.Logger
}

// Options configures allocation behavior.
type Options struct {
	// CriticalFloor is the minimum fraction of the total guaranteed to each
	// critical step, taken proportionally from the others when the naive
	// weight split would starve it. Zero disables floors.
	CriticalFloor float64

	// Epsilon overrides the exhaustion threshold.
	Epsilon time.Duration

	Logger *zap.Logger
}

// Allocate builds a Budget whose step allocations are total*weight, with
// weights normalized to sum to 1. Allocation never fails: a degenerate total
// (<= 0) yields all-zero allocations and an immediately exhausted budget,
// which callers must treat as "skip all remaining work".
func Allocate(total time.Duration, specs []StepSpec, opts Options) *Budget {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	eps := opts.Epsilon
	if eps <= 0 {
		eps = defaultEpsilon
	}

	b := &Budget{
		total:   total,
		epsilon: eps,
		logger:  opts.Logger,
	}
	if total < 0 {
		b.total = 0
	}

	var weightSum float64
	for _, sp := range specs {
		if sp.Weight > 0 {
			weightSum += sp.Weight
		}
	}
	for _, sp := range specs {
		w := sp.Weight
		if w < 0 {
			w = 0
		}
		if weightSum > 0 {
			w /= weightSum
		} else if len(specs) > 0 {
			w = 1 / float64(len(specs))
		}
		b.steps = append(b.steps, &Step{
			Name:     sp.Name,
			Weight:   w,
			Critical: sp.Critical,
		})
	}

	for _, st := range b.steps {
		st.Allocated = time.Duration(float64(b.total) * st.Weight)
	}
	b.applyCriticalFloors(opts.CriticalFloor)
	b.settleRounding()

	return b
}

// applyCriticalFloors raises critical steps to the floor fraction, shrinking
// non-critical steps proportionally to pay for it.
func (b *Budget) applyCriticalFloors(floor float64) {
	if floor <= 0 || b.total <= 0 {
		return
	}
	min := time.Duration(float64(b.total) * floor)

	var deficit time.Duration
	var donorTotal time.Duration
	for _, st := range b.steps {
		if st.Critical && st.Allocated < min {
			deficit += min - st.Allocated
		} else if !st.Critical {
			donorTotal += st.Allocated
		}
	}
	if deficit == 0 || donorTotal == 0 {
		return
	}
	if deficit > donorTotal {
		deficit = donorTotal
	}

	paid := deficit
	for _, st := range b.steps {
		if st.Critical && st.Allocated < min {
			grant := min - st.Allocated
			if grant > paid {
				grant = paid
			}
			st.Allocated += grant
			paid -= grant
		}
	}
	granted := deficit - paid
	for _, st := range b.steps {
		if !st.Critical && donorTotal > 0 {
			share := time.Duration(float64(granted) * float64(st.Allocated) / float64(donorTotal))
			st.Allocated -= share
		}
	}
	b.settleRounding()
}

// settleRounding pushes integer-division dust into the unfinished steps so
// the conservation invariant holds exactly. A shortfall lands on the last
// unfinished step; an excess is pulled from the tail, spilling into earlier
// steps when one cannot cover its share.
func (b *Budget) settleRounding() {
	var sum time.Duration
	var unfinished []*Step
	for _, st := range b.steps {
		if st.finished {
			sum += st.Used
			continue
		}
		sum += st.Allocated
		unfinished = append(unfinished, st)
	}
	if len(unfinished) == 0 {
		return
	}
	diff := b.total - sum
	if diff >= 0 {
		if diff > 0 {
			unfinished[len(unfinished)-1].Allocated += diff
		}
		return
	}
	debt := -diff
	for i := len(unfinished) - 1; i >= 0 && debt > 0; i-- {
		take := debt
		if take > unfinished[i].Allocated {
			take = unfinished[i].Allocated
		}
		unfinished[i].Allocated -= take
		debt -= take
	}
}

// Total returns the fixed total set at creation.
func (b *Budget) Total() time.Duration { return b.total }

// Steps returns the ordered steps. Callers must not mutate them.
func (b *Budget) Steps() []*Step { return b.steps }

// Step returns the named step.
func (b *Budget) Step(name string) (*Step, bool) {
	for _, st := range b.steps {
		if st.Name == name {
			return st, true
		}
	}
	return nil, false
}

// Remaining is the unspent portion of the total, never negative.
func (b *Budget) Remaining() time.Duration {
	var used time.Duration
	for _, st := range b.steps {
		used += st.Used
	}
	rem := b.total - used
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Exhausted reports whether no further step may execute.
func (b *Budget) Exhausted() bool {
	return b.Remaining() <= b.epsilon
}

// CompleteStep records the wall-clock time a step actually used and
// redistributes the surplus (or claws back the overrun) across the remaining
// unfinished steps in proportion to their weights. A step is never charged
// more than what is currently unused across the whole budget.
func (b *Budget) CompleteStep(name string, used time.Duration) error {
	st, ok := b.Step(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, name)
	}
	if st.finished {
		return fmt.Errorf("%w: %s", ErrStepFinished, name)
	}
	if used < 0 {
		used = 0
	}

	// Clamp: the step cannot consume more than the whole budget has left.
	var spent time.Duration
	for _, other := range b.steps {
		if other != st {
			spent += other.Used
		}
	}
	if avail := b.total - spent; used > avail {
		b.logger.Warn("step overran entire remaining budget, clamping",
			zap.String("step", name),
			zap.Duration("used", used),
			zap.Duration("available", avail))
		used = avail
		if used < 0 {
			used = 0
		}
	}

	surplus := st.Allocated - used
	st.Used = used
	st.Allocated = used
	st.finished = true

	b.redistribute(surplus)
	return nil
}

// SkipStep finishes a step without charging it, releasing its full
// allocation to the remaining steps.
func (b *Budget) SkipStep(name string) error {
	return b.CompleteStep(name, 0)
}

// Extend grows the total by delta, spreading the new time across unfinished
// steps by weight. Used when a mode escalation raises the active budget
// mid-request; this is the only sanctioned way the total changes.
func (b *Budget) Extend(delta time.Duration) {
	if delta <= 0 {
		return
	}
	b.total += delta
	b.redistribute(delta)
	b.logger.Debug("budget extended",
		zap.Duration("delta", delta),
		zap.Duration("total", b.total))
}

// redistribute spreads delta across unfinished steps: a surplus is granted in
// proportion to weight, an overrun is clawed back in proportion to what each
// step currently holds, since critical floors and earlier reallocations may
// have moved allocations away from the weight split.
func (b *Budget) redistribute(delta time.Duration) {
	if delta == 0 {
		return
	}
	if delta < 0 {
		b.clawBack(-delta)
		b.settleRounding()
		return
	}
	var weightSum float64
	for _, st := range b.steps {
		if !st.finished {
			weightSum += st.Weight
		}
	}
	if weightSum == 0 {
		// Nothing left to receive the surplus; shrink the total so the
		// invariant holds on the spent steps alone.
		b.total -= delta
		return
	}
	for _, st := range b.steps {
		if st.finished {
			continue
		}
		st.Allocated += time.Duration(float64(delta) * st.Weight / weightSum)
	}
	b.settleRounding()
}

// clawBack removes debt from unfinished steps proportional to their current
// allocations. The completion clamp guarantees the pool covers the debt, so
// only rounding dust is left for settleRounding.
func (b *Budget) clawBack(debt time.Duration) {
	var pool time.Duration
	for _, st := range b.steps {
		if !st.finished {
			pool += st.Allocated
		}
	}
	if pool <= 0 {
		return
	}
	for _, st := range b.steps {
		if st.finished || st.Allocated <= 0 {
			continue
		}
		share := time.Duration(float64(debt) * float64(st.Allocated) / float64(pool))
		if share > st.Allocated {
			share = st.Allocated
		}
		st.Allocated -= share
	}
}
