package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sumAllocated(b *Budget) time.Duration {
	var sum time.Duration
	for _, st := range b.Steps() {
		sum += st.Allocated
	}
	return sum
}

func TestAllocate_ProportionalSplit(t *testing.T) {
	b := Allocate(120*time.Second, []StepSpec{
		{Name: "A", Weight: 0.2},
		{Name: "B", Weight: 0.3},
		{Name: "C", Weight: 0.5},
	}, Options{})

	a, _ := b.Step("A")
	bb, _ := b.Step("B")
	c, _ := b.Step("C")
	assert.Equal(t, 24*time.Second, a.Allocated)
	assert.Equal(t, 36*time.Second, bb.Allocated)
	assert.Equal(t, 60*time.Second, c.Allocated)
	assert.Equal(t, 120*time.Second, sumAllocated(b))
}

func TestCompleteStep_SurplusRedistribution(t *testing.T) {
	b := Allocate(120*time.Second, []StepSpec{
		{Name: "A", Weight: 0.2},
		{Name: "B", Weight: 0.3},
		{Name: "C", Weight: 0.5},
	}, Options{})

	require.NoError(t, b.CompleteStep("A", 10*time.Second))

	a, _ := b.Step("A")
	bb, _ := b.Step("B")
	c, _ := b.Step("C")
	assert.Equal(t, 10*time.Second, a.Used)
	assert.Equal(t, 10*time.Second, a.Allocated)
	// Surplus of 14s split 0.3/0.8 and 0.5/0.8.
	assert.Equal(t, 41250*time.Millisecond, bb.Allocated)
	assert.Equal(t, 68750*time.Millisecond, c.Allocated)
	assert.Equal(t, 120*time.Second, sumAllocated(b))
	assert.Equal(t, 110*time.Second, b.Remaining())
}

func TestCompleteStep_OverrunShrinksLaterSteps(t *testing.T) {
	b := Allocate(100*time.Second, []StepSpec{
		{Name: "A", Weight: 0.5},
		{Name: "B", Weight: 0.5},
	}, Options{})

	require.NoError(t, b.CompleteStep("A", 70*time.Second))

	bb, _ := b.Step("B")
	assert.Equal(t, 30*time.Second, bb.Allocated)
	assert.Equal(t, 100*time.Second, sumAllocated(b))
	assert.Equal(t, 30*time.Second, b.Remaining())
}

func TestCompleteStep_OverrunClampedToWholeBudget(t *testing.T) {
	b := Allocate(60*time.Second, []StepSpec{
		{Name: "A", Weight: 0.5},
		{Name: "B", Weight: 0.5},
	}, Options{})

	// A claims far more than the whole budget; charge is clamped.
	require.NoError(t, b.CompleteStep("A", 500*time.Second))

	a, _ := b.Step("A")
	assert.Equal(t, 60*time.Second, a.Used)
	assert.Equal(t, time.Duration(0), b.Remaining())
	assert.True(t, b.Exhausted())
	assert.Equal(t, 60*time.Second, sumAllocated(b))
}

func TestConservation_RandomishSequences(t *testing.T) {
	specs := []StepSpec{
		{Name: "s1", Weight: 1},
		{Name: "s2", Weight: 2},
		{Name: "s3", Weight: 3},
		{Name: "s4", Weight: 4},
	}
	usages := []time.Duration{
		3 * time.Second,
		40 * time.Second, // overrun
		0,
		9 * time.Second,
	}
	b := Allocate(90*time.Second, specs, Options{})
	for i, sp := range specs {
		require.Equal(t, b.Total(), sumAllocated(b), "before step %d", i)
		require.NoError(t, b.CompleteStep(sp.Name, usages[i]))
		require.Equal(t, b.Total(), sumAllocated(b), "after step %d", i)
		require.GreaterOrEqual(t, b.Remaining(), time.Duration(0))
	}
}

func TestAllocate_DegenerateTotal(t *testing.T) {
	b := Allocate(0, []StepSpec{
		{Name: "A", Weight: 0.4},
		{Name: "B", Weight: 0.6},
	}, Options{})

	for _, st := range b.Steps() {
		assert.Equal(t, time.Duration(0), st.Allocated)
	}
	assert.True(t, b.Exhausted())

	b = Allocate(-5*time.Second, []StepSpec{{Name: "A", Weight: 1}}, Options{})
	assert.True(t, b.Exhausted())
	assert.Equal(t, time.Duration(0), b.Remaining())
}

func TestAllocate_CriticalFloor(t *testing.T) {
	b := Allocate(100*time.Second, []StepSpec{
		{Name: "cheap", Weight: 0.9},
		{Name: "deep", Weight: 0.1, Critical: true},
	}, Options{CriticalFloor: 0.4})

	deep, _ := b.Step("deep")
	cheap, _ := b.Step("cheap")
	assert.Equal(t, 40*time.Second, deep.Allocated)
	assert.Equal(t, 60*time.Second, cheap.Allocated)
	assert.Equal(t, 100*time.Second, sumAllocated(b))
}

func TestCompleteStep_OverrunAfterCriticalFloor(t *testing.T) {
	b := Allocate(10*time.Second, []StepSpec{
		{Name: "A", Weight: 0.9},
		{Name: "B", Weight: 0.05, Critical: true},
		{Name: "C", Weight: 0.05},
	}, Options{CriticalFloor: 0.4})
	require.Equal(t, b.Total(), sumAllocated(b))

	// A consumes the whole budget; the floor-inflated allocations of B and C
	// must be clawed back entirely, not just down to their weight shares.
	require.NoError(t, b.CompleteStep("A", 10*time.Second))

	assert.Equal(t, b.Total(), sumAllocated(b))
	assert.Equal(t, time.Duration(0), b.Remaining())
	assert.True(t, b.Exhausted())
	bb, _ := b.Step("B")
	c, _ := b.Step("C")
	assert.Equal(t, time.Duration(0), bb.Allocated)
	assert.Equal(t, time.Duration(0), c.Allocated)
}

func TestConservation_PartialOverrunAfterCriticalFloor(t *testing.T) {
	b := Allocate(10*time.Second, []StepSpec{
		{Name: "A", Weight: 0.9},
		{Name: "B", Weight: 0.05, Critical: true},
		{Name: "C", Weight: 0.05},
	}, Options{CriticalFloor: 0.4})

	a, _ := b.Step("A")
	overrun := a.Allocated + 2*time.Second
	require.NoError(t, b.CompleteStep("A", overrun))

	// The 2s debt is split by current holdings, so the critical step keeps
	// most of its floor.
	assert.Equal(t, b.Total(), sumAllocated(b))
	assert.Equal(t, b.Total()-overrun, b.Remaining())
	bb, _ := b.Step("B")
	c, _ := b.Step("C")
	assert.Greater(t, bb.Allocated, c.Allocated)
}

func TestSkipStep_ReleasesAllocation(t *testing.T) {
	b := Allocate(30*time.Second, []StepSpec{
		{Name: "A", Weight: 1},
		{Name: "B", Weight: 2},
	}, Options{})

	require.NoError(t, b.SkipStep("A"))
	bb, _ := b.Step("B")
	assert.Equal(t, 30*time.Second, bb.Allocated)
	assert.Equal(t, 30*time.Second, b.Remaining())
}

func TestCompleteStep_Errors(t *testing.T) {
	b := Allocate(10*time.Second, []StepSpec{{Name: "A", Weight: 1}}, Options{})
	assert.ErrorIs(t, b.CompleteStep("missing", time.Second), ErrStepNotFound)
	require.NoError(t, b.CompleteStep("A", time.Second))
	assert.ErrorIs(t, b.CompleteStep("A", time.Second), ErrStepFinished)
}

func TestExtend_GrowsUnfinishedSteps(t *testing.T) {
	b := Allocate(20*time.Second, []StepSpec{
		{Name: "A", Weight: 1},
		{Name: "B", Weight: 1},
	}, Options{})
	require.NoError(t, b.CompleteStep("A", 10*time.Second))

	b.Extend(30 * time.Second)
	assert.Equal(t, 50*time.Second, b.Total())
	bb, _ := b.Step("B")
	assert.Equal(t, 40*time.Second, bb.Allocated)
	assert.Equal(t, 40*time.Second, b.Remaining())
	assert.Equal(t, b.Total(), sumAllocated(b))
}

func TestWeightNormalization(t *testing.T) {
	b := Allocate(10*time.Second, []StepSpec{
		{Name: "A", Weight: 2},
		{Name: "B", Weight: 6},
	}, Options{})
	a, _ := b.Step("A")
	bb, _ := b.Step("B")
	assert.Equal(t, 2500*time.Millisecond, a.Allocated)
	assert.Equal(t, 7500*time.Millisecond, bb.Allocated)
}
