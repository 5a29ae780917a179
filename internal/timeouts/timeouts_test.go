package timeouts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDerive_DefaultsBindWhenBudgetIsLarge(t *testing.T) {
	// Scenario: remaining 45s, defaults {ttft:5s, idle:3s, absolute:60s}.
	// 45*0.3=13.5s > 5s and 45*0.2=9s > 3s, so both caps bind at defaults.
	cfg := Derive(45*time.Second, Defaults{
		TTFT:     5 * time.Second,
		Idle:     3 * time.Second,
		Absolute: 60 * time.Second,
	}, DefaultFractions())

	assert.Equal(t, 5*time.Second, cfg.TTFT)
	assert.Equal(t, 3*time.Second, cfg.Idle)
	assert.Equal(t, 45*time.Second, cfg.AbsoluteMax)
}

func TestDerive_FractionsBindWhenBudgetIsSmall(t *testing.T) {
	cfg := Derive(10*time.Second, Defaults{
		TTFT:     5 * time.Second,
		Idle:     3 * time.Second,
		Absolute: 60 * time.Second,
	}, DefaultFractions())

	assert.Equal(t, 3*time.Second, cfg.TTFT) // 10*0.3
	assert.Equal(t, 2*time.Second, cfg.Idle) // 10*0.2
	assert.Equal(t, 10*time.Second, cfg.AbsoluteMax)
}

func TestDerive_AbsoluteMonotonicInRemaining(t *testing.T) {
	d := Defaults{TTFT: 5 * time.Second, Idle: 3 * time.Second, Absolute: 2 * time.Minute}
	f := DefaultFractions()

	var prev Config
	for i, rem := range []time.Duration{0, time.Second, 10 * time.Second, time.Minute, 3 * time.Minute} {
		cfg := Derive(rem, d, f)
		if i > 0 {
			assert.GreaterOrEqual(t, cfg.AbsoluteMax, prev.AbsoluteMax)
			assert.GreaterOrEqual(t, cfg.TTFT, prev.TTFT)
			assert.GreaterOrEqual(t, cfg.Idle, prev.Idle)
		}
		prev = cfg
	}
}

func TestDerive_NegativeRemaining(t *testing.T) {
	cfg := Derive(-time.Second, Defaults{TTFT: time.Second}, DefaultFractions())
	assert.Equal(t, time.Duration(0), cfg.AbsoluteMax)
	assert.Equal(t, time.Duration(0), cfg.TTFT)
	assert.Equal(t, time.Duration(0), cfg.Idle)
}

func TestDerive_DefaultAbsoluteCapsCeiling(t *testing.T) {
	cfg := Derive(5*time.Minute, Defaults{Absolute: time.Minute}, DefaultFractions())
	assert.Equal(t, time.Minute, cfg.AbsoluteMax)
}
