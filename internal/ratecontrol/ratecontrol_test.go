package ratecontrol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTable = `
rate_limits:
  default:
    rpm: 600
    tpm: 60000
  variant_overrides:
    light:
      rpm: 1200
    full:
      rpm: 60
      tpm: 30000
`

func TestLoadAndLookup(t *testing.T) {
	l, err := Load([]byte(sampleTable))
	require.NoError(t, err)

	assert.Equal(t, Limit{RPM: 1200}, l.LimitFor("light"))
	assert.Equal(t, Limit{RPM: 60, TPM: 30000}, l.LimitFor("full"))
	assert.Equal(t, Limit{RPM: 600, TPM: 60000}, l.LimitFor("unknown-variant"))
}

func TestLookupNormalizesVariant(t *testing.T) {
	l, err := Load([]byte(sampleTable))
	require.NoError(t, err)
	assert.Equal(t, Limit{RPM: 1200}, l.LimitFor("  Light "))
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load([]byte("rate_limits: [not, a, map"))
	assert.Error(t, err)
}

func TestWaitUnlimitedReturnsImmediately(t *testing.T) {
	l := NewLimiter()
	start := time.Now()
	require.NoError(t, l.Wait(context.Background(), "light"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	// 1 rpm with burst 1: the second Wait needs ~a minute, so the short
	// context must fail it.
	l, err := Load([]byte("rate_limits:\n  default:\n    rpm: 1\n"))
	require.NoError(t, err)

	require.NoError(t, l.Wait(context.Background(), "full"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Wait(ctx, "full"))
}

func TestDelayEstimate(t *testing.T) {
	l, err := Load([]byte(sampleTable))
	require.NoError(t, err)

	// full: 60 rpm -> 1s pacing; 30000 tpm -> 2ms per token.
	assert.Equal(t, time.Second, l.Delay("full", 0))
	assert.Equal(t, 2*time.Second, l.Delay("full", 1000))

	assert.Equal(t, time.Duration(0), NewLimiter().Delay("full", 1000))
}

func TestDelayCapped(t *testing.T) {
	l, err := Load([]byte("rate_limits:\n  default:\n    tpm: 60\n"))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, l.Delay("full", 1_000_000))
}
