package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBackend = errors.New("backend down")

func testBreaker(timeout time.Duration) *Breaker {
	return New("test", Config{
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          timeout,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}, nil)
}

func fail(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return errBackend })
}

func succeed(b *Breaker) error {
	return b.Execute(context.Background(), func() error { return nil })
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(time.Minute)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, fail(b), errBackend)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, succeed(b), ErrOpen)
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := testBreaker(time.Minute)
	fail(b)
	fail(b)
	succeed(b)
	fail(b)
	fail(b)
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	assert.NoError(t, succeed(b))
	assert.NoError(t, succeed(b))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		fail(b)
	}
	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, fail(b), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestCallerCancellationIsNotAFailure(t *testing.T) {
	b := testBreaker(time.Minute)
	for i := 0; i < 10; i++ {
		b.Execute(context.Background(), func() error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())
}
