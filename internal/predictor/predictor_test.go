package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestPredictor(store HistoryStore) *Predictor {
	return New(store, Config{
		Default: 30 * time.Second,
		Min:     time.Second,
		Max:     2 * time.Minute,
		Window:  20,
		Decay:   0.6,
	}, nil)
}

func TestEstimate_UnseenSignatureReturnsDefault(t *testing.T) {
	p := newTestPredictor(NewMemoryStore(20))
	assert.Equal(t, 30*time.Second, p.Estimate(context.Background(), "unseen"))
}

func TestEstimate_EMABiasedTowardRecent(t *testing.T) {
	ctx := context.Background()
	p := newTestPredictor(NewMemoryStore(20))

	p.Record(ctx, "sig", 12*time.Second)
	p.Record(ctx, "sig", 18*time.Second)

	est := p.Estimate(ctx, "sig")
	assert.Greater(t, est, 12*time.Second)
	assert.Less(t, est, 18*time.Second)
	// Biased toward the newer sample: above the plain midpoint.
	assert.Greater(t, est, 15*time.Second)
}

func TestEstimate_Clamped(t *testing.T) {
	ctx := context.Background()
	p := newTestPredictor(NewMemoryStore(20))

	p.Record(ctx, "tiny", 10*time.Millisecond)
	assert.Equal(t, time.Second, p.Estimate(ctx, "tiny"))

	p.Record(ctx, "huge", time.Hour)
	assert.Equal(t, 2*time.Minute, p.Estimate(ctx, "huge"))
}

func TestRecord_EvictsOldestBeyondCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	p := newTestPredictor(store)

	for i := 1; i <= 5; i++ {
		p.Record(ctx, "sig", time.Duration(i)*time.Second)
	}

	recent, err := store.Recent(ctx, "sig", 10)
	assert.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second, 4 * time.Second, 5 * time.Second}, recent)
}

type failingStore struct{}

func (failingStore) Append(context.Context, string, time.Duration) error {
	return errors.New("store down")
}
func (failingStore) Recent(context.Context, string, int) ([]time.Duration, error) {
	return nil, errors.New("store down")
}

func TestStoreFailure_NeverFailsRequestPath(t *testing.T) {
	ctx := context.Background()
	p := newTestPredictor(failingStore{})

	// Neither call may panic or surface an error; estimate degrades to default.
	p.Record(ctx, "sig", 10*time.Second)
	assert.Equal(t, 30*time.Second, p.Estimate(ctx, "sig"))
}

func TestNilStore_DegradesToDefault(t *testing.T) {
	p := newTestPredictor(nil)
	p.Record(context.Background(), "sig", 10*time.Second)
	assert.Equal(t, 30*time.Second, p.Estimate(context.Background(), "sig"))
}

func TestEstimate_IgnoresNonPositiveRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(5)
	p := newTestPredictor(store)

	p.Record(ctx, "sig", 0)
	p.Record(ctx, "sig", -time.Second)

	recent, _ := store.Recent(ctx, "sig", 5)
	assert.Empty(t, recent)
}
