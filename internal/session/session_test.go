package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, opts Options) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewStore(client, opts, nil)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGet(t *testing.T) {
	st := testStore(t, Options{})
	ctx := context.Background()

	s, err := st.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestGetSurvivesCacheLoss(t *testing.T) {
	st := testStore(t, Options{})
	ctx := context.Background()

	s, err := st.Create(ctx)
	require.NoError(t, err)

	// Drop the local cache; the next Get must round-trip through Redis.
	st.mu.Lock()
	st.cache = make(map[string]*Session)
	st.access = make(map[string]time.Time)
	st.mu.Unlock()

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
}

func TestGetUnknown(t *testing.T) {
	st := testStore(t, Options{})
	_, err := st.Get(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordExchangeBoundsHistory(t *testing.T) {
	st := testStore(t, Options{MaxHistory: 3})
	ctx := context.Background()

	s, err := st.Create(ctx)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, st.RecordExchange(ctx, s.ID, Exchange{
			Query: fmt.Sprintf("query %d", i),
			Mode:  "FAST",
			Tier:  1,
		}))
	}

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 3)
	assert.Equal(t, "query 2", got.History[0].Query)
	assert.Equal(t, "query 4", got.History[2].Query)
	assert.Equal(t, "FAST", got.LastMode)
}

func TestPriorQueries(t *testing.T) {
	s := &Session{History: []Exchange{
		{Query: "first"},
		{Query: "second"},
		{Query: "third"},
	}}
	assert.Equal(t, []string{"second", "third"}, s.PriorQueries(2))
	assert.Equal(t, []string{"first", "second", "third"}, s.PriorQueries(10))
	assert.Nil(t, s.PriorQueries(0))
}

func TestGetReturnsIndependentCopy(t *testing.T) {
	st := NewStore(nil, Options{}, nil)
	ctx := context.Background()

	s, err := st.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, st.RecordExchange(ctx, s.ID, Exchange{Query: "q1", Mode: "FAST"}))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	// Mutating the caller's copy must not leak into the store.
	got.History = append(got.History, Exchange{Query: "rogue"})
	got.LastMode = "rogue"

	fresh, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, fresh.History, 1)
	assert.Equal(t, "q1", fresh.History[0].Query)
	assert.Equal(t, "FAST", fresh.LastMode)
}

func TestDelete(t *testing.T) {
	st := testStore(t, Options{})
	ctx := context.Background()

	s, err := st.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, s.ID))

	_, err = st.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOnlyStore(t *testing.T) {
	st := NewStore(nil, Options{}, nil)
	ctx := context.Background()

	s, err := st.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, st.RecordExchange(ctx, s.ID, Exchange{Query: "q", Mode: "FAST"}))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)
}

func TestCacheEviction(t *testing.T) {
	st := testStore(t, Options{MaxCached: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := st.Create(ctx)
		require.NoError(t, err)
	}

	st.mu.RLock()
	defer st.mu.RUnlock()
	assert.LessOrEqual(t, len(st.cache), 2)
}
