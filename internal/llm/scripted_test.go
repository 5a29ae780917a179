package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s Stream) string {
	var out string
	for c := range s.Chunks() {
		out += c.Text
	}
	return out
}

func TestScripted_ReplaysChunksInOrder(t *testing.T) {
	b := NewScriptedBackend()
	b.Default = Script{Chunks: []ScriptedChunk{
		{Text: "a"}, {Text: "b"}, {Text: "c"},
	}}

	st, err := b.Send(context.Background(), Request{Variant: VariantFull})
	require.NoError(t, err)
	assert.Equal(t, "abc", drain(st))
	assert.NoError(t, st.Err())
}

func TestScripted_PerVariantQueues(t *testing.T) {
	b := NewScriptedBackend()
	b.Enqueue(VariantLight, Script{Chunks: []ScriptedChunk{{Text: "light"}}})
	b.Enqueue(VariantFull, Script{Chunks: []ScriptedChunk{{Text: "full"}}})

	st, err := b.Send(context.Background(), Request{Variant: VariantFull})
	require.NoError(t, err)
	assert.Equal(t, "full", drain(st))

	st, err = b.Send(context.Background(), Request{Variant: VariantLight})
	require.NoError(t, err)
	assert.Equal(t, "light", drain(st))
}

func TestScripted_ErrAfterChunks(t *testing.T) {
	boom := errors.New("boom")
	b := NewScriptedBackend()
	b.Default = Script{Chunks: []ScriptedChunk{{Text: "x"}}, Err: boom}

	st, err := b.Send(context.Background(), Request{})
	require.NoError(t, err)
	drain(st)
	assert.ErrorIs(t, st.Err(), boom)
}

func TestCancel_Idempotent(t *testing.T) {
	b := NewScriptedBackend()
	b.Default = Script{Chunks: []ScriptedChunk{
		{Delay: 5 * time.Second, Text: "never delivered"},
	}}

	st, err := b.Send(context.Background(), Request{})
	require.NoError(t, err)

	st.Cancel()
	firstErr := awaitErr(t, st)

	// A second (and third) cancel must not change the observable outcome.
	st.Cancel()
	st.Cancel()
	assert.Equal(t, firstErr, st.Err())
	assert.Empty(t, drain(st))
}

func TestCancel_AfterCompletionIsNoOp(t *testing.T) {
	b := NewScriptedBackend()
	b.Default = Script{Chunks: []ScriptedChunk{{Text: "done"}}}

	st, err := b.Send(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", drain(st))

	st.Cancel()
	assert.NoError(t, st.Err())
}

func awaitErr(t *testing.T, st Stream) error {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-st.Chunks():
			if !ok {
				require.Error(t, st.Err())
				return st.Err()
			}
		case <-deadline:
			t.Fatal("stream did not terminate after cancel")
		}
	}
}
