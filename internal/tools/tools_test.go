package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExecuteRegisteredTool(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("echo", func(_ context.Context, args map[string]string) (Result, error) {
		return Result{Success: true, Content: args["text"]}, nil
	})

	res, err := r.Execute(context.Background(), "echo", map[string]string{"text": "hi"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "hi", res.Content)
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegistry_FailureIsResultNotError(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("flaky", func(context.Context, map[string]string) (Result, error) {
		return Result{Success: false, Error: "disk full"}, nil
	})

	res, err := r.Execute(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "disk full", res.Error)
}

func TestRegistry_PanicBecomesFailedResult(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("bomb", func(context.Context, map[string]string) (Result, error) {
		panic("kaboom")
	})

	res, err := r.Execute(context.Background(), "bomb", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")
}

func TestRegistry_ToolErrorPropagates(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("boom")
	r.Register("bad", func(context.Context, map[string]string) (Result, error) {
		return Result{}, boom
	})

	_, err := r.Execute(context.Background(), "bad", nil)
	assert.ErrorIs(t, err, boom)
}
