// Package llm defines the streaming language-model backend consumed by the
// router's network tiers. The backend is an abstract collaborator: the core
// treats its output opaquely and only the timeout controller may cancel an
// in-flight stream.
package llm

import (
	"context"
	"sync"
	"time"
)

// Variant selects a backend model variant by cost class.
type Variant string

const (
	// VariantLight is the cheap, fast variant used for disambiguation and
	// as the same-step fallback after a TTFT/idle timeout.
	VariantLight Variant = "light"

	// VariantFull is the default answer-generation variant.
	VariantFull Variant = "full"
)

// Request is a single streaming generation request.
type Request struct {
	Prompt    string
	System    string
	Variant   Variant
	MaxTokens int
}

// Chunk is one unit of streamed output.
type Chunk struct {
	Text string
	At   time.Time
}

// Stream is a cancellable stream of chunks. Chunks is closed when the stream
// ends; after that Err reports why (nil for normal completion). Cancel is
// idempotent: canceling a finished stream is a no-op.
type Stream interface {
	Chunks() <-chan Chunk
	Err() error
	Cancel()
}

// Backend produces cancellable chunk streams.
type Backend interface {
	Send(ctx context.Context, req Request) (Stream, error)
}

// chunkStream is the common Stream implementation used by concrete backends.
type chunkStream struct {
	ch     chan Chunk
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newChunkStream(buffer int, cancel context.CancelFunc) *chunkStream {
	return &chunkStream{
		ch:     make(chan Chunk, buffer),
		cancel: cancel,
	}
}

func (s *chunkStream) Chunks() <-chan Chunk { return s.ch }

func (s *chunkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *chunkStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *chunkStream) Cancel() {
	s.once.Do(s.cancel)
}
