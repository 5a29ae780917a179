package llm

import (
	"context"
	"sync"
	"time"
)

// ScriptedChunk is one step of a scripted stream: wait Delay, then emit Text.
type ScriptedChunk struct {
	Delay time.Duration
	Text  string
}

// Script describes the behavior of one scripted call.
type Script struct {
	Chunks []ScriptedChunk
	// Err, when set, terminates the stream after the chunks with an error.
	Err error
}

// ScriptedBackend replays canned streams, honoring context cancellation
// between chunks. Scripts are consumed per variant in FIFO order; when a
// variant's queue is empty the default script is used.
type ScriptedBackend struct {
	mu      sync.Mutex
	queues  map[Variant][]Script
	Default Script

	// Calls records every request received, in order.
	Calls []Request
}

// NewScriptedBackend returns an empty scripted backend.
func NewScriptedBackend() *ScriptedBackend {
	return &ScriptedBackend{queues: make(map[Variant][]Script)}
}

// Enqueue appends a script for the given variant.
func (b *ScriptedBackend) Enqueue(v Variant, s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[v] = append(b.queues[v], s)
}

// Send replays the next script for the request's variant.
func (b *ScriptedBackend) Send(ctx context.Context, req Request) (Stream, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, req)
	script := b.Default
	if q := b.queues[req.Variant]; len(q) > 0 {
		script = q[0]
		b.queues[req.Variant] = q[1:]
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	st := newChunkStream(16, cancel)

	go func() {
		defer close(st.ch)
		for _, c := range script.Chunks {
			timer := time.NewTimer(c.Delay)
			select {
			case <-callCtx.Done():
				timer.Stop()
				st.setErr(callCtx.Err())
				return
			case <-timer.C:
			}
			select {
			case st.ch <- Chunk{Text: c.Text, At: time.Now()}:
			case <-callCtx.Done():
				st.setErr(callCtx.Err())
				return
			}
		}
		if script.Err != nil {
			st.setErr(script.Err)
		}
	}()

	return st, nil
}
