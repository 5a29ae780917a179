// Package events is the router's observability sink: in-memory pub/sub of
// request lifecycle events with a per-request replay ring. Publishing never
// blocks; a slow presentation layer loses events rather than stalling the
// request path.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type enumerates the lifecycle events the router emits.
type Type string

const (
	TypeTierEntered     Type = "tier_entered"
	TypeTierResult      Type = "tier_result"
	TypeModeChanged     Type = "mode_changed"
	TypeBudgetExhausted Type = "budget_exhausted"
	TypeRequestDone     Type = "request_done"
)

// Event is one router lifecycle event.
type Event struct {
	RequestID string    `json:"request_id"`
	Type      Type      `json:"type"`
	Tier      int       `json:"tier,omitempty"`
	Mode      string    `json:"mode,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Marshal returns the event as JSON for SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Emitter is the interface the router pushes events through.
type Emitter interface {
	Publish(requestID string, evt Event)
}

// Manager provides per-request pub/sub with bounded replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager whose replay rings hold capacity events.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe returns a buffered channel of events for requestID. The caller
// must drain it and call Unsubscribe when done.
func (m *Manager) Subscribe(requestID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[requestID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[requestID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes the channel.
func (m *Manager) Unsubscribe(requestID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[requestID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, requestID)
		}
	}
}

// Publish stamps, records, and fans out the event. Slow subscribers are
// skipped, never waited on.
func (m *Manager) Publish(requestID string, evt Event) {
	evt.RequestID = requestID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rg := m.history[requestID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[requestID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)

	// Fan-out stays under the lock so Unsubscribe cannot close a channel
	// mid-send; the non-blocking sends keep the hold time bounded.
	for ch := range m.subscribers[requestID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns recorded events with Seq > since, best-effort within
// ring capacity, so a late-attaching consumer can catch up.
func (m *Manager) ReplaySince(requestID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[requestID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a finished request.
func (m *Manager) Forget(requestID string) {
	m.mu.Lock()
	delete(m.history, requestID)
	m.mu.Unlock()
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// Nop is an Emitter that drops everything; useful in tests and when no
// presentation layer is attached.
type Nop struct{}

func (Nop) Publish(string, Event) {}
