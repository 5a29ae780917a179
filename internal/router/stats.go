package router

import (
	"sync"

	"github.com/cascadelabs/cascade/internal/metrics"
)

// Stats aggregates per-tier outcome counters across requests. It is injected
// into the router rather than kept as package state so tests can construct
// isolated instances. Counters are diagnostic only and never affect routing.
type Stats struct {
	mu       sync.Mutex
	total    uint64
	hits     map[Tier]uint64
	outcomes map[Tier]map[AttemptOutcome]uint64
}

// NewStats creates an empty aggregator.
func NewStats() *Stats {
	return &Stats{
		hits:     make(map[Tier]uint64),
		outcomes: make(map[Tier]map[AttemptOutcome]uint64),
	}
}

// RecordAttempt counts one tier attempt.
func (s *Stats) RecordAttempt(a Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTier := s.outcomes[a.Tier]
	if byTier == nil {
		byTier = make(map[AttemptOutcome]uint64)
		s.outcomes[a.Tier] = byTier
	}
	byTier[a.Outcome]++
	metrics.RecordTierAttempt(a.Tier.String(), string(a.Outcome), a.Used.Seconds())
}

// RecordResolved counts one finished request and, when it resolved, the tier
// that resolved it. Pass TierNone for requests that produced no usable answer.
func (s *Stats) RecordResolved(tier Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if tier != TierNone {
		s.hits[tier]++
	}
	metrics.NoLLMRate.Set(s.noLLMRateLocked())
}

// NoLLMRate is the fraction of requests resolved by the two tiers that never
// touch the model backend.
func (s *Stats) NoLLMRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noLLMRateLocked()
}

func (s *Stats) noLLMRateLocked() float64 {
	if s.total == 0 {
		return 0
	}
	return float64(s.hits[TierPattern]+s.hits[TierKeyword]) / float64(s.total)
}

// TierHits returns how many requests each tier resolved.
func (s *Stats) TierHits() map[Tier]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Tier]uint64, len(s.hits))
	for t, n := range s.hits {
		out[t] = n
	}
	return out
}

// Outcomes returns attempt counts for one tier.
func (s *Stats) Outcomes(tier Tier) map[AttemptOutcome]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[AttemptOutcome]uint64, len(s.outcomes[tier]))
	for o, n := range s.outcomes[tier] {
		out[o] = n
	}
	return out
}

// Total returns how many requests have finished.
func (s *Stats) Total() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Reset clears all counters. Operator action only.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	s.hits = make(map[Tier]uint64)
	s.outcomes = make(map[Tier]map[AttemptOutcome]uint64)
	metrics.NoLLMRate.Set(0)
}
