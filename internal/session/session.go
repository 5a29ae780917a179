// Package session keeps per-conversation state across requests: recent
// exchanges used as classification context, and the last resolved mode. A
// Redis backend makes sessions survive restarts; a local cache keeps the
// request path off the network.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Exchange is one resolved request/response pair.
type Exchange struct {
	Query      string    `json:"query"`
	Response   string    `json:"response"`
	Tier       int       `json:"tier"`
	Mode       string    `json:"mode"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Session is one conversation's persistent state.
type Session struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	LastMode  string     `json:"last_mode,omitempty"`
	History   []Exchange `json:"history,omitempty"`
}

// IsExpired reports whether the session has passed its expiry.
func (s *Session) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// PriorQueries returns up to n most recent queries, oldest first. The
// classifier joins these into its follow-up context.
func (s *Session) PriorQueries(n int) []string {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	start := len(s.History) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(s.History)-start)
	for _, ex := range s.History[start:] {
		out = append(out, ex.Query)
	}
	return out
}

// clone returns a deep copy so callers can mutate freely without touching
// the store's cached entry.
func (s *Session) clone() *Session {
	cp := *s
	cp.History = append([]Exchange(nil), s.History...)
	return &cp
}

// Options tunes the store.
type Options struct {
	TTL        time.Duration // session lifetime, default 24h
	MaxHistory int           // exchanges kept per session, default 20
	MaxCached  int           // sessions held in the local cache, default 1024
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = 20
	}
	if o.MaxCached <= 0 {
		o.MaxCached = 1024
	}
	return o
}

// Store manages sessions. Redis is optional; without it the store is purely
// in-memory and sessions last only as long as the process.
type Store struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	cache  map[string]*Session
	access map[string]time.Time
}

// NewStore creates a store backed by client. Pass nil for memory-only
// operation.
func NewStore(client *redis.Client, opts Options, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger,
		cache:  make(map[string]*Session),
		access: make(map[string]time.Time),
	}
}

// Connect dials Redis at addr and returns a store backed by it.
func Connect(ctx context.Context, addr, password string, opts Options, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewStore(client, opts, logger), nil
}

// Create makes a fresh session.
func (st *Store) Create(ctx context.Context) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(st.opts.TTL),
	}
	if err := st.save(ctx, s); err != nil {
		return nil, err
	}
	st.cachePut(s)
	st.logger.Info("session created", zap.String("session_id", s.ID))
	return s, nil
}

// Get loads a session by ID, preferring the local cache. The returned
// session is the caller's copy; changes are persisted only through
// RecordExchange.
func (st *Store) Get(ctx context.Context, id string) (*Session, error) {
	st.mu.RLock()
	var cached *Session
	if entry, ok := st.cache[id]; ok {
		cached = entry.clone()
	}
	st.mu.RUnlock()
	if cached != nil {
		if cached.IsExpired() {
			st.Delete(ctx, id)
			return nil, ErrExpired
		}
		st.mu.Lock()
		st.access[id] = time.Now()
		st.mu.Unlock()
		return cached, nil
	}

	if st.client == nil {
		return nil, ErrNotFound
	}
	data, err := st.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.IsExpired() {
		st.Delete(ctx, id)
		return nil, ErrExpired
	}
	st.cachePut(&s)
	return &s, nil
}

// RecordExchange appends a resolved exchange and remembers the mode it
// resolved in. History is bounded.
func (st *Store) RecordExchange(ctx context.Context, id string, ex Exchange) error {
	s, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	if ex.ResolvedAt.IsZero() {
		ex.ResolvedAt = time.Now()
	}
	s.History = append(s.History, ex)
	if len(s.History) > st.opts.MaxHistory {
		s.History = s.History[len(s.History)-st.opts.MaxHistory:]
	}
	s.LastMode = ex.Mode
	s.UpdatedAt = time.Now()
	if err := st.save(ctx, s); err != nil {
		return err
	}
	st.cachePut(s)
	return nil
}

// Delete removes a session everywhere.
func (st *Store) Delete(ctx context.Context, id string) error {
	st.mu.Lock()
	delete(st.cache, id)
	delete(st.access, id)
	st.mu.Unlock()

	if st.client == nil {
		return nil
	}
	if err := st.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (st *Store) Close() error {
	if st.client == nil {
		return nil
	}
	return st.client.Close()
}

func (st *Store) save(ctx context.Context, s *Session) error {
	if st.client == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		ttl = st.opts.TTL
	}
	if err := st.client.Set(ctx, sessionKey(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (st *Store) cachePut(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cache[s.ID] = s.clone()
	st.access[s.ID] = time.Now()
	if len(st.cache) <= st.opts.MaxCached {
		return
	}
	// Evict the least recently touched entry.
	var oldestID string
	var oldest time.Time
	for id := range st.cache {
		at := st.access[id]
		if oldestID == "" || at.Before(oldest) {
			oldestID, oldest = id, at
		}
	}
	delete(st.cache, oldestID)
	delete(st.access, oldestID)
}

func sessionKey(id string) string {
	return "cascade:session:" + id
}
