package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS call_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	signature   TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_call_history_signature ON call_history (signature, id);
`

// SQLStore is a durable history store over sqlx. The sqlite3 driver serves
// single-binary deployments; postgres serves shared ones.
type SQLStore struct {
	db     *sqlx.DB
	cap    int
	logger *zap.Logger
}

// OpenSQLStore connects with the given driver ("sqlite3" or "postgres") and
// DSN and ensures the schema exists. cap bounds samples kept per signature.
func OpenSQLStore(driver, dsn string, cap int, logger *zap.Logger) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping history store: %w", err)
	}
	s := NewSQLStore(db, cap, logger)
	if driver == "sqlite3" {
		if _, err := db.Exec(historySchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return s, nil
}

// NewSQLStore wraps an existing connection. Schema management is the
// caller's concern (migrations for postgres, OpenSQLStore for sqlite).
func NewSQLStore(db *sqlx.DB, cap int, logger *zap.Logger) *SQLStore {
	if cap <= 0 {
		cap = DefaultConfig().Window
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{db: db, cap: cap, logger: logger}
}

// Append inserts a sample and prunes rows beyond the per-signature cap.
func (s *SQLStore) Append(ctx context.Context, signature string, d time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO call_history (signature, duration_ms) VALUES (?, ?)`),
		signature, d.Milliseconds())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	// Best-effort prune; a failure here only delays eviction.
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM call_history
		WHERE signature = ?
		  AND id NOT IN (
			SELECT id FROM call_history
			WHERE signature = ?
			ORDER BY id DESC
			LIMIT ?
		  )`),
		signature, signature, s.cap)
	if err != nil {
		s.logger.Warn("history prune failed",
			zap.String("signature", signature),
			zap.Error(err))
	}
	return nil
}

// Recent returns up to limit most recent samples, oldest first.
func (s *SQLStore) Recent(ctx context.Context, signature string, limit int) ([]time.Duration, error) {
	if limit <= 0 || limit > s.cap {
		limit = s.cap
	}
	var rows []int64
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT duration_ms FROM call_history
		WHERE signature = ?
		ORDER BY id DESC
		LIMIT ?`),
		signature, limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	out := make([]time.Duration, len(rows))
	for i, ms := range rows {
		out[len(rows)-1-i] = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error { return s.db.Close() }
