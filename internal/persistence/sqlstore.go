package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lattice-run/conductor/internal/queue"
)

const (
	schemaVersionV1       = 1
	schemaVersionLatest   = schemaVersionV1
	schemaChecksumV1      = "agent-states-queue-v1"
)

// SQLStore is the durable tier: a SQLite-backed agent_states table plus the
// queue's backing capability tables, sharing one *sql.DB in WAL mode under
// single-writer discipline, grounded on persistence.Store's
// (schema-versioned migrations, busy-retry-with-jitter, PRAGMA
// journal_mode=WAL), generalized from a conversational-agent schema
// (sessions/messages/tasks/skills) to the orchestration runtime's
// agent_states + queue tables (SPEC_FULL §6's Store interface).
type SQLStore struct {
	db *sql.DB
}

var (
	_ Store         = (*SQLStore)(nil)
	_ queue.Backing = (*SQLStore)(nil)
)

// Store is the durable agent-state capability plus the queue's backing
// capability (SPEC_FULL §6).
type Store interface {
	UpsertAgentState(ctx context.Context, agentID, stateJSON string) error
	GetAgentState(ctx context.Context, agentID string) (string, bool, error)
	DeleteAgentState(ctx context.Context, agentID string) error
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
	queue.Backing
}

// DefaultDBPath mirrors the $HOME-rooted default database path convention.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor", "conductor.db")
}

// OpenSQLStore opens (creating if absent) the durable store at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLStore{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) configurePragmas(ctx context.Context) error {
	for _, q := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_states (
			agent_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS queue_kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS queue_scores (
			id TEXT PRIMARY KEY,
			score REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS queue_lists (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL,
			value TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_queue_lists_key ON queue_lists(key);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);`,
		schemaVersionLatest, schemaChecksumV1,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f on SQLITE_BUSY/SQLITE_LOCKED with bounded,
// jittered exponential backoff, matching the
// persistence.Store.retryOnBusy convention.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// --- Store: agent_states ---

func (s *SQLStore) UpsertAgentState(ctx context.Context, agentID, stateJSON string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_states (agent_id, state, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(agent_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at;`,
			agentID, stateJSON, time.Now().UTC())
		return err
	})
}

func (s *SQLStore) GetAgentState(ctx context.Context, agentID string) (string, bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM agent_states WHERE agent_id = ?;`, agentID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query agent state: %w", err)
	}
	return state, true, nil
}

func (s *SQLStore) DeleteAgentState(ctx context.Context, agentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM agent_states WHERE agent_id = ?;`, agentID)
		return err
	})
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UTC()
	var result sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, `DELETE FROM agent_states WHERE updated_at < ?;`, cutoff)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("delete old agent states: %w", err)
	}
	return result.RowsAffected()
}

// --- queue.KVStore: queue_kv ---

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM queue_kv WHERE key = ?;`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query queue kv: %w", err)
	}
	if expiresAt.Valid && time.Now().After(expiresAt.Time) {
		_ = s.Del(ctx, key)
		return "", false, nil
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt any
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO queue_kv (key, value, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at;`,
			key, value, expiresAt)
		return err
	})
}

func (s *SQLStore) Del(ctx context.Context, key string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue_kv WHERE key = ?;`, key)
		return err
	})
}

func (s *SQLStore) Count(ctx context.Context, prefix string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_kv WHERE key LIKE ? AND (expires_at IS NULL OR expires_at > ?);`,
		prefix+"%", time.Now().UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queue kv: %w", err)
	}
	return n, nil
}

// Clear satisfies both queue.KVStore.Clear(prefix) and queue.ListStore.Clear(key):
// it removes prefix-matching queue_kv rows and exact-key queue_lists rows, the
// same dual behavior the in-memory test backing implements.
func (s *SQLStore) Clear(ctx context.Context, prefixOrKey string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_kv WHERE key LIKE ?;`, prefixOrKey+"%"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_lists WHERE key = ?;`, prefixOrKey); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// --- queue.PrioritySet: queue_scores ---

func (s *SQLStore) Add(ctx context.Context, id string, score float64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO queue_scores (id, score) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET score = excluded.score;`,
			id, score)
		return err
	})
}

func (s *SQLStore) Remove(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue_scores WHERE id = ?;`, id)
		return err
	})
}

func (s *SQLStore) PopMax(ctx context.Context) (string, float64, bool, error) {
	var id string
	var score float64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		scanErr := tx.QueryRowContext(ctx,
			`SELECT id, score FROM queue_scores ORDER BY score DESC LIMIT 1;`).Scan(&id, &score)
		if scanErr == sql.ErrNoRows {
			id = ""
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_scores WHERE id = ?;`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("pop priority set: %w", err)
	}
	if id == "" {
		return "", 0, false, nil
	}
	return id, score, true, nil
}

func (s *SQLStore) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_scores;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count priority set: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ClearSet(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM queue_scores;`)
		return err
	})
}

// --- queue.ListStore: queue_lists ---

func (s *SQLStore) Push(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO queue_lists (key, value) VALUES (?, ?);`, key, value)
		return err
	})
}

func (s *SQLStore) Len(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_lists WHERE key = ?;`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue list: %w", err)
	}
	return n, nil
}
