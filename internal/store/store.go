// Package store persists companion state in SQLite: one JSON record per user, the
// long-term recall vectors and the background task queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/keepsake/internal/companion"
)

// ErrNotFound is returned when a row addressed by id no longer exists.
var ErrNotFound = errors.New("not found")

const schemaVersion = 1

type Store struct {
	db     *sqlx.DB
	mu     sync.Mutex
	now    func() time.Time
	logger *log.Logger
}

type Option func(*Store)

// WithClock replaces time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the per-connection pragmas in force.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now, logger: log.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithPrefix("store")
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			user_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recall_vectors (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB NOT NULL,
			dim INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_vectors_user ON recall_vectors(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS background_tasks (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			user_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			next_run_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON background_tasks(next_run_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the record for id. found is false when the user has none, in which case
// a fresh default record is returned. Legacy facts are stamped and written back at once
// so their expiry window starts only once. A failed write-back is logged; the stamps
// are persisted by the next save.
func (s *Store) Load(ctx context.Context, id string) (*companion.UserMemory, bool, error) {
	mem, err := s.read(ctx, s.db, id)
	if errors.Is(err, ErrNotFound) {
		return companion.DefaultMemory(s.now()), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var migrated int
	mem.UserFacts, migrated = companion.MigrateFacts(mem.UserFacts, s.now())
	if migrated > 0 {
		if err := s.Save(ctx, id, mem); err != nil {
			s.logger.Warn("persist migrated facts", "user", id, "facts", migrated, "err", err)
		}
	}
	return mem, true, nil
}

// Save writes a truncated copy of mem; the caller's record is not modified.
func (s *Store) Save(ctx context.Context, id string, mem *companion.UserMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, s.db, id, mem)
}

// SaveState writes mem like Save, except for the facts and the significant event: those
// are taken from the stored record, re-read inside the transaction, so a merge done by
// SaveFacts since mem was loaded survives.
func (s *Store) SaveState(ctx context.Context, id string, mem *companion.UserMemory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save state: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.read(ctx, tx, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		out := mem.Clone()
		out.UserFacts, _ = companion.MigrateFacts(cur.UserFacts, s.now())
		out.ActiveContext.SignificantEvent = cur.ActiveContext.SignificantEvent
		out.ActiveContext.EventDate = cur.ActiveContext.EventDate
		mem = out
	}

	if err := s.write(ctx, tx, id, mem); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save state: %w", err)
	}
	return nil
}

// SaveFacts merges an extraction result into the stored record. The record is re-read
// inside the transaction so facts saved concurrently are not lost. It reports false,
// and writes nothing, when the user has no record.
func (s *Store) SaveFacts(ctx context.Context, id string, ex companion.Extraction) (bool, error) {
	if ex.Empty() {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin save facts: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	mem, err := s.read(ctx, tx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	mem.UserFacts = companion.MergeFacts(mem.UserFacts, ex.Facts, now)
	if ex.Event != nil {
		mem.ActiveContext.SignificantEvent = ex.Event.Name
		mem.ActiveContext.EventDate = ex.Event.Date
	}
	if err := s.write(ctx, tx, id, mem); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit save facts: %w", err)
	}
	return true, nil
}

// Users lists the ids with a stored record.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT user_id FROM memories ORDER BY user_id`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return ids, nil
}

func (s *Store) read(ctx context.Context, q sqlx.QueryerContext, id string) (*companion.UserMemory, error) {
	var data string
	err := sqlx.GetContext(ctx, q, &data, `SELECT data FROM memories WHERE user_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load memory %q: %w", id, err)
	}

	mem := companion.DefaultMemory(s.now())
	if err := json.Unmarshal([]byte(data), mem); err != nil {
		return nil, fmt.Errorf("decode memory %q: %w", id, err)
	}
	normalize(mem)
	return mem, nil
}

func (s *Store) write(ctx context.Context, e sqlx.ExecerContext, id string, mem *companion.UserMemory) error {
	out := mem.Clone()
	out.TruncateHistory()
	if len(out.UserFacts) > companion.MaxFacts {
		out.UserFacts = out.UserFacts[len(out.UserFacts)-companion.MaxFacts:]
	}
	normalize(out)

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode memory %q: %w", id, err)
	}
	_, err = e.ExecContext(ctx, `
		INSERT INTO memories (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, id, string(data), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save memory %q: %w", id, err)
	}
	return nil
}

// normalize repairs records written by older clients: null lists and scores out of range.
func normalize(mem *companion.UserMemory) {
	if mem.History == nil {
		mem.History = []companion.Message{}
	}
	if mem.UserFacts == nil {
		mem.UserFacts = []companion.Fact{}
	}
	if mem.Inventory == nil {
		mem.Inventory = []string{}
	}
	mem.EmotionalState = mem.EmotionalState.Clamped()
	if !mem.Tier.Valid() {
		mem.Tier = companion.TierFree
	}
}
