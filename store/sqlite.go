package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lp-hedge-bot/position"

	_ "github.com/glebarez/go-sqlite"
)

const positionKey = "position_id"

// SQLiteStore keeps the current id in a metadata KV table and appends every
// saved id to position_history.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database with WAL enabled.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (position.ID, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", positionKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read position id: %w", err)
	}
	id, err := position.ParseID(value)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return id, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id position.ID) error {
	if id == 0 {
		return fmt.Errorf("%w: zero", position.ErrInvalidID)
	}
	ts := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at",
		positionKey, id.String(), ts,
	); err != nil {
		return fmt.Errorf("failed to upsert position id: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO position_history (position_id, saved_at) VALUES (?, ?)",
		id.String(), ts,
	); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return tx.Commit()
}

// History returns every saved id, oldest first.
func (s *SQLiteStore) History(ctx context.Context) ([]position.ID, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT position_id FROM position_history ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var ids []position.ID
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		id, err := position.ParseID(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
