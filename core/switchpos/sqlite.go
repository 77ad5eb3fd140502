package switchpos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	coreerrors "github.com/davidahmann/tapcheck/core/errors"
)

const createPositionsTable = `
CREATE TABLE IF NOT EXISTS switch_positions (
	asset_id TEXT NOT NULL,
	label TEXT NOT NULL,
	position TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (asset_id, label)
);
`

// SQLiteStore persists positions across runs and processes.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("switch position store path is required")
	}
	if trimmedPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(trimmedPath), 0o750); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("open switch position store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createPositionsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize switch position store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, assetID string, label string) (Position, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM switch_positions WHERE asset_id = ? AND label = ?`,
		assetID, label,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, coreerrors.Newf(coreerrors.CategoryIOFailure, "query switch position: %w", err)
	}
	position, ok := Parse(raw)
	if !ok {
		return "", false, nil
	}
	return position, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, assetID string, label string, position Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO switch_positions (asset_id, label, position) VALUES (?, ?, ?)
		 ON CONFLICT(asset_id, label) DO UPDATE SET position = excluded.position, updated_at = CURRENT_TIMESTAMP`,
		assetID, label, string(position),
	)
	if err != nil {
		return coreerrors.Newf(coreerrors.CategoryIOFailure, "upsert switch position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
