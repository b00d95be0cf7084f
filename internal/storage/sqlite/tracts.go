package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/types"
)

// CreateTract inserts the bookkeeping row for a new DAG.
func (s *SQLiteStore) CreateTract(ctx context.Context, rec *types.TractRecord) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tracts (tract_id, display_name, created_at)
		VALUES (?, ?, ?)
	`, rec.TractID, rec.DisplayName, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create tract: %w", err)
	}
	return nil
}

// GetTract fetches one tract record. Returns nil, nil on a miss.
func (s *SQLiteStore) GetTract(ctx context.Context, tractID string) (*types.TractRecord, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT tract_id, display_name, created_at FROM tracts WHERE tract_id = ?
	`, tractID)

	rec, err := scanTract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// ListTracts returns every tract in the store, oldest first.
func (s *SQLiteStore) ListTracts(ctx context.Context) ([]*types.TractRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT tract_id, display_name, created_at FROM tracts ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracts: %w", err)
	}
	defer rows.Close()

	var out []*types.TractRecord
	for rows.Next() {
		rec, err := scanTract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanTract(row rowScanner) (*types.TractRecord, error) {
	var rec types.TractRecord
	var createdAt string
	if err := row.Scan(&rec.TractID, &rec.DisplayName, &createdAt); err != nil {
		return nil, err
	}
	var err error
	rec.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveSpawn records a parent/child inheritance pointer.
func (s *SQLiteStore) SaveSpawn(ctx context.Context, row *storage.SpawnRow) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO spawns (parent_tract_id, child_tract_id, purpose, inheritance_mode, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.ParentTractID, row.ChildTractID, row.Purpose, row.InheritanceMode, row.DisplayName, formatTime(row.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save spawn pointer: %w", err)
	}
	return nil
}

// GetSpawnsByParent lists the spawn pointers for a parent tract,
// oldest first.
func (s *SQLiteStore) GetSpawnsByParent(ctx context.Context, parentTractID string) ([]*storage.SpawnRow, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT parent_tract_id, child_tract_id, purpose, inheritance_mode, display_name, created_at
		FROM spawns WHERE parent_tract_id = ? ORDER BY created_at
	`, parentTractID)
	if err != nil {
		return nil, fmt.Errorf("failed to query spawns: %w", err)
	}
	defer rows.Close()

	var out []*storage.SpawnRow
	for rows.Next() {
		r, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSpawnByChild returns the pointer that created a child tract, or
// nil if the tract was not spawned.
func (s *SQLiteStore) GetSpawnByChild(ctx context.Context, childTractID string) (*storage.SpawnRow, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT parent_tract_id, child_tract_id, purpose, inheritance_mode, display_name, created_at
		FROM spawns WHERE child_tract_id = ?
	`, childTractID)

	r, err := scanSpawn(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func scanSpawn(row rowScanner) (*storage.SpawnRow, error) {
	var r storage.SpawnRow
	var createdAt string
	if err := row.Scan(&r.ParentTractID, &r.ChildTractID, &r.Purpose, &r.InheritanceMode, &r.DisplayName, &createdAt); err != nil {
		return nil, err
	}
	var err error
	r.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetMeta stores an internal key/value pair.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// GetMeta reads an internal key. Returns "" if absent.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, error) {
	row := s.q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}
