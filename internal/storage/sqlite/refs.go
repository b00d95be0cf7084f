package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetRef returns the commit hash a ref points at, or "" if the ref
// does not exist.
func (s *SQLiteStore) GetRef(ctx context.Context, tractID, refName string) (string, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT commit_hash FROM refs WHERE tract_id = ? AND ref_name = ?
	`, tractID, refName)

	var hash string
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get ref %s: %w", refName, err)
	}
	return hash, nil
}

// SetRef creates or moves a ref.
func (s *SQLiteStore) SetRef(ctx context.Context, tractID, refName, commitHash string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO refs (tract_id, ref_name, commit_hash)
		VALUES (?, ?, ?)
		ON CONFLICT(tract_id, ref_name) DO UPDATE SET commit_hash = excluded.commit_hash
	`, tractID, refName, commitHash)
	if err != nil {
		return fmt.Errorf("failed to set ref %s: %w", refName, err)
	}
	return nil
}

// DeleteRef removes a ref. Deleting a missing ref is a no-op.
func (s *SQLiteStore) DeleteRef(ctx context.Context, tractID, refName string) error {
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM refs WHERE tract_id = ? AND ref_name = ?
	`, tractID, refName)
	if err != nil {
		return fmt.Errorf("failed to delete ref %s: %w", refName, err)
	}
	return nil
}

// ListRefs returns refName -> commitHash for refs with the given
// name prefix ("" lists all refs of the tract).
func (s *SQLiteStore) ListRefs(ctx context.Context, tractID, prefix string) (map[string]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ref_name, commit_hash FROM refs
		WHERE tract_id = ? AND substr(ref_name, 1, ?) = ?
		ORDER BY ref_name
	`, tractID, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, err
		}
		out[name] = hash
	}
	return out, rows.Err()
}
