package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/types"
)

const annotationColumns = `id, tract_id, target_hash, priority, reason, retention, created_at`

// SaveAnnotation appends an annotation row and fills in its ID.
func (s *SQLiteStore) SaveAnnotation(ctx context.Context, a *storage.AnnotationRow) error {
	var retention any
	if a.Retention != nil {
		buf, err := json.Marshal(a.Retention)
		if err != nil {
			return fmt.Errorf("failed to marshal retention: %w", err)
		}
		retention = string(buf)
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO annotations (tract_id, target_hash, priority, reason, retention, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.TractID, a.TargetHash, string(a.Priority), nullable(a.Reason), retention, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save annotation: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

// GetLatestAnnotation returns the most recent annotation for a
// target, or nil if the target has never been annotated.
func (s *SQLiteStore) GetLatestAnnotation(ctx context.Context, targetHash string) (*storage.AnnotationRow, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+annotationColumns+` FROM annotations
		WHERE target_hash = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, targetHash)
	a, err := scanAnnotation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// GetAnnotationHistory returns all annotations for a target in
// chronological order.
func (s *SQLiteStore) GetAnnotationHistory(ctx context.Context, targetHash string) ([]*storage.AnnotationRow, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+annotationColumns+` FROM annotations
		WHERE target_hash = ?
		ORDER BY created_at ASC, id ASC
	`, targetHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query annotation history: %w", err)
	}
	defer rows.Close()
	return scanAnnotations(rows)
}

// GetLatestAnnotations returns the latest annotation per target in a
// single query. Targets with no annotations are omitted.
func (s *SQLiteStore) GetLatestAnnotations(ctx context.Context, targetHashes []string) (map[string]*storage.AnnotationRow, error) {
	if len(targetHashes) == 0 {
		return map[string]*storage.AnnotationRow{}, nil
	}

	args := make([]any, len(targetHashes))
	for i, h := range targetHashes {
		args[i] = h
	}

	rows, err := s.q.QueryContext(ctx, `
		SELECT `+annotationColumns+` FROM annotations
		WHERE target_hash IN (`+placeholders(len(targetHashes))+`)
		ORDER BY created_at ASC, id ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest annotations: %w", err)
	}
	defer rows.Close()

	all, err := scanAnnotations(rows)
	if err != nil {
		return nil, err
	}
	// Rows arrive oldest first; the last write per target wins.
	out := make(map[string]*storage.AnnotationRow)
	for _, a := range all {
		out[a.TargetHash] = a
	}
	return out, nil
}

func scanAnnotation(row rowScanner) (*storage.AnnotationRow, error) {
	var a storage.AnnotationRow
	var priority, createdAt string
	var reason, retention sql.NullString

	if err := row.Scan(&a.ID, &a.TractID, &a.TargetHash, &priority, &reason, &retention, &createdAt); err != nil {
		return nil, err
	}
	a.Priority = types.Priority(priority)
	a.Reason = reason.String
	if retention.Valid {
		var r types.Retention
		if err := json.Unmarshal([]byte(retention.String), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retention: %w", err)
		}
		a.Retention = &r
	}
	var err error
	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAnnotations(rows *sql.Rows) ([]*storage.AnnotationRow, error) {
	var out []*storage.AnnotationRow
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
