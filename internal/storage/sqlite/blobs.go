package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracthq/tract/internal/storage"
)

// SaveBlob stores a blob unless its content hash is already present.
// Content-addressable: same payload, same hash, stored once.
func (s *SQLiteStore) SaveBlob(ctx context.Context, blob *storage.BlobRow) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs (content_hash, payload)
		VALUES (?, ?)
	`, blob.ContentHash, blob.Payload)
	if err != nil {
		return fmt.Errorf("failed to save blob: %w", err)
	}
	return nil
}

// GetBlob fetches a blob by content hash. Returns nil, nil on a miss.
func (s *SQLiteStore) GetBlob(ctx context.Context, contentHash string) (*storage.BlobRow, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT content_hash, payload FROM blobs WHERE content_hash = ?
	`, contentHash)

	var blob storage.BlobRow
	if err := row.Scan(&blob.ContentHash, &blob.Payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return &blob, nil
}
