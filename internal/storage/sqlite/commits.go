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

const commitColumns = `commit_hash, tract_id, parent_hash, content_hash, content_type,
	operation, response_to, message, token_count, metadata, generation_config, created_at`

// SaveCommit inserts a commit row. Commits are append-only; a
// duplicate hash is a bug and fails the insert.
func (s *SQLiteStore) SaveCommit(ctx context.Context, c *storage.CommitRow) error {
	metadata, err := json.Marshal(orEmpty(c.Metadata))
	if err != nil {
		return fmt.Errorf("failed to marshal commit metadata: %w", err)
	}
	var genConfig any
	if c.GenerationConfig != nil {
		buf, err := json.Marshal(c.GenerationConfig)
		if err != nil {
			return fmt.Errorf("failed to marshal generation config: %w", err)
		}
		genConfig = string(buf)
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO commits (`+commitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.CommitHash, c.TractID, nullable(c.ParentHash), c.ContentHash,
		string(c.ContentType), string(c.Operation), nullable(c.ResponseTo),
		nullable(c.Message), c.TokenCount, string(metadata), genConfig,
		formatTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save commit: %w", err)
	}
	return nil
}

// GetCommit fetches a commit by hash. Returns nil, nil on a miss.
func (s *SQLiteStore) GetCommit(ctx context.Context, commitHash string) (*storage.CommitRow, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+commitColumns+` FROM commits WHERE commit_hash = ?
	`, commitHash)
	c, err := scanCommit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// GetCommitByPrefix resolves a unique hash prefix within one tract.
func (s *SQLiteStore) GetCommitByPrefix(ctx context.Context, tractID, prefix string) (*storage.CommitRow, error) {
	if len(prefix) < 4 {
		return nil, &types.CommitNotFoundError{Ref: prefix}
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE tract_id = ? AND commit_hash LIKE ? LIMIT 2
	`, tractID, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query commits by prefix: %w", err)
	}
	defer rows.Close()

	matches, err := scanCommits(rows)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &types.CommitNotFoundError{Ref: prefix}
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous commit prefix: %s", prefix)
	}
}

// GetAncestors walks the primary parent chain from commitHash to the
// root, newest first. limit <= 0 means unlimited.
func (s *SQLiteStore) GetAncestors(ctx context.Context, commitHash string, limit int) ([]*storage.CommitRow, error) {
	var ancestors []*storage.CommitRow
	current := commitHash
	for current != "" {
		if limit > 0 && len(ancestors) >= limit {
			break
		}
		c, err := s.GetCommit(ctx, current)
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}
		ancestors = append(ancestors, c)
		current = c.ParentHash
	}
	return ancestors, nil
}

// GetChildren returns the commits whose primary parent is commitHash.
func (s *SQLiteStore) GetChildren(ctx context.Context, commitHash string) ([]*storage.CommitRow, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE parent_hash = ? ORDER BY created_at
	`, commitHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query children: %w", err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

// GetCommitsByType returns all commits of one content type in a
// tract, oldest first.
func (s *SQLiteStore) GetCommitsByType(ctx context.Context, tractID string, contentType types.ContentType) ([]*storage.CommitRow, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE tract_id = ? AND content_type = ? ORDER BY created_at
	`, tractID, string(contentType))
	if err != nil {
		return nil, fmt.Errorf("failed to query commits by type: %w", err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

var configOps = map[string]string{
	"=": "=", "!=": "!=", ">": ">", "<": "<", ">=": ">=", "<=": "<=",
}

// GetCommitsByConfig filters commits on a generation_config JSON path.
func (s *SQLiteStore) GetCommitsByConfig(ctx context.Context, tractID, jsonPath, op string, value any) ([]*storage.CommitRow, error) {
	sqlOp, ok := configOps[op]
	if !ok {
		return nil, fmt.Errorf("unsupported operator: %s", op)
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+commitColumns+` FROM commits
		WHERE tract_id = ?
		  AND generation_config IS NOT NULL
		  AND json_extract(generation_config, '$.'||?) `+sqlOp+` ?
		ORDER BY created_at
	`, tractID, jsonPath, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits by config: %w", err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

// AddCommitParent records an extra parent edge for a merge commit.
func (s *SQLiteStore) AddCommitParent(ctx context.Context, commitHash, parentHash string, parentIndex int) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO commit_parents (commit_hash, parent_hash, parent_index)
		VALUES (?, ?, ?)
	`, commitHash, parentHash, parentIndex)
	if err != nil {
		return fmt.Errorf("failed to add commit parent: %w", err)
	}
	return nil
}

// GetCommitParents returns the extra (non-primary) parents of a
// commit in index order. Empty for non-merge commits.
func (s *SQLiteStore) GetCommitParents(ctx context.Context, commitHash string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT parent_hash FROM commit_parents
		WHERE commit_hash = ? ORDER BY parent_index
	`, commitHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query commit parents: %w", err)
	}
	defer rows.Close()

	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	return parents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommit(row rowScanner) (*storage.CommitRow, error) {
	var c storage.CommitRow
	var parentHash, responseTo, message, genConfig sql.NullString
	var contentType, operation, metadata, createdAt string

	err := row.Scan(
		&c.CommitHash, &c.TractID, &parentHash, &c.ContentHash, &contentType,
		&operation, &responseTo, &message, &c.TokenCount, &metadata,
		&genConfig, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	c.ParentHash = parentHash.String
	c.ResponseTo = responseTo.String
	c.Message = message.String
	c.ContentType = contentType
	c.Operation = types.Operation(operation)

	if err := json.Unmarshal([]byte(metadata), &c.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commit metadata: %w", err)
	}
	if len(c.Metadata) == 0 {
		c.Metadata = nil
	}
	if genConfig.Valid {
		if err := json.Unmarshal([]byte(genConfig.String), &c.GenerationConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal generation config: %w", err)
		}
	}
	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCommits(rows *sql.Rows) ([]*storage.CommitRow, error) {
	var out []*storage.CommitRow
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
