package sqlite

import (
	"context"
	"fmt"
)

// migration is one idempotent schema change, run in order at open.
type migration struct {
	name string
	fn   func(ctx context.Context, s *SQLiteStore) error
}

var migrationsList = []migration{
	{"annotation_retention_column", migrateAnnotationRetention},
	{"commit_generation_config_column", migrateGenerationConfig},
	{"spawns_table", migrateSpawnsTable},
}

func (s *SQLiteStore) runMigrations(ctx context.Context) error {
	for _, m := range migrationsList {
		applied, err := s.migrationApplied(ctx, m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := m.fn(ctx, s); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if err := s.SetMeta(ctx, "migration:"+m.name, "done"); err != nil {
			return fmt.Errorf("migration %s bookkeeping failed: %w", m.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrationApplied(ctx context.Context, name string) (bool, error) {
	v, err := s.GetMeta(ctx, "migration:"+name)
	if err != nil {
		return false, err
	}
	return v == "done", nil
}

func columnExists(ctx context.Context, s *SQLiteStore, table, column string) (bool, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrateAnnotationRetention adds the retention JSON column for
// databases created before retention criteria existed.
func migrateAnnotationRetention(ctx context.Context, s *SQLiteStore) error {
	exists, err := columnExists(ctx, s, "annotations", "retention")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.q.ExecContext(ctx, `ALTER TABLE annotations ADD COLUMN retention TEXT`)
	return err
}

// migrateGenerationConfig adds generation_config for pre-capture rows.
func migrateGenerationConfig(ctx context.Context, s *SQLiteStore) error {
	exists, err := columnExists(ctx, s, "commits", "generation_config")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = s.q.ExecContext(ctx, `ALTER TABLE commits ADD COLUMN generation_config TEXT`)
	return err
}

// migrateSpawnsTable backfills the spawns table for older stores.
func migrateSpawnsTable(ctx context.Context, s *SQLiteStore) error {
	_, err := s.q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS spawns (
			parent_tract_id TEXT NOT NULL,
			child_tract_id TEXT NOT NULL,
			purpose TEXT NOT NULL,
			inheritance_mode TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (parent_tract_id, child_tract_id)
		)`)
	return err
}
