package sqlite

const schema = `
-- Blobs table (content-addressed, append-only)
CREATE TABLE IF NOT EXISTS blobs (
    content_hash TEXT PRIMARY KEY,
    payload TEXT NOT NULL
);

-- Commits table (append-only DAG nodes)
CREATE TABLE IF NOT EXISTS commits (
    commit_hash TEXT PRIMARY KEY,
    tract_id TEXT NOT NULL,
    parent_hash TEXT,
    content_hash TEXT NOT NULL,
    content_type TEXT NOT NULL,
    operation TEXT NOT NULL CHECK(operation IN ('append', 'edit')),
    response_to TEXT,
    message TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    generation_config TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (content_hash) REFERENCES blobs(content_hash)
);

CREATE INDEX IF NOT EXISTS idx_commits_tract_created ON commits(tract_id, created_at);
CREATE INDEX IF NOT EXISTS idx_commits_parent ON commits(parent_hash);
CREATE INDEX IF NOT EXISTS idx_commits_response_to ON commits(response_to);

-- Extra parents for merge commits (parent_hash on the commit row is
-- parent 0; rows here start at parent_index 1)
CREATE TABLE IF NOT EXISTS commit_parents (
    commit_hash TEXT NOT NULL,
    parent_hash TEXT NOT NULL,
    parent_index INTEGER NOT NULL,
    PRIMARY KEY (commit_hash, parent_index),
    FOREIGN KEY (commit_hash) REFERENCES commits(commit_hash)
);

CREATE INDEX IF NOT EXISTS idx_commit_parents_parent ON commit_parents(parent_hash);

-- Refs table (mutable rows, alongside the meta key/value rows)
CREATE TABLE IF NOT EXISTS refs (
    tract_id TEXT NOT NULL,
    ref_name TEXT NOT NULL,
    commit_hash TEXT NOT NULL,
    PRIMARY KEY (tract_id, ref_name)
);

-- Annotations table (append-only; latest created_at wins)
CREATE TABLE IF NOT EXISTS annotations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    tract_id TEXT NOT NULL,
    target_hash TEXT NOT NULL,
    priority TEXT NOT NULL CHECK(priority IN ('skip', 'normal', 'important', 'pinned')),
    reason TEXT,
    retention TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotations_target ON annotations(target_hash, created_at);

-- Tract bookkeeping (one row per DAG)
CREATE TABLE IF NOT EXISTS tracts (
    tract_id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

-- Spawn pointers (parent DAG -> child DAG inheritance records)
CREATE TABLE IF NOT EXISTS spawns (
    parent_tract_id TEXT NOT NULL,
    child_tract_id TEXT NOT NULL,
    purpose TEXT NOT NULL,
    inheritance_mode TEXT NOT NULL,
    display_name TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    PRIMARY KEY (parent_tract_id, child_tract_id),
    FOREIGN KEY (parent_tract_id) REFERENCES tracts(tract_id),
    FOREIGN KEY (child_tract_id) REFERENCES tracts(tract_id)
);

CREATE INDEX IF NOT EXISTS idx_spawns_child ON spawns(child_tract_id);

-- Meta table (schema version and internal state)
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1');
`
