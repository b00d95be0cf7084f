// Package tract is git-like version control for LLM conversation
// context: every addition or change is a content-addressed commit on
// a DAG of revisions, with branches, merges, rebases, annotations,
// and time-travel compilation into LLM-ready messages.
//
// A Session owns one database and any number of tracts (independent
// DAGs). Typical use:
//
//	session, err := tract.Open("context.db", tract.Options{})
//	defer session.Close()
//	t, err := session.CreateTract(ctx, "support-chat")
//	t.System(ctx, "You are helpful.")
//	t.User(ctx, "Hi")
//	compiled, err := t.Compile(ctx, tract.CompileOptions{})
package tract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/tracthq/tract/internal/cache"
	"github.com/tracthq/tract/internal/compiler"
	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/engine"
	"github.com/tracthq/tract/internal/llm"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/storage/sqlite"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = sqlite.MemoryPath

// ContextCompiler is the pluggable compile strategy. The built-in
// compiler supports incremental snapshot caching; custom
// implementations always trigger full recompiles.
type ContextCompiler interface {
	Compile(ctx context.Context, tractID, headHash string, opts compiler.Options) (types.CompiledContext, error)
}

// Options configure a Session.
type Options struct {
	// CacheSize bounds the per-tract snapshot cache (default 16).
	CacheSize int
	// TokenBudget applies to every tract opened by this session.
	TokenBudget types.TokenBudget
	// Counter overrides the token counter (default: tiktoken
	// cl100k_base, falling back to a heuristic).
	Counter tokens.Counter
	// Compiler replaces the built-in context compiler.
	Compiler ContextCompiler
	// LLM backs semantic merge/rebase resolution and collapse
	// summarization. Optional.
	LLM llm.Client
	// Logger receives structured debug logging. Defaults to a
	// discard logger.
	Logger *slog.Logger
	// NoLock skips the single-writer file lock (tests).
	NoLock bool
}

// Session owns one store and its open tracts.
type Session struct {
	store   *sqlite.SQLiteStore
	lock    *flock.Flock
	counter tokens.Counter
	logger  *slog.Logger
	opts    Options
	closed  bool
}

// Open opens (or creates) a tract database. The session takes a
// file lock next to the database: the store assumes one writer.
func Open(path string, opts Options) (*Session, error) {
	if path == "" {
		path = MemoryPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var lock *flock.Flock
	if path != MemoryPath && !opts.NoLock {
		lock = flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire database lock: %w", err)
		}
		if !locked {
			return nil, fmt.Errorf("database is locked by another process: %s", path)
		}
	}

	store, err := sqlite.New(context.Background(), path)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}

	counter := opts.Counter
	if counter == nil {
		counter = tokens.Default()
	}

	return &Session{
		store:   store,
		lock:    lock,
		counter: counter,
		logger:  logger,
		opts:    opts,
	}, nil
}

// Close closes the store and releases the writer lock.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.store.Close()
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
	return err
}

// Path returns the database path.
func (s *Session) Path() string { return s.store.Path() }

// CreateTract creates a new DAG and returns its handle.
func (s *Session) CreateTract(ctx context.Context, displayName string) (*Tract, error) {
	id := uuid.NewString()
	rec := &types.TractRecord{
		TractID:     id,
		DisplayName: displayName,
		CreatedAt:   types.NormalizeTime(time.Now()),
	}
	if err := s.store.CreateTract(ctx, rec); err != nil {
		return nil, err
	}
	return s.newTract(id)
}

// OpenTract opens an existing DAG by id.
func (s *Session) OpenTract(ctx context.Context, tractID string) (*Tract, error) {
	rec, err := s.store.GetTract(ctx, tractID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("tract not found: %s", tractID)
	}
	return s.newTract(tractID)
}

// OpenOrCreateTract opens tractID if it exists, creating it otherwise.
// Useful for CLI sessions keyed by a stable id.
func (s *Session) OpenOrCreateTract(ctx context.Context, tractID, displayName string) (*Tract, error) {
	rec, err := s.store.GetTract(ctx, tractID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &types.TractRecord{
			TractID:     tractID,
			DisplayName: displayName,
			CreatedAt:   types.NormalizeTime(time.Now()),
		}
		if err := s.store.CreateTract(ctx, rec); err != nil {
			return nil, err
		}
	}
	return s.newTract(tractID)
}

// ListTracts returns every tract record in the store.
func (s *Session) ListTracts(ctx context.Context) ([]*types.TractRecord, error) {
	return s.store.ListTracts(ctx)
}

func (s *Session) newTract(id string) (*Tract, error) {
	custom := s.opts.Compiler != nil
	manager, err := cache.New(s.opts.CacheSize, s.counter, custom, s.logger)
	if err != nil {
		return nil, err
	}

	t := &Tract{
		session:  s,
		id:       id,
		clock:    &engine.Clock{},
		cache:    manager,
		counter:  s.counter,
		budget:   s.opts.TokenBudget,
		registry: content.Registry{},
		logger:   s.logger,
	}
	t.defaultComp = compiler.New(s.store, s.counter, nil, s.logger)
	if custom {
		t.customComp = s.opts.Compiler
	}
	return t, nil
}

// SpawnOptions configure Session.Spawn.
type SpawnOptions struct {
	// Inheritance is InheritHeadSnapshot (default) or InheritFullClone.
	Inheritance string
	DisplayName string
}

// Spawn creates a child tract inherited from parent. The parent
// records a spawn commit and a spawn pointer; the child starts with
// the inherited context.
func (s *Session) Spawn(ctx context.Context, parent *Tract, purpose string, opts SpawnOptions) (*Tract, error) {
	if purpose == "" {
		return nil, fmt.Errorf("spawn requires a purpose")
	}
	mode := opts.Inheritance
	if mode == "" {
		mode = types.InheritHeadSnapshot
	}
	if mode != types.InheritHeadSnapshot && mode != types.InheritFullClone {
		return nil, fmt.Errorf("unsupported inheritance mode: %s", mode)
	}

	child, err := s.CreateTract(ctx, opts.DisplayName)
	if err != nil {
		return nil, err
	}

	switch mode {
	case types.InheritHeadSnapshot:
		if err := s.inheritSnapshot(ctx, parent, child, purpose); err != nil {
			return nil, err
		}
	case types.InheritFullClone:
		if err := s.inheritFullClone(ctx, parent, child); err != nil {
			return nil, err
		}
	}

	// Record the spawn in the parent: one commit plus the pointer row.
	err = s.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, s.counter, parent.id, parent.clock, s.logger)
		if _, err := eng.CreateCommit(ctx, content.Freeform{Payload: map[string]any{
			"event":          "spawn",
			"purpose":        purpose,
			"child_tract_id": child.id,
		}}, types.OpAppend, engine.CommitOptions{
			Message: "spawn: " + purpose,
		}); err != nil {
			return err
		}
		return tx.SaveSpawn(ctx, &storage.SpawnRow{
			ParentTractID:   parent.id,
			ChildTractID:    child.id,
			Purpose:         purpose,
			InheritanceMode: mode,
			DisplayName:     opts.DisplayName,
			CreatedAt:       types.NormalizeTime(time.Now()),
		})
	})
	if err != nil {
		return nil, err
	}
	parent.cache.Clear()
	return child, nil
}

// inheritSnapshot gives the child a single instruction commit holding
// the parent's compiled context.
func (s *Session) inheritSnapshot(ctx context.Context, parent, child *Tract, purpose string) error {
	compiled, err := parent.Compile(ctx, CompileOptions{})
	if err != nil {
		return err
	}
	if len(compiled.Messages) == 0 {
		return nil // empty parent, child starts empty too
	}
	lines := make([]string, len(compiled.Messages))
	for i, m := range compiled.Messages {
		lines[i] = fmt.Sprintf("[%s] %s", m.Role, m.Content)
	}
	return s.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, s.counter, child.id, child.clock, s.logger)
		_, err := eng.CreateCommit(ctx, content.Instruction{Text: strings.Join(lines, "\n\n")},
			types.OpAppend, engine.CommitOptions{
				Message: "inherited: " + purpose,
				Metadata: map[string]string{
					"parent_tract_id": parent.id,
					"inheritance":     types.InheritHeadSnapshot,
				},
			})
		return err
	})
}

// inheritFullClone replays every parent commit into the child with
// new hashes, remapping EDIT targets and copying annotations.
func (s *Session) inheritFullClone(ctx context.Context, parent, child *Tract) error {
	parentHead, err := parent.Head(ctx)
	if err != nil {
		return err
	}
	if parentHead == "" {
		return nil
	}
	ancestors, err := s.store.GetAncestors(ctx, parentHead, 0)
	if err != nil {
		return err
	}

	return s.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, s.counter, child.id, child.clock, s.logger)
		hashMap := make(map[string]string, len(ancestors))

		// Root-first replay.
		for i := len(ancestors) - 1; i >= 0; i-- {
			original := ancestors[i]
			blob, err := tx.GetBlob(ctx, original.ContentHash)
			if err != nil {
				return err
			}
			if blob == nil {
				return &types.BlobNotFoundError{ContentHash: original.ContentHash}
			}
			payload, err := payloadFromBlob(blob)
			if err != nil {
				return err
			}

			responseTo := ""
			if original.Operation == types.OpEdit {
				responseTo = hashMap[original.ResponseTo]
				if responseTo == "" {
					responseTo = original.ResponseTo
				}
			}
			newRow, err := eng.CreateCommit(ctx, payload, original.Operation, engine.CommitOptions{
				Message:          original.Message,
				ResponseTo:       responseTo,
				Metadata:         original.Metadata,
				GenerationConfig: original.GenerationConfig,
			})
			if err != nil {
				return err
			}
			hashMap[original.CommitHash] = newRow.CommitHash

			// Carry the annotation history across, latest state last.
			history, err := tx.GetAnnotationHistory(ctx, original.CommitHash)
			if err != nil {
				return err
			}
			for _, ann := range history {
				if _, err := eng.Annotate(ctx, newRow.CommitHash, ann.Priority, engine.AnnotateOptions{
					Reason:    ann.Reason,
					Retention: ann.Retention,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// CollapseOptions configure Session.Collapse.
type CollapseOptions struct {
	// Content is the manual summary. When empty the session's LLM
	// client summarizes the child's compiled context.
	Content string
	// NoCommit computes the summary without writing it to the parent.
	NoCommit bool
	Metadata map[string]string
}

// CollapseResult describes a collapse.
type CollapseResult struct {
	Summary       string            `json:"summary"`
	ParentCommit  *types.CommitInfo `json:"parent_commit,omitempty"`
	ChildTractID  string            `json:"child_tract_id"`
	ParentTractID string            `json:"parent_tract_id"`
}

// Collapse writes a summary of a spawned child tract back to its
// parent as a new commit. The child is left intact.
func (s *Session) Collapse(ctx context.Context, child *Tract, opts CollapseOptions) (*CollapseResult, error) {
	spawn, err := s.store.GetSpawnByChild(ctx, child.id)
	if err != nil {
		return nil, err
	}
	if spawn == nil {
		return nil, fmt.Errorf("tract %s was not spawned; nothing to collapse into", child.id)
	}

	summary := opts.Content
	if summary == "" {
		if s.opts.LLM == nil {
			return nil, fmt.Errorf("collapse requires content or an LLM client")
		}
		compiled, err := child.Compile(ctx, CompileOptions{})
		if err != nil {
			return nil, err
		}
		summary, err = llm.Summarize(ctx, s.opts.LLM, spawn.Purpose, compiled.Messages)
		if err != nil {
			return nil, err
		}
	}

	result := &CollapseResult{
		Summary:       summary,
		ChildTractID:  child.id,
		ParentTractID: spawn.ParentTractID,
	}
	if opts.NoCommit {
		return result, nil
	}

	parent, err := s.OpenTract(ctx, spawn.ParentTractID)
	if err != nil {
		return nil, err
	}
	metadata := map[string]string{
		"event":          "collapse",
		"child_tract_id": child.id,
	}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	var row *storage.CommitRow
	err = s.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, s.counter, parent.id, parent.clock, s.logger)
		var err error
		row, err = eng.CreateCommit(ctx, content.Output{Text: summary}, types.OpAppend, engine.CommitOptions{
			Message:  "collapse: " + spawn.Purpose,
			Metadata: metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	info := row.ToInfo()
	result.ParentCommit = &info
	return result, nil
}

func payloadFromBlob(blob *storage.BlobRow) (content.Payload, error) {
	raw, err := decodeBlob(blob)
	if err != nil {
		return nil, err
	}
	return content.FromRaw(raw)
}
