package tract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracthq/tract/internal/cache"
	"github.com/tracthq/tract/internal/compiler"
	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/engine"
	"github.com/tracthq/tract/internal/llm"
	"github.com/tracthq/tract/internal/merge"
	"github.com/tracthq/tract/internal/rebase"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

// Re-exported domain types: callers work with the tract package alone.
type (
	CommitInfo      = types.CommitInfo
	Operation       = types.Operation
	Priority        = types.Priority
	Annotation      = types.Annotation
	Retention       = types.Retention
	Message         = types.Message
	CompiledContext = types.CompiledContext
	StatusInfo      = types.StatusInfo
	BranchInfo      = types.BranchInfo
	TokenBudget     = types.TokenBudget
	BudgetAction    = types.BudgetAction
	SpawnInfo       = types.SpawnInfo
	Resolution      = types.Resolution

	MergeResult      = merge.Result
	ConflictInfo     = merge.ConflictInfo
	MergeResolver    = merge.Resolver
	RebaseResult     = rebase.Result
	RebaseWarning    = rebase.Warning
	CherryPickResult = rebase.CherryPickResult
	CherryPickIssue  = rebase.CherryPickIssue

	Instruction = content.Instruction
	Dialogue    = content.Dialogue
	ToolIO      = content.ToolIO
	Reasoning   = content.Reasoning
	Artifact    = content.Artifact
	Output      = content.Output
	Freeform    = content.Freeform
)

// Re-exported constants.
const (
	OpAppend = types.OpAppend
	OpEdit   = types.OpEdit

	PrioritySkip      = types.PrioritySkip
	PriorityNormal    = types.PriorityNormal
	PriorityImportant = types.PriorityImportant
	PriorityPinned    = types.PriorityPinned

	BudgetWarn         = types.BudgetWarn
	BudgetBlock        = types.BudgetBlock
	BudgetAutoCompress = types.BudgetAutoCompress

	InheritHeadSnapshot = types.InheritHeadSnapshot
	InheritFullClone    = types.InheritFullClone
)

// Tract is the facade over one DAG: commits, compilation, branches,
// merges, rebases, annotations. One caller at a time; the Session's
// file lock admits a single writer per database file.
type Tract struct {
	session  *Session
	id       string
	clock    *engine.Clock
	cache    *cache.Manager
	counter  tokens.Counter
	budget   types.TokenBudget
	registry content.Registry
	logger   *slog.Logger

	defaultComp *compiler.Compiler
	customComp  ContextCompiler
}

// ID returns the tract identifier.
func (t *Tract) ID() string { return t.id }

// CommitOptions carry the optional fields of Commit.
type CommitOptions struct {
	// Operation defaults to OpAppend.
	Operation        Operation
	Message          string
	ResponseTo       string
	Metadata         map[string]string
	GenerationConfig types.GenerationConfig

	// Priority, when set, annotates the new commit in the same
	// transaction. Retain/RetainMatch attach retention criteria.
	Priority        Priority
	Retain          string
	RetainMatch     []string
	RetainMatchMode string
}

// Commit validates and writes one commit. payload is a content
// variant (Instruction, Dialogue, ...) or a map[string]any carrying a
// content_type field, validated through the registry.
func (t *Tract) Commit(ctx context.Context, payload any, opts CommitOptions) (CommitInfo, error) {
	p, err := t.coerce(payload)
	if err != nil {
		return CommitInfo{}, err
	}
	op := opts.Operation
	if op == "" {
		op = OpAppend
	}

	var row *storage.CommitRow
	var candidate *types.CompileSnapshot
	err = t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		row, err = eng.CreateCommit(ctx, p, op, engine.CommitOptions{
			Message:          opts.Message,
			ResponseTo:       opts.ResponseTo,
			Metadata:         opts.Metadata,
			GenerationConfig: opts.GenerationConfig,
		})
		if err != nil {
			return err
		}

		candidate, err = t.buildCandidateSnapshot(ctx, tx, row)
		if err != nil {
			return err
		}
		if err := t.checkBudget(candidate, row); err != nil {
			return err
		}

		if opts.Priority != "" {
			retention := buildRetention(opts.Retain, opts.RetainMatch, opts.RetainMatchMode)
			if _, err := eng.Annotate(ctx, row.CommitHash, opts.Priority, engine.AnnotateOptions{
				Retention: retention,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return CommitInfo{}, err
	}

	// The transaction held; the snapshot computed inside it is the
	// truth for the new HEAD.
	if candidate != nil && opts.Priority != types.PrioritySkip {
		t.cache.Put(row.CommitHash, candidate)
	}
	return row.ToInfo(), nil
}

// buildCandidateSnapshot computes the snapshot at the new HEAD inside
// the commit transaction: extended from the parent snapshot when
// cached, full compile otherwise. Returns nil for custom compilers.
func (t *Tract) buildCandidateSnapshot(ctx context.Context, tx storage.Store, row *storage.CommitRow) (*types.CompileSnapshot, error) {
	if t.customComp != nil {
		return nil, nil
	}
	comp := t.defaultComp.WithStore(tx)

	if parent := t.cache.Get(row.ParentHash); parent != nil {
		switch row.Operation {
		case types.OpAppend:
			return t.cache.ExtendForAppend(ctx, comp, row, parent)
		case types.OpEdit:
			snap, err := t.cache.PatchForEdit(ctx, comp, row, parent)
			if err != nil {
				return nil, err
			}
			if snap != nil {
				return snap, nil
			}
		}
	}
	return comp.CompileSnapshot(ctx, t.id, row.CommitHash)
}

// checkBudget enforces the token ceiling against the projected
// compiled size of the new HEAD.
func (t *Tract) checkBudget(candidate *types.CompileSnapshot, row *storage.CommitRow) error {
	if t.budget.Max <= 0 {
		return nil
	}
	projected := 0
	if candidate != nil {
		projected = candidate.TokenCount
	} else {
		projected = row.TokenCount // custom compiler: best effort on raw tokens
	}
	if projected <= t.budget.Max {
		return nil
	}
	switch t.budget.Action {
	case types.BudgetBlock:
		return &types.BudgetExceededError{Projected: projected, Max: t.budget.Max}
	case types.BudgetAutoCompress:
		return &types.BudgetExceededError{Projected: projected, Max: t.budget.Max, Err: types.ErrCompressionUnavailable}
	default:
		t.logger.Warn("token budget exceeded",
			"projected", projected, "max", t.budget.Max, "commit", types.Short(row.CommitHash))
		return nil
	}
}

func (t *Tract) coerce(payload any) (content.Payload, error) {
	switch p := payload.(type) {
	case content.Payload:
		if err := p.Validate(); err != nil {
			return nil, err
		}
		return p, nil
	case map[string]any:
		return content.Validate(p, t.registry)
	default:
		return nil, &types.ContentValidationError{
			Reason: fmt.Sprintf("unsupported payload type %T", payload),
		}
	}
}

func buildRetention(retain string, match []string, mode string) *types.Retention {
	if retain == "" && len(match) == 0 {
		return nil
	}
	return &types.Retention{Instructions: retain, Patterns: match, PatternMode: mode}
}

// System commits a system instruction (role "system", PINNED default).
func (t *Tract) System(ctx context.Context, text string) (CommitInfo, error) {
	return t.Commit(ctx, Instruction{Text: text}, CommitOptions{})
}

// User commits a user dialogue turn.
func (t *Tract) User(ctx context.Context, text string) (CommitInfo, error) {
	return t.Commit(ctx, Dialogue{Role: "user", Text: text}, CommitOptions{})
}

// Assistant commits an assistant dialogue turn.
func (t *Tract) Assistant(ctx context.Context, text string) (CommitInfo, error) {
	return t.Commit(ctx, Dialogue{Role: "assistant", Text: text}, CommitOptions{})
}

// CompileOptions control Compile.
type CompileOptions struct {
	// AsOf drops commits and annotations created strictly later.
	// Mutually exclusive with UpTo.
	AsOf *time.Time
	// UpTo truncates the chain after the named commit is included.
	UpTo string
	// IncludeEditAnnotations appends "[edited]" to replaced content.
	IncludeEditAnnotations bool
	// TypeToRoleMap overrides content-type-to-role mapping.
	TypeToRoleMap map[string]string
	// AggregateSameRole concatenates consecutive same-role messages
	// with a blank line for LLM submission. The default output keeps
	// one message per effective commit (parallel to CommitHashes).
	AggregateSameRole bool
}

func (o CompileOptions) isDefault() bool {
	return o.AsOf == nil && o.UpTo == "" && !o.IncludeEditAnnotations &&
		o.TypeToRoleMap == nil && !o.AggregateSameRole
}

// Compile produces the LLM-ready message sequence for the current
// HEAD. Default-option compiles are served from the snapshot cache.
func (t *Tract) Compile(ctx context.Context, opts CompileOptions) (CompiledContext, error) {
	head, err := t.Head(ctx)
	if err != nil {
		return CompiledContext{}, err
	}
	if head == "" {
		return CompiledContext{}, nil
	}

	copts := compiler.Options{
		AsOf:                   opts.AsOf,
		UpTo:                   opts.UpTo,
		IncludeEditAnnotations: opts.IncludeEditAnnotations,
		TypeToRoleMap:          opts.TypeToRoleMap,
		AggregateSameRole:      opts.AggregateSameRole,
	}

	if t.customComp != nil {
		return t.customComp.Compile(ctx, t.id, head, copts)
	}

	if opts.isDefault() {
		if snap := t.cache.Get(head); snap != nil {
			return cache.ToCompiled(snap), nil
		}
		snap, err := t.defaultComp.CompileSnapshot(ctx, t.id, head)
		if err != nil {
			return CompiledContext{}, err
		}
		t.cache.Put(head, snap)
		return cache.ToCompiled(snap), nil
	}

	return t.defaultComp.Compile(ctx, t.id, head, copts)
}

// CompileAt compiles the chain at an arbitrary ref (branch, hash,
// prefix, or "-") instead of HEAD. Never cached.
func (t *Tract) CompileAt(ctx context.Context, ref string, opts CompileOptions) (CompiledContext, error) {
	var hash string
	err := t.withEngine(ctx, func(eng *engine.Engine) error {
		var err error
		hash, _, _, err = eng.ResolveTarget(ctx, ref)
		return err
	})
	if err != nil {
		return CompiledContext{}, err
	}
	copts := compiler.Options{
		AsOf:                   opts.AsOf,
		UpTo:                   opts.UpTo,
		IncludeEditAnnotations: opts.IncludeEditAnnotations,
		TypeToRoleMap:          opts.TypeToRoleMap,
		AggregateSameRole:      opts.AggregateSameRole,
	}
	if t.customComp != nil {
		return t.customComp.Compile(ctx, t.id, hash, copts)
	}
	return t.defaultComp.Compile(ctx, t.id, hash, copts)
}

// AnnotateOptions carry the optional fields of Annotate.
type AnnotateOptions struct {
	Reason          string
	Retain          string
	RetainMatch     []string
	RetainMatchMode string
}

// Annotate appends a priority decision for a commit and patches or
// invalidates the HEAD snapshot accordingly.
func (t *Tract) Annotate(ctx context.Context, targetHash string, priority Priority, opts AnnotateOptions) (Annotation, error) {
	var ann Annotation
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		ann, err = eng.Annotate(ctx, targetHash, priority, engine.AnnotateOptions{
			Reason:    opts.Reason,
			Retention: buildRetention(opts.Retain, opts.RetainMatch, opts.RetainMatchMode),
		})
		return err
	})
	if err != nil {
		return Annotation{}, err
	}

	head, err := t.Head(ctx)
	if err != nil {
		return ann, nil
	}
	if snap := t.cache.Get(head); snap != nil {
		patched := t.cache.PatchForAnnotate(snap, targetHash, priority)
		if patched == nil {
			t.cache.Remove(head)
		} else if patched != snap {
			t.cache.Put(head, patched)
		}
	}
	return ann, nil
}

// Annotations returns the full annotation history for a commit,
// oldest first.
func (t *Tract) Annotations(ctx context.Context, targetHash string) ([]Annotation, error) {
	rows, err := t.session.store.GetAnnotationHistory(ctx, targetHash)
	if err != nil {
		return nil, err
	}
	out := make([]Annotation, len(rows))
	for i, row := range rows {
		out[i] = row.ToAnnotation()
	}
	return out, nil
}

// withEngine runs fn with an engine bound to the session store
// (read paths and single-write operations).
func (t *Tract) withEngine(ctx context.Context, fn func(eng *engine.Engine) error) error {
	eng := engine.New(t.session.store, t.counter, t.id, t.clock, t.logger)
	return fn(eng)
}

// Head returns the current HEAD hash, "" before the first commit.
func (t *Tract) Head(ctx context.Context) (string, error) {
	return t.session.store.GetRef(ctx, t.id, storage.RefHead)
}

// CurrentBranch returns the attached branch name, "" when detached.
func (t *Tract) CurrentBranch(ctx context.Context) (string, error) {
	return t.session.store.GetRef(ctx, t.id, storage.RefCurrentBranch)
}

// IsDetached reports whether HEAD is detached.
func (t *Tract) IsDetached(ctx context.Context) (bool, error) {
	var detached bool
	err := t.withEngine(ctx, func(eng *engine.Engine) error {
		var err error
		detached, err = eng.IsDetached(ctx)
		return err
	})
	return detached, err
}

// GetCommit fetches one commit by hash or unique prefix.
func (t *Tract) GetCommit(ctx context.Context, ref string) (CommitInfo, error) {
	row, err := t.session.store.GetCommit(ctx, ref)
	if err != nil {
		return CommitInfo{}, err
	}
	if row == nil {
		row, err = t.session.store.GetCommitByPrefix(ctx, t.id, ref)
		if err != nil {
			return CommitInfo{}, err
		}
	}
	return row.ToInfo(), nil
}

// Log returns commits from HEAD backward along the first-parent
// chain, newest first. opFilter of "" disables filtering.
func (t *Tract) Log(ctx context.Context, limit int, opFilter Operation) ([]CommitInfo, error) {
	var out []CommitInfo
	err := t.withEngine(ctx, func(eng *engine.Engine) error {
		var err error
		out, err = eng.Log(ctx, limit, opFilter)
		return err
	})
	return out, err
}

// Status summarizes the current position: HEAD, branch, compiled
// size, and the last three commits.
func (t *Tract) Status(ctx context.Context) (StatusInfo, error) {
	head, err := t.Head(ctx)
	if err != nil {
		return StatusInfo{}, err
	}
	if head == "" {
		return StatusInfo{}, nil
	}
	branch, err := t.CurrentBranch(ctx)
	if err != nil {
		return StatusInfo{}, err
	}
	compiled, err := t.Compile(ctx, CompileOptions{})
	if err != nil {
		return StatusInfo{}, err
	}
	recent, err := t.Log(ctx, 3, "")
	if err != nil {
		return StatusInfo{}, err
	}
	return StatusInfo{
		HeadHash:       head,
		BranchName:     branch,
		IsDetached:     branch == "",
		CommitCount:    compiled.CommitCount,
		TokenCount:     compiled.TokenCount,
		TokenBudgetMax: t.budget.Max,
		TokenSource:    compiled.TokenSource,
		RecentCommits:  recent,
	}, nil
}

// Branch creates a branch at source (default HEAD); switchTo
// attaches HEAD to it.
func (t *Tract) Branch(ctx context.Context, name, source string, switchTo bool) (string, error) {
	var hash string
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		hash, err = eng.Branch(ctx, name, source, switchTo)
		return err
	})
	return hash, err
}

// SwitchBranch attaches HEAD to an existing branch.
func (t *Tract) SwitchBranch(ctx context.Context, name string) (string, error) {
	var hash string
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		hash, err = eng.Switch(ctx, name)
		return err
	})
	return hash, err
}

// Checkout moves HEAD to a branch (attached), commit hash or unique
// prefix (detached), or "-" for the previous position.
func (t *Tract) Checkout(ctx context.Context, target string) (string, error) {
	var hash string
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		hash, err = eng.Checkout(ctx, target)
		return err
	})
	return hash, err
}

// DeleteBranch removes a branch ref.
func (t *Tract) DeleteBranch(ctx context.Context, name string, force bool) error {
	return t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		return eng.DeleteBranch(ctx, name, force)
	})
}

// Reset moves the current branch ref (and HEAD) to target. Soft and
// hard behave identically; the CLI gates hard behind --force.
func (t *Tract) Reset(ctx context.Context, target string) (string, error) {
	var hash string
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		hash, err = eng.Reset(ctx, target)
		return err
	})
	return hash, err
}

// ListBranches returns every branch with the current one marked.
func (t *Tract) ListBranches(ctx context.Context) ([]BranchInfo, error) {
	var out []BranchInfo
	err := t.withEngine(ctx, func(eng *engine.Engine) error {
		var err error
		out, err = eng.ListBranches(ctx)
		return err
	})
	return out, err
}

// MergeOptions configure Merge.
type MergeOptions struct {
	// NoFF forces a merge commit even when fast-forward is possible.
	NoFF bool
	// Resolver resolves conflicts inline; Semantic selects the
	// session's LLM-backed resolver.
	Resolver MergeResolver
	Semantic bool
}

// Merge merges sourceBranch into the current branch. Returns
// types.ErrNothingToMerge if already up to date. Conflicted merges
// come back uncommitted for review; finish with CommitMerge.
func (t *Tract) Merge(ctx context.Context, sourceBranch string, opts MergeOptions) (*MergeResult, error) {
	resolver := opts.Resolver
	if resolver == nil && opts.Semantic {
		if t.session.opts.LLM == nil {
			return nil, fmt.Errorf("semantic merge requires an LLM client")
		}
		resolver = llm.NewConflictResolver(t.session.opts.LLM)
	}

	var result *MergeResult
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		m := merge.New(eng, t.logger)
		var err error
		result, err = m.Merge(ctx, sourceBranch, merge.Options{NoFF: opts.NoFF, Resolver: resolver})
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Committed {
		t.cache.Clear()
	}
	return result, nil
}

// CommitMerge finalizes a reviewed merge result.
func (t *Tract) CommitMerge(ctx context.Context, result *MergeResult) error {
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		return merge.New(eng, t.logger).CommitMerge(ctx, result)
	})
	if err != nil {
		return err
	}
	t.cache.Clear()
	return nil
}

// AbortMerge abandons an uncommitted merge result. No DAG effect.
func (t *Tract) AbortMerge(result *MergeResult) {
	merge.New(nil, t.logger).Abort(result)
}

// RebaseOptions configure Rebase.
type RebaseOptions struct {
	Resolver rebase.WarningResolver
	Semantic bool
}

// Rebase replays the current branch onto targetBranch.
func (t *Tract) Rebase(ctx context.Context, targetBranch string, opts RebaseOptions) (*RebaseResult, error) {
	resolver := opts.Resolver
	if resolver == nil && opts.Semantic {
		if t.session.opts.LLM == nil {
			return nil, fmt.Errorf("semantic rebase requires an LLM client")
		}
		resolver = llm.NewRebaseResolver(t.session.opts.LLM)
	}

	var result *RebaseResult
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		result, err = rebase.New(eng, t.logger).Rebase(ctx, targetBranch, resolver)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.cache.Clear()
	return result, nil
}

// CherryPickOptions configure CherryPick.
type CherryPickOptions struct {
	Resolver rebase.IssueResolver
	Semantic bool
}

// CherryPick replays one commit onto the current HEAD.
func (t *Tract) CherryPick(ctx context.Context, commitHash string, opts CherryPickOptions) (*CherryPickResult, error) {
	resolver := opts.Resolver
	if resolver == nil && opts.Semantic {
		if t.session.opts.LLM == nil {
			return nil, fmt.Errorf("semantic cherry-pick requires an LLM client")
		}
		resolver = llm.NewCherryPickResolver(t.session.opts.LLM)
	}

	var result *CherryPickResult
	err := t.session.store.RunInTransaction(ctx, func(tx storage.Store) error {
		eng := engine.New(tx, t.counter, t.id, t.clock, t.logger)
		var err error
		result, err = rebase.New(eng, t.logger).CherryPick(ctx, commitHash, resolver)
		return err
	})
	if err != nil {
		return nil, err
	}
	t.cache.Clear()
	return result, nil
}

// RegisterContentType registers a custom content variant for this
// tract. A nil validator accepts any field set.
func (t *Tract) RegisterContentType(name string, validate func(fields map[string]any) error) {
	t.registry.Register(name, validate)
}

// CommitsByConfig queries commits whose generation_config matches a
// JSON path condition, e.g. ("model", "=", "claude-sonnet-4").
func (t *Tract) CommitsByConfig(ctx context.Context, jsonPath, op string, value any) ([]CommitInfo, error) {
	rows, err := t.session.store.GetCommitsByConfig(ctx, t.id, jsonPath, op, value)
	if err != nil {
		return nil, err
	}
	out := make([]CommitInfo, len(rows))
	for i, row := range rows {
		out[i] = row.ToInfo()
	}
	return out, nil
}

// Parent returns the spawn pointer that created this tract, or nil.
func (t *Tract) Parent(ctx context.Context) (*SpawnInfo, error) {
	row, err := t.session.store.GetSpawnByChild(ctx, t.id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	info := spawnInfo(row)
	return &info, nil
}

// Children returns the spawn pointers for tracts spawned from this one.
func (t *Tract) Children(ctx context.Context) ([]SpawnInfo, error) {
	rows, err := t.session.store.GetSpawnsByParent(ctx, t.id)
	if err != nil {
		return nil, err
	}
	out := make([]SpawnInfo, len(rows))
	for i, row := range rows {
		out[i] = spawnInfo(row)
	}
	return out, nil
}

func spawnInfo(row *storage.SpawnRow) SpawnInfo {
	return SpawnInfo{
		ParentTractID:   row.ParentTractID,
		ChildTractID:    row.ChildTractID,
		Purpose:         row.Purpose,
		InheritanceMode: row.InheritanceMode,
		DisplayName:     row.DisplayName,
		CreatedAt:       row.CreatedAt,
	}
}

func decodeBlob(blob *storage.BlobRow) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(blob.Payload), &raw); err != nil {
		return nil, fmt.Errorf("corrupt blob %s: %w", types.Short(blob.ContentHash), err)
	}
	return raw, nil
}
