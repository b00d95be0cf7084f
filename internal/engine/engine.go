// Package engine implements the commit engine: commit creation,
// branch and HEAD mutation, annotation, and history enumeration.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/dag"
	"github.com/tracthq/tract/internal/hashing"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

// Clock hands out strictly increasing microsecond timestamps so that
// commit ordering by created_at is total even for back-to-back
// commits. One Clock per open tract.
type Clock struct {
	mu   sync.Mutex
	last time.Time
}

// Now returns the current time, bumped forward by one microsecond if
// the wall clock has not advanced since the previous call.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := types.NormalizeTime(time.Now())
	if !now.After(c.last) {
		now = c.last.Add(time.Microsecond)
	}
	c.last = now
	return now
}

// Engine mutates one tract's DAG. Engines are cheap to construct and
// are typically rebuilt per transaction with the transactional store.
type Engine struct {
	store   storage.Store
	counter tokens.Counter
	tractID string
	clock   *Clock
	logger  *slog.Logger
}

// New builds an engine for one tract.
func New(store storage.Store, counter tokens.Counter, tractID string, clock *Clock, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, counter: counter, tractID: tractID, clock: clock, logger: logger}
}

// CommitOptions carries the optional fields of CreateCommit.
type CommitOptions struct {
	Message          string
	ResponseTo       string
	Metadata         map[string]string
	GenerationConfig types.GenerationConfig
	// AllowDetached permits non-EDIT commits while HEAD is detached.
	// Only the rebase package's replay paths (rebase and cherry-pick)
	// set this.
	AllowDetached bool
}

// CreateCommit validates and writes one commit: blob (dedup), commit
// row, branch ref, HEAD. Returns the stored row.
func (e *Engine) CreateCommit(ctx context.Context, payload content.Payload, op types.Operation, opts CommitOptions) (*storage.CommitRow, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation: %s", op)
	}

	fields, err := content.Marshal(payload)
	if err != nil {
		return nil, err
	}
	canonical, err := hashing.Canonicalize(fields)
	if err != nil {
		return nil, err
	}
	contentHash := hashing.ContentHash(canonical)

	head, err := e.store.GetRef(ctx, e.tractID, storage.RefHead)
	if err != nil {
		return nil, err
	}
	branch, err := e.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	if head != "" && branch == "" && op != types.OpEdit && !opts.AllowDetached {
		return nil, fmt.Errorf("%w: cannot commit; checkout a branch first", types.ErrDetachedHead)
	}

	switch op {
	case types.OpEdit:
		if opts.ResponseTo == "" {
			return nil, &types.EditTargetError{Reason: "edit requires a target commit"}
		}
		onChain, err := e.onPrimaryChain(ctx, head, opts.ResponseTo)
		if err != nil {
			return nil, err
		}
		if !onChain {
			return nil, &types.EditTargetError{TargetHash: opts.ResponseTo}
		}
	case types.OpAppend:
		if opts.ResponseTo != "" {
			return nil, fmt.Errorf("response_to is only valid for edit commits")
		}
	}

	if err := e.store.SaveBlob(ctx, &storage.BlobRow{ContentHash: contentHash, Payload: string(canonical)}); err != nil {
		return nil, err
	}

	createdAt := e.clock.Now()
	commitHash, err := hashing.CommitHash(e.tractID, head, contentHash, op, opts.ResponseTo, opts.Message, createdAt)
	if err != nil {
		return nil, err
	}

	text := content.ExtractText(string(payload.ContentType()), fields)
	row := &storage.CommitRow{
		CommitHash:       commitHash,
		TractID:          e.tractID,
		ParentHash:       head,
		ContentHash:      contentHash,
		ContentType:      payload.ContentType(),
		Operation:        op,
		ResponseTo:       opts.ResponseTo,
		Message:          opts.Message,
		TokenCount:       e.counter.CountText(text),
		Metadata:         opts.Metadata,
		GenerationConfig: opts.GenerationConfig,
		CreatedAt:        createdAt,
	}
	if err := e.store.SaveCommit(ctx, row); err != nil {
		return nil, err
	}

	// The first commit of a tract creates and attaches the default
	// branch, like git init.
	if head == "" && branch == "" && !opts.AllowDetached {
		branch = "main"
		if err := e.store.SetRef(ctx, e.tractID, storage.RefCurrentBranch, branch); err != nil {
			return nil, err
		}
	}

	// EDIT commits advance the branch too: HEAD stays equal to the
	// branch tip while attached.
	if branch != "" {
		if err := e.store.SetRef(ctx, e.tractID, storage.BranchRefPrefix+branch, commitHash); err != nil {
			return nil, err
		}
	}
	if err := e.store.SetRef(ctx, e.tractID, storage.RefHead, commitHash); err != nil {
		return nil, err
	}

	e.logger.Debug("commit created",
		"commit", types.Short(commitHash), "op", string(op), "type", payload.ContentType())
	return row, nil
}

// onPrimaryChain reports whether target appears on the first-parent
// chain from head down to the root.
func (e *Engine) onPrimaryChain(ctx context.Context, head, target string) (bool, error) {
	current := head
	for current != "" {
		if current == target {
			return true, nil
		}
		commit, err := e.store.GetCommit(ctx, current)
		if err != nil {
			return false, err
		}
		if commit == nil {
			return false, nil
		}
		current = commit.ParentHash
	}
	return false, nil
}

// AnnotateOptions carries the optional fields of Annotate.
type AnnotateOptions struct {
	Reason    string
	Retention *types.Retention
}

// Annotate appends a priority decision for a target commit.
func (e *Engine) Annotate(ctx context.Context, targetHash string, priority types.Priority, opts AnnotateOptions) (types.Annotation, error) {
	if !priority.Valid() {
		return types.Annotation{}, fmt.Errorf("invalid priority: %s", priority)
	}
	target, err := e.store.GetCommit(ctx, targetHash)
	if err != nil {
		return types.Annotation{}, err
	}
	if target == nil {
		return types.Annotation{}, &types.CommitNotFoundError{Ref: targetHash}
	}

	row := &storage.AnnotationRow{
		TractID:    e.tractID,
		TargetHash: targetHash,
		Priority:   priority,
		Reason:     opts.Reason,
		Retention:  opts.Retention,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.SaveAnnotation(ctx, row); err != nil {
		return types.Annotation{}, err
	}
	return row.ToAnnotation(), nil
}

// Head returns the current HEAD hash, "" if no commits yet.
func (e *Engine) Head(ctx context.Context) (string, error) {
	return e.store.GetRef(ctx, e.tractID, storage.RefHead)
}

// CurrentBranch returns the attached branch name, "" when detached.
func (e *Engine) CurrentBranch(ctx context.Context) (string, error) {
	return e.store.GetRef(ctx, e.tractID, storage.RefCurrentBranch)
}

// IsDetached reports whether HEAD points at a commit with no branch.
func (e *Engine) IsDetached(ctx context.Context) (bool, error) {
	head, err := e.Head(ctx)
	if err != nil {
		return false, err
	}
	if head == "" {
		return false, nil
	}
	branch, err := e.CurrentBranch(ctx)
	if err != nil {
		return false, err
	}
	return branch == "", nil
}

// Log returns ancestors of HEAD along the first-parent chain, newest
// first, optionally filtered by operation, capped at limit.
func (e *Engine) Log(ctx context.Context, limit int, opFilter types.Operation) ([]types.CommitInfo, error) {
	head, err := e.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return nil, nil
	}

	walkLimit := limit
	if opFilter != "" {
		walkLimit = 0 // filter first, cap after
	}
	ancestors, err := e.store.GetAncestors(ctx, head, walkLimit)
	if err != nil {
		return nil, err
	}

	var out []types.CommitInfo
	for _, row := range ancestors {
		if opFilter != "" && row.Operation != opFilter {
			continue
		}
		out = append(out, row.ToInfo())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetCommit fetches one commit as a value object.
func (e *Engine) GetCommit(ctx context.Context, commitHash string) (types.CommitInfo, error) {
	row, err := e.store.GetCommit(ctx, commitHash)
	if err != nil {
		return types.CommitInfo{}, err
	}
	if row == nil {
		return types.CommitInfo{}, &types.CommitNotFoundError{Ref: commitHash}
	}
	return row.ToInfo(), nil
}

// ---------------------------------------------------------------
// Branch and HEAD operations
// ---------------------------------------------------------------

// ValidBranchName rejects names that collide with ref syntax.
func ValidBranchName(name string) error {
	if name == "" || name == "-" {
		return fmt.Errorf("invalid branch name: %q", name)
	}
	if strings.ContainsAny(name, " \t\n/") {
		return fmt.Errorf("invalid branch name: %q", name)
	}
	return nil
}

// Branch creates a branch at source (default HEAD) and optionally
// attaches HEAD to it.
func (e *Engine) Branch(ctx context.Context, name, source string, switchTo bool) (string, error) {
	if err := ValidBranchName(name); err != nil {
		return "", err
	}
	existing, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", fmt.Errorf("branch already exists: %s", name)
	}

	target, err := e.Head(ctx)
	if err != nil {
		return "", err
	}
	if source != "" {
		target, _, _, err = e.ResolveTarget(ctx, source)
		if err != nil {
			return "", err
		}
	}
	if target == "" {
		return "", fmt.Errorf("cannot branch: no commits yet")
	}

	if err := e.store.SetRef(ctx, e.tractID, storage.BranchRefPrefix+name, target); err != nil {
		return "", err
	}
	if switchTo {
		if err := e.attach(ctx, name, target); err != nil {
			return "", err
		}
	}
	return target, nil
}

// Switch attaches HEAD to an existing branch. Unlike Checkout it
// never detaches on a commit hash.
func (e *Engine) Switch(ctx context.Context, name string) (string, error) {
	tip, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+name)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", &types.BranchNotFoundError{Name: name}
	}
	if err := e.rememberPosition(ctx); err != nil {
		return "", err
	}
	if err := e.attach(ctx, name, tip); err != nil {
		return "", err
	}
	return tip, nil
}

// Checkout moves HEAD to a branch (attached), a commit hash or unique
// prefix (detached), or "-" for the previous position.
func (e *Engine) Checkout(ctx context.Context, target string) (string, error) {
	hash, isBranch, branchName, err := e.ResolveTarget(ctx, target)
	if err != nil {
		return "", err
	}
	if err := e.rememberPosition(ctx); err != nil {
		return "", err
	}
	if isBranch {
		if err := e.attach(ctx, branchName, hash); err != nil {
			return "", err
		}
		return hash, nil
	}
	if err := e.detach(ctx, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// DeleteBranch removes a branch ref. The current branch is protected;
// without force, the branch tip must be reachable from another branch.
func (e *Engine) DeleteBranch(ctx context.Context, name string, force bool) error {
	current, err := e.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if name == current {
		return fmt.Errorf("cannot delete the current branch: %s", name)
	}
	tip, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+name)
	if err != nil {
		return err
	}
	if tip == "" {
		return &types.BranchNotFoundError{Name: name}
	}

	if !force {
		merged, err := e.mergedIntoAnotherBranch(ctx, name, tip)
		if err != nil {
			return err
		}
		if !merged {
			return fmt.Errorf("branch %s is not fully merged; use force to delete", name)
		}
	}
	return e.store.DeleteRef(ctx, e.tractID, storage.BranchRefPrefix+name)
}

func (e *Engine) mergedIntoAnotherBranch(ctx context.Context, name, tip string) (bool, error) {
	branches, err := e.store.ListRefs(ctx, e.tractID, storage.BranchRefPrefix)
	if err != nil {
		return false, err
	}
	for refName, otherTip := range branches {
		if refName == storage.BranchRefPrefix+name {
			continue
		}
		ok, err := dag.IsAncestor(ctx, e.store, tip, otherTip)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Reset moves the current branch ref (and HEAD) to target. The soft
// and hard modes behave identically; there is no working tree.
func (e *Engine) Reset(ctx context.Context, target string) (string, error) {
	branch, err := e.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if branch == "" {
		return "", fmt.Errorf("%w: cannot reset", types.ErrDetachedHead)
	}
	hash, _, _, err := e.ResolveTarget(ctx, target)
	if err != nil {
		return "", err
	}
	if err := e.rememberPosition(ctx); err != nil {
		return "", err
	}
	if err := e.store.SetRef(ctx, e.tractID, storage.BranchRefPrefix+branch, hash); err != nil {
		return "", err
	}
	if err := e.store.SetRef(ctx, e.tractID, storage.RefHead, hash); err != nil {
		return "", err
	}
	return hash, nil
}

// ListBranches returns all branches with the current one marked.
func (e *Engine) ListBranches(ctx context.Context) ([]types.BranchInfo, error) {
	refs, err := e.store.ListRefs(ctx, e.tractID, storage.BranchRefPrefix)
	if err != nil {
		return nil, err
	}
	current, err := e.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(refs))
	for refName := range refs {
		names = append(names, strings.TrimPrefix(refName, storage.BranchRefPrefix))
	}
	sort.Strings(names)

	out := make([]types.BranchInfo, 0, len(names))
	for _, name := range names {
		out = append(out, types.BranchInfo{
			Name:       name,
			CommitHash: refs[storage.BranchRefPrefix+name],
			IsCurrent:  name == current,
		})
	}
	return out, nil
}

// ResolveTarget resolves a branch name, "-", full hash, or unique
// prefix (>= 4 chars) to a commit hash.
func (e *Engine) ResolveTarget(ctx context.Context, target string) (hash string, isBranch bool, branchName string, err error) {
	if target == "" {
		return "", false, "", &types.CommitNotFoundError{Ref: target}
	}

	if target == "-" {
		prevBranch, err := e.store.GetRef(ctx, e.tractID, "PREV_BRANCH")
		if err != nil {
			return "", false, "", err
		}
		if prevBranch != "" {
			tip, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+prevBranch)
			if err != nil {
				return "", false, "", err
			}
			if tip != "" {
				return tip, true, prevBranch, nil
			}
		}
		prev, err := e.store.GetRef(ctx, e.tractID, storage.RefPrevHead)
		if err != nil {
			return "", false, "", err
		}
		if prev == "" {
			return "", false, "", fmt.Errorf("no previous position recorded")
		}
		return prev, false, "", nil
	}

	tip, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+target)
	if err != nil {
		return "", false, "", err
	}
	if tip != "" {
		return tip, true, target, nil
	}

	commit, err := e.store.GetCommit(ctx, target)
	if err != nil {
		return "", false, "", err
	}
	if commit != nil {
		return commit.CommitHash, false, "", nil
	}

	commit, err = e.store.GetCommitByPrefix(ctx, e.tractID, target)
	if err != nil {
		return "", false, "", err
	}
	return commit.CommitHash, false, "", nil
}

// rememberPosition stores the current HEAD and branch so that
// checkout "-" can return to them.
func (e *Engine) rememberPosition(ctx context.Context) error {
	head, err := e.Head(ctx)
	if err != nil {
		return err
	}
	if head == "" {
		return nil
	}
	if err := e.store.SetRef(ctx, e.tractID, storage.RefPrevHead, head); err != nil {
		return err
	}
	branch, err := e.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if branch != "" {
		return e.store.SetRef(ctx, e.tractID, "PREV_BRANCH", branch)
	}
	return e.store.DeleteRef(ctx, e.tractID, "PREV_BRANCH")
}

func (e *Engine) attach(ctx context.Context, branch, tip string) error {
	if err := e.store.SetRef(ctx, e.tractID, storage.RefHead, tip); err != nil {
		return err
	}
	return e.store.SetRef(ctx, e.tractID, storage.RefCurrentBranch, branch)
}

func (e *Engine) detach(ctx context.Context, hash string) error {
	if err := e.store.SetRef(ctx, e.tractID, storage.RefHead, hash); err != nil {
		return err
	}
	return e.store.DeleteRef(ctx, e.tractID, storage.RefCurrentBranch)
}

// AttachHead reattaches HEAD to a branch at its current tip. Used by
// rebase to restore state after replay.
func (e *Engine) AttachHead(ctx context.Context, branch string) error {
	tip, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+branch)
	if err != nil {
		return err
	}
	if tip == "" {
		return &types.BranchNotFoundError{Name: branch}
	}
	return e.attach(ctx, branch, tip)
}

// DetachHead points HEAD at a commit with no current branch. Used by
// rebase replay.
func (e *Engine) DetachHead(ctx context.Context, hash string) error {
	return e.detach(ctx, hash)
}

// SetBranch force-moves a branch ref. Used by merge and rebase.
func (e *Engine) SetBranch(ctx context.Context, name, hash string) error {
	return e.store.SetRef(ctx, e.tractID, storage.BranchRefPrefix+name, hash)
}

// BranchTip returns a branch's commit hash or a BranchNotFoundError.
func (e *Engine) BranchTip(ctx context.Context, name string) (string, error) {
	tip, err := e.store.GetRef(ctx, e.tractID, storage.BranchRefPrefix+name)
	if err != nil {
		return "", err
	}
	if tip == "" {
		return "", &types.BranchNotFoundError{Name: name}
	}
	return tip, nil
}

// TractID returns the owning tract id.
func (e *Engine) TractID() string { return e.tractID }

// Store exposes the engine's storage handle to sibling operations
// (merge, rebase) constructed alongside it.
func (e *Engine) Store() storage.Store { return e.store }

// Clock exposes the engine's clock for operations that stamp rows
// themselves.
func (e *Engine) Clock() *Clock { return e.clock }
