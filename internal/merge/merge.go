// Package merge implements three-way semantic merges between
// branches: classification (already-up-to-date, fast-forward,
// three-way), conflict enumeration by edited target, and the
// review/commit flow.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/dag"
	"github.com/tracthq/tract/internal/engine"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/types"
)

// Conflict kinds.
const (
	ConflictBothEdit   = "both_edit"
	ConflictSkipVsEdit = "skip_vs_edit"
	// ConflictEditPlusAppend is declared for completeness; structural
	// dependency detection is not implemented, so merges with one
	// side editing and the other appending are clean.
	ConflictEditPlusAppend = "edit_plus_append"
)

// Merge types.
const (
	TypeFastForward = "fast_forward"
	TypeClean       = "clean"
	TypeConflict    = "conflict"
	TypeSemantic    = "semantic"
)

// Merge states.
const (
	StatePlanned   = "planned"
	StateReviewing = "reviewing"
	StateCommitted = "committed"
	StateAborted   = "aborted"
)

// ConflictInfo is the full context for one conflict, rich enough for
// either human review or LLM-mediated resolution.
type ConflictInfo struct {
	Type                string            `json:"conflict_type"`
	CommitA             types.CommitInfo  `json:"commit_a"` // target-branch side
	CommitB             types.CommitInfo  `json:"commit_b"` // source-branch side
	ContentAText        string            `json:"content_a_text,omitempty"`
	ContentBText        string            `json:"content_b_text,omitempty"`
	Ancestor            *types.CommitInfo `json:"ancestor,omitempty"`
	AncestorContentText string            `json:"ancestor_content_text,omitempty"`
	TargetHash          string            `json:"target_hash,omitempty"`
	BranchACommits      []types.CommitInfo `json:"branch_a_commits,omitempty"`
	BranchBCommits      []types.CommitInfo `json:"branch_b_commits,omitempty"`
}

// Result describes a merge. Fast-forward and clean merges commit
// immediately; conflict merges return for review, after which the
// caller edits Resolutions and finalizes with CommitMerge.
type Result struct {
	Type          string `json:"merge_type"`
	State         string `json:"state"`
	SourceBranch  string `json:"source_branch"`
	TargetBranch  string `json:"target_branch"`
	MergeBaseHash string `json:"merge_base_hash,omitempty"`

	Conflicts           []ConflictInfo    `json:"conflicts,omitempty"`
	Resolutions         map[string]string `json:"resolutions,omitempty"`          // target hash -> resolved text
	ResolutionReasoning map[string]string `json:"resolution_reasoning,omitempty"` // target hash -> resolver reasoning
	AutoMerged          []types.CommitInfo `json:"auto_merged,omitempty"`

	Committed       bool   `json:"committed"`
	MergeCommitHash string `json:"merge_commit_hash,omitempty"`

	// Parent hashes captured at plan time, used by CommitMerge.
	SourceTipHash string `json:"source_tip_hash,omitempty"`
	TargetTipHash string `json:"target_tip_hash,omitempty"`
}

// EditResolution sets the resolved text for a conflicted target
// before committing.
func (r *Result) EditResolution(targetHash, newContent string) {
	if r.Resolutions == nil {
		r.Resolutions = make(map[string]string)
	}
	r.Resolutions[targetHash] = newContent
}

// Resolver decides one conflict. Implementations may block on I/O
// (LLM-backed resolvers). The merge engine calls them on the store it
// was built with; Tract.Merge builds it inside its storage
// transaction, so that transaction stays open while a resolver runs.
type Resolver func(ctx context.Context, conflict ConflictInfo) (types.Resolution, error)

// Options configure one merge.
type Options struct {
	// NoFF forces a merge commit even when fast-forward is possible.
	NoFF bool
	// Resolver, when set, resolves conflicts inline and the merge
	// commits without a review round-trip.
	Resolver Resolver
}

// Engine plans and commits merges for one tract.
type Engine struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New builds a merge engine on top of a commit engine.
func New(eng *engine.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{eng: eng, logger: logger}
}

// Merge merges sourceBranch into the current branch.
//
// Returns types.ErrNothingToMerge when the source tip is already an
// ancestor of the target. Fast-forwards unless NoFF. Otherwise plans
// a three-way merge: with no conflicts (or with a resolver) it
// commits immediately; with unresolved conflicts it returns a Result
// in the reviewing state for the caller to finish via CommitMerge.
func (m *Engine) Merge(ctx context.Context, sourceBranch string, opts Options) (*Result, error) {
	st := m.eng.Store()

	targetBranch, err := m.eng.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	if targetBranch == "" {
		return nil, fmt.Errorf("%w: cannot merge", types.ErrDetachedHead)
	}
	targetTip, err := m.eng.Head(ctx)
	if err != nil {
		return nil, err
	}
	if targetTip == "" {
		return nil, fmt.Errorf("cannot merge: no commits on current branch")
	}
	sourceTip, err := m.eng.BranchTip(ctx, sourceBranch)
	if err != nil {
		return nil, err
	}

	// Already up to date: source is contained in target.
	contained, err := dag.IsAncestor(ctx, st, sourceTip, targetTip)
	if err != nil {
		return nil, err
	}
	if contained {
		return nil, types.ErrNothingToMerge
	}

	// Fast-forward: target is behind source and NoFF is not set.
	behind, err := dag.IsAncestor(ctx, st, targetTip, sourceTip)
	if err != nil {
		return nil, err
	}
	if behind && !opts.NoFF {
		if err := m.eng.SetBranch(ctx, targetBranch, sourceTip); err != nil {
			return nil, err
		}
		if err := m.eng.AttachHead(ctx, targetBranch); err != nil {
			return nil, err
		}
		m.logger.Debug("fast-forward merge",
			"source", sourceBranch, "target", targetBranch, "tip", types.Short(sourceTip))
		return &Result{
			Type:          TypeFastForward,
			State:         StateCommitted,
			SourceBranch:  sourceBranch,
			TargetBranch:  targetBranch,
			SourceTipHash: sourceTip,
			TargetTipHash: targetTip,
			Committed:     true,
		}, nil
	}

	result, err := m.plan(ctx, sourceBranch, targetBranch, sourceTip, targetTip)
	if err != nil {
		return nil, err
	}

	if len(result.Conflicts) > 0 && opts.Resolver != nil {
		if err := m.resolveAll(ctx, result, opts.Resolver); err != nil {
			return nil, err
		}
		result.Type = TypeSemantic
	}

	if len(result.Conflicts) == 0 || opts.Resolver != nil {
		if err := m.CommitMerge(ctx, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// plan computes the three-way classification and conflict set without
// writing anything.
func (m *Engine) plan(ctx context.Context, sourceBranch, targetBranch, sourceTip, targetTip string) (*Result, error) {
	st := m.eng.Store()

	base, err := dag.FindMergeBase(ctx, st, targetTip, sourceTip)
	if err != nil {
		return nil, err
	}

	sideA, err := dag.BranchCommits(ctx, st, targetTip, base)
	if err != nil {
		return nil, err
	}
	sideB, err := dag.BranchCommits(ctx, st, sourceTip, base)
	if err != nil {
		return nil, err
	}

	editsA := latestEditsByTarget(sideA)
	editsB := latestEditsByTarget(sideB)

	infosA := toInfos(sideA)
	infosB := toInfos(sideB)

	result := &Result{
		Type:          TypeClean,
		State:         StatePlanned,
		SourceBranch:  sourceBranch,
		TargetBranch:  targetBranch,
		MergeBaseHash: base,
		Resolutions:   make(map[string]string),
		SourceTipHash: sourceTip,
		TargetTipHash: targetTip,
	}

	conflicted := make(map[string]bool)
	for target, editA := range editsA {
		editB, both := editsB[target]
		if !both {
			continue
		}
		if editA.ContentHash == editB.ContentHash {
			continue // same resolution on both sides
		}
		conflict, err := m.buildConflict(ctx, ConflictBothEdit, target, editA, editB, infosA, infosB)
		if err != nil {
			return nil, err
		}
		result.Conflicts = append(result.Conflicts, conflict)
		conflicted[target] = true
	}

	// skip_vs_edit: a target edited on exactly one side whose
	// effective priority says the other side wants it gone.
	for target, edit := range singleSideEdits(editsA, editsB) {
		if conflicted[target] {
			continue
		}
		ann, err := st.GetLatestAnnotation(ctx, target)
		if err != nil {
			return nil, err
		}
		if ann == nil || ann.Priority != types.PrioritySkip {
			continue
		}
		conflict, err := m.buildConflict(ctx, ConflictSkipVsEdit, target, edit, edit, infosA, infosB)
		if err != nil {
			return nil, err
		}
		result.Conflicts = append(result.Conflicts, conflict)
		conflicted[target] = true
	}

	// Source-side edits that did not conflict replay cleanly.
	for target, edit := range editsB {
		if !conflicted[target] {
			result.AutoMerged = append(result.AutoMerged, edit.ToInfo())
		}
	}
	sortByCreatedAt(result.AutoMerged)

	if len(result.Conflicts) > 0 {
		result.Type = TypeConflict
		result.State = StateReviewing
	}
	return result, nil
}

func (m *Engine) buildConflict(ctx context.Context, kind, target string, editA, editB *storage.CommitRow, infosA, infosB []types.CommitInfo) (ConflictInfo, error) {
	st := m.eng.Store()

	conflict := ConflictInfo{
		Type:           kind,
		CommitA:        editA.ToInfo(),
		CommitB:        editB.ToInfo(),
		TargetHash:     target,
		BranchACommits: infosA,
		BranchBCommits: infosB,
	}

	var err error
	if conflict.ContentAText, err = m.blobText(ctx, editA.ContentHash); err != nil {
		return ConflictInfo{}, err
	}
	if conflict.ContentBText, err = m.blobText(ctx, editB.ContentHash); err != nil {
		return ConflictInfo{}, err
	}

	ancestor, err := st.GetCommit(ctx, target)
	if err != nil {
		return ConflictInfo{}, err
	}
	if ancestor != nil {
		info := ancestor.ToInfo()
		conflict.Ancestor = &info
		if conflict.AncestorContentText, err = m.blobText(ctx, ancestor.ContentHash); err != nil {
			return ConflictInfo{}, err
		}
	}
	return conflict, nil
}

func (m *Engine) blobText(ctx context.Context, contentHash string) (string, error) {
	blob, err := m.eng.Store().GetBlob(ctx, contentHash)
	if err != nil {
		return "", err
	}
	if blob == nil {
		return "", nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(blob.Payload), &data); err != nil {
		return "", fmt.Errorf("corrupt blob %s: %w", types.Short(contentHash), err)
	}
	ct, _ := data["content_type"].(string)
	return content.ExtractText(ct, data), nil
}

// resolveAll runs the resolver over every conflict, filling in
// Resolutions. An abort fails the merge; a skip leaves the target
// unresolved and unreplayed.
func (m *Engine) resolveAll(ctx context.Context, result *Result, resolver Resolver) error {
	if result.ResolutionReasoning == nil {
		result.ResolutionReasoning = make(map[string]string)
	}
	for _, conflict := range result.Conflicts {
		resolution, err := resolver(ctx, conflict)
		if err != nil {
			return fmt.Errorf("merge resolver failed: %w", err)
		}
		switch resolution.Action {
		case types.ResolveAbort:
			result.State = StateAborted
			return fmt.Errorf("resolver aborted merge: %s", resolution.Reasoning)
		case types.ResolveSkip:
			continue
		case types.ResolveResolved:
			result.Resolutions[conflict.TargetHash] = resolution.ContentText
			if resolution.Reasoning != "" {
				result.ResolutionReasoning[conflict.TargetHash] = resolution.Reasoning
			}
		default:
			return fmt.Errorf("resolver returned unknown action %q", resolution.Action)
		}
	}
	// The resolver has decided every conflict (resolutions or skips);
	// no review round is pending.
	result.State = StatePlanned
	return nil
}

// CommitMerge finalizes a planned or reviewed merge: replays
// non-conflicting source edits, writes one EDIT per resolved target,
// then creates the merge commit with two parents and advances the
// target branch.
func (m *Engine) CommitMerge(ctx context.Context, result *Result) error {
	if result.Committed {
		return fmt.Errorf("merge already committed")
	}
	if result.State == StateAborted {
		return fmt.Errorf("merge was aborted")
	}
	st := m.eng.Store()

	head, err := m.eng.Head(ctx)
	if err != nil {
		return err
	}
	if head != result.TargetTipHash {
		return fmt.Errorf("target branch moved since merge was planned (HEAD %s, expected %s)",
			types.Short(head), types.Short(result.TargetTipHash))
	}

	// Replay clean source-side edits in their original order. Edits
	// whose target only exists on the source branch cannot replay
	// onto the target chain; they stay reachable via the second
	// parent.
	replayed := 0
	for _, info := range result.AutoMerged {
		if _, resolved := result.Resolutions[info.ResponseTo]; resolved {
			continue // a resolution supersedes the replay
		}
		if err := m.replayEdit(ctx, info); err != nil {
			var editErr *types.EditTargetError
			if errors.As(err, &editErr) {
				m.logger.Debug("skipping edit replay, target not on target branch",
					"edit", types.Short(info.CommitHash), "target", types.Short(info.ResponseTo))
				continue
			}
			return err
		}
		replayed++
	}

	// One EDIT per resolved target.
	for _, conflict := range result.Conflicts {
		text, ok := result.Resolutions[conflict.TargetHash]
		if !ok {
			if result.State == StateReviewing {
				return fmt.Errorf("conflict on %s has no resolution", types.Short(conflict.TargetHash))
			}
			continue // resolver skipped it
		}
		payload, err := m.resolutionPayload(ctx, conflict.TargetHash, text)
		if err != nil {
			return err
		}
		if _, err := m.eng.CreateCommit(ctx, payload, types.OpEdit, engine.CommitOptions{
			Message:    fmt.Sprintf("merge resolution for %s", types.Short(conflict.TargetHash)),
			ResponseTo: conflict.TargetHash,
		}); err != nil {
			return err
		}
	}

	// The merge commit itself: bookkeeping content, hidden from the
	// compiled output via a SKIP annotation.
	summary := fmt.Sprintf("Merged branch '%s' into '%s' (%d resolved, %d replayed)",
		result.SourceBranch, result.TargetBranch, len(result.Resolutions), replayed)
	mergeRow, err := m.eng.CreateCommit(ctx, content.Freeform{Payload: map[string]any{
		"merge":  summary,
		"source": result.SourceTipHash,
		"target": result.TargetTipHash,
	}}, types.OpAppend, engine.CommitOptions{Message: summary})
	if err != nil {
		return err
	}
	if err := st.AddCommitParent(ctx, mergeRow.CommitHash, result.SourceTipHash, 1); err != nil {
		return err
	}
	if _, err := m.eng.Annotate(ctx, mergeRow.CommitHash, types.PrioritySkip, engine.AnnotateOptions{
		Reason: "merge bookkeeping",
	}); err != nil {
		return err
	}

	result.MergeCommitHash = mergeRow.CommitHash
	result.Committed = true
	result.State = StateCommitted
	m.logger.Debug("merge committed",
		"source", result.SourceBranch, "target", result.TargetBranch,
		"commit", types.Short(mergeRow.CommitHash))
	return nil
}

// Abort marks an uncommitted merge as abandoned. A merge that has not
// been finalized has no effect on the DAG, so this only flips state.
func (m *Engine) Abort(result *Result) {
	if !result.Committed {
		result.State = StateAborted
	}
}

// replayEdit re-creates a source-branch edit on the target branch.
func (m *Engine) replayEdit(ctx context.Context, info types.CommitInfo) error {
	blob, err := m.eng.Store().GetBlob(ctx, info.ContentHash)
	if err != nil {
		return err
	}
	if blob == nil {
		return &types.BlobNotFoundError{ContentHash: info.ContentHash}
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(blob.Payload), &raw); err != nil {
		return fmt.Errorf("corrupt blob %s: %w", types.Short(info.ContentHash), err)
	}
	payload, err := content.FromRaw(raw)
	if err != nil {
		return err
	}
	_, err = m.eng.CreateCommit(ctx, payload, types.OpEdit, engine.CommitOptions{
		Message:          info.Message,
		ResponseTo:       info.ResponseTo,
		Metadata:         info.Metadata,
		GenerationConfig: info.GenerationConfig,
	})
	return err
}

// resolutionPayload builds the EDIT payload for a resolved target,
// reusing the target's content shape for text-bearing types.
func (m *Engine) resolutionPayload(ctx context.Context, targetHash, text string) (content.Payload, error) {
	target, err := m.eng.Store().GetCommit(ctx, targetHash)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return content.Freeform{Payload: map[string]any{"text": text}}, nil
	}

	switch target.ContentType {
	case types.TypeInstruction:
		return content.Instruction{Text: text}, nil
	case types.TypeDialogue:
		role := "user"
		if blob, err := m.eng.Store().GetBlob(ctx, target.ContentHash); err == nil && blob != nil {
			var raw map[string]any
			if json.Unmarshal([]byte(blob.Payload), &raw) == nil {
				if r, ok := raw["role"].(string); ok {
					role = r
				}
			}
		}
		return content.Dialogue{Role: role, Text: text}, nil
	case types.TypeReasoning:
		return content.Reasoning{Text: text}, nil
	case types.TypeOutput:
		return content.Output{Text: text}, nil
	default:
		return content.Freeform{Payload: map[string]any{"text": text}}, nil
	}
}

// latestEditsByTarget maps each edited target to the winning (latest
// by created_at) edit among the given commits.
func latestEditsByTarget(commits []*storage.CommitRow) map[string]*storage.CommitRow {
	edits := make(map[string]*storage.CommitRow)
	for _, c := range commits {
		if c.Operation != types.OpEdit || c.ResponseTo == "" {
			continue
		}
		existing, ok := edits[c.ResponseTo]
		if !ok || c.CreatedAt.After(existing.CreatedAt) {
			edits[c.ResponseTo] = c
		}
	}
	return edits
}

// singleSideEdits returns the targets edited on exactly one side.
func singleSideEdits(editsA, editsB map[string]*storage.CommitRow) map[string]*storage.CommitRow {
	out := make(map[string]*storage.CommitRow)
	for target, edit := range editsA {
		if _, both := editsB[target]; !both {
			out[target] = edit
		}
	}
	for target, edit := range editsB {
		if _, both := editsA[target]; !both {
			out[target] = edit
		}
	}
	return out
}

func toInfos(commits []*storage.CommitRow) []types.CommitInfo {
	out := make([]types.CommitInfo, len(commits))
	for i, c := range commits {
		out[i] = c.ToInfo()
	}
	return out
}

func sortByCreatedAt(infos []types.CommitInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
}
