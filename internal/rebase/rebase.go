// Package rebase implements commit replay with new parentage: rebase
// of the current branch onto a target branch, and single-commit
// cherry-pick, both with EDIT target safety checks.
package rebase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/dag"
	"github.com/tracthq/tract/internal/engine"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/types"
)

// Warning and issue kinds.
const (
	WarnEditTargetMissing = "edit_target_missing"
)

// Warning is a semantic safety issue detected before replay.
type Warning struct {
	Type        string            `json:"warning_type"`
	Commit      types.CommitInfo  `json:"commit"`
	NewBase     *types.CommitInfo `json:"new_base,omitempty"`
	Description string            `json:"description"`
}

// Result describes a completed rebase.
type Result struct {
	Replayed []types.CommitInfo `json:"replayed_commits,omitempty"`
	Original []types.CommitInfo `json:"original_commits,omitempty"`
	Warnings []Warning          `json:"warnings,omitempty"`
	NewHead  string             `json:"new_head,omitempty"`
}

// CherryPickIssue is a problem detected while cherry-picking.
type CherryPickIssue struct {
	Type             string            `json:"issue_type"`
	Commit           types.CommitInfo  `json:"commit"`
	TargetBranchHead *types.CommitInfo `json:"target_branch_head,omitempty"`
	MissingTarget    string            `json:"missing_target,omitempty"`
	Description      string            `json:"description"`
}

// CherryPickResult describes a cherry-pick outcome. NewCommit is nil
// when the resolver chose to skip.
type CherryPickResult struct {
	Original  types.CommitInfo  `json:"original_commit"`
	NewCommit *types.CommitInfo `json:"new_commit,omitempty"`
	Issues    []CherryPickIssue `json:"issues,omitempty"`
}

// WarningResolver accepts or aborts one rebase warning.
type WarningResolver func(ctx context.Context, w Warning) (types.Resolution, error)

// IssueResolver decides one cherry-pick issue.
type IssueResolver func(ctx context.Context, issue CherryPickIssue) (types.Resolution, error)

// Engine performs rebase and cherry-pick for one tract.
type Engine struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New builds a rebase engine on top of a commit engine.
func New(eng *engine.Engine, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{eng: eng, logger: logger}
}

// CherryPick replays one commit onto the current HEAD as a new
// commit. An EDIT whose target is missing from the current history
// either goes through the resolver (becoming an APPEND with resolved
// content) or fails with a CherryPickError.
func (r *Engine) CherryPick(ctx context.Context, commitHash string, resolver IssueResolver) (*CherryPickResult, error) {
	st := r.eng.Store()

	original, err := st.GetCommit(ctx, commitHash)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, &types.CherryPickError{Reason: fmt.Sprintf("commit not found: %s", commitHash)}
	}
	originalInfo := original.ToInfo()

	head, err := r.eng.Head(ctx)
	if err != nil {
		return nil, err
	}

	var headInfo *types.CommitInfo
	if head != "" {
		if row, err := st.GetCommit(ctx, head); err != nil {
			return nil, err
		} else if row != nil {
			info := row.ToInfo()
			headInfo = &info
		}
	}

	var issues []CherryPickIssue
	if original.Operation == types.OpEdit && original.ResponseTo != "" {
		reachable := false
		if head != "" {
			ancestors, err := dag.AllAncestors(ctx, st, head)
			if err != nil {
				return nil, err
			}
			_, reachable = ancestors[original.ResponseTo]
		}
		if !reachable {
			issues = append(issues, CherryPickIssue{
				Type:             WarnEditTargetMissing,
				Commit:           originalInfo,
				TargetBranchHead: headInfo,
				MissingTarget:    original.ResponseTo,
				Description: fmt.Sprintf("EDIT commit targets %s... which does not exist on the current branch",
					types.Short(original.ResponseTo)),
			})
		}
	}

	resolvedText := ""
	haveResolution := false
	if len(issues) > 0 {
		if resolver == nil {
			return nil, &types.CherryPickError{
				Reason: fmt.Sprintf("%d issue(s): %s", len(issues), issues[0].Description),
			}
		}
		for _, issue := range issues {
			resolution, err := resolver(ctx, issue)
			if err != nil {
				return nil, fmt.Errorf("cherry-pick resolver failed: %w", err)
			}
			switch resolution.Action {
			case types.ResolveAbort:
				return nil, &types.CherryPickError{Reason: "resolver aborted: " + resolution.Reasoning}
			case types.ResolveSkip:
				return &CherryPickResult{Original: originalInfo, Issues: issues}, nil
			case types.ResolveResolved:
				if resolution.ContentText != "" {
					resolvedText = resolution.ContentText
					haveResolution = true
				}
			}
		}
	}

	var newRow *storage.CommitRow
	if haveResolution {
		// The EDIT target is missing; land the resolved content as a
		// fresh APPEND instead.
		newRow, err = r.eng.CreateCommit(ctx, content.Freeform{Payload: map[string]any{"text": resolvedText}},
			types.OpAppend, engine.CommitOptions{
				Message:          original.Message,
				Metadata:         original.Metadata,
				GenerationConfig: original.GenerationConfig,
			})
	} else {
		newRow, err = r.replayCommit(ctx, original, "")
	}
	if err != nil {
		return nil, err
	}

	newInfo := newRow.ToInfo()
	return &CherryPickResult{Original: originalInfo, NewCommit: &newInfo, Issues: issues}, nil
}

// Rebase replays the current branch's commits (merge base..tip) onto
// targetBranch, producing new hashes and parentage, then moves the
// branch ref and re-attaches HEAD. On any replay failure the branch
// is restored to its original tip.
func (r *Engine) Rebase(ctx context.Context, targetBranch string, resolver WarningResolver) (*Result, error) {
	st := r.eng.Store()

	currentBranch, err := r.eng.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	if currentBranch == "" {
		return nil, &types.RebaseError{Reason: "cannot rebase in detached HEAD state"}
	}
	currentTip, err := r.eng.Head(ctx)
	if err != nil {
		return nil, err
	}
	if currentTip == "" {
		return nil, &types.RebaseError{Reason: "no commits on current branch"}
	}
	targetTip, err := r.eng.BranchTip(ctx, targetBranch)
	if err != nil {
		return nil, err
	}

	if currentTip == targetTip {
		return &Result{NewHead: currentTip}, nil
	}

	base, err := dag.FindMergeBase(ctx, st, currentTip, targetTip)
	if err != nil {
		return nil, err
	}
	// Target already contained in current branch: nothing to replay.
	if base == targetTip {
		return &Result{NewHead: currentTip}, nil
	}

	toReplay, err := dag.BranchCommits(ctx, st, currentTip, base)
	if err != nil {
		return nil, err
	}
	if len(toReplay) == 0 {
		return &Result{NewHead: currentTip}, nil
	}

	// Pre-flight: no rebasing across merge commits.
	for _, c := range toReplay {
		parents, err := st.GetCommitParents(ctx, c.CommitHash)
		if err != nil {
			return nil, err
		}
		if len(parents) > 0 {
			return nil, &types.RebaseError{Reason: "cannot rebase branch containing merge commits"}
		}
	}

	originalInfos := make([]types.CommitInfo, len(toReplay))
	for i, c := range toReplay {
		originalInfos[i] = c.ToInfo()
	}

	targetAncestors, err := dag.AllAncestors(ctx, st, targetTip)
	if err != nil {
		return nil, err
	}

	var targetTipInfo *types.CommitInfo
	if row, err := st.GetCommit(ctx, targetTip); err != nil {
		return nil, err
	} else if row != nil {
		info := row.ToInfo()
		targetTipInfo = &info
	}

	// EDIT targets inside the replay range are remapped to their
	// replayed hashes; only targets reachable from neither the new
	// base nor the range are unsafe.
	replayRange := make(map[string]bool, len(toReplay))
	for _, c := range toReplay {
		replayRange[c.CommitHash] = true
	}

	var warnings []Warning
	for i, c := range toReplay {
		if c.Operation != types.OpEdit || c.ResponseTo == "" {
			continue
		}
		if _, ok := targetAncestors[c.ResponseTo]; ok {
			continue
		}
		if replayRange[c.ResponseTo] {
			continue
		}
		warnings = append(warnings, Warning{
			Type:    WarnEditTargetMissing,
			Commit:  originalInfos[i],
			NewBase: targetTipInfo,
			Description: fmt.Sprintf("EDIT commit targets %s... which does not exist on target branch '%s'",
				types.Short(c.ResponseTo), targetBranch),
		})
	}

	// resolutions maps a warned commit to resolver-provided text that
	// lands as an APPEND (its EDIT target does not exist on the new
	// base); skipped commits are dropped from the replay entirely.
	resolutions := make(map[string]string)
	skipped := make(map[string]bool)
	if len(warnings) > 0 {
		if resolver == nil {
			descriptions := make([]string, len(warnings))
			for i, w := range warnings {
				descriptions[i] = w.Description
			}
			return nil, &types.SemanticSafetyError{Warnings: descriptions}
		}
		for _, w := range warnings {
			resolution, err := resolver(ctx, w)
			if err != nil {
				return nil, fmt.Errorf("rebase resolver failed: %w", err)
			}
			switch resolution.Action {
			case types.ResolveAbort:
				return nil, &types.RebaseError{Reason: "resolver aborted: " + resolution.Reasoning}
			case types.ResolveSkip:
				skipped[w.Commit.CommitHash] = true
			case types.ResolveResolved:
				resolutions[w.Commit.CommitHash] = resolution.ContentText
			}
		}
	}

	// Detach HEAD onto the target tip and replay, threading HEAD
	// forward commit by commit.
	if err := r.eng.DetachHead(ctx, targetTip); err != nil {
		return nil, err
	}

	restore := func() {
		_ = r.eng.SetBranch(ctx, currentBranch, currentTip)
		_ = r.eng.AttachHead(ctx, currentBranch)
	}

	replayed := make([]types.CommitInfo, 0, len(toReplay))
	hashMap := make(map[string]string, len(toReplay))
	for _, original := range toReplay {
		if skipped[original.CommitHash] {
			continue
		}
		var newRow *storage.CommitRow
		if text, ok := resolutions[original.CommitHash]; ok && text != "" {
			newRow, err = r.eng.CreateCommit(ctx,
				content.Freeform{Payload: map[string]any{"text": text}},
				types.OpAppend, engine.CommitOptions{
					Message:          original.Message,
					Metadata:         original.Metadata,
					GenerationConfig: original.GenerationConfig,
					AllowDetached:    true,
				})
		} else {
			newRow, err = r.replayCommit(ctx, original, hashMap[original.ResponseTo])
		}
		if err != nil {
			restore()
			return nil, err
		}
		hashMap[original.CommitHash] = newRow.CommitHash
		replayed = append(replayed, newRow.ToInfo())
	}
	if len(replayed) == 0 {
		restore()
		return &Result{Original: originalInfos, Warnings: warnings, NewHead: currentTip}, nil
	}

	newHead := replayed[len(replayed)-1].CommitHash
	if err := r.eng.SetBranch(ctx, currentBranch, newHead); err != nil {
		restore()
		return nil, err
	}
	if err := r.eng.AttachHead(ctx, currentBranch); err != nil {
		restore()
		return nil, err
	}

	r.logger.Debug("rebase complete",
		"branch", currentBranch, "onto", targetBranch,
		"replayed", len(replayed), "head", types.Short(newHead))
	return &Result{
		Replayed: replayed,
		Original: originalInfos,
		Warnings: warnings,
		NewHead:  newHead,
	}, nil
}

// replayCommit re-creates one commit on the current HEAD. The engine
// reads HEAD internally to set the new parent. responseToRemap, when
// set, overrides the EDIT target.
func (r *Engine) replayCommit(ctx context.Context, original *storage.CommitRow, responseToRemap string) (*storage.CommitRow, error) {
	blob, err := r.eng.Store().GetBlob(ctx, original.ContentHash)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, &types.RebaseError{
			Reason: fmt.Sprintf("cannot replay commit %s: blob %s not found",
				types.Short(original.CommitHash), types.Short(original.ContentHash)),
		}
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(blob.Payload), &raw); err != nil {
		return nil, &types.RebaseError{
			Reason: fmt.Sprintf("cannot replay commit %s: corrupt blob", types.Short(original.CommitHash)),
		}
	}
	payload, err := content.FromRaw(raw)
	if err != nil {
		return nil, &types.RebaseError{
			Reason: fmt.Sprintf("cannot replay commit %s: %v", types.Short(original.CommitHash), err),
		}
	}

	responseTo := ""
	if original.Operation == types.OpEdit {
		responseTo = original.ResponseTo
		if responseToRemap != "" {
			responseTo = responseToRemap
		}
	}

	return r.eng.CreateCommit(ctx, payload, original.Operation, engine.CommitOptions{
		Message:          original.Message,
		ResponseTo:       responseTo,
		Metadata:         original.Metadata,
		GenerationConfig: original.GenerationConfig,
		AllowDetached:    true,
	})
}
