package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tracthq/tract/internal/merge"
	"github.com/tracthq/tract/internal/rebase"
	"github.com/tracthq/tract/internal/types"
)

const resolverInstructions = `You are resolving a conflict in a version-controlled LLM conversation context.
Respond with a single JSON object and nothing else:
{"action": "resolved" | "skip" | "abort", "content_text": "<the merged text>", "reasoning": "<one sentence>"}
Choose "resolved" with merged content whenever a sensible reconciliation exists.`

// NewConflictResolver returns a merge resolver backed by an LLM.
// The resolver returns the final text; the merge engine writes one
// EDIT per resolved target.
func NewConflictResolver(client Client) merge.Resolver {
	return func(ctx context.Context, conflict merge.ConflictInfo) (types.Resolution, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n\nConflict type: %s\n", resolverInstructions, conflict.Type)
		if conflict.AncestorContentText != "" {
			fmt.Fprintf(&b, "\nCommon ancestor content:\n%s\n", conflict.AncestorContentText)
		}
		fmt.Fprintf(&b, "\nVersion A (target branch):\n%s\n", conflict.ContentAText)
		fmt.Fprintf(&b, "\nVersion B (source branch):\n%s\n", conflict.ContentBText)
		if len(conflict.BranchACommits) > 0 || len(conflict.BranchBCommits) > 0 {
			fmt.Fprintf(&b, "\nTarget branch carries %d commit(s) since the base; source branch carries %d.\n",
				len(conflict.BranchACommits), len(conflict.BranchBCommits))
		}
		return complete(ctx, client, b.String())
	}
}

// NewRebaseResolver returns a rebase warning resolver backed by an
// LLM. A "resolved" answer supplies replacement text for the commit
// whose EDIT target is missing on the new base.
func NewRebaseResolver(client Client) rebase.WarningResolver {
	return func(ctx context.Context, w rebase.Warning) (types.Resolution, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n\nRebase warning: %s\n%s\n", resolverInstructions, w.Type, w.Description)
		if w.NewBase != nil {
			fmt.Fprintf(&b, "\nNew base commit message: %s\n", w.NewBase.Message)
		}
		fmt.Fprintf(&b, "\nCommit being replayed: %s (%s)\n", types.Short(w.Commit.CommitHash), w.Commit.Message)
		return complete(ctx, client, b.String())
	}
}

// NewCherryPickResolver returns a cherry-pick issue resolver backed
// by an LLM.
func NewCherryPickResolver(client Client) rebase.IssueResolver {
	return func(ctx context.Context, issue rebase.CherryPickIssue) (types.Resolution, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "%s\n\nCherry-pick issue: %s\n%s\n", resolverInstructions, issue.Type, issue.Description)
		fmt.Fprintf(&b, "\nCommit being picked: %s (%s)\n", types.Short(issue.Commit.CommitHash), issue.Commit.Message)
		return complete(ctx, client, b.String())
	}
}

func complete(ctx context.Context, client Client, prompt string) (types.Resolution, error) {
	raw, err := client.Complete(ctx, prompt)
	if err != nil {
		return types.Resolution{}, err
	}
	resolution, err := parseResolution(raw)
	if err != nil {
		return types.Resolution{}, err
	}
	return resolution, nil
}

// parseResolution extracts the resolver's JSON answer, tolerating
// surrounding prose and markdown fences.
func parseResolution(raw string) (types.Resolution, error) {
	text := strings.TrimSpace(raw)
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			text = text[start : end+1]
		}
	}
	var resolution types.Resolution
	if err := json.Unmarshal([]byte(text), &resolution); err != nil {
		return types.Resolution{}, fmt.Errorf("resolver returned unparseable response: %w", err)
	}
	switch resolution.Action {
	case types.ResolveResolved, types.ResolveSkip, types.ResolveAbort:
		return resolution, nil
	default:
		return types.Resolution{}, fmt.Errorf("resolver returned unknown action %q", resolution.Action)
	}
}

// Summarize condenses a compiled context into a short summary. Used
// by Session.Collapse to write the result of a child tract back to
// its parent.
func Summarize(ctx context.Context, client Client, purpose string, messages []types.Message) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the outcome of the following task for the parent conversation.\n")
	if purpose != "" {
		fmt.Fprintf(&b, "Task purpose: %s\n", purpose)
	}
	b.WriteString("\nConversation:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	b.WriteString("\nReply with the summary text only.")
	return client.Complete(ctx, b.String())
}
