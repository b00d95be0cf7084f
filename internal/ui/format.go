package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tracthq/tract/internal/merge"
	"github.com/tracthq/tract/internal/types"
)

var (
	hashStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	branchStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	opEditStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	currentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

func style(s lipgloss.Style, text string) string {
	if !ShouldUseColor() {
		return text
	}
	return s.Render(text)
}

// ShortHash renders the first 8 characters of a hash, styled.
func ShortHash(hash string) string {
	return style(hashStyle, types.Short(hash))
}

// FormatLog writes one line per commit, newest first.
func FormatLog(w io.Writer, commits []types.CommitInfo) {
	if len(commits) == 0 {
		fmt.Fprintln(w, "No commits yet.")
		return
	}
	for _, c := range commits {
		op := string(c.Operation)
		if c.Operation == types.OpEdit {
			op = style(opEditStyle, op)
		}
		label := c.Message
		if label == "" {
			label = style(mutedStyle, "("+c.ContentType+")")
		}
		fmt.Fprintf(w, "%s  %-6s %-12s %s  %s\n",
			ShortHash(c.CommitHash), op, c.ContentType, label,
			style(mutedStyle, c.CreatedAt.Format("2006-01-02 15:04:05")))
	}
}

// FormatLogVerbose writes a block per commit with all fields.
func FormatLogVerbose(w io.Writer, commits []types.CommitInfo) {
	for i, c := range commits {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "commit %s\n", style(hashStyle, c.CommitHash))
		if c.ParentHash != "" {
			fmt.Fprintf(w, "Parent:    %s\n", types.Short(c.ParentHash))
		}
		fmt.Fprintf(w, "Operation: %s\n", c.Operation)
		fmt.Fprintf(w, "Type:      %s\n", c.ContentType)
		if c.ResponseTo != "" {
			fmt.Fprintf(w, "Edits:     %s\n", types.Short(c.ResponseTo))
		}
		fmt.Fprintf(w, "Tokens:    %d\n", c.TokenCount)
		fmt.Fprintf(w, "Date:      %s\n", c.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		if c.Message != "" {
			fmt.Fprintf(w, "\n    %s\n", c.Message)
		}
	}
}

// FormatStatus writes the status summary.
func FormatStatus(w io.Writer, info types.StatusInfo) {
	if info.HeadHash == "" {
		fmt.Fprintln(w, "No commits yet.")
		return
	}
	if info.IsDetached {
		fmt.Fprintf(w, "%s at %s\n", style(warnStyle, "HEAD detached"), ShortHash(info.HeadHash))
	} else {
		fmt.Fprintf(w, "On branch %s at %s\n", style(branchStyle, info.BranchName), ShortHash(info.HeadHash))
	}
	fmt.Fprintf(w, "Commits: %d\n", info.CommitCount)
	if info.TokenBudgetMax > 0 {
		fmt.Fprintf(w, "Tokens:  %d / %d (%s)\n", info.TokenCount, info.TokenBudgetMax, info.TokenSource)
	} else {
		fmt.Fprintf(w, "Tokens:  %d (%s)\n", info.TokenCount, info.TokenSource)
	}
	if len(info.RecentCommits) > 0 {
		fmt.Fprintln(w, "\nRecent commits:")
		FormatLog(w, info.RecentCommits)
	}
}

// FormatBranches lists branches with the current one starred.
func FormatBranches(w io.Writer, branches []types.BranchInfo) {
	for _, b := range branches {
		marker := "  "
		name := b.Name
		if b.IsCurrent {
			marker = "* "
			name = style(currentStyle, name)
		}
		fmt.Fprintf(w, "%s%s %s\n", marker, name, style(mutedStyle, types.Short(b.CommitHash)))
	}
}

// FormatMergeResult summarizes a merge outcome.
func FormatMergeResult(w io.Writer, result *merge.Result) {
	switch result.Type {
	case merge.TypeFastForward:
		fmt.Fprintf(w, "Fast-forward: %s is now at %s\n",
			style(branchStyle, result.TargetBranch), ShortHash(result.SourceTipHash))
	case merge.TypeClean, merge.TypeSemantic:
		fmt.Fprintf(w, "Merged %s into %s (%s)\n",
			style(branchStyle, result.SourceBranch), style(branchStyle, result.TargetBranch),
			ShortHash(result.MergeCommitHash))
		if len(result.Resolutions) > 0 {
			fmt.Fprintf(w, "Resolved %d conflict(s) semantically.\n", len(result.Resolutions))
		}
	case merge.TypeConflict:
		fmt.Fprintf(w, "%s\n", style(warnStyle, fmt.Sprintf("Merge has %d conflict(s):", len(result.Conflicts))))
		for _, conflict := range result.Conflicts {
			fmt.Fprintf(w, "  [%s] target %s\n", conflict.Type, ShortHash(conflict.TargetHash))
			fmt.Fprintf(w, "    A: %s\n", firstLine(conflict.ContentAText))
			fmt.Fprintf(w, "    B: %s\n", firstLine(conflict.ContentBText))
		}
		fmt.Fprintln(w, "No merge commit was written; re-run with --strategy semantic to resolve them.")
	}
}

// FormatDiff renders a message-level diff of two compiled contexts.
func FormatDiff(w io.Writer, labelA, labelB string, a, b types.CompiledContext) {
	max := len(a.Messages)
	if len(b.Messages) > max {
		max = len(b.Messages)
	}
	same := true
	for i := 0; i < max; i++ {
		var left, right *types.Message
		if i < len(a.Messages) {
			left = &a.Messages[i]
		}
		if i < len(b.Messages) {
			right = &b.Messages[i]
		}
		switch {
		case left != nil && right != nil && *left == *right:
			continue
		case left != nil && right != nil:
			same = false
			fmt.Fprintf(w, "~ [%d] %s\n", i, firstLine(left.Content))
			fmt.Fprintf(w, "      -> %s\n", firstLine(right.Content))
		case left != nil:
			same = false
			fmt.Fprintf(w, "%s [%d] (%s) %s\n", style(warnStyle, "-"), i, left.Role, firstLine(left.Content))
		case right != nil:
			same = false
			fmt.Fprintf(w, "%s [%d] (%s) %s\n", style(branchStyle, "+"), i, right.Role, firstLine(right.Content))
		}
	}
	if same {
		fmt.Fprintf(w, "No differences between %s and %s.\n", labelA, labelB)
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 72 {
		s = s[:69] + "..."
	}
	return s
}
