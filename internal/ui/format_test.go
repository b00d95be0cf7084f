package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tracthq/tract/internal/types"
)

func TestFormatLogEmpty(t *testing.T) {
	var buf bytes.Buffer
	FormatLog(&buf, nil)
	if !strings.Contains(buf.String(), "No commits yet") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestFormatLogLines(t *testing.T) {
	var buf bytes.Buffer
	FormatLog(&buf, []types.CommitInfo{
		{
			CommitHash:  "abcdef0123456789",
			Operation:   types.OpAppend,
			ContentType: types.TypeDialogue,
			Message:     "hello there",
			CreatedAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		},
	})
	out := buf.String()
	if !strings.Contains(out, "abcdef01") {
		t.Error("short hash missing")
	}
	if !strings.Contains(out, "hello there") {
		t.Error("message missing")
	}
}

func TestFormatBranchesMarksCurrent(t *testing.T) {
	var buf bytes.Buffer
	FormatBranches(&buf, []types.BranchInfo{
		{Name: "feat", CommitHash: "abcd12345678"},
		{Name: "main", CommitHash: "ffff12345678", IsCurrent: true},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	if !strings.HasPrefix(lines[1], "* ") {
		t.Errorf("current branch not starred: %q", lines[1])
	}
	if !strings.HasPrefix(lines[0], "  ") {
		t.Errorf("other branch marked: %q", lines[0])
	}
}

func TestFormatDiff(t *testing.T) {
	a := types.CompiledContext{Messages: []types.Message{
		{Role: "user", Content: "same"},
		{Role: "user", Content: "old"},
	}}
	b := types.CompiledContext{Messages: []types.Message{
		{Role: "user", Content: "same"},
		{Role: "user", Content: "new"},
		{Role: "assistant", Content: "extra"},
	}}

	var buf bytes.Buffer
	FormatDiff(&buf, "a", "b", a, b)
	out := buf.String()
	if !strings.Contains(out, "old") || !strings.Contains(out, "new") {
		t.Errorf("changed message not shown: %q", out)
	}
	if !strings.Contains(out, "extra") {
		t.Errorf("added message not shown: %q", out)
	}

	buf.Reset()
	FormatDiff(&buf, "x", "y", a, a)
	if !strings.Contains(buf.String(), "No differences") {
		t.Errorf("identical contexts: %q", buf.String())
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("one\ntwo"); got != "one" {
		t.Errorf("firstLine = %q", got)
	}
	long := strings.Repeat("x", 100)
	if got := firstLine(long); len(got) != 72 {
		t.Errorf("truncated length = %d", len(got))
	}
}
