package compiler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/engine"
	"github.com/tracthq/tract/internal/storage/sqlite"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

func setup(t *testing.T) (*sqlite.SQLiteStore, *engine.Engine, *Compiler) {
	t.Helper()
	store, err := sqlite.New(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	counter := tokens.NewHeuristicCounter()
	eng := engine.New(store, counter, "t1", &engine.Clock{}, nil)
	comp := New(store, counter, nil, nil)
	return store, eng, comp
}

func head(t *testing.T, eng *engine.Engine) string {
	t.Helper()
	h, err := eng.Head(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestCompileBasicPipeline(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	if _, err := eng.CreateCommit(ctx, content.Instruction{Text: "S"}, types.OpAppend, engine.CommitOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "U"}, types.OpAppend, engine.CommitOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateCommit(ctx, content.Dialogue{Role: "assistant", Text: "A"}, types.OpAppend, engine.CommitOptions{}); err != nil {
		t.Fatal(err)
	}

	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.CommitCount != 3 || len(result.Messages) != 3 {
		t.Fatalf("compiled %d commits, %d messages", result.CommitCount, len(result.Messages))
	}
	want := []types.Message{
		{Role: "system", Content: "S"},
		{Role: "user", Content: "U"},
		{Role: "assistant", Content: "A"},
	}
	for i, w := range want {
		if result.Messages[i] != w {
			t.Errorf("message %d = %+v, want %+v", i, result.Messages[i], w)
		}
	}
	if len(result.CommitHashes) != 3 || len(result.GenerationConfigs) != 3 {
		t.Error("hash and config slices must stay parallel to messages")
	}
	if result.TokenCount <= 0 {
		t.Error("token count should be positive")
	}
	if result.TokenSource != "heuristic:chars/4" {
		t.Errorf("token source = %q", result.TokenSource)
	}
}

func TestCompileEmptyChain(t *testing.T) {
	_, _, comp := setup(t)
	result, err := comp.Compile(context.Background(), "t1", "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 0 || result.TokenCount != 0 {
		t.Errorf("empty chain = %+v", result)
	}
}

func TestCompileEditSubstitutes(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	target, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "old"}, types.OpAppend, engine.CommitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "new"}, types.OpEdit, engine.CommitOptions{ResponseTo: target.CommitHash}); err != nil {
		t.Fatal(err)
	}

	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.CommitCount != 1 || len(result.Messages) != 1 {
		t.Fatalf("edit should substitute, not add: %d messages", len(result.Messages))
	}
	if result.Messages[0].Content != "new" {
		t.Errorf("content = %q", result.Messages[0].Content)
	}

	annotated, err := comp.Compile(ctx, "t1", head(t, eng), Options{IncludeEditAnnotations: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(annotated.Messages[0].Content, " [edited]") {
		t.Errorf("marker missing: %q", annotated.Messages[0].Content)
	}
}

func TestCompileLatestEditWins(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	target, _ := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "v0"}, types.OpAppend, engine.CommitOptions{})
	if _, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "v1"}, types.OpEdit, engine.CommitOptions{ResponseTo: target.CommitHash}); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "v2"}, types.OpEdit, engine.CommitOptions{ResponseTo: target.CommitHash}); err != nil {
		t.Fatal(err)
	}

	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Messages[0].Content != "v2" {
		t.Errorf("later edit should win, got %q", result.Messages[0].Content)
	}
}

func TestCompileSkipFilter(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	eng.CreateCommit(ctx, content.Instruction{Text: "S"}, types.OpAppend, engine.CommitOptions{})
	mid, _ := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "noise"}, types.OpAppend, engine.CommitOptions{})
	eng.CreateCommit(ctx, content.Dialogue{Role: "assistant", Text: "A"}, types.OpAppend, engine.CommitOptions{})

	if _, err := eng.Annotate(ctx, mid.CommitHash, types.PrioritySkip, engine.AnnotateOptions{Reason: "debug noise"}); err != nil {
		t.Fatal(err)
	}

	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 2 {
		t.Fatalf("SKIP should hide the message: %d left", len(result.Messages))
	}
	for _, m := range result.Messages {
		if m.Content == "noise" {
			t.Error("skipped content leaked into the compile")
		}
	}
}

func TestCompileUpToAndAsOfExclusive(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()
	eng.CreateCommit(ctx, content.Instruction{Text: "S"}, types.OpAppend, engine.CommitOptions{})

	now := time.Now()
	_, err := comp.Compile(ctx, "t1", head(t, eng), Options{AsOf: &now, UpTo: "abcd1234"})
	if err == nil {
		t.Error("as_of and up_to together must fail")
	}
}

func TestCompileUpTo(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	first, _ := eng.CreateCommit(ctx, content.Instruction{Text: "S"}, types.OpAppend, engine.CommitOptions{})
	eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "U"}, types.OpAppend, engine.CommitOptions{})

	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{UpTo: first.CommitHash})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 1 || result.Messages[0].Content != "S" {
		t.Errorf("up_to should truncate after the named commit: %+v", result.Messages)
	}
}

func TestCompileAsOf(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	first, _ := eng.CreateCommit(ctx, content.Instruction{Text: "S"}, types.OpAppend, engine.CommitOptions{})
	cutoff := first.CreatedAt
	eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "later"}, types.OpAppend, engine.CommitOptions{})

	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{AsOf: &cutoff})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Messages) != 1 {
		t.Fatalf("as_of should drop later commits: %d", len(result.Messages))
	}
}

func TestCompileAsOfIgnoresLaterAnnotations(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	c, _ := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "U"}, types.OpAppend, engine.CommitOptions{})
	cutoff := c.CreatedAt

	// A SKIP recorded after the cutoff must not affect an as_of compile.
	if _, err := eng.Annotate(ctx, c.CommitHash, types.PrioritySkip, engine.AnnotateOptions{}); err != nil {
		t.Fatal(err)
	}

	asOf, err := comp.Compile(ctx, "t1", head(t, eng), Options{AsOf: &cutoff})
	if err != nil {
		t.Fatal(err)
	}
	if len(asOf.Messages) != 1 {
		t.Error("annotation newer than the cutoff should be ignored")
	}

	now, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(now.Messages) != 0 {
		t.Error("present-time compile should honor the SKIP")
	}
}

func TestCompileAggregateSameRole(t *testing.T) {
	_, eng, comp := setup(t)
	ctx := context.Background()

	eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "one"}, types.OpAppend, engine.CommitOptions{})
	eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "two"}, types.OpAppend, engine.CommitOptions{})
	eng.CreateCommit(ctx, content.Dialogue{Role: "assistant", Text: "three"}, types.OpAppend, engine.CommitOptions{})

	plain, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plain.Messages) != 3 {
		t.Errorf("default output keeps one message per commit: %d", len(plain.Messages))
	}

	aggregated, err := comp.Compile(ctx, "t1", head(t, eng), Options{AggregateSameRole: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(aggregated.Messages) != 2 {
		t.Fatalf("aggregation should merge the users: %d", len(aggregated.Messages))
	}
	if aggregated.Messages[0].Content != "one\n\ntwo" {
		t.Errorf("aggregated content = %q", aggregated.Messages[0].Content)
	}
	if aggregated.Messages[1].Role != "assistant" {
		t.Error("aggregation must not cross role boundaries")
	}
}

func TestCompileMissingBlob(t *testing.T) {
	store, eng, comp := setup(t)
	ctx := context.Background()

	c, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "U"}, types.OpAppend, engine.CommitOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// Point a commit at a missing blob by constructing the message
	// directly from a row with a bogus content hash.
	row, err := store.GetCommit(ctx, c.CommitHash)
	if err != nil {
		t.Fatal(err)
	}
	row.ContentHash = "does-not-exist"
	msg, err := comp.BuildMessage(ctx, row)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Role != "system" || msg.Content != "[missing content]" {
		t.Errorf("missing blob message = %+v", msg)
	}
}

func TestTypeToRoleOverride(t *testing.T) {
	_, eng, _ := setup(t)
	ctx := context.Background()
	store := eng.Store()

	eng.CreateCommit(ctx, content.Reasoning{Text: "thinking"}, types.OpAppend, engine.CommitOptions{})

	comp := New(store, tokens.NewHeuristicCounter(), map[string]string{types.TypeReasoning: "system"}, nil)
	result, err := comp.Compile(ctx, "t1", head(t, eng), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Messages[0].Role != "system" {
		t.Errorf("override ignored: role = %s", result.Messages[0].Role)
	}
}
