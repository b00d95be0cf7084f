package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/storage/sqlite"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

func setup(t *testing.T) *Engine {
	t.Helper()
	store, err := sqlite.New(context.Background(), sqlite.MemoryPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, tokens.NewHeuristicCounter(), "t1", &Clock{}, nil)
}

func mustAppend(t *testing.T, eng *Engine, text string) string {
	t.Helper()
	row, err := eng.CreateCommit(context.Background(), content.Dialogue{Role: "user", Text: text},
		types.OpAppend, CommitOptions{})
	if err != nil {
		t.Fatal(err)
	}
	return row.CommitHash
}

func TestClockMonotonic(t *testing.T) {
	c := &Clock{}
	prev := c.Now()
	for i := 0; i < 100; i++ {
		next := c.Now()
		if !next.After(prev) {
			t.Fatal("timestamps must be strictly increasing")
		}
		prev = next
	}
}

func TestFirstCommitCreatesMain(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	hash := mustAppend(t, eng, "hello")

	branch, err := eng.CurrentBranch(ctx)
	if err != nil || branch != "main" {
		t.Errorf("current branch = %q, %v", branch, err)
	}
	tip, err := eng.BranchTip(ctx, "main")
	if err != nil || tip != hash {
		t.Errorf("main tip = %q, %v", tip, err)
	}
	head, _ := eng.Head(ctx)
	if head != hash {
		t.Errorf("HEAD = %q", head)
	}
}

func TestCommitAdvancesBranchAndHead(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	first := mustAppend(t, eng, "one")
	second := mustAppend(t, eng, "two")

	head, _ := eng.Head(ctx)
	tip, _ := eng.BranchTip(ctx, "main")
	if head != second || tip != second {
		t.Errorf("head=%s tip=%s want %s", types.Short(head), types.Short(tip), types.Short(second))
	}

	row, err := eng.Store().GetCommit(ctx, second)
	if err != nil || row.ParentHash != first {
		t.Errorf("parent linkage wrong: %+v, %v", row, err)
	}
}

func TestEditRequiresAncestorTarget(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	mustAppend(t, eng, "base")

	_, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "new"},
		types.OpEdit, CommitOptions{ResponseTo: "ffffffffffffffff"})
	var editErr *types.EditTargetError
	if !errors.As(err, &editErr) {
		t.Errorf("want EditTargetError, got %v", err)
	}

	// Missing response_to for an edit.
	_, err = eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "new"},
		types.OpEdit, CommitOptions{})
	if !errors.As(err, &editErr) {
		t.Errorf("edit without target: %v", err)
	}

	// response_to on an append is invalid.
	_, err = eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "x"},
		types.OpAppend, CommitOptions{ResponseTo: "abcd1234"})
	if err == nil {
		t.Error("append with response_to should fail")
	}
}

func TestEditAdvancesBranch(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	target := mustAppend(t, eng, "old")
	edit, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "new"},
		types.OpEdit, CommitOptions{ResponseTo: target})
	if err != nil {
		t.Fatal(err)
	}
	tip, _ := eng.BranchTip(ctx, "main")
	if tip != edit.CommitHash {
		t.Error("EDIT must advance the attached branch: HEAD stays coherent")
	}
}

func TestDetachedCommitRefused(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	hash := mustAppend(t, eng, "one")
	mustAppend(t, eng, "two")

	if _, err := eng.Checkout(ctx, hash); err != nil {
		t.Fatal(err)
	}
	detached, _ := eng.IsDetached(ctx)
	if !detached {
		t.Fatal("checkout of a commit should detach HEAD")
	}

	_, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "three"},
		types.OpAppend, CommitOptions{})
	if !errors.Is(err, types.ErrDetachedHead) {
		t.Errorf("detached append = %v", err)
	}

	// AllowDetached (rebase replay) bypasses the check.
	_, err = eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "three"},
		types.OpAppend, CommitOptions{AllowDetached: true})
	if err != nil {
		t.Errorf("AllowDetached append failed: %v", err)
	}
}

func TestBranchCreateSwitchDelete(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	base := mustAppend(t, eng, "base")

	tip, err := eng.Branch(ctx, "feat", "", true)
	if err != nil || tip != base {
		t.Fatalf("branch create = %q, %v", tip, err)
	}
	branch, _ := eng.CurrentBranch(ctx)
	if branch != "feat" {
		t.Errorf("current branch = %q", branch)
	}

	if _, err := eng.Branch(ctx, "feat", "", false); err == nil {
		t.Error("duplicate branch name should fail")
	}
	if _, err := eng.Branch(ctx, "bad name", "", false); err == nil {
		t.Error("invalid branch name should fail")
	}

	if _, err := eng.Switch(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Switch(ctx, "ghost"); err == nil {
		t.Error("switch to a missing branch should fail")
	} else {
		var notFound *types.BranchNotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("want BranchNotFoundError, got %T", err)
		}
	}

	// feat tip equals main tip, so it is merged and deletable.
	if err := eng.DeleteBranch(ctx, "feat", false); err != nil {
		t.Errorf("delete merged branch: %v", err)
	}

	// Current branch is protected.
	if err := eng.DeleteBranch(ctx, "main", true); err == nil {
		t.Error("deleting the current branch should fail")
	}
}

func TestDeleteBranchUnmergedNeedsForce(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	mustAppend(t, eng, "base")
	if _, err := eng.Branch(ctx, "feat", "", true); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, eng, "feature work")
	if _, err := eng.Switch(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	if err := eng.DeleteBranch(ctx, "feat", false); err == nil {
		t.Error("unmerged branch should need force")
	}
	if err := eng.DeleteBranch(ctx, "feat", true); err != nil {
		t.Errorf("forced delete failed: %v", err)
	}
}

func TestCheckoutPrefixAndDash(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	first := mustAppend(t, eng, "one")
	second := mustAppend(t, eng, "two")

	// Unique prefix detaches at the commit.
	resolved, err := eng.Checkout(ctx, first[:8])
	if err != nil || resolved != first {
		t.Fatalf("prefix checkout = %q, %v", resolved, err)
	}

	// "-" returns to the previous position (the branch).
	back, err := eng.Checkout(ctx, "-")
	if err != nil {
		t.Fatal(err)
	}
	if back != second {
		t.Errorf("checkout - = %s, want %s", types.Short(back), types.Short(second))
	}
	branch, _ := eng.CurrentBranch(ctx)
	if branch != "main" {
		t.Errorf("checkout - should reattach to main, got %q", branch)
	}
}

func TestReset(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	first := mustAppend(t, eng, "one")
	mustAppend(t, eng, "two")

	resolved, err := eng.Reset(ctx, first[:8])
	if err != nil || resolved != first {
		t.Fatalf("reset = %q, %v", resolved, err)
	}
	head, _ := eng.Head(ctx)
	tip, _ := eng.BranchTip(ctx, "main")
	if head != first || tip != first {
		t.Error("reset must move both the branch and HEAD")
	}

	// Detached reset is refused.
	if _, err := eng.Checkout(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Reset(ctx, first); !errors.Is(err, types.ErrDetachedHead) {
		t.Errorf("detached reset = %v", err)
	}
}

func TestLogFilter(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	target := mustAppend(t, eng, "one")
	mustAppend(t, eng, "two")
	if _, err := eng.CreateCommit(ctx, content.Dialogue{Role: "user", Text: "one'"},
		types.OpEdit, CommitOptions{ResponseTo: target}); err != nil {
		t.Fatal(err)
	}

	all, err := eng.Log(ctx, 10, "")
	if err != nil || len(all) != 3 {
		t.Fatalf("log = %d entries, %v", len(all), err)
	}
	if all[0].Operation != types.OpEdit {
		t.Error("log should be newest first")
	}

	edits, err := eng.Log(ctx, 10, types.OpEdit)
	if err != nil || len(edits) != 1 {
		t.Errorf("edit filter = %d entries, %v", len(edits), err)
	}

	limited, _ := eng.Log(ctx, 2, "")
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestAnnotateUnknownCommit(t *testing.T) {
	eng := setup(t)
	ctx := context.Background()

	_, err := eng.Annotate(ctx, "ffffffff", types.PrioritySkip, AnnotateOptions{})
	var notFound *types.CommitNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("want CommitNotFoundError, got %v", err)
	}
}
