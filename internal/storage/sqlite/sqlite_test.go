package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "tract-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(context.Background(), filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testCommit(tractID, hash, parent string, at time.Time) *storage.CommitRow {
	return &storage.CommitRow{
		CommitHash:  hash,
		TractID:     tractID,
		ParentHash:  parent,
		ContentHash: "content-" + hash,
		ContentType: types.TypeDialogue,
		Operation:   types.OpAppend,
		TokenCount:  3,
		CreatedAt:   at,
	}
}

func TestBlobDedup(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	blob := &storage.BlobRow{ContentHash: "abc123", Payload: `{"text":"hi"}`}
	if err := store.SaveBlob(ctx, blob); err != nil {
		t.Fatalf("SaveBlob failed: %v", err)
	}
	// Second save with the same hash is a no-op.
	if err := store.SaveBlob(ctx, blob); err != nil {
		t.Fatalf("duplicate SaveBlob failed: %v", err)
	}

	got, err := store.GetBlob(ctx, "abc123")
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if got == nil || got.Payload != `{"text":"hi"}` {
		t.Errorf("GetBlob = %+v", got)
	}

	missing, err := store.GetBlob(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("missing blob should be nil, nil; got %v, %v", missing, err)
	}
}

func TestCommitRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	at := types.NormalizeTime(time.Now())
	c := testCommit("t1", "aaaa1111", "", at)
	c.Message = "first"
	c.Metadata = map[string]string{"k": "v"}
	c.GenerationConfig = types.GenerationConfig{"model": "m1", "temperature": 0.5}

	if err := store.SaveBlob(ctx, &storage.BlobRow{ContentHash: c.ContentHash, Payload: "{}"}); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCommit(ctx, c); err != nil {
		t.Fatalf("SaveCommit failed: %v", err)
	}

	got, err := store.GetCommit(ctx, "aaaa1111")
	if err != nil {
		t.Fatalf("GetCommit failed: %v", err)
	}
	if got == nil {
		t.Fatal("commit not found")
	}
	if got.Message != "first" || got.Metadata["k"] != "v" {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if got.GenerationConfig["model"] != "m1" {
		t.Errorf("generation config lost: %+v", got.GenerationConfig)
	}
	if !got.CreatedAt.Equal(at) {
		t.Errorf("created_at %v != %v", got.CreatedAt, at)
	}

	// Duplicate hash must fail: commits are append-only.
	if err := store.SaveCommit(ctx, c); err == nil {
		t.Error("duplicate commit hash should fail")
	}
}

func TestGetCommitByPrefix(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	at := types.NormalizeTime(time.Now())

	for _, hash := range []string{"abcd1111", "abce2222", "ffff3333"} {
		c := testCommit("t1", hash, "", at)
		if err := store.SaveBlob(ctx, &storage.BlobRow{ContentHash: c.ContentHash, Payload: "{}"}); err != nil {
			t.Fatal(err)
		}
		if err := store.SaveCommit(ctx, c); err != nil {
			t.Fatal(err)
		}
		at = at.Add(time.Microsecond)
	}

	got, err := store.GetCommitByPrefix(ctx, "t1", "abcd")
	if err != nil {
		t.Fatalf("unique prefix failed: %v", err)
	}
	if got.CommitHash != "abcd1111" {
		t.Errorf("resolved %s", got.CommitHash)
	}

	if _, err := store.GetCommitByPrefix(ctx, "t1", "abc"); err == nil {
		t.Error("prefix under 4 chars should fail")
	}
	if _, err := store.GetCommitByPrefix(ctx, "t1", "abcx"); err == nil {
		t.Error("missing prefix should fail")
	} else {
		var notFound *types.CommitNotFoundError
		if !errors.As(err, &notFound) {
			t.Errorf("want CommitNotFoundError, got %T", err)
		}
	}

	// Insert a second commit sharing the abcd prefix.
	c := testCommit("t1", "abcd9999", "", at)
	_ = store.SaveBlob(ctx, &storage.BlobRow{ContentHash: c.ContentHash, Payload: "{}"})
	_ = store.SaveCommit(ctx, c)
	if _, err := store.GetCommitByPrefix(ctx, "t1", "abcd"); err == nil {
		t.Error("ambiguous prefix should fail")
	}
}

func TestGetAncestors(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	at := types.NormalizeTime(time.Now())

	hashes := []string{"c1c1c1c1", "c2c2c2c2", "c3c3c3c3"}
	parent := ""
	for _, h := range hashes {
		c := testCommit("t1", h, parent, at)
		_ = store.SaveBlob(ctx, &storage.BlobRow{ContentHash: c.ContentHash, Payload: "{}"})
		if err := store.SaveCommit(ctx, c); err != nil {
			t.Fatal(err)
		}
		parent = h
		at = at.Add(time.Microsecond)
	}

	ancestors, err := store.GetAncestors(ctx, "c3c3c3c3", 0)
	if err != nil {
		t.Fatalf("GetAncestors failed: %v", err)
	}
	if len(ancestors) != 3 {
		t.Fatalf("got %d ancestors", len(ancestors))
	}
	if ancestors[0].CommitHash != "c3c3c3c3" || ancestors[2].CommitHash != "c1c1c1c1" {
		t.Error("ancestors should be newest first")
	}

	limited, _ := store.GetAncestors(ctx, "c3c3c3c3", 2)
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestRefs(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	if err := store.SetRef(ctx, "t1", storage.RefHead, "h1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRef(ctx, "t1", storage.BranchRefPrefix+"main", "h1"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetRef(ctx, "t1", storage.BranchRefPrefix+"feat", "h2"); err != nil {
		t.Fatal(err)
	}

	head, err := store.GetRef(ctx, "t1", storage.RefHead)
	if err != nil || head != "h1" {
		t.Errorf("HEAD = %q, %v", head, err)
	}

	// Moving a ref overwrites.
	_ = store.SetRef(ctx, "t1", storage.RefHead, "h2")
	head, _ = store.GetRef(ctx, "t1", storage.RefHead)
	if head != "h2" {
		t.Errorf("HEAD after move = %q", head)
	}

	branches, err := store.ListRefs(ctx, "t1", storage.BranchRefPrefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(branches) != 2 {
		t.Errorf("branches = %v", branches)
	}

	// Missing ref reads as empty, deleting is idempotent.
	missing, err := store.GetRef(ctx, "t1", "NOPE")
	if err != nil || missing != "" {
		t.Errorf("missing ref = %q, %v", missing, err)
	}
	if err := store.DeleteRef(ctx, "t1", storage.BranchRefPrefix+"feat"); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRef(ctx, "t1", storage.BranchRefPrefix+"feat"); err != nil {
		t.Fatal(err)
	}

	// Tract isolation.
	other, _ := store.GetRef(ctx, "t2", storage.RefHead)
	if other != "" {
		t.Error("refs must be scoped by tract")
	}
}

func TestAnnotationsLatestWins(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	at := types.NormalizeTime(time.Now())

	for i, p := range []types.Priority{types.PriorityNormal, types.PrioritySkip, types.PriorityPinned} {
		ann := &storage.AnnotationRow{
			TractID:    "t1",
			TargetHash: "target1",
			Priority:   p,
			Reason:     fmt.Sprintf("r%d", i),
			CreatedAt:  at.Add(time.Duration(i) * time.Microsecond),
		}
		if err := store.SaveAnnotation(ctx, ann); err != nil {
			t.Fatal(err)
		}
		if ann.ID == 0 {
			t.Error("SaveAnnotation should fill the ID")
		}
	}

	latest, err := store.GetLatestAnnotation(ctx, "target1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Priority != types.PriorityPinned {
		t.Errorf("latest = %s", latest.Priority)
	}

	history, err := store.GetAnnotationHistory(ctx, "target1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 || history[0].Priority != types.PriorityNormal {
		t.Errorf("history wrong: %+v", history)
	}

	batch, err := store.GetLatestAnnotations(ctx, []string{"target1", "unknown"})
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 || batch["target1"].Priority != types.PriorityPinned {
		t.Errorf("batch = %+v", batch)
	}
}

func TestAnnotationRetentionRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	ann := &storage.AnnotationRow{
		TractID:    "t1",
		TargetHash: "target1",
		Priority:   types.PriorityImportant,
		Retention: &types.Retention{
			Instructions: "keep the dollar amounts",
			Patterns:     []string{`\d{4}-\d{2}-\d{2}`},
			PatternMode:  "regex",
		},
		CreatedAt: types.NormalizeTime(time.Now()),
	}
	if err := store.SaveAnnotation(ctx, ann); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetLatestAnnotation(ctx, "target1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Retention == nil || got.Retention.PatternMode != "regex" || len(got.Retention.Patterns) != 1 {
		t.Errorf("retention lost: %+v", got.Retention)
	}
}

func TestTractsAndSpawns(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	now := types.NormalizeTime(time.Now())

	for _, id := range []string{"parent-1", "child-1"} {
		if err := store.CreateTract(ctx, &types.TractRecord{TractID: id, DisplayName: id, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.ListTracts(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListTracts = %v, %v", all, err)
	}

	spawn := &storage.SpawnRow{
		ParentTractID:   "parent-1",
		ChildTractID:    "child-1",
		Purpose:         "research",
		InheritanceMode: types.InheritHeadSnapshot,
		CreatedAt:       now,
	}
	if err := store.SaveSpawn(ctx, spawn); err != nil {
		t.Fatal(err)
	}

	children, err := store.GetSpawnsByParent(ctx, "parent-1")
	if err != nil || len(children) != 1 {
		t.Fatalf("GetSpawnsByParent = %v, %v", children, err)
	}
	byChild, err := store.GetSpawnByChild(ctx, "child-1")
	if err != nil || byChild == nil || byChild.Purpose != "research" {
		t.Fatalf("GetSpawnByChild = %+v, %v", byChild, err)
	}
}

func TestTransactionRollback(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Store) error {
		if err := tx.SetRef(ctx, "t1", storage.RefHead, "h1"); err != nil {
			return err
		}
		// Read-your-writes inside the transaction.
		head, err := tx.GetRef(ctx, "t1", storage.RefHead)
		if err != nil {
			return err
		}
		if head != "h1" {
			t.Errorf("in-tx read = %q", head)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("transaction error = %v", err)
	}

	head, _ := store.GetRef(ctx, "t1", storage.RefHead)
	if head != "" {
		t.Error("rollback should discard the ref write")
	}
}

func TestTransactionCommit(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	err := store.RunInTransaction(ctx, func(tx storage.Store) error {
		return tx.SetRef(ctx, "t1", storage.RefHead, "h1")
	})
	if err != nil {
		t.Fatal(err)
	}
	head, _ := store.GetRef(ctx, "t1", storage.RefHead)
	if head != "h1" {
		t.Error("commit should persist the ref write")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "tract-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)
	path := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	store, err := New(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	at := types.NormalizeTime(time.Now())
	c := testCommit("t1", "aaaa1111", "", at)
	_ = store.SaveBlob(ctx, &storage.BlobRow{ContentHash: c.ContentHash, Payload: `{"text":"S"}`})
	if err := store.SaveCommit(ctx, c); err != nil {
		t.Fatal(err)
	}
	_ = store.SetRef(ctx, "t1", storage.RefHead, "aaaa1111")
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := New(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	got, err := reopened.GetCommit(ctx, "aaaa1111")
	if err != nil || got == nil {
		t.Fatalf("commit lost across reopen: %v, %v", got, err)
	}
	head, _ := reopened.GetRef(ctx, "t1", storage.RefHead)
	if head != "aaaa1111" {
		t.Errorf("HEAD lost across reopen: %q", head)
	}
}

func TestGetCommitsByConfig(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	at := types.NormalizeTime(time.Now())

	for i, model := range []string{"m1", "m2", "m1"} {
		c := testCommit("t1", fmt.Sprintf("c%d%d%d%d0000", i, i, i, i), "", at)
		c.GenerationConfig = types.GenerationConfig{"model": model, "temperature": float64(i)}
		_ = store.SaveBlob(ctx, &storage.BlobRow{ContentHash: c.ContentHash, Payload: "{}"})
		if err := store.SaveCommit(ctx, c); err != nil {
			t.Fatal(err)
		}
		at = at.Add(time.Microsecond)
	}

	m1, err := store.GetCommitsByConfig(ctx, "t1", "model", "=", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(m1) != 2 {
		t.Errorf("model=m1 matched %d commits", len(m1))
	}

	hot, err := store.GetCommitsByConfig(ctx, "t1", "temperature", ">", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hot) != 2 {
		t.Errorf("temperature>0 matched %d commits", len(hot))
	}

	if _, err := store.GetCommitsByConfig(ctx, "t1", "model", "LIKE", "m%"); err == nil {
		t.Error("unsupported operator should fail")
	}
}
