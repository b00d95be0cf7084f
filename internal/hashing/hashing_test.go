package hashing

import (
	"testing"
	"time"

	"github.com/tracthq/tract/internal/types"
)

func TestCanonicalizeStableAcrossFieldOrder(t *testing.T) {
	a := map[string]any{"content_type": "dialogue", "role": "user", "text": "hi"}
	b := map[string]any{"text": "hi", "role": "user", "content_type": "dialogue"}

	ca, err := Canonicalize(a)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	cb, err := Canonicalize(b)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
	if ContentHash(ca) != ContentHash(cb) {
		t.Error("equal payloads must hash equal")
	}
}

func TestCanonicalizeStableAcrossReserialization(t *testing.T) {
	type payload struct {
		Text string `json:"text"`
		Role string `json:"role"`
	}
	structForm := payload{Text: "hello", Role: "user"}
	mapForm := map[string]any{"role": "user", "text": "hello"}

	cs, err := Canonicalize(structForm)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	cm, err := Canonicalize(mapForm)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if string(cs) != string(cm) {
		t.Errorf("struct and map forms should canonicalize identically:\n%s\n%s", cs, cm)
	}
}

func TestCommitHashDependsOnFields(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	base, err := CommitHash("t1", "p1", "c1", types.OpAppend, "", "msg", at)
	if err != nil {
		t.Fatalf("CommitHash failed: %v", err)
	}

	same, _ := CommitHash("t1", "p1", "c1", types.OpAppend, "", "msg", at)
	if base != same {
		t.Error("identical fields must produce identical hashes")
	}

	variants := []struct {
		name string
		hash func() (string, error)
	}{
		{"tract", func() (string, error) {
			return CommitHash("t2", "p1", "c1", types.OpAppend, "", "msg", at)
		}},
		{"parent", func() (string, error) {
			return CommitHash("t1", "p2", "c1", types.OpAppend, "", "msg", at)
		}},
		{"content", func() (string, error) {
			return CommitHash("t1", "p1", "c2", types.OpAppend, "", "msg", at)
		}},
		{"operation", func() (string, error) {
			return CommitHash("t1", "p1", "c1", types.OpEdit, "", "msg", at)
		}},
		{"response_to", func() (string, error) {
			return CommitHash("t1", "p1", "c1", types.OpAppend, "r1", "msg", at)
		}},
		{"message", func() (string, error) {
			return CommitHash("t1", "p1", "c1", types.OpAppend, "", "other", at)
		}},
		{"created_at", func() (string, error) {
			return CommitHash("t1", "p1", "c1", types.OpAppend, "", "msg", at.Add(time.Microsecond))
		}},
	}
	for _, v := range variants {
		got, err := v.hash()
		if err != nil {
			t.Fatalf("%s: %v", v.name, err)
		}
		if got == base {
			t.Errorf("changing %s should change the commit hash", v.name)
		}
	}
}

func TestCommitHashNormalizesTimezone(t *testing.T) {
	utc := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	offset := utc.In(time.FixedZone("X", 3600))

	a, _ := CommitHash("t1", "", "c1", types.OpAppend, "", "", utc)
	b, _ := CommitHash("t1", "", "c1", types.OpAppend, "", "", offset)
	if a != b {
		t.Error("the same instant in different zones must hash equal")
	}
}
