package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAppendCreatesAndAppends(t *testing.T) {
	dir, err := os.MkdirTemp("", "tract-audit-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	logger := NewLogger(dir)

	id1, err := logger.Append(&Entry{Kind: "llm_call", Model: "m1", Prompt: "p", Response: "r"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !strings.HasPrefix(id1, idPrefix) {
		t.Errorf("id = %q", id1)
	}
	id2, err := logger.Append(&Entry{Kind: "llm_call", Error: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Error("ids should be unique")
	}

	f, err := os.Open(filepath.Join(dir, ".tract", FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad JSONL line: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0].Model != "m1" || lines[0].CreatedAt.IsZero() {
		t.Errorf("first entry = %+v", lines[0])
	}
	if lines[1].Error != "boom" {
		t.Errorf("second entry = %+v", lines[1])
	}
}
