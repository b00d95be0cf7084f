package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/tracthq/tract/internal/merge"
	"github.com/tracthq/tract/internal/types"
)

// fakeClient returns canned responses and records prompts.
type fakeClient struct {
	response string
	prompts  []string
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.response, nil
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{
			name: "plain json",
			raw:  `{"action": "resolved", "content_text": "merged", "reasoning": "combined both"}`,
			want: types.ResolveResolved,
		},
		{
			name: "fenced json",
			raw:  "```json\n{\"action\": \"skip\"}\n```",
			want: types.ResolveSkip,
		},
		{
			name: "json with prose",
			raw:  "Here is my decision:\n{\"action\": \"abort\", \"reasoning\": \"irreconcilable\"}\nThanks!",
			want: types.ResolveAbort,
		},
		{
			name:    "unknown action",
			raw:     `{"action": "maybe"}`,
			wantErr: true,
		},
		{
			name:    "no json",
			raw:     "I cannot decide.",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResolution(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got.Action != tt.want {
				t.Errorf("action = %q, want %q", got.Action, tt.want)
			}
		})
	}
}

func TestConflictResolverPromptAndResult(t *testing.T) {
	client := &fakeClient{response: `{"action": "resolved", "content_text": "C", "reasoning": "merged A and B"}`}
	resolver := NewConflictResolver(client)

	conflict := merge.ConflictInfo{
		Type:                merge.ConflictBothEdit,
		ContentAText:        "version A",
		ContentBText:        "version B",
		AncestorContentText: "the base",
		TargetHash:          "abcd1234",
	}
	resolution, err := resolver(context.Background(), conflict)
	if err != nil {
		t.Fatal(err)
	}
	if resolution.Action != types.ResolveResolved || resolution.ContentText != "C" {
		t.Errorf("resolution = %+v", resolution)
	}

	prompt := client.prompts[0]
	for _, fragment := range []string{"version A", "version B", "the base", merge.ConflictBothEdit} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("prompt missing %q", fragment)
		}
	}
}

func TestSummarize(t *testing.T) {
	client := &fakeClient{response: "The task found three bugs."}
	summary, err := Summarize(context.Background(), client, "bug hunt", []types.Message{
		{Role: "system", Content: "be thorough"},
		{Role: "assistant", Content: "found bug in parser"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if summary != "The task found three bugs." {
		t.Errorf("summary = %q", summary)
	}
	if !strings.Contains(client.prompts[0], "bug hunt") {
		t.Error("purpose should appear in the prompt")
	}
	if !strings.Contains(client.prompts[0], "found bug in parser") {
		t.Error("conversation should appear in the prompt")
	}
}
