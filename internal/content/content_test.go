package content

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tracthq/tract/internal/types"
)

func TestValidateBuiltins(t *testing.T) {
	tests := []struct {
		name    string
		raw     map[string]any
		wantErr bool
	}{
		{
			name: "valid instruction",
			raw:  map[string]any{"content_type": "instruction", "text": "be helpful"},
		},
		{
			name:    "instruction missing text",
			raw:     map[string]any{"content_type": "instruction"},
			wantErr: true,
		},
		{
			name: "valid dialogue",
			raw:  map[string]any{"content_type": "dialogue", "role": "user", "text": "hi"},
		},
		{
			name:    "dialogue bad role",
			raw:     map[string]any{"content_type": "dialogue", "role": "system", "text": "hi"},
			wantErr: true,
		},
		{
			name: "valid tool_io",
			raw: map[string]any{
				"content_type": "tool_io", "tool_name": "search",
				"direction": "call", "payload": map[string]any{"q": "go"},
			},
		},
		{
			name: "tool_io bad direction",
			raw: map[string]any{
				"content_type": "tool_io", "tool_name": "search", "direction": "sideways",
			},
			wantErr: true,
		},
		{
			name: "valid artifact",
			raw:  map[string]any{"content_type": "artifact", "title": "report", "content": "..."},
		},
		{
			name: "valid freeform",
			raw:  map[string]any{"content_type": "freeform", "payload": map[string]any{"k": "v"}},
		},
		{
			name:    "missing content_type",
			raw:     map[string]any{"text": "hi"},
			wantErr: true,
		},
		{
			name:    "unknown type without registry",
			raw:     map[string]any{"content_type": "telemetry", "value": 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var vErr *types.ContentValidationError
				if !errors.As(err, &vErr) {
					t.Errorf("error should be ContentValidationError, got %T", err)
				}
			}
		})
	}
}

func TestValidateCustomRegistry(t *testing.T) {
	registry := Registry{}
	registry.Register("telemetry", func(fields map[string]any) error {
		if _, ok := fields["value"]; !ok {
			return fmt.Errorf("value is required")
		}
		return nil
	})

	payload, err := Validate(map[string]any{"content_type": "telemetry", "value": 42.0}, registry)
	if err != nil {
		t.Fatalf("custom validate failed: %v", err)
	}
	if payload.ContentType() != "telemetry" {
		t.Errorf("content type = %s, want telemetry", payload.ContentType())
	}

	_, err = Validate(map[string]any{"content_type": "telemetry"}, registry)
	if err == nil {
		t.Error("validator rejection should propagate")
	}
}

func TestMarshalInjectsContentType(t *testing.T) {
	fields, err := Marshal(Dialogue{Role: "user", Text: "hi", Name: "ana"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if fields["content_type"] != "dialogue" {
		t.Errorf("content_type = %v", fields["content_type"])
	}
	if fields["role"] != "user" || fields["text"] != "hi" || fields["name"] != "ana" {
		t.Errorf("unexpected fields: %v", fields)
	}
}

func TestFromRawAcceptsUnknownTypes(t *testing.T) {
	payload, err := FromRaw(map[string]any{"content_type": "telemetry", "value": 1.0})
	if err != nil {
		t.Fatalf("FromRaw failed: %v", err)
	}
	custom, ok := payload.(Custom)
	if !ok {
		t.Fatalf("expected Custom, got %T", payload)
	}
	if custom.Fields["value"] != 1.0 {
		t.Errorf("fields not preserved: %v", custom.Fields)
	}
}

func TestExtractText(t *testing.T) {
	text := ExtractText("tool_io", map[string]any{
		"content_type": "tool_io",
		"tool_name":    "search",
		"direction":    "result",
		"status":       "ok",
		"payload":      map[string]any{"hits": 3.0},
	})
	if !strings.HasPrefix(text, "Tool result: search (ok)") {
		t.Errorf("tool_io header wrong: %q", text)
	}
	if !strings.Contains(text, `"hits"`) {
		t.Errorf("tool_io payload missing: %q", text)
	}

	if got := ExtractText("instruction", map[string]any{"text": "x"}); got != "x" {
		t.Errorf("text extraction = %q", got)
	}
	if got := ExtractText("artifact", map[string]any{"title": "t", "content": "body"}); got != "body" {
		t.Errorf("artifact extraction = %q", got)
	}
}

func TestDefaultPriorities(t *testing.T) {
	if DefaultPriority(types.TypeInstruction) != types.PriorityPinned {
		t.Error("instructions default to PINNED")
	}
	if DefaultPriority(types.TypeDialogue) != types.PriorityNormal {
		t.Error("dialogue defaults to NORMAL")
	}
	if DefaultPriority("custom-thing") != types.PriorityNormal {
		t.Error("unknown types default to NORMAL")
	}
}
