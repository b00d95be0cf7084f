// Package content defines the tagged content model: one variant per
// content_type, a validator that dispatches untyped maps to variant
// schemas, and a per-session registry for custom variants.
package content

import (
	"encoding/json"
	"fmt"

	"github.com/tracthq/tract/internal/types"
)

// Payload is implemented by every content variant.
type Payload interface {
	// ContentType returns the discriminator value for this variant.
	ContentType() types.ContentType
	// Validate checks variant-specific constraints.
	Validate() error
}

// Instruction is system-level guidance. Default role "system",
// default priority PINNED.
type Instruction struct {
	Text string `json:"text"`
}

func (Instruction) ContentType() types.ContentType { return types.TypeInstruction }

func (c Instruction) Validate() error {
	if c.Text == "" {
		return &types.ContentValidationError{ContentType: types.TypeInstruction, Reason: "text is required"}
	}
	return nil
}

// Dialogue is one conversational turn. The role comes from the payload.
type Dialogue struct {
	Role string `json:"role"`
	Text string `json:"text"`
	Name string `json:"name,omitempty"`
}

func (Dialogue) ContentType() types.ContentType { return types.TypeDialogue }

func (c Dialogue) Validate() error {
	if c.Role != "user" && c.Role != "assistant" {
		return &types.ContentValidationError{
			ContentType: types.TypeDialogue,
			Reason:      fmt.Sprintf("role must be 'user' or 'assistant', got %q", c.Role),
		}
	}
	if c.Text == "" {
		return &types.ContentValidationError{ContentType: types.TypeDialogue, Reason: "text is required"}
	}
	return nil
}

// ToolIO records a tool call or result.
type ToolIO struct {
	ToolName  string         `json:"tool_name"`
	Direction string         `json:"direction"`
	Payload   map[string]any `json:"payload"`
	Status    string         `json:"status,omitempty"`
}

func (ToolIO) ContentType() types.ContentType { return types.TypeToolIO }

func (c ToolIO) Validate() error {
	if c.ToolName == "" {
		return &types.ContentValidationError{ContentType: types.TypeToolIO, Reason: "tool_name is required"}
	}
	if c.Direction != "call" && c.Direction != "result" {
		return &types.ContentValidationError{
			ContentType: types.TypeToolIO,
			Reason:      fmt.Sprintf("direction must be 'call' or 'result', got %q", c.Direction),
		}
	}
	return nil
}

// Reasoning is model thinking captured as context.
type Reasoning struct {
	Text string `json:"text"`
}

func (Reasoning) ContentType() types.ContentType { return types.TypeReasoning }

func (c Reasoning) Validate() error {
	if c.Text == "" {
		return &types.ContentValidationError{ContentType: types.TypeReasoning, Reason: "text is required"}
	}
	return nil
}

// Artifact is a produced document or file body.
type Artifact struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	MIME    string `json:"mime,omitempty"`
}

func (Artifact) ContentType() types.ContentType { return types.TypeArtifact }

func (c Artifact) Validate() error {
	if c.Title == "" {
		return &types.ContentValidationError{ContentType: types.TypeArtifact, Reason: "title is required"}
	}
	return nil
}

// Output is a final model response.
type Output struct {
	Text string `json:"text"`
}

func (Output) ContentType() types.ContentType { return types.TypeOutput }

func (c Output) Validate() error {
	if c.Text == "" {
		return &types.ContentValidationError{ContentType: types.TypeOutput, Reason: "text is required"}
	}
	return nil
}

// Freeform carries an arbitrary payload map.
type Freeform struct {
	Payload map[string]any `json:"payload"`
}

func (Freeform) ContentType() types.ContentType { return types.TypeFreeform }

func (c Freeform) Validate() error {
	if c.Payload == nil {
		return &types.ContentValidationError{ContentType: types.TypeFreeform, Reason: "payload is required"}
	}
	return nil
}

// Custom is a registered user-defined variant. Fields are kept as the
// raw map; the registered validator has already accepted them.
type Custom struct {
	TypeName string
	Fields   map[string]any
}

func (c Custom) ContentType() types.ContentType { return c.TypeName }

func (c Custom) Validate() error {
	if c.TypeName == "" {
		return &types.ContentValidationError{Reason: "custom content requires a type name"}
	}
	return nil
}

// Hints describes per-type compile behavior: the default role the
// compiler assigns and the default priority absent any annotation.
type Hints struct {
	DefaultRole     string
	DefaultPriority types.Priority
}

// BuiltinHints maps each builtin content type to its compile hints.
var BuiltinHints = map[types.ContentType]Hints{
	types.TypeInstruction: {DefaultRole: "system", DefaultPriority: types.PriorityPinned},
	types.TypeDialogue:    {DefaultRole: "user", DefaultPriority: types.PriorityNormal},
	types.TypeToolIO:      {DefaultRole: "tool", DefaultPriority: types.PriorityNormal},
	types.TypeReasoning:   {DefaultRole: "assistant", DefaultPriority: types.PriorityNormal},
	types.TypeArtifact:    {DefaultRole: "assistant", DefaultPriority: types.PriorityNormal},
	types.TypeOutput:      {DefaultRole: "assistant", DefaultPriority: types.PriorityNormal},
	types.TypeFreeform:    {DefaultRole: "assistant", DefaultPriority: types.PriorityNormal},
}

// DefaultPriority returns the fallback priority for a content type.
// Unknown (custom) types default to NORMAL.
func DefaultPriority(ct types.ContentType) types.Priority {
	if h, ok := BuiltinHints[ct]; ok {
		return h.DefaultPriority
	}
	return types.PriorityNormal
}

// Registry validates custom content types registered per session.
type Registry map[string]func(fields map[string]any) error

// Register adds a custom variant validator. A nil validator accepts
// any field set.
func (r Registry) Register(name string, validate func(fields map[string]any) error) {
	r[name] = validate
}

// Validate dispatches an untyped map on its content_type field to the
// matching variant schema. The registry, if non-nil, may add custom
// variants.
func Validate(raw map[string]any, registry Registry) (Payload, error) {
	ctVal, ok := raw["content_type"]
	if !ok {
		return nil, &types.ContentValidationError{Reason: "content_type field is required"}
	}
	ct, ok := ctVal.(string)
	if !ok {
		return nil, &types.ContentValidationError{Reason: "content_type must be a string"}
	}

	if _, builtin := BuiltinHints[ct]; !builtin {
		validate, registered := registry[ct]
		if !registered {
			return nil, &types.ContentValidationError{ContentType: ct, Reason: "unknown content type"}
		}
		fields := stripType(raw)
		if validate != nil {
			if err := validate(fields); err != nil {
				return nil, &types.ContentValidationError{ContentType: ct, Reason: err.Error()}
			}
		}
		return Custom{TypeName: ct, Fields: fields}, nil
	}

	payload, err := decodeBuiltin(ct, raw)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// FromRaw rebuilds a payload from a stored blob map. Unlike Validate
// it accepts unknown content types as Custom payloads, so replay of
// commits carrying unregistered custom variants still works.
func FromRaw(raw map[string]any) (Payload, error) {
	ct, ok := raw["content_type"].(string)
	if !ok || ct == "" {
		return nil, &types.ContentValidationError{Reason: "content_type field is required"}
	}
	if _, builtin := BuiltinHints[ct]; !builtin {
		return Custom{TypeName: ct, Fields: stripType(raw)}, nil
	}
	payload, err := decodeBuiltin(ct, raw)
	if err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

func stripType(raw map[string]any) map[string]any {
	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "content_type" {
			fields[k] = v
		}
	}
	return fields
}

func decodeBuiltin(ct string, raw map[string]any) (Payload, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, &types.ContentValidationError{ContentType: ct, Reason: err.Error()}
	}
	var payload Payload
	switch ct {
	case types.TypeInstruction:
		payload = &Instruction{}
	case types.TypeDialogue:
		payload = &Dialogue{}
	case types.TypeToolIO:
		payload = &ToolIO{}
	case types.TypeReasoning:
		payload = &Reasoning{}
	case types.TypeArtifact:
		payload = &Artifact{}
	case types.TypeOutput:
		payload = &Output{}
	case types.TypeFreeform:
		payload = &Freeform{}
	default:
		return nil, &types.ContentValidationError{ContentType: ct, Reason: "unknown content type"}
	}
	if err := json.Unmarshal(buf, payload); err != nil {
		return nil, &types.ContentValidationError{ContentType: ct, Reason: err.Error()}
	}
	return deref(payload), nil
}

// deref returns the value behind the decode pointer so callers always
// see value-typed payloads.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Instruction:
		return *v
	case *Dialogue:
		return *v
	case *ToolIO:
		return *v
	case *Reasoning:
		return *v
	case *Artifact:
		return *v
	case *Output:
		return *v
	case *Freeform:
		return *v
	}
	return p
}

// Marshal serializes a payload with its content_type discriminator
// injected, ready for canonicalization and blob storage.
func Marshal(p Payload) (map[string]any, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	var fields map[string]any
	if custom, ok := p.(Custom); ok {
		fields = make(map[string]any, len(custom.Fields)+1)
		for k, v := range custom.Fields {
			fields[k] = v
		}
	} else {
		buf, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
		if err := json.Unmarshal(buf, &fields); err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
	}
	fields["content_type"] = string(p.ContentType())
	return fields, nil
}

// TextOf returns the primary display text for a payload: the same
// text the commit engine extracts for raw token counting.
func TextOf(p Payload) string {
	fields, err := Marshal(p)
	if err != nil {
		return ""
	}
	return ExtractText(string(p.ContentType()), fields)
}
