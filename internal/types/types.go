// Package types defines the core domain types for tract: commits,
// priorities, annotations, compiled output, and status information.
package types

import (
	"time"
)

// Operation is the kind of mutation a commit performs on the context.
type Operation string

const (
	// OpAppend adds a new message at the end of the context.
	OpAppend Operation = "append"
	// OpEdit replaces the message of an earlier commit at compile time.
	OpEdit Operation = "edit"
)

// Valid reports whether the operation is a known value.
func (o Operation) Valid() bool {
	return o == OpAppend || o == OpEdit
}

// Priority is an append-only curation decision for a commit.
// The ordering is SKIP < NORMAL < IMPORTANT < PINNED.
type Priority string

const (
	PrioritySkip      Priority = "skip"
	PriorityNormal    Priority = "normal"
	PriorityImportant Priority = "important"
	PriorityPinned    Priority = "pinned"
)

// Valid reports whether the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PrioritySkip, PriorityNormal, PriorityImportant, PriorityPinned:
		return true
	}
	return false
}

// ContentType discriminates the shape of a commit's payload.
type ContentType = string

const (
	TypeInstruction ContentType = "instruction"
	TypeDialogue    ContentType = "dialogue"
	TypeToolIO      ContentType = "tool_io"
	TypeReasoning   ContentType = "reasoning"
	TypeArtifact    ContentType = "artifact"
	TypeOutput      ContentType = "output"
	TypeFreeform    ContentType = "freeform"
)

// GenerationConfig is the resolved LLM options captured when content
// was generated. Stored verbatim as JSON on the commit row.
type GenerationConfig map[string]any

// Clone returns a shallow copy, or nil for a nil config.
func (g GenerationConfig) Clone() GenerationConfig {
	if g == nil {
		return nil
	}
	out := make(GenerationConfig, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// CommitInfo is the public value object describing one commit.
type CommitInfo struct {
	CommitHash       string            `json:"commit_hash"`
	TractID          string            `json:"tract_id"`
	ParentHash       string            `json:"parent_hash,omitempty"`
	ContentHash      string            `json:"content_hash"`
	ContentType      ContentType       `json:"content_type"`
	Operation        Operation         `json:"operation"`
	ResponseTo       string            `json:"response_to,omitempty"`
	Message          string            `json:"message,omitempty"`
	TokenCount       int               `json:"token_count"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	GenerationConfig GenerationConfig  `json:"generation_config,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Retention carries optional criteria describing what must survive
// compression of an IMPORTANT commit. Instructions are fuzzy guidance
// for the summarizer; Patterns are deterministic checks.
type Retention struct {
	Instructions string   `json:"instructions,omitempty"`
	Patterns     []string `json:"patterns,omitempty"`
	// PatternMode is "literal" (default) or "regex".
	PatternMode string `json:"pattern_mode,omitempty"`
}

// Annotation is one append-only priority decision for a target commit.
// The effective priority of a commit is its latest annotation.
type Annotation struct {
	ID         int64      `json:"id"`
	TractID    string     `json:"tract_id"`
	TargetHash string     `json:"target_hash"`
	Priority   Priority   `json:"priority"`
	Reason     string     `json:"reason,omitempty"`
	Retention  *Retention `json:"retention,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Message is one LLM-ready message in a compiled context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// CompiledContext is the output of compiling a commit chain: a flat
// message sequence plus aggregate bookkeeping.
type CompiledContext struct {
	Messages    []Message `json:"messages"`
	TokenCount  int       `json:"token_count"`
	CommitCount int       `json:"commit_count"`
	TokenSource string    `json:"token_source,omitempty"`

	// Parallel to the effective commit list (pre-aggregation).
	GenerationConfigs []GenerationConfig `json:"generation_configs,omitempty"`
	CommitHashes      []string           `json:"commit_hashes,omitempty"`
}

// CompileSnapshot is an immutable cached compile result keyed by HEAD.
// Messages, GenerationConfigs, and CommitHashes are parallel slices;
// callers must treat the snapshot as read-only.
type CompileSnapshot struct {
	HeadHash          string
	Messages          []Message
	CommitCount       int
	TokenCount        int
	TokenSource       string
	GenerationConfigs []GenerationConfig
	CommitHashes      []string
}

// StatusInfo is the result of Tract.Status.
type StatusInfo struct {
	HeadHash       string       `json:"head_hash,omitempty"`
	BranchName     string       `json:"branch_name,omitempty"`
	IsDetached     bool         `json:"is_detached"`
	CommitCount    int          `json:"commit_count"`
	TokenCount     int          `json:"token_count"`
	TokenBudgetMax int          `json:"token_budget_max,omitempty"`
	TokenSource    string       `json:"token_source,omitempty"`
	RecentCommits  []CommitInfo `json:"recent_commits,omitempty"`
}

// BranchInfo describes one branch for listing.
type BranchInfo struct {
	Name       string `json:"name"`
	CommitHash string `json:"commit_hash"`
	IsCurrent  bool   `json:"is_current"`
}

// BudgetAction selects what happens when a commit would push the
// compiled context past the configured token ceiling.
type BudgetAction string

const (
	BudgetWarn         BudgetAction = "warn"
	BudgetBlock        BudgetAction = "block"
	BudgetAutoCompress BudgetAction = "auto_compress"
)

// TokenBudget configures the compiled-size ceiling for a tract.
// A zero Max disables the check.
type TokenBudget struct {
	Max    int          `json:"max"`
	Action BudgetAction `json:"action"`
}

// SpawnInfo records the relationship between a parent tract and a
// child tract inherited from it.
type SpawnInfo struct {
	ParentTractID   string    `json:"parent_tract_id"`
	ChildTractID    string    `json:"child_tract_id"`
	Purpose         string    `json:"purpose"`
	InheritanceMode string    `json:"inheritance_mode"`
	DisplayName     string    `json:"display_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Inheritance modes for Session.Spawn.
const (
	InheritHeadSnapshot = "head_snapshot"
	InheritFullClone    = "full_clone"
)

// TractRecord is the bookkeeping row for one DAG.
type TractRecord struct {
	TractID     string    `json:"tract_id"`
	DisplayName string    `json:"display_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Resolution is what a resolver returns for one merge conflict,
// rebase warning, or cherry-pick issue.
type Resolution struct {
	// Action is "resolved", "skip", or "abort".
	Action      string `json:"action"`
	ContentText string `json:"content_text,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// Resolver actions.
const (
	ResolveResolved = "resolved"
	ResolveSkip     = "skip"
	ResolveAbort    = "abort"
)

// NormalizeTime truncates to microseconds in UTC so that values
// round-trip through SQLite datetime columns unchanged.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
