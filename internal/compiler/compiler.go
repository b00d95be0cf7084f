// Package compiler turns a commit chain into LLM-ready structured
// messages: edit resolution, priority filtering, time-travel cutoffs,
// type-to-role mapping, and same-role aggregation.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tracthq/tract/internal/content"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

// Options control one compile pass.
type Options struct {
	// AsOf drops commits and annotations created strictly later.
	// Mutually exclusive with UpTo.
	AsOf *time.Time
	// UpTo truncates the chain after the named commit is included.
	UpTo string
	// IncludeEditAnnotations appends an "[edited]" marker to content
	// that was replaced by an edit.
	IncludeEditAnnotations bool
	// TypeToRoleMap overrides the content-type-to-role mapping.
	TypeToRoleMap map[string]string
	// AggregateSameRole concatenates consecutive same-role messages.
	// The default output keeps one message per effective commit so
	// that Messages stays parallel to CommitHashes.
	AggregateSameRole bool
}

// Compiler is the default context compiler.
//
// Per-commit token_count in the database reflects raw content tokens;
// CompiledContext.TokenCount reflects the formatted output including
// per-message overhead.
type Compiler struct {
	store   storage.Store
	counter tokens.Counter
	roleMap map[string]string
	logger  *slog.Logger
}

// New builds a compiler bound to a store and token counter.
// typeToRole, if non-nil, permanently overrides role mapping.
func New(store storage.Store, counter tokens.Counter, typeToRole map[string]string, logger *slog.Logger) *Compiler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{store: store, counter: counter, roleMap: typeToRole, logger: logger}
}

// WithStore returns a copy of the compiler bound to a different store
// handle (used to compile inside a transaction).
func (c *Compiler) WithStore(store storage.Store) *Compiler {
	clone := *c
	clone.store = store
	return &clone
}

// Compile walks the chain from headHash and produces the flat message
// sequence. An empty chain compiles to an empty result.
func (c *Compiler) Compile(ctx context.Context, tractID, headHash string, opts Options) (types.CompiledContext, error) {
	raw, configs, hashes, err := c.compileRaw(ctx, headHash, opts)
	if err != nil {
		return types.CompiledContext{}, err
	}
	if len(raw) == 0 {
		return types.CompiledContext{}, nil
	}

	messages := raw
	if opts.AggregateSameRole {
		messages = Aggregate(raw)
	}

	return types.CompiledContext{
		Messages:          messages,
		TokenCount:        c.counter.CountMessages(messages),
		CommitCount:       len(raw),
		TokenSource:       c.counter.Source(),
		GenerationConfigs: configs,
		CommitHashes:      hashes,
	}, nil
}

// CompileSnapshot compiles with default options into a cacheable
// snapshot: one message per effective commit, parallel to the config
// and hash slices, ready for incremental patching.
func (c *Compiler) CompileSnapshot(ctx context.Context, tractID, headHash string) (*types.CompileSnapshot, error) {
	raw, configs, hashes, err := c.compileRaw(ctx, headHash, Options{})
	if err != nil {
		return nil, err
	}
	return &types.CompileSnapshot{
		HeadHash:          headHash,
		Messages:          raw,
		CommitCount:       len(raw),
		TokenCount:        c.counter.CountMessages(raw),
		TokenSource:       c.counter.Source(),
		GenerationConfigs: configs,
		CommitHashes:      hashes,
	}, nil
}

// compileRaw runs the pipeline through message construction, one
// message per effective commit, without aggregation.
func (c *Compiler) compileRaw(ctx context.Context, headHash string, opts Options) ([]types.Message, []types.GenerationConfig, []string, error) {
	if opts.AsOf != nil && opts.UpTo != "" {
		return nil, nil, nil, fmt.Errorf("cannot specify both as_of and up_to; use one or the other")
	}

	commits, err := c.walkChain(ctx, headHash, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(commits) == 0 {
		return nil, nil, nil, nil
	}

	editMap := buildEditMap(commits, opts.AsOf)

	priorityMap, err := c.buildPriorityMap(ctx, commits, opts.AsOf)
	if err != nil {
		return nil, nil, nil, err
	}

	effective := effectiveCommits(commits, priorityMap)

	messages := make([]types.Message, 0, len(effective))
	configs := make([]types.GenerationConfig, 0, len(effective))
	hashes := make([]string, 0, len(effective))
	for _, commit := range effective {
		source := commit
		if edit, ok := editMap[commit.CommitHash]; ok {
			source = edit
		}
		msg, err := c.BuildMessage(ctx, source)
		if err != nil {
			return nil, nil, nil, err
		}
		if opts.IncludeEditAnnotations {
			if _, edited := editMap[commit.CommitHash]; edited {
				msg.Content += " [edited]"
			}
		}
		messages = append(messages, msg)

		// Edit-inherits-original: an edit without its own generation
		// config keeps the target's.
		cfg := source.GenerationConfig
		if cfg == nil {
			cfg = commit.GenerationConfig
		}
		configs = append(configs, cfg.Clone())
		hashes = append(hashes, commit.CommitHash)
	}

	return messages, configs, hashes, nil
}

// walkChain follows primary parents from head to root, applies the
// up_to and as_of cutoffs, and returns root-to-head order.
func (c *Compiler) walkChain(ctx context.Context, headHash string, opts Options) ([]*storage.CommitRow, error) {
	if headHash == "" {
		return nil, nil
	}
	ancestors, err := c.store.GetAncestors(ctx, headHash, 0)
	if err != nil {
		return nil, err
	}

	// Newest-first from storage; reverse to root-first.
	commits := make([]*storage.CommitRow, len(ancestors))
	for i, a := range ancestors {
		commits[len(ancestors)-1-i] = a
	}

	if opts.UpTo != "" {
		var truncated []*storage.CommitRow
		for _, commit := range commits {
			truncated = append(truncated, commit)
			if commit.CommitHash == opts.UpTo {
				break
			}
		}
		commits = truncated
	}

	if opts.AsOf != nil {
		cutoff := types.NormalizeTime(*opts.AsOf)
		var filtered []*storage.CommitRow
		for _, commit := range commits {
			if !types.NormalizeTime(commit.CreatedAt).After(cutoff) {
				filtered = append(filtered, commit)
			}
		}
		commits = filtered
	}

	return commits, nil
}

// buildEditMap maps each edited target to its winning edit: the
// latest by created_at among edits visible under the as_of cutoff.
func buildEditMap(commits []*storage.CommitRow, asOf *time.Time) map[string]*storage.CommitRow {
	editMap := make(map[string]*storage.CommitRow)
	for _, commit := range commits {
		if commit.Operation != types.OpEdit || commit.ResponseTo == "" {
			continue
		}
		if asOf != nil && types.NormalizeTime(commit.CreatedAt).After(types.NormalizeTime(*asOf)) {
			continue
		}
		existing, ok := editMap[commit.ResponseTo]
		if !ok || commit.CreatedAt.After(existing.CreatedAt) {
			editMap[commit.ResponseTo] = commit
		}
	}
	return editMap
}

// buildPriorityMap resolves the effective priority per commit: latest
// annotation under the cutoff, else the content-type default.
func (c *Compiler) buildPriorityMap(ctx context.Context, commits []*storage.CommitRow, asOf *time.Time) (map[string]types.Priority, error) {
	hashes := make([]string, len(commits))
	for i, commit := range commits {
		hashes[i] = commit.CommitHash
	}
	annotations, err := c.store.GetLatestAnnotations(ctx, hashes)
	if err != nil {
		return nil, err
	}

	priorities := make(map[string]types.Priority, len(commits))
	for _, commit := range commits {
		ann := annotations[commit.CommitHash]
		if ann != nil && asOf != nil && types.NormalizeTime(ann.CreatedAt).After(types.NormalizeTime(*asOf)) {
			// The latest annotation is newer than the cutoff; walk
			// the history for the last one inside it.
			ann, err = c.latestAnnotationAsOf(ctx, commit.CommitHash, *asOf)
			if err != nil {
				return nil, err
			}
		}
		if ann != nil {
			priorities[commit.CommitHash] = ann.Priority
		} else {
			priorities[commit.CommitHash] = content.DefaultPriority(commit.ContentType)
		}
	}
	return priorities, nil
}

func (c *Compiler) latestAnnotationAsOf(ctx context.Context, targetHash string, asOf time.Time) (*storage.AnnotationRow, error) {
	history, err := c.store.GetAnnotationHistory(ctx, targetHash)
	if err != nil {
		return nil, err
	}
	cutoff := types.NormalizeTime(asOf)
	var latest *storage.AnnotationRow
	for _, ann := range history {
		if types.NormalizeTime(ann.CreatedAt).After(cutoff) {
			break
		}
		latest = ann
	}
	return latest, nil
}

// effectiveCommits drops EDIT commits (substitutions, not standalone
// messages) and commits whose effective priority is SKIP.
func effectiveCommits(commits []*storage.CommitRow, priorities map[string]types.Priority) []*storage.CommitRow {
	var out []*storage.CommitRow
	for _, commit := range commits {
		if commit.Operation == types.OpEdit {
			continue
		}
		if priorities[commit.CommitHash] == types.PrioritySkip {
			continue
		}
		out = append(out, commit)
	}
	return out
}

// BuildMessage builds the single Message for one commit's blob: the
// per-commit equivalent of the compile loop body, also used by the
// cache manager for incremental patches.
func (c *Compiler) BuildMessage(ctx context.Context, commit *storage.CommitRow) (types.Message, error) {
	blob, err := c.store.GetBlob(ctx, commit.ContentHash)
	if err != nil {
		return types.Message{}, err
	}
	if blob == nil {
		c.logger.Warn("blob not found for commit", "commit", types.Short(commit.CommitHash))
		return types.Message{Role: "system", Content: "[missing content]"}, nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(blob.Payload), &data); err != nil {
		return types.Message{}, fmt.Errorf("corrupt blob %s: %w", types.Short(commit.ContentHash), err)
	}

	contentType, _ := data["content_type"].(string)
	msg := types.Message{
		Role:    c.mapRole(contentType, data),
		Content: content.ExtractText(contentType, data),
	}
	if contentType == types.TypeDialogue {
		if name, ok := data["name"].(string); ok {
			msg.Name = name
		}
	}
	return msg, nil
}

// mapRole resolves the LLM role for a content type, in priority
// order: explicit override map, dialogue's own role field, tool_io's
// fixed "tool", builtin hints, then "assistant".
func (c *Compiler) mapRole(contentType string, data map[string]any) string {
	if role, ok := c.roleMap[contentType]; ok {
		return role
	}
	if contentType == types.TypeDialogue {
		if role, ok := data["role"].(string); ok {
			return role
		}
		return "user"
	}
	if contentType == types.TypeToolIO {
		return "tool"
	}
	if hints, ok := content.BuiltinHints[contentType]; ok {
		return hints.DefaultRole
	}
	return "assistant"
}

// Aggregate concatenates consecutive same-role messages with a blank
// line; it never crosses role boundaries. The name of the first
// message in a run is kept.
func Aggregate(messages []types.Message) []types.Message {
	if len(messages) == 0 {
		return messages
	}
	out := make([]types.Message, 0, len(messages))
	current := messages[0]
	for _, msg := range messages[1:] {
		if msg.Role == current.Role {
			current.Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, current)
		current = msg
	}
	return append(out, current)
}
