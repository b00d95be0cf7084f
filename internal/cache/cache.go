// Package cache owns the LRU compile-snapshot cache and all
// incremental patching logic: O(1) extension for APPEND commits,
// in-place patching for EDIT commits, and annotation-aware
// invalidation.
package cache

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tracthq/tract/internal/compiler"
	"github.com/tracthq/tract/internal/storage"
	"github.com/tracthq/tract/internal/tokens"
	"github.com/tracthq/tract/internal/types"
)

// DefaultMaxSize is the default number of cached snapshots.
const DefaultMaxSize = 16

// Manager is an LRU cache of compile snapshots keyed by HEAD hash.
//
// Snapshots hold one message per effective commit (unaggregated), so
// the message, generation-config, and commit-hash slices stay
// parallel; token counts are taken on these same unaggregated messages.
type Manager struct {
	entries *lru.Cache[string, *types.CompileSnapshot]
	counter tokens.Counter
	logger  *slog.Logger

	// custom marks a non-default compiler; incremental patching is
	// bypassed and every mutation forces a full recompile.
	custom bool
}

// New builds a cache manager. maxSize <= 0 uses DefaultMaxSize.
// customCompiler disables incremental patching.
func New(maxSize int, counter tokens.Counter, customCompiler bool, logger *slog.Logger) (*Manager, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := lru.New[string, *types.CompileSnapshot](maxSize)
	if err != nil {
		return nil, err
	}
	return &Manager{entries: entries, counter: counter, logger: logger, custom: customCompiler}, nil
}

// UsesDefaultCompiler reports whether incremental caching is active.
func (m *Manager) UsesDefaultCompiler() bool { return !m.custom }

// Get returns the snapshot for a HEAD hash, or nil on a miss.
func (m *Manager) Get(headHash string) *types.CompileSnapshot {
	snap, ok := m.entries.Get(headHash)
	if !ok {
		m.logger.Debug("cache miss", "head", types.Short(headHash))
		return nil
	}
	m.logger.Debug("cache hit", "head", types.Short(headHash))
	return snap
}

// Put stores a snapshot, evicting the least recently used entry at
// capacity.
func (m *Manager) Put(headHash string, snap *types.CompileSnapshot) {
	if m.custom || snap == nil {
		return
	}
	m.entries.Add(headHash, snap)
	m.logger.Debug("cache put", "head", types.Short(headHash), "size", m.entries.Len())
}

// Remove drops one snapshot.
func (m *Manager) Remove(headHash string) {
	m.entries.Remove(headHash)
}

// Clear drops all cached snapshots.
func (m *Manager) Clear() {
	m.entries.Purge()
}

// ToCompiled converts a snapshot to the user-facing compiled context.
// Slices are copied so caller mutations cannot corrupt the cache.
func ToCompiled(snap *types.CompileSnapshot) types.CompiledContext {
	configs := make([]types.GenerationConfig, len(snap.GenerationConfigs))
	for i, cfg := range snap.GenerationConfigs {
		configs[i] = cfg.Clone()
	}
	return types.CompiledContext{
		Messages:          append([]types.Message(nil), snap.Messages...),
		TokenCount:        snap.TokenCount,
		CommitCount:       snap.CommitCount,
		TokenSource:       snap.TokenSource,
		GenerationConfigs: configs,
		CommitHashes:      append([]string(nil), snap.CommitHashes...),
	}
}

func (m *Manager) recount(messages []types.Message) int {
	return m.counter.CountMessages(messages)
}

// ExtendForAppend builds the snapshot at the new HEAD from its
// parent's snapshot: one new message, one token recount. The parent
// snapshot stays cached under its own HEAD for checkout back; the
// caller stores the returned snapshot once the commit is durable.
func (m *Manager) ExtendForAppend(ctx context.Context, comp *compiler.Compiler, commit *storage.CommitRow, parent *types.CompileSnapshot) (*types.CompileSnapshot, error) {
	if m.custom {
		return nil, nil
	}
	msg, err := comp.BuildMessage(ctx, commit)
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(parent.Messages)+1)
	messages = append(messages, parent.Messages...)
	messages = append(messages, msg)

	configs := make([]types.GenerationConfig, 0, len(parent.GenerationConfigs)+1)
	for _, cfg := range parent.GenerationConfigs {
		configs = append(configs, cfg.Clone())
	}
	configs = append(configs, commit.GenerationConfig.Clone())

	hashes := make([]string, 0, len(parent.CommitHashes)+1)
	hashes = append(hashes, parent.CommitHashes...)
	hashes = append(hashes, commit.CommitHash)

	return &types.CompileSnapshot{
		HeadHash:          commit.CommitHash,
		Messages:          messages,
		CommitCount:       parent.CommitCount + 1,
		TokenCount:        m.recount(messages),
		TokenSource:       m.counter.Source(),
		GenerationConfigs: configs,
		CommitHashes:      hashes,
	}, nil
}

// PatchForEdit patches the parent snapshot for an EDIT commit:
// replace the target's message in place, recount tokens. Returns nil
// when the target is not in the snapshot, signaling the caller to
// fall back to a full recompile on the next compile.
func (m *Manager) PatchForEdit(ctx context.Context, comp *compiler.Compiler, edit *storage.CommitRow, parent *types.CompileSnapshot) (*types.CompileSnapshot, error) {
	if m.custom || len(parent.CommitHashes) == 0 || edit.ResponseTo == "" {
		return nil, nil
	}

	targetIdx := -1
	for i, h := range parent.CommitHashes {
		if h == edit.ResponseTo {
			targetIdx = i
			break
		}
	}
	if targetIdx < 0 {
		return nil, nil
	}

	msg, err := comp.BuildMessage(ctx, edit)
	if err != nil {
		return nil, err
	}

	messages := append([]types.Message(nil), parent.Messages...)
	messages[targetIdx] = msg

	// Edit-inherits-original: keep the target's config unless the
	// edit carries its own.
	configs := make([]types.GenerationConfig, len(parent.GenerationConfigs))
	for i, cfg := range parent.GenerationConfigs {
		configs[i] = cfg.Clone()
	}
	if edit.GenerationConfig != nil {
		configs[targetIdx] = edit.GenerationConfig.Clone()
	}

	return &types.CompileSnapshot{
		HeadHash:          edit.CommitHash,
		Messages:          messages,
		CommitCount:       parent.CommitCount,
		TokenCount:        m.recount(messages),
		TokenSource:       m.counter.Source(),
		GenerationConfigs: configs,
		CommitHashes:      append([]string(nil), parent.CommitHashes...),
	}, nil
}

// PatchForAnnotate patches a snapshot for a priority change.
//
// SKIP with the target present removes its slots; SKIP with the
// target absent is a no-op; NORMAL/IMPORTANT/PINNED on a present
// target is unchanged; a promotion of a previously skipped target
// returns nil (the snapshot does not hold the excluded message, so
// only a full recompile can restore it).
func (m *Manager) PatchForAnnotate(snap *types.CompileSnapshot, targetHash string, priority types.Priority) *types.CompileSnapshot {
	if m.custom || len(snap.CommitHashes) == 0 {
		return nil
	}

	targetIdx := -1
	for i, h := range snap.CommitHashes {
		if h == targetHash {
			targetIdx = i
			break
		}
	}

	if priority != types.PrioritySkip {
		if targetIdx >= 0 {
			return snap
		}
		return nil
	}

	if targetIdx < 0 {
		return snap
	}

	messages := make([]types.Message, 0, len(snap.Messages)-1)
	messages = append(messages, snap.Messages[:targetIdx]...)
	messages = append(messages, snap.Messages[targetIdx+1:]...)

	configs := make([]types.GenerationConfig, 0, len(snap.GenerationConfigs)-1)
	for i, cfg := range snap.GenerationConfigs {
		if i != targetIdx {
			configs = append(configs, cfg.Clone())
		}
	}

	hashes := make([]string, 0, len(snap.CommitHashes)-1)
	hashes = append(hashes, snap.CommitHashes[:targetIdx]...)
	hashes = append(hashes, snap.CommitHashes[targetIdx+1:]...)

	return &types.CompileSnapshot{
		HeadHash:          snap.HeadHash,
		Messages:          messages,
		CommitCount:       snap.CommitCount - 1,
		TokenCount:        m.recount(messages),
		TokenSource:       m.counter.Source(),
		GenerationConfigs: configs,
		CommitHashes:      hashes,
	}
}
