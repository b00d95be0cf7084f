// Package dag provides traversal utilities over the commit graph:
// ancestor walks, merge-base computation, and branch commit ranges.
package dag

import (
	"context"
	"fmt"

	"github.com/tracthq/tract/internal/storage"
)

// AllAncestors returns the set of commits reachable from start,
// including start itself, following both primary and merge parents.
func AllAncestors(ctx context.Context, store storage.Store, start string) (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	if start == "" {
		return seen, nil
	}
	queue := []string{start}
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]
		if _, ok := seen[hash]; ok {
			continue
		}
		seen[hash] = struct{}{}

		commit, err := store.GetCommit(ctx, hash)
		if err != nil {
			return nil, err
		}
		if commit == nil {
			continue
		}
		if commit.ParentHash != "" {
			queue = append(queue, commit.ParentHash)
		}
		extra, err := store.GetCommitParents(ctx, hash)
		if err != nil {
			return nil, err
		}
		queue = append(queue, extra...)
	}
	return seen, nil
}

// ancestorDepths returns reachable commits mapped to their minimal
// edge distance from start (start itself at depth 0).
func ancestorDepths(ctx context.Context, store storage.Store, start string) (map[string]int, error) {
	depths := make(map[string]int)
	if start == "" {
		return depths, nil
	}
	queue := []string{start}
	depths[start] = 0
	for len(queue) > 0 {
		hash := queue[0]
		queue = queue[1:]

		commit, err := store.GetCommit(ctx, hash)
		if err != nil {
			return nil, err
		}
		if commit == nil {
			continue
		}
		parents := make([]string, 0, 2)
		if commit.ParentHash != "" {
			parents = append(parents, commit.ParentHash)
		}
		extra, err := store.GetCommitParents(ctx, hash)
		if err != nil {
			return nil, err
		}
		parents = append(parents, extra...)

		for _, p := range parents {
			if _, ok := depths[p]; !ok {
				depths[p] = depths[hash] + 1
				queue = append(queue, p)
			}
		}
	}
	return depths, nil
}

// IsAncestor reports whether ancestor is reachable from descendant
// (a commit counts as its own ancestor).
func IsAncestor(ctx context.Context, store storage.Store, ancestor, descendant string) (bool, error) {
	if ancestor == "" || descendant == "" {
		return false, nil
	}
	reachable, err := AllAncestors(ctx, store, descendant)
	if err != nil {
		return false, err
	}
	_, ok := reachable[ancestor]
	return ok, nil
}

// FindMergeBase returns the closest common ancestor of a and b, or ""
// if they share no history. When several candidates tie, any
// minimum-by-depth candidate is returned.
func FindMergeBase(ctx context.Context, store storage.Store, a, b string) (string, error) {
	depthsA, err := ancestorDepths(ctx, store, a)
	if err != nil {
		return "", err
	}
	ancestorsB, err := AllAncestors(ctx, store, b)
	if err != nil {
		return "", err
	}

	best := ""
	bestDepth := -1
	for hash := range ancestorsB {
		depth, common := depthsA[hash]
		if !common {
			continue
		}
		if bestDepth < 0 || depth < bestDepth {
			best = hash
			bestDepth = depth
		}
	}
	return best, nil
}

// BranchCommits returns the commits on the primary parent chain from
// tip back to (but excluding) base, in chronological order. An empty
// base walks all the way to the root.
func BranchCommits(ctx context.Context, store storage.Store, tip, base string) ([]*storage.CommitRow, error) {
	var reversed []*storage.CommitRow
	current := tip
	for current != "" && current != base {
		commit, err := store.GetCommit(ctx, current)
		if err != nil {
			return nil, err
		}
		if commit == nil {
			return nil, fmt.Errorf("broken parent chain at %s", current)
		}
		reversed = append(reversed, commit)
		current = commit.ParentHash
	}

	out := make([]*storage.CommitRow, len(reversed))
	for i, c := range reversed {
		out[len(reversed)-1-i] = c
	}
	return out, nil
}
