// Package cache holds hot workflow state so command handling can skip a
// full event replay. Entries carry the version they were folded to; the
// repository checks that version against the log and folds the missing
// suffix, so a stale entry costs a partial replay, never correctness.
//
// Implementations degrade to misses when their backend fails. Losing the
// cache is an inconvenience, not an error.
package cache

import (
	"context"
	"fmt"
	"strconv"
)

// StateCache stores encoded workflow state keyed by workflow id.
type StateCache interface {
	// Get returns the encoded state and the version it was folded to.
	Get(ctx context.Context, workflowID string) (state []byte, version int, ok bool)
	// Put stores state at version. When writes race, implementations keep
	// the highest version.
	Put(ctx context.Context, workflowID string, state []byte, version int)
	// Delete drops the entry.
	Delete(ctx context.Context, workflowID string)
}

// Shared backends store the version as a fixed-width decimal prefix so
// compare-and-set logic can read it without decoding the state.
const versionPrefixLen = 20

func encodeVersioned(state []byte, version int) []byte {
	out := make([]byte, 0, versionPrefixLen+len(state))
	out = append(out, fmt.Sprintf("%020d", version)...)
	return append(out, state...)
}

func splitVersioned(b []byte) (state []byte, version int, err error) {
	if len(b) < versionPrefixLen {
		return nil, 0, fmt.Errorf("cache value too short: %d bytes", len(b))
	}
	v, err := strconv.Atoi(string(b[:versionPrefixLen]))
	if err != nil {
		return nil, 0, fmt.Errorf("cache version prefix: %w", err)
	}
	return b[versionPrefixLen:], v, nil
}
