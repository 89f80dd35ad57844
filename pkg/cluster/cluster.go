// Package cluster is the read/admin surface the runners use to observe and
// mutate indices. It is deliberately narrow: the controller never sees the
// full cluster state, only the one index a job manages.
package cluster

import (
	"context"
	"time"
)

// Setting keys surfaced through IndexMetadata.
const (
	SettingPolicyID      = "index.plugins.index_state_management.policy_id"
	SettingRolloverAlias = "index.plugins.index_state_management.rollover_alias"
	SettingRollupIndex   = "index.plugins.rollup_index"
	SettingBlocksWrite   = "index.blocks.write"
)

// IndexMetadata is the per-index snapshot the runners act on.
type IndexMetadata struct {
	Name          string
	UUID          string
	PolicyID      string
	RolloverAlias string
	RollupIndex   bool
	WriteBlocked  bool
	Open          bool
	CreationDate  time.Time
	DocsCount     int64
	SizeBytes     int64
	Aliases       []string
}

// Age returns how long the index has existed as of now.
func (m *IndexMetadata) Age(now time.Time) time.Duration {
	if m == nil || m.CreationDate.IsZero() {
		return 0
	}
	return now.Sub(m.CreationDate)
}

// StateReader resolves an index by name from the current cluster state.
// A missing index returns (nil, nil): the caller logs and skips the tick.
type StateReader interface {
	Index(ctx context.Context, name string) (*IndexMetadata, error)
}

// RolloverResult reports the outcome of a rollover request.
type RolloverResult struct {
	RolledOver bool
	OldIndex   string
	NewIndex   string
}

// Admin mutates indices on behalf of lifecycle actions. Every operation is
// idempotent when replayed: opening an open index or deleting a missing
// one succeeds.
type Admin interface {
	OpenIndex(ctx context.Context, name string) error
	CloseIndex(ctx context.Context, name string) error
	SetWriteBlock(ctx context.Context, name string, blocked bool) error
	Rollover(ctx context.Context, alias string, conditions map[string]any) (*RolloverResult, error)
	DeleteIndex(ctx context.Context, name string) error
	ForceMerge(ctx context.Context, name string, maxSegments int) error
	PutMapping(ctx context.Context, name string, mapping map[string]any) error
	EnsureIndex(ctx context.Context, name string, body map[string]any) error
	IndexExists(ctx context.Context, name string) (bool, error)
}
