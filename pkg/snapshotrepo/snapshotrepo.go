// Package snapshotrepo writes snapshot manifests for the snapshot action.
//
// A repository stores one manifest document per (repository, snapshot)
// pair. Writing the same snapshot twice keeps one manifest: the later
// write overwrites the earlier one.
package snapshotrepo

import (
	"context"
	"time"
)

// Manifest is the snapshot marker persisted to the repository.
type Manifest struct {
	Repository string    `json:"repository"`
	Snapshot   string    `json:"snapshot"`
	IndexName  string    `json:"index"`
	IndexUUID  string    `json:"index_uuid"`
	TakenAt    time.Time `json:"taken_at"`
}

// Repository persists snapshot manifests.
type Repository interface {
	PutManifest(ctx context.Context, m Manifest) error
}
