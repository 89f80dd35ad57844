// Package metastore is the client surface for the management index that
// holds job-config and job-metadata documents.
//
// Writes that carry a (seq_no, primary_term) token are conditional on it,
// so concurrent runners cannot clobber each other's metadata. A write with
// a nil token is unconditional: it creates the document or overwrites
// whatever is stored. Transient failures are
// marked for the retry driver; semantic failures (missing document,
// malformed source) are returned as-is and must not be retried.
package metastore

import (
	"context"
	"encoding/json"
	"errors"
)

// SeqNoUnassigned and PrimaryTermUnassigned mark a document that has never
// been persisted. They match the store's sentinel values.
const (
	SeqNoUnassigned       int64 = -2
	PrimaryTermUnassigned int64 = 0
)

// CAS is the compare-and-swap precondition for a conditional write.
type CAS struct {
	SeqNo       int64
	PrimaryTerm int64
}

// Document is a stored document together with its concurrency identifiers.
type Document struct {
	ID          string
	SeqNo       int64
	PrimaryTerm int64
	Source      json.RawMessage
}

// Decode unmarshals the document source into v.
func (d *Document) Decode(v any) error {
	if d == nil || len(d.Source) == 0 {
		return errors.New("document has no source")
	}
	return json.Unmarshal(d.Source, v)
}

// ErrVersionConflict is returned when a CAS write loses the race.
var ErrVersionConflict = errors.New("version conflict")

// ErrClusterBlocked is returned when the cluster refuses writes (e.g. a
// block on the management index). It is transient: the next tick retries.
var ErrClusterBlocked = errors.New("cluster blocked")

// DocumentStore is the narrow read/write surface consumed by the runners.
//
// GetDocument returns (nil, nil) for a missing document or empty source.
// PutDocument with a nil cas creates or overwrites; with a non-nil cas it
// fails with ErrVersionConflict when the precondition does not hold. The
// returned Document carries the new (seq_no, primary_term).
type DocumentStore interface {
	GetDocument(ctx context.Context, index, id string) (*Document, error)
	PutDocument(ctx context.Context, index, id string, body any, cas *CAS) (*Document, error)
	DeleteDocument(ctx context.Context, index, id string) error
}

// SettingsUpdater applies a single dynamic setting to an index. Used to
// self-heal the managed index's policy_id setting.
type SettingsUpdater interface {
	UpdateIndexSetting(ctx context.Context, index, key string, value any) error
}

// DocumentLister enumerates the documents of one index. Job sources use
// it to sweep the management index for runnable jobs.
type DocumentLister interface {
	ListDocuments(ctx context.Context, index string) ([]Document, error)
}
