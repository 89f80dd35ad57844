package rollup

import (
	"fmt"

	"github.com/qreshi/index-management/pkg/metastore"
)

// resultKind tags MetadataResult variants.
type resultKind int

const (
	resultSuccess resultKind = iota
	resultNoMetadata
	resultFailure
)

// MetadataResult is the three-valued outcome of every metadata mutation.
//
// The distinction is load-bearing: Success carries the new metadata and
// its CAS token, NoMetadata means "skip this tick, nothing recorded", and
// Failure means the metadata subsystem itself cannot make progress — the
// runner must abort the tick rather than guess.
type MetadataResult struct {
	kind  resultKind
	meta  *Metadata
	cas   *metastore.CAS
	msg   string
	cause error
}

// MetadataSuccess wraps a persisted metadata value and the (seq_no,
// primary_term) precondition for the next write against it.
func MetadataSuccess(meta *Metadata, cas *metastore.CAS) MetadataResult {
	return MetadataResult{kind: resultSuccess, meta: meta, cas: cas}
}

// MetadataNone defers the tick without recording anything.
func MetadataNone() MetadataResult {
	return MetadataResult{kind: resultNoMetadata}
}

// MetadataFailure reports that the mutation itself failed.
func MetadataFailure(msg string, cause error) MetadataResult {
	return MetadataResult{kind: resultFailure, msg: msg, cause: cause}
}

// IsSuccess reports the Success variant.
func (r MetadataResult) IsSuccess() bool { return r.kind == resultSuccess }

// IsNoMetadata reports the NoMetadata variant.
func (r MetadataResult) IsNoMetadata() bool { return r.kind == resultNoMetadata }

// IsFailure reports the Failure variant.
func (r MetadataResult) IsFailure() bool { return r.kind == resultFailure }

// Metadata returns the carried metadata; nil unless Success.
func (r MetadataResult) Metadata() *Metadata { return r.meta }

// CAS returns the carried write precondition; nil unless Success.
func (r MetadataResult) CAS() *metastore.CAS { return r.cas }

// Err materialises the Failure variant as an error; nil otherwise.
func (r MetadataResult) Err() error {
	if r.kind != resultFailure {
		return nil
	}
	if r.cause != nil {
		return fmt.Errorf("%s: %w", r.msg, r.cause)
	}
	return fmt.Errorf("%s", r.msg)
}
