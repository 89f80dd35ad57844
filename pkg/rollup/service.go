package rollup

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/metastore"
)

// MetadataService owns every rollup metadata mutation. All mutations
// return the three-valued MetadataResult so the runner can tell "skip
// this tick" apart from "record failure and stop", and every Success
// carries the CAS token for the next conditional write.
type MetadataService struct {
	store  *Store
	logger *zap.Logger
}

// NewMetadataService creates the service over a rollup store.
func NewMetadataService(store *Store, logger *zap.Logger) *MetadataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MetadataService{store: store, logger: logger}
}

// Init resolves the job's metadata for this tick.
//
//   - The job points at a metadata document that is missing: NoMetadata
//     (another writer is mid-flight; defer).
//   - The job has no metadata yet: a fresh document with status init is
//     created and returned as Success.
//   - Anything the store refuses: Failure.
func (s *MetadataService) Init(ctx context.Context, job *Job) MetadataResult {
	if job.MetadataID != "" {
		md, cas, err := s.store.GetMetadata(ctx, job.MetadataID)
		if err != nil {
			return MetadataFailure(fmt.Sprintf("load rollup metadata %s", job.MetadataID), err)
		}
		if md == nil {
			s.logger.Warn("Rollup metadata document is missing; deferring tick",
				zap.String("rollup_id", job.ID),
				zap.String("metadata_id", job.MetadataID))
			return MetadataNone()
		}
		return MetadataSuccess(md, cas)
	}

	fresh := &Metadata{
		ID:       uuid.New().String(),
		RollupID: job.ID,
		Status:   StatusInit,
	}
	// Fresh documents have a random id, so an unconditioned create
	// cannot clobber anyone; every later write is CAS-guarded.
	cas, err := s.store.PutMetadata(ctx, fresh, nil)
	if err != nil {
		return MetadataFailure("create rollup metadata", err)
	}
	return MetadataSuccess(fresh, cas)
}

// Update persists md under cas.
func (s *MetadataService) Update(ctx context.Context, md *Metadata, cas *metastore.CAS) MetadataResult {
	newCAS, err := s.store.PutMetadata(ctx, md, cas)
	if err != nil {
		return MetadataFailure(fmt.Sprintf("update rollup metadata %s", md.ID), err)
	}
	return MetadataSuccess(md, newCAS)
}

// SetFailed is the only path to the failed status. The runner treats a
// Failure return here as fatal for the tick: if even recording failure
// does not stick, nothing further may be written.
func (s *MetadataService) SetFailed(ctx context.Context, md *Metadata, cas *metastore.CAS, reason string) MetadataResult {
	md.Status = StatusFailed
	md.FailureReason = reason
	newCAS, err := s.store.PutMetadata(ctx, md, cas)
	if err != nil {
		return MetadataFailure(fmt.Sprintf("record rollup failure for %s", md.ID), err)
	}
	return MetadataSuccess(md, newCAS)
}
