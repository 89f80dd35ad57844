package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/scheduler"
)

// Store persists rollup job and metadata documents with CAS.
type Store struct {
	docs  metastore.DocumentStore
	index string
}

// NewStore creates a typed store over the management index.
func NewStore(docs metastore.DocumentStore, index string) *Store {
	return &Store{docs: docs, index: index}
}

// GetJob loads a rollup job document. Missing returns (nil, nil, nil).
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, *metastore.CAS, error) {
	doc, err := s.docs.GetDocument(ctx, s.index, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("get rollup job: %w", err)
	}
	if doc == nil {
		return nil, nil, nil
	}

	var env jobEnvelope
	if err := doc.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("decode rollup job %s: %w", jobID, err)
	}
	if env.Rollup == nil {
		return nil, nil, nil
	}
	job := env.Rollup
	job.ID = jobID
	return job, &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// PutJob writes a rollup job document under the precondition.
func (s *Store) PutJob(ctx context.Context, job *Job, cas *metastore.CAS) (*metastore.CAS, error) {
	if job == nil || job.ID == "" {
		return nil, fmt.Errorf("rollup job requires an id")
	}
	job.LastUpdated = time.Now().UnixMilli()

	doc, err := s.docs.PutDocument(ctx, s.index, job.ID, jobEnvelope{Rollup: job}, cas)
	if err != nil {
		return nil, fmt.Errorf("put rollup job: %w", err)
	}
	return &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// GetMetadata loads a rollup metadata document by id.
func (s *Store) GetMetadata(ctx context.Context, metadataID string) (*Metadata, *metastore.CAS, error) {
	doc, err := s.docs.GetDocument(ctx, s.index, metadataID)
	if err != nil {
		return nil, nil, fmt.Errorf("get rollup metadata: %w", err)
	}
	if doc == nil {
		return nil, nil, nil
	}

	var env metadataEnvelope
	if err := doc.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("decode rollup metadata %s: %w", metadataID, err)
	}
	if env.Metadata == nil {
		return nil, nil, nil
	}
	md := env.Metadata
	md.ID = metadataID
	return md, &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// PutMetadata writes a rollup metadata document under the precondition.
func (s *Store) PutMetadata(ctx context.Context, md *Metadata, cas *metastore.CAS) (*metastore.CAS, error) {
	if md == nil || md.ID == "" {
		return nil, fmt.Errorf("rollup metadata requires an id")
	}
	md.LastUpdated = time.Now().UnixMilli()

	doc, err := s.docs.PutDocument(ctx, s.index, md.ID, metadataEnvelope{Metadata: md}, cas)
	if err != nil {
		return nil, fmt.Errorf("put rollup metadata: %w", err)
	}
	return &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// JobSource feeds the scheduler with rollup jobs from the management
// index. Metadata documents and malformed entries are skipped.
type JobSource struct {
	docs   metastore.DocumentLister
	index  string
	logger *zap.Logger
}

// NewJobSource creates the source for the given management index.
func NewJobSource(docs metastore.DocumentLister, index string, logger *zap.Logger) *JobSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobSource{docs: docs, index: index, logger: logger}
}

var _ scheduler.JobSource = (*JobSource)(nil)

func (s *JobSource) ListJobs(ctx context.Context) ([]scheduler.ScheduledJob, error) {
	docs, err := s.docs.ListDocuments(ctx, s.index)
	if err != nil {
		return nil, fmt.Errorf("list rollup jobs: %w", err)
	}

	var out []scheduler.ScheduledJob
	for _, doc := range docs {
		var env jobEnvelope
		if err := json.Unmarshal(doc.Source, &env); err != nil || env.Rollup == nil {
			continue
		}
		job := env.Rollup
		job.ID = doc.ID
		out = append(out, job)
	}
	return out, nil
}
