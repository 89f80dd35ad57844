package ism

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/metastore"
	"github.com/qreshi/index-management/pkg/scheduler"
)

// JobSource feeds the scheduler with managed-index jobs from the
// management index. Metadata documents and malformed entries are skipped.
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
		return nil, fmt.Errorf("list managed index jobs: %w", err)
	}

	var out []scheduler.ScheduledJob
	for _, doc := range docs {
		var env managedIndexEnvelope
		if err := json.Unmarshal(doc.Source, &env); err != nil || env.ManagedIndex == nil {
			continue
		}
		cfg := env.ManagedIndex
		cfg.ID = doc.ID
		out = append(out, cfg)
	}
	return out, nil
}
