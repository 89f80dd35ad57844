package ism

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/metastore"
)

// AuditRecord is one metadata transition, written to the audit index so
// operators can reconstruct what the controller did and when.
type AuditRecord struct {
	IndexName  string     `json:"index"`
	IndexUUID  string     `json:"index_uuid"`
	PolicyID   string     `json:"policy_id"`
	State      string     `json:"state,omitempty"`
	Action     string     `json:"action,omitempty"`
	Step       string     `json:"step,omitempty"`
	StepStatus StepStatus `json:"step_status,omitempty"`
	Message    string     `json:"message,omitempty"`
	Timestamp  int64      `json:"timestamp"`
}

// AuditWriter appends transition records. Writes are best-effort: a
// failed append is logged and never blocks the tick.
type AuditWriter struct {
	docs   metastore.DocumentStore
	index  string
	logger *zap.Logger
}

// NewAuditWriter creates a writer appending to the given audit index.
func NewAuditWriter(docs metastore.DocumentStore, index string, logger *zap.Logger) *AuditWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditWriter{docs: docs, index: index, logger: logger}
}

// Append records one transition.
func (w *AuditWriter) Append(ctx context.Context, md *ManagedIndexMetadata) {
	if w == nil || w.docs == nil || md == nil {
		return
	}

	rec := AuditRecord{
		IndexName: md.IndexName,
		IndexUUID: md.IndexUUID,
		PolicyID:  md.PolicyID,
		Message:   md.Message(),
		Timestamp: time.Now().UnixMilli(),
	}
	if md.State != nil {
		rec.State = md.State.Name
	}
	if md.Action != nil {
		rec.Action = md.Action.Name
	}
	if md.Step != nil {
		rec.Step = md.Step.Name
		rec.StepStatus = md.Step.Status
	}

	if _, err := w.docs.PutDocument(ctx, w.index, uuid.New().String(), rec, nil); err != nil {
		w.logger.Warn("Failed to append audit record",
			zap.String("index", md.IndexName),
			zap.Error(err))
	}
}
