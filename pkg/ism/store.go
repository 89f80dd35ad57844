package ism

import (
	"context"
	"fmt"
	"time"

	"github.com/qreshi/index-management/pkg/metastore"
)

// metadataDocSuffix distinguishes the metadata document from the config
// document for the same index uuid within the management index.
const metadataDocSuffix = "#metadata"

// Store persists managed-index config and metadata documents with CAS.
//
// Document ids: the config document's _id is the index uuid; the metadata
// document's _id is the index uuid plus "#metadata". Both live in the
// management index.
type Store struct {
	docs  metastore.DocumentStore
	index string
}

// NewStore creates a typed store over the management index.
func NewStore(docs metastore.DocumentStore, index string) *Store {
	return &Store{docs: docs, index: index}
}

// GetConfig loads the job-config document. Missing returns (nil, nil, nil).
func (s *Store) GetConfig(ctx context.Context, jobID string) (*ManagedIndexConfig, *metastore.CAS, error) {
	doc, err := s.docs.GetDocument(ctx, s.index, jobID)
	if err != nil {
		return nil, nil, fmt.Errorf("get managed index config: %w", err)
	}
	if doc == nil {
		return nil, nil, nil
	}

	var env managedIndexEnvelope
	if err := doc.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("decode managed index config %s: %w", jobID, err)
	}
	if env.ManagedIndex == nil {
		return nil, nil, nil
	}
	cfg := env.ManagedIndex
	cfg.ID = jobID
	if cfg.Policy != nil {
		cfg.Policy.ID = cfg.PolicyID
		if cfg.PolicySeqNo != nil {
			cfg.Policy.SeqNo = *cfg.PolicySeqNo
		}
		if cfg.PolicyPrimaryTerm != nil {
			cfg.Policy.PrimaryTerm = *cfg.PolicyPrimaryTerm
		}
	}
	return cfg, &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// PutConfig writes the job-config document under the given precondition.
func (s *Store) PutConfig(ctx context.Context, cfg *ManagedIndexConfig, cas *metastore.CAS) (*metastore.CAS, error) {
	if cfg == nil || cfg.ID == "" {
		return nil, fmt.Errorf("managed index config requires an id")
	}
	cfg.LastUpdated = time.Now().UnixMilli()

	doc, err := s.docs.PutDocument(ctx, s.index, cfg.ID, managedIndexEnvelope{ManagedIndex: cfg}, cas)
	if err != nil {
		return nil, fmt.Errorf("put managed index config: %w", err)
	}
	return &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// GetMetadata loads the job-metadata document for an index uuid.
func (s *Store) GetMetadata(ctx context.Context, indexUUID string) (*ManagedIndexMetadata, *metastore.CAS, error) {
	doc, err := s.docs.GetDocument(ctx, s.index, indexUUID+metadataDocSuffix)
	if err != nil {
		return nil, nil, fmt.Errorf("get managed index metadata: %w", err)
	}
	if doc == nil {
		return nil, nil, nil
	}

	var env metadataEnvelope
	if err := doc.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("decode managed index metadata %s: %w", indexUUID, err)
	}
	if env.Metadata == nil {
		return nil, nil, nil
	}
	return env.Metadata, &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// PutMetadata writes the job-metadata document under the precondition.
func (s *Store) PutMetadata(ctx context.Context, md *ManagedIndexMetadata, cas *metastore.CAS) (*metastore.CAS, error) {
	if md == nil || md.IndexUUID == "" {
		return nil, fmt.Errorf("managed index metadata requires an index uuid")
	}

	doc, err := s.docs.PutDocument(ctx, s.index, md.IndexUUID+metadataDocSuffix,
		metadataEnvelope{Metadata: md}, cas)
	if err != nil {
		return nil, fmt.Errorf("put managed index metadata: %w", err)
	}
	return &metastore.CAS{SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm}, nil
}

// DeleteMetadata removes the metadata document; used after a successful
// delete action terminates the lineage.
func (s *Store) DeleteMetadata(ctx context.Context, indexUUID string) error {
	return s.docs.DeleteDocument(ctx, s.index, indexUUID+metadataDocSuffix)
}
