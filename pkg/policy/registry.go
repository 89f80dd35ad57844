package policy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/qreshi/index-management/pkg/metastore"
)

// Store is the slice of the metadata store the registry reads from.
type Store interface {
	GetDocument(ctx context.Context, index, id string) (*metastore.Document, error)
}

// Registry resolves policy ids to parsed policies and remembers the
// revision identifiers of the last load per id.
type Registry struct {
	store  Store
	index  string
	logger *zap.Logger

	mu        sync.Mutex
	revisions map[string]Revision
}

// Revision is the (seq_no, primary_term) pair of a loaded policy.
type Revision struct {
	SeqNo       int64
	PrimaryTerm int64
}

// NewRegistry creates a registry reading from the given management index.
func NewRegistry(store Store, index string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     store,
		index:     index,
		logger:    logger,
		revisions: make(map[string]Revision),
	}
}

// Get loads and parses the policy. A missing or empty document returns
// (nil, nil); a malformed document returns an error (semantic, not
// retried).
func (r *Registry) Get(ctx context.Context, id string) (*Policy, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("policy registry is not initialized")
	}

	doc, err := r.store.GetDocument(ctx, r.index, id)
	if err != nil {
		return nil, fmt.Errorf("load policy %s: %w", id, err)
	}
	if doc == nil {
		return nil, nil
	}

	p, err := Parse(doc.Source, id, doc.SeqNo, doc.PrimaryTerm)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.revisions[id] = Revision{SeqNo: p.SeqNo, PrimaryTerm: p.PrimaryTerm}
	r.mu.Unlock()

	return p, nil
}

// LastRevision reports the revision of the most recent successful load.
func (r *Registry) LastRevision(id string) (Revision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev, ok := r.revisions[id]
	return rev, ok
}
