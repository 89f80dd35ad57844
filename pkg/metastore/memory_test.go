package metastore

import (
	"context"
	"errors"
	"testing"
)

type sampleDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMemory_PutGetRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	put, err := m.PutDocument(ctx, "jobs", "job-1", sampleDoc{Name: "a", Count: 2}, nil)
	if err != nil {
		t.Fatalf("PutDocument() error: %v", err)
	}
	if put.SeqNo != 0 || put.PrimaryTerm != 1 {
		t.Fatalf("unexpected identifiers: seq=%d term=%d", put.SeqNo, put.PrimaryTerm)
	}

	got, err := m.GetDocument(ctx, "jobs", "job-1")
	if err != nil {
		t.Fatalf("GetDocument() error: %v", err)
	}
	var decoded sampleDoc
	if err := got.Decode(&decoded); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if decoded.Name != "a" || decoded.Count != 2 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestMemory_MissingDocumentReturnsNil(t *testing.T) {
	m := NewMemory()
	got, err := m.GetDocument(context.Background(), "jobs", "absent")
	if err != nil {
		t.Fatalf("GetDocument() error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil document, got %+v", got)
	}
}

func TestMemory_CASConflict(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.PutDocument(ctx, "jobs", "job-1", sampleDoc{Name: "a"}, nil)
	if err != nil {
		t.Fatalf("PutDocument() error: %v", err)
	}

	// Writer B bumps the document.
	if _, err := m.PutDocument(ctx, "jobs", "job-1", sampleDoc{Name: "b"},
		&CAS{SeqNo: first.SeqNo, PrimaryTerm: first.PrimaryTerm}); err != nil {
		t.Fatalf("PutDocument() error: %v", err)
	}

	// Writer A replays with the stale precondition.
	_, err = m.PutDocument(ctx, "jobs", "job-1", sampleDoc{Name: "stale"},
		&CAS{SeqNo: first.SeqNo, PrimaryTerm: first.PrimaryTerm})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestMemory_CASOnFreshDocument(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.PutDocument(ctx, "jobs", "job-1", sampleDoc{},
		&CAS{SeqNo: 4, PrimaryTerm: 1})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected conflict writing to a missing doc with real seq_no, got %v", err)
	}

	if _, err := m.PutDocument(ctx, "jobs", "job-1", sampleDoc{},
		&CAS{SeqNo: SeqNoUnassigned, PrimaryTerm: PrimaryTermUnassigned}); err != nil {
		t.Fatalf("create-if-absent CAS failed: %v", err)
	}
}

func TestMemory_PutHookVetoesWrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	injected := errors.New("boom")
	m.PutHook = func(index, id string) error { return injected }

	if _, err := m.PutDocument(ctx, "jobs", "job-1", sampleDoc{}, nil); !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if m.PutCount() != 0 {
		t.Fatalf("vetoed write must not persist")
	}
}
