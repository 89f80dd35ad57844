package snapshotrepo

import (
	"context"
	"sync"
)

// Memory is an in-process Repository for tests.
type Memory struct {
	mu        sync.Mutex
	manifests map[string]Manifest
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{manifests: make(map[string]Manifest)}
}

func (m *Memory) PutManifest(_ context.Context, manifest Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[manifest.Repository+"/"+manifest.Snapshot] = manifest
	return nil
}

// Manifest returns the stored manifest for (repository, snapshot).
func (m *Memory) Manifest(repository, snapshot string) (Manifest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.manifests[repository+"/"+snapshot]
	return v, ok
}
