package lockservice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Service for tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]memoryLease
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemory returns a Memory lock service with the given lease TTL.
// A zero ttl falls back to DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, leases: make(map[string]memoryLease)}
}

func (m *Memory) Acquire(_ context.Context, jobID string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if held, ok := m.leases[jobID]; ok && held.expires.After(now) {
		return nil, nil
	}

	token := uuid.New().String()
	m.leases[jobID] = memoryLease{token: token, expires: now.Add(m.ttl)}
	return &Lease{JobID: jobID, Token: token, TTL: m.ttl, AcquiredAt: now.UTC()}, nil
}

func (m *Memory) Renew(_ context.Context, lease *Lease) (bool, error) {
	if lease == nil {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.leases[lease.JobID]
	if !ok || held.token != lease.Token || !held.expires.After(time.Now()) {
		return false, nil
	}
	held.expires = time.Now().Add(m.ttl)
	m.leases[lease.JobID] = held
	return true, nil
}

func (m *Memory) Release(_ context.Context, lease *Lease) bool {
	if lease == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	held, ok := m.leases[lease.JobID]
	if !ok || held.token != lease.Token {
		return false
	}
	delete(m.leases, lease.JobID)
	return true
}
