package lockservice

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_SingleHolder(t *testing.T) {
	svc := NewMemory(time.Minute)
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if first == nil {
		t.Fatalf("expected lease on uncontended acquire")
	}

	second, err := svc.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if second != nil {
		t.Fatalf("second acquire should be refused while lease is live")
	}

	if !svc.Release(ctx, first) {
		t.Fatalf("Release() should succeed for the holder")
	}

	third, err := svc.Acquire(ctx, "job-1")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if third == nil {
		t.Fatalf("expected lease after release")
	}
}

func TestMemory_ConcurrentAcquireGrantsExactlyOne(t *testing.T) {
	svc := NewMemory(time.Minute)
	ctx := context.Background()

	const contenders = 16
	var wg sync.WaitGroup
	leases := make([]*Lease, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := svc.Acquire(ctx, "job-contended")
			if err != nil {
				t.Errorf("Acquire() error: %v", err)
				return
			}
			leases[i] = l
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, l := range leases {
		if l != nil {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("expected exactly one granted lease, got %d", granted)
	}
}

func TestMemory_ReleaseWithStaleTokenFails(t *testing.T) {
	svc := NewMemory(time.Minute)
	ctx := context.Background()

	l, err := svc.Acquire(ctx, "job-1")
	if err != nil || l == nil {
		t.Fatalf("Acquire() = %v, %v", l, err)
	}

	stale := *l
	stale.Token = "not-the-token"
	if svc.Release(ctx, &stale) {
		t.Fatalf("release with a stale token must not drop the lease")
	}
	if ok, _ := svc.Renew(ctx, l); !ok {
		t.Fatalf("holder should still be able to renew")
	}
}
