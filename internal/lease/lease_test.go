package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
	"github.com/loomctl/pipelinecore/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	s := store.NewWithClient(rdb, log)
	return New(s, log)
}

func TestAcquireExclusivity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	l1, err := m.Acquire(ctx, "p", "s", 0, time.Minute, "owner-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = m.Acquire(ctx, "p", "s", 0, time.Minute, "owner-b")
	if err != store.ErrLeaseHeld {
		t.Fatalf("got %v, want ErrLeaseHeld", err)
	}

	if err := m.Release(ctx, "p", "s", 0, l1.LeaseID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Now free: a second owner can acquire.
	if _, err := m.Acquire(ctx, "p", "s", 0, time.Minute, "owner-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHeartbeatRenewsUntilStopped(t *testing.T) {
	m := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := m.Acquire(ctx, "p", "s", 1, 90*time.Millisecond, "owner-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	hb := m.StartHeartbeat(ctx, "p", "s", 1, l.LeaseID, 90*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	select {
	case <-hb.Lost():
		t.Fatalf("lease should not have been lost while heartbeat is running")
	default:
	}
	hb.Stop()

	current, err := m.store.GetTaskLease(ctx, "p", "s", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.RenewalCount == 0 {
		t.Fatalf("expected at least one renewal, got 0")
	}
}

func TestHeartbeatDetectsStolenLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "p", "s", 2, 40*time.Millisecond, "owner-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hb := m.StartHeartbeat(ctx, "p", "s", 2, l.LeaseID, 40*time.Millisecond)
	defer hb.Stop()

	// The running heartbeat keeps renewing, so the lease never expires on its
	// own: release it out from under the heartbeat, then steal it as
	// another owner.
	if err := m.Release(ctx, "p", "s", 2, l.LeaseID); err != nil {
		t.Fatalf("unexpected error releasing lease: %v", err)
	}
	if _, err := m.Acquire(ctx, "p", "s", 2, time.Minute, "owner-b"); err != nil {
		t.Fatalf("unexpected error stealing released lease: %v", err)
	}

	select {
	case <-hb.Lost():
	case <-time.After(time.Second):
		t.Fatalf("expected heartbeat to detect lost lease")
	}
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	ttl := 90 * time.Millisecond
	l := domain.TaskLease{
		AcquiredAt: now.Add(-10 * time.Second),
		ExpiresAt:  now.Add(time.Hour), // not expired
		RenewalCount: 0,
	}
	if !IsStale(l, ttl, now) {
		t.Fatalf("expected a lease with no renewals in 10s at a 30ms cadence to be stale")
	}
}
