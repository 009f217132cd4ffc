package lease

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/pipelinecore/internal/store"
)

// Heartbeat renews a held lease at TTL/3 cadence until stopped, the task
// completes, or renewal fails because the lease was stolen or expired.
type Heartbeat struct {
	stopCh chan struct{}
	lostCh chan struct{}
}

// Lost returns a channel that closes when a renewal attempt discovers the
// caller no longer holds the lease. The worker must abort the in-flight task
// without publishing a result when this fires.
func (h *Heartbeat) Lost() <-chan struct{} { return h.lostCh }

// Stop halts the heartbeat goroutine. Safe to call after Lost has fired.
func (h *Heartbeat) Stop() { close(h.stopCh) }

// StartHeartbeat launches a background renewal goroutine for the given
// lease, mirroring the teacher's startHeartbeat ticker-plus-stop-channel
// shape, retargeted from a DB heartbeat column to a lease TTL renewal.
func (m *Manager) StartHeartbeat(ctx context.Context, pipelineID, stage string, taskIndex int, leaseID string, ttl time.Duration) *Heartbeat {
	h := &Heartbeat{
		stopCh: make(chan struct{}),
		lostCh: make(chan struct{}),
	}
	cadence := renewalCadence(ttl)

	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewCtx, span := tracer.Start(ctx, "lease.renew")
				span.SetAttributes(
					attribute.String("pipeline.id", pipelineID),
					attribute.String("pipeline.stage", stage),
					attribute.Int("task.index", taskIndex),
				)
				err := m.store.RenewTaskLease(renewCtx, pipelineID, stage, taskIndex, leaseID, ttl)
				if err != nil {
					span.SetStatus(codes.Error, err.Error())
				}
				span.End()
				if err != nil {
					if errors.Is(err, store.ErrLeaseNotHeld) {
						m.log.Warn("lease lost during renewal", "pipelineId", pipelineID, "stage", stage, "taskIndex", taskIndex)
						close(h.lostCh)
						return
					}
					m.log.Warn("lease renewal failed, retrying next tick", "pipelineId", pipelineID, "stage", stage, "taskIndex", taskIndex, "error", err)
				}
			}
		}
	}()

	return h
}
