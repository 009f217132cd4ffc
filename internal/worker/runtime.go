// Package worker implements the Actor Worker Runtime: queue consumption per
// actor type, lease claim and heartbeat renewal, actor invocation with panic
// containment, and result/failure egress to the orchestrator's results queue
// (spec.md §4.6).
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/lease"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
	"github.com/loomctl/pipelinecore/internal/platform/metrics"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

// defaultLeaseTTL mirrors the orchestrator's fallback for stages that declare
// no lease TTL of their own; the payload always carries the orchestrator's
// chosen TTL, so this only covers a malformed/zero payload.
const defaultLeaseTTL = 30 * time.Second

// Runtime drains one or more actor queues, dispatching each execute message
// to the registered actor and reporting its outcome back to the orchestrator.
// A single Runtime may back many actor types and many concurrent consumers
// per type; all coordination with other workers happens through the shared
// store and queue, never in process memory.
type Runtime struct {
	queue    queue.Adapter
	store    store.Store
	leases   *lease.Manager
	registry *Registry
	log      *logger.Logger
	workerID string
	metrics  *metrics.Collector
}

// WithMetrics attaches a metrics collector the runtime reports raw actor
// execution outcomes through (succeeded/failed/panicked, as observed before
// the orchestrator applies retry policy). Nil-safe: a Runtime with no
// collector attached simply skips reporting.
func (r *Runtime) WithMetrics(m *metrics.Collector) *Runtime {
	r.metrics = m
	return r
}

// New builds a Runtime. Each Runtime instance gets its own worker id, so
// ledger entries attribute "running" transitions to the process that actually
// claimed the task.
func New(q queue.Adapter, st store.Store, leases *lease.Manager, registry *Registry, log *logger.Logger) *Runtime {
	return &Runtime{
		queue:    q,
		store:    st,
		leases:   leases,
		registry: registry,
		log:      log.With("component", "worker"),
		workerID: "worker-" + uuid.NewString(),
	}
}

// StartWorker subscribes concurrency cooperative consumers to actorType's
// queue. Returns a stop function that blocks until every consumer exits.
func (r *Runtime) StartWorker(ctx context.Context, actorType string, concurrency int) (func(), error) {
	return r.queue.RegisterWorker(ctx, queue.ActorQueueName(actorType), concurrency, func(ctx context.Context, msg domain.PipelineMessage) error {
		return r.handle(ctx, actorType, msg)
	})
}

func (r *Runtime) handle(ctx context.Context, actorType string, msg domain.PipelineMessage) error {
	if msg.Type != domain.MessageExecute {
		return nil
	}
	p := msg.Payload

	claimed, err := r.claimLease(ctx, p)
	if err != nil {
		return err
	}
	if !claimed {
		// A different holder now owns this (pipeline, stage, task index): the
		// orchestrator already re-dispatched after reclaiming a stale lease,
		// or a prior attempt already completed it. Drop silently.
		return nil
	}

	cancelled, _, err := r.store.IsPipelineCancelled(ctx, p.PipelineID)
	if err != nil {
		return err
	}
	if cancelled {
		_ = r.leases.Release(ctx, p.PipelineID, p.Stage, p.TaskIndex, p.LeaseID)
		return nil
	}

	now := time.Now().UTC()
	if err := r.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   p.PipelineID,
		Stage:        p.Stage,
		TaskIndex:    p.TaskIndex,
		StageAttempt: p.StageAttempt,
		RetryAttempt: p.RetryAttempt,
		Status:       domain.TaskRunning,
		WorkerID:     r.workerID,
		ActorType:    actorType,
		Input:        p.Input,
		LeaseID:      p.LeaseID,
		StartedAt:    &now,
	}); err != nil {
		return err
	}

	actor, err := r.registry.resolve(ctx, actorType)
	if err != nil {
		return r.emitFailure(ctx, p, err)
	}

	ttl := p.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	hb := r.leases.StartHeartbeat(ctx, p.PipelineID, p.Stage, p.TaskIndex, p.LeaseID, ttl)
	defer hb.Stop()

	type outcome struct {
		output   any
		err      error
		panicked bool
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("actor panic: %v", rec), panicked: true}
			}
		}()
		out, err := actor.Execute(ctx, p.Input)
		done <- outcome{output: out, err: err}
	}()

	select {
	case <-hb.Lost():
		// The lease was stolen mid-execution (a resume cycle reclaimed it as
		// stale): abort without publishing. The rightful new holder will
		// complete and publish.
		return nil
	case res := <-done:
		if res.err != nil {
			if r.metrics != nil {
				if res.panicked {
					r.metrics.RecordTaskOutcome(actorType, "panicked")
				} else {
					r.metrics.RecordTaskOutcome(actorType, "failed")
				}
			}
			return r.emitFailure(ctx, p, res.err)
		}
		if r.metrics != nil {
			r.metrics.RecordTaskOutcome(actorType, "succeeded")
		}
		return r.emitSuccess(ctx, p, res.output)
	}
}

// claimLease confirms the lease referenced in the payload is still the live
// one before doing any work; a mismatch means another delivery of this
// message is stale.
func (r *Runtime) claimLease(ctx context.Context, p domain.MessagePayload) (bool, error) {
	lse, err := r.store.GetTaskLease(ctx, p.PipelineID, p.Stage, p.TaskIndex)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return lse.LeaseID == p.LeaseID, nil
}

func (r *Runtime) emitSuccess(ctx context.Context, p domain.MessagePayload, output any) error {
	if err := r.leases.Release(ctx, p.PipelineID, p.Stage, p.TaskIndex, p.LeaseID); err != nil {
		r.log.Warn("lease release after success failed", "pipeline_id", p.PipelineID, "stage", p.Stage, "task_index", p.TaskIndex, "err", err)
	}
	p.Output = output
	return r.queue.Enqueue(ctx, queue.ResultsQueueName, domain.PipelineMessage{
		MessageID: uuid.NewString(),
		Sender:    r.workerID,
		Recipient: "orchestrator",
		Type:      domain.MessageResult,
		Payload:   p,
		Timestamp: time.Now().UTC(),
	}, 0)
}

func (r *Runtime) emitFailure(ctx context.Context, p domain.MessagePayload, cause error) error {
	if err := r.leases.Release(ctx, p.PipelineID, p.Stage, p.TaskIndex, p.LeaseID); err != nil {
		r.log.Warn("lease release after failure failed", "pipeline_id", p.PipelineID, "stage", p.Stage, "task_index", p.TaskIndex, "err", err)
	}
	p.Error = &domain.ErrorRecord{
		Message:    cause.Error(),
		OccurredAt: time.Now().UTC(),
		Retryable:  domain.IsRetryable(cause),
	}
	return r.queue.Enqueue(ctx, queue.ResultsQueueName, domain.PipelineMessage{
		MessageID: uuid.NewString(),
		Sender:    r.workerID,
		Recipient: "orchestrator",
		Type:      domain.MessageFailure,
		Payload:   p,
		Timestamp: time.Now().UTC(),
	}, 0)
}
