package orchestrator

import (
	"context"
	"time"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

// waitForResume rebuilds in-flight state for every pipeline the store still
// reports as running: stale leases are re-acquired and their tasks
// re-enqueued, then the frontier is re-evaluated so a crashed orchestrator
// picks up exactly where it left off without reprocessing completed work.
func (o *Orchestrator) waitForResume(ctx context.Context) error {
	ids, err := o.store.ListRunningPipelines(ctx)
	if err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.ResumeQueueSize.Set(float64(len(ids)))
	}
	for i, id := range ids {
		if err := o.resumePipeline(ctx, id); err != nil {
			o.log.Warn("resume failed for pipeline", "pipeline_id", id, "err", err)
		}
		if o.metrics != nil {
			o.metrics.ResumeQueueSize.Set(float64(len(ids) - i - 1))
		}
	}
	return nil
}

func (o *Orchestrator) resumePipeline(ctx context.Context, id string) error {
	rec, err := o.store.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	order, deps, err := compileDAG(rec.Definition.Stages)
	if err != nil {
		return err
	}

	for _, name := range order {
		stageRec, err := o.store.GetStage(ctx, id, name)
		if err != nil || stageRec == nil || stageRec.Status != domain.StageRunning {
			continue
		}
		def, ok := findStage(rec.Definition, name)
		if !ok {
			continue
		}
		if err := o.reclaimStaleTasks(ctx, id, def); err != nil {
			o.log.Warn("reclaim stale tasks failed", "pipeline_id", id, "stage", name, "err", err)
		}
	}

	return o.advance(ctx, id, rec.Definition, order, deps)
}

// reclaimStaleTasks re-enqueues every queued or running task of def whose
// lease is absent or expired.
func (o *Orchestrator) reclaimStaleTasks(ctx context.Context, id string, def domain.StageDefinition) error {
	pending, err := o.store.GetPendingTasks(ctx, id, def.Name)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range pending {
		lse, err := o.store.GetTaskLease(ctx, id, def.Name, t.TaskIndex)
		expired := err == store.ErrNotFound || (err == nil && lse.Expired(now))
		if !expired {
			continue
		}

		ttl := leaseTTLFor(def)
		newLease, err := o.leases.Acquire(ctx, id, def.Name, t.TaskIndex, ttl, "orchestrator")
		if err != nil {
			o.log.Warn("resume lease re-acquisition failed", "pipeline_id", id, "stage", def.Name, "task_index", t.TaskIndex, "err", err)
			continue
		}
		queuedAt := time.Now().UTC()
		if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
			PipelineID:   id,
			Stage:        def.Name,
			TaskIndex:    t.TaskIndex,
			StageAttempt: t.StageAttempt,
			RetryAttempt: t.RetryAttempt,
			Status:       domain.TaskQueued,
			ActorType:    t.ActorType,
			Input:        t.Input,
			QueuedAt:     &queuedAt,
			LeaseID:      newLease.LeaseID,
		}); err != nil {
			return err
		}
		msg := domain.PipelineMessage{
			MessageID: newMessageID(),
			Sender:    "orchestrator",
			Recipient: queue.ActorQueueName(t.ActorType),
			Type:      domain.MessageExecute,
			Payload: domain.MessagePayload{
				PipelineID:   id,
				Stage:        def.Name,
				TaskIndex:    t.TaskIndex,
				StageAttempt: t.StageAttempt,
				RetryAttempt: t.RetryAttempt,
				ActorType:    t.ActorType,
				Input:        t.Input,
				LeaseID:      newLease.LeaseID,
				LeaseTTL:     ttl,
				RetryPolicy:  def.Retry,
			},
			Timestamp: queuedAt,
		}
		if err := o.queue.Enqueue(ctx, queue.ActorQueueName(t.ActorType), msg, 0); err != nil {
			return err
		}
	}
	return nil
}
