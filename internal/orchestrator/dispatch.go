package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/executor"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

// dispatchStage plans def against its current context and either marks it
// skipped (when-predicate false), or persists expectedTasks and enqueues one
// execute message per planned task.
func (o *Orchestrator) dispatchStage(ctx context.Context, id string, def domain.StageDefinition, stageRecs map[string]*domain.StageRecord) error {
	ctx, span := tracer.Start(ctx, "stage.plan")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.id", id),
		attribute.String("pipeline.stage", def.Name),
		attribute.String("pipeline.stage.mode", string(def.Mode)),
	)

	rec, err := o.store.GetPipeline(ctx, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	ctxVal, attempts, err := o.buildContext(ctx, id, rec.Trigger, def, stageRecs)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	ex := o.executors[def.Mode]
	if ex == nil {
		err := domain.NewError(domain.KindInvalidPipeline, "unknown stage mode: "+string(def.Mode))
		span.SetStatus(codes.Error, err.Error())
		return o.failStagePermanently(ctx, id, def, err)
	}

	var upstream executor.UpstreamOutputs
	if def.Mode == domain.ModeGather {
		upstream = storeUpstream{ctx: ctx, store: o.store, id: id, attempts: attempts}
	}

	plan, err := ex.Plan(def, ctxVal, upstream)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.failStagePermanently(ctx, id, def, err)
	}
	span.SetAttributes(attribute.Int("pipeline.stage.expected_tasks", plan.ExpectedTasks))

	attempt := stageRecs[def.Name].Attempt + 1
	now := time.Now().UTC()

	if plan.Skipped {
		status := domain.StageSkipped
		return o.store.UpsertStage(ctx, id, def.Name, store.StagePatch{
			Status:  &status,
			Attempt: &attempt,
		})
	}

	running := domain.StageRunning
	expected := plan.ExpectedTasks
	if err := o.store.UpsertStage(ctx, id, def.Name, store.StagePatch{
		Status:        &running,
		Attempt:       &attempt,
		ExpectedTasks: &expected,
		StartedAt:     &now,
	}); err != nil {
		return err
	}

	if expected == 0 {
		// No tasks to run (e.g. scatter over an empty collection): the stage
		// is vacuously complete.
		completed := domain.StageCompleted
		return o.store.UpsertStage(ctx, id, def.Name, store.StagePatch{Status: &completed})
	}

	if def.Mode == domain.ModeScatter && def.ExecutorConfig.MaxParallel > 0 && def.ExecutorConfig.MaxParallel < len(plan.Tasks) {
		return o.admitScatter(ctx, id, def, attempt, plan.Tasks)
	}

	for _, task := range plan.Tasks {
		if err := o.dispatchTask(ctx, id, def, attempt, task); err != nil {
			return err
		}
	}
	return nil
}

// dispatchTask acquires a lease, writes the queued ledger entry, and enqueues
// the execute message for one planned task. A tripped circuit breaker is
// treated as an immediate task failure so it flows through the same
// retry/compensation/dead-letter path as an actor-raised error.
func (o *Orchestrator) dispatchTask(ctx context.Context, id string, def domain.StageDefinition, stageAttempt int, task executor.PlannedTask) error {
	ctx, span := tracer.Start(ctx, "task.enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.id", id),
		attribute.String("pipeline.stage", def.Name),
		attribute.Int("task.index", task.Index),
		attribute.String("task.actor_type", task.ActorType),
	)

	if err := o.breakers.Allow(task.ActorType, def.CircuitBreaker); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return o.handleTaskFailure(ctx, id, def, domain.MessagePayload{
			PipelineID:   id,
			Stage:        def.Name,
			TaskIndex:    task.Index,
			StageAttempt: stageAttempt,
			RetryAttempt: 0,
			ActorType:    task.ActorType,
			Input:        task.Input,
			RetryPolicy:  def.Retry,
		}, err)
	}

	ttl := leaseTTLFor(def)
	lse, err := o.leases.Acquire(ctx, id, def.Name, task.Index, ttl, "orchestrator")
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   id,
		Stage:        def.Name,
		TaskIndex:    task.Index,
		StageAttempt: stageAttempt,
		RetryAttempt: 0,
		Status:       domain.TaskQueued,
		ActorType:    task.ActorType,
		Input:        task.Input,
		QueuedAt:     &now,
		LeaseID:      lse.LeaseID,
	}); err != nil {
		return err
	}

	msg := domain.PipelineMessage{
		MessageID: newMessageID(),
		Sender:    "orchestrator",
		Recipient: queue.ActorQueueName(task.ActorType),
		Type:      domain.MessageExecute,
		Payload: domain.MessagePayload{
			PipelineID:   id,
			Stage:        def.Name,
			TaskIndex:    task.Index,
			StageAttempt: stageAttempt,
			RetryAttempt: 0,
			ActorType:    task.ActorType,
			Input:        task.Input,
			LeaseID:      lse.LeaseID,
			LeaseTTL:     ttl,
			RetryPolicy:  def.Retry,
		},
		Timestamp: now,
	}
	return o.queue.Enqueue(ctx, queue.ActorQueueName(task.ActorType), msg, 0)
}

// failStagePermanently handles a non-retryable stage error (an InvalidPipeline
// planning fault, or a GatherTimeout from stageReady): the stage and pipeline both fail
// immediately, with compensation driven the same as an exhausted-retry task
// failure.
func (o *Orchestrator) failStagePermanently(ctx context.Context, id string, def domain.StageDefinition, cause error) error {
	failed := domain.StageFailed
	_ = o.store.UpsertStage(ctx, id, def.Name, store.StagePatch{Status: &failed})
	return o.failPipeline(ctx, id, def, cause)
}
