package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/executor"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

// handleResult is the queue.Handler registered against
// pipeline-stage-results. resultConcurrency cooperative goroutines drain the
// same queue with no partitioning by pipeline id, so two calls for the same
// pipeline and stage can run concurrently; it is the store's WATCH/MULTI
// stage and lease writes (see RedisStore.mutateStage, AcquireTaskLease), not
// serialization here, that make concurrent handlers for the same pipeline
// safe to interleave.
func (o *Orchestrator) handleResult(ctx context.Context, msg domain.PipelineMessage) error {
	p := msg.Payload
	ctx, span := tracer.Start(ctx, "result.consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.id", p.PipelineID),
		attribute.String("pipeline.stage", p.Stage),
		attribute.Int("task.index", p.TaskIndex),
		attribute.String("message.type", string(msg.Type)),
	)

	rec, err := o.store.GetPipeline(ctx, p.PipelineID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	def, ok := findStage(rec.Definition, p.Stage)
	if !ok {
		err := fmt.Errorf("result for unknown stage %q on pipeline %s", p.Stage, p.PipelineID)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	cancelled, _, err := o.store.IsPipelineCancelled(ctx, p.PipelineID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if cancelled {
		_ = o.leases.Release(ctx, p.PipelineID, p.Stage, p.TaskIndex, p.LeaseID)
		return nil
	}

	switch msg.Type {
	case domain.MessageResult:
		err := o.handleTaskSuccess(ctx, rec, def, p)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	case domain.MessageFailure:
		var cause error = domain.NewError(domain.KindTaskFailed, "actor reported failure")
		if p.Error != nil {
			cause = domain.WrapError(domain.KindTaskFailed, p.Error.Message, errors.New(p.Error.Message)).WithRetryable(p.Error.Retryable)
		}
		err := o.handleTaskFailure(ctx, p.PipelineID, def, p, cause)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	default:
		return nil
	}
}

func findStage(def domain.PipelineDefinition, name string) (domain.StageDefinition, bool) {
	for _, s := range def.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return domain.StageDefinition{}, false
}

func (o *Orchestrator) handleTaskSuccess(ctx context.Context, rec *domain.PipelineRecord, def domain.StageDefinition, p domain.MessagePayload) error {
	now := time.Now().UTC()
	if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   p.PipelineID,
		Stage:        p.Stage,
		TaskIndex:    p.TaskIndex,
		StageAttempt: p.StageAttempt,
		RetryAttempt: p.RetryAttempt,
		Status:       domain.TaskCompleted,
		ActorType:    p.ActorType,
		Input:        p.Input,
		Output:       p.Output,
		LeaseID:      p.LeaseID,
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	if err := o.store.AppendStageOutput(ctx, p.PipelineID, p.Stage, p.StageAttempt, domain.StageOutput{
		TaskIndex: p.TaskIndex,
		Value:     p.Output,
	}); err != nil {
		return err
	}
	if err := o.store.UpdateStageProgress(ctx, p.PipelineID, p.Stage, store.ProgressDelta{CompletedTasksDelta: 1}); err != nil {
		return err
	}
	o.breakers.RecordResult(p.ActorType, def.CircuitBreaker, true)
	if o.metrics != nil {
		o.metrics.RecordTaskOutcome(p.ActorType, "completed")
	}
	if err := o.releaseAdmission(ctx, p.PipelineID, def); err != nil {
		return err
	}

	stageRec, err := o.store.GetStage(ctx, p.PipelineID, p.Stage)
	if err != nil {
		return err
	}
	ex := o.executors[def.Mode]
	barrier := ex.Barrier(def, stageRec.ExpectedTasks)
	if barrier.Satisfied(stageRec.CompletedTasks) {
		completed := domain.StageCompleted
		if err := o.store.UpsertStage(ctx, p.PipelineID, p.Stage, store.StagePatch{Status: &completed}); err != nil {
			return err
		}
	}

	order, deps, err := compileDAG(rec.Definition.Stages)
	if err != nil {
		return err
	}
	return o.advance(ctx, p.PipelineID, rec.Definition, order, deps)
}

// handleTaskFailure applies retry policy: another attempt is scheduled via an
// in-process delayed re-enqueue timer (the queue adapter has no native
// delayed-visibility primitive) when budget remains; otherwise the stage
// fails, compensation runs in reverse-completion order, the pipeline is
// marked failed, and the original failure envelope is archived to the
// stage's dead-letter queue.
func (o *Orchestrator) handleTaskFailure(ctx context.Context, id string, def domain.StageDefinition, p domain.MessagePayload, cause error) error {
	now := time.Now().UTC()
	errRec := &domain.ErrorRecord{Message: cause.Error(), OccurredAt: now, Retryable: domain.IsRetryable(cause)}
	if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID:   id,
		Stage:        def.Name,
		TaskIndex:    p.TaskIndex,
		StageAttempt: p.StageAttempt,
		RetryAttempt: p.RetryAttempt,
		Status:       domain.TaskFailed,
		ActorType:    p.ActorType,
		Input:        p.Input,
		Error:        errRec,
		LeaseID:      p.LeaseID,
		CompletedAt:  &now,
	}); err != nil {
		return err
	}
	o.breakers.RecordResult(p.ActorType, def.CircuitBreaker, false)

	nextRetry := p.RetryAttempt + 1
	if shouldRetry(def.Retry, nextRetry) {
		delay := computeBackoff(def.Retry, nextRetry)
		p.RetryAttempt = nextRetry
		if o.metrics != nil {
			o.metrics.RecordTaskOutcome(p.ActorType, "retried")
		}
		o.scheduleRetry(id, def, p, delay)
		return nil
	}
	if o.metrics != nil {
		o.metrics.RecordTaskOutcome(p.ActorType, "failed")
	}

	failedStatus := domain.StageFailed
	if err := o.store.UpsertStage(ctx, id, def.Name, store.StagePatch{Status: &failedStatus}); err != nil {
		return err
	}
	if err := o.releaseAdmission(ctx, id, def); err != nil {
		o.log.Warn("admission release failed", "pipeline_id", id, "stage", def.Name, "err", err)
	}

	dlqName := def.DeadLetterQueue
	if dlqName == "" {
		dlqName = queue.DefaultDeadLetterQueue(p.ActorType)
	}
	if err := o.queue.DeadLetter(ctx, dlqName, domain.DeadLetterRecord{
		Message: domain.PipelineMessage{
			MessageID: newMessageID(),
			Sender:    "orchestrator",
			Recipient: dlqName,
			Type:      domain.MessageDeadLetter,
			Payload:   p,
			Timestamp: now,
		},
		Reason:     cause.Error(),
		ArchivedAt: now,
	}); err != nil {
		o.log.Warn("dead-letter archive failed", "pipeline_id", id, "stage", def.Name, "err", err)
	}

	return o.failPipeline(ctx, id, def, cause)
}

// scheduleRetry re-acquires the task's lease and re-enqueues its execute
// message after delay, unless the pipeline is cancelled by the time the
// timer fires.
func (o *Orchestrator) scheduleRetry(id string, def domain.StageDefinition, p domain.MessagePayload, delay time.Duration) {
	time.AfterFunc(delay, func() {
		ctx := context.Background()
		if cancelled, _, err := o.store.IsPipelineCancelled(ctx, id); err != nil || cancelled {
			return
		}
		ttl := leaseTTLFor(def)
		lse, err := o.leases.Acquire(ctx, id, def.Name, p.TaskIndex, ttl, "orchestrator")
		if err != nil {
			o.log.Warn("retry lease acquisition failed", "pipeline_id", id, "stage", def.Name, "task_index", p.TaskIndex, "err", err)
			return
		}
		now := time.Now().UTC()
		if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
			PipelineID:   id,
			Stage:        def.Name,
			TaskIndex:    p.TaskIndex,
			StageAttempt: p.StageAttempt,
			RetryAttempt: p.RetryAttempt,
			Status:       domain.TaskQueued,
			ActorType:    p.ActorType,
			Input:        p.Input,
			QueuedAt:     &now,
			LeaseID:      lse.LeaseID,
		}); err != nil {
			o.log.Warn("retry ledger write failed", "pipeline_id", id, "stage", def.Name, "err", err)
			return
		}
		msg := domain.PipelineMessage{
			MessageID: newMessageID(),
			Sender:    "orchestrator",
			Recipient: queue.ActorQueueName(p.ActorType),
			Type:      domain.MessageExecute,
			Payload: domain.MessagePayload{
				PipelineID:   id,
				Stage:        def.Name,
				TaskIndex:    p.TaskIndex,
				StageAttempt: p.StageAttempt,
				RetryAttempt: p.RetryAttempt,
				ActorType:    p.ActorType,
				Input:        p.Input,
				LeaseID:      lse.LeaseID,
				LeaseTTL:     ttl,
				RetryPolicy:  def.Retry,
			},
			Timestamp: now,
		}
		if err := o.queue.Enqueue(ctx, queue.ActorQueueName(p.ActorType), msg, 0); err != nil {
			o.log.Warn("retry enqueue failed", "pipeline_id", id, "stage", def.Name, "err", err)
		}
	})
}

// failPipeline drives compensation for already-completed stages that carry a
// compensation clause, then marks the pipeline failed. cause is logged but
// does not block the transition: a failing compensation action is recorded
// and compensation continues with the next stage, mirroring a best-effort
// saga rollback.
func (o *Orchestrator) failPipeline(ctx context.Context, id string, failingStage domain.StageDefinition, cause error) error {
	rec, err := o.store.GetPipeline(ctx, id)
	if err != nil {
		return err
	}
	if err := o.compensate(ctx, rec); err != nil {
		o.log.Warn("compensation pass encountered an error", "pipeline_id", id, "err", err)
	}
	o.log.Error("pipeline failed", "pipeline_id", id, "stage", failingStage.Name, "err", cause)
	return o.store.SetPipelineStatus(ctx, id, domain.PipelineFailed, store.StatusPatch{})
}

// compensate invokes each completed stage's compensation actor in reverse
// completion order (most recently completed first), matching the teacher's
// saga rollback: a best-effort pass that continues past a single action's
// failure.
func (o *Orchestrator) compensate(ctx context.Context, rec *domain.PipelineRecord) error {
	type candidate struct {
		def       domain.StageDefinition
		updatedAt time.Time
	}
	var candidates []candidate
	for _, def := range rec.Definition.Stages {
		if def.Compensation == nil {
			continue
		}
		stageRec, err := o.store.GetStage(ctx, rec.ID, def.Name)
		if err != nil || stageRec == nil || stageRec.Status != domain.StageCompleted {
			continue
		}
		candidates = append(candidates, candidate{def: def, updatedAt: stageRec.UpdatedAt})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].updatedAt.After(candidates[j].updatedAt) })

	ctxVal, _, err := o.buildContext(ctx, rec.ID, rec.Trigger, domain.StageDefinition{}, nil)
	if err != nil {
		return err
	}

	for _, c := range candidates {
		pending := true
		_ = o.store.UpsertStage(ctx, rec.ID, c.def.Name, store.StagePatch{CompensationPending: &pending})

		input, err := executor.ResolveInput(c.def.Compensation.Input, ctxVal)
		if err != nil {
			o.log.Warn("compensation input resolution failed", "pipeline_id", rec.ID, "stage", c.def.Name, "err", err)
			continue
		}
		now := time.Now().UTC()
		compStage := c.def.Name + ":compensate"
		if err := o.store.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
			PipelineID: rec.ID,
			Stage:      compStage,
			TaskIndex:  0,
			Status:     domain.TaskQueued,
			ActorType:  c.def.Compensation.Actor,
			Input:      input,
			QueuedAt:   &now,
		}); err != nil {
			o.log.Warn("compensation ledger write failed", "pipeline_id", rec.ID, "stage", c.def.Name, "err", err)
		}
		msg := domain.PipelineMessage{
			MessageID: newMessageID(),
			Sender:    "orchestrator",
			Recipient: queue.ActorQueueName(c.def.Compensation.Actor),
			Type:      domain.MessageExecute,
			Payload: domain.MessagePayload{
				PipelineID: rec.ID,
				Stage:      compStage,
				TaskIndex:  0,
				ActorType:  c.def.Compensation.Actor,
				Input:      input,
			},
			Timestamp: now,
		}
		if err := o.queue.Enqueue(ctx, queue.ActorQueueName(c.def.Compensation.Actor), msg, 0); err != nil {
			o.log.Warn("compensation enqueue failed", "pipeline_id", rec.ID, "stage", c.def.Name, "err", err)
		}
	}
	return nil
}
