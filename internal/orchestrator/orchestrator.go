// Package orchestrator implements the Pipeline Orchestrator: DAG compilation,
// frontier scheduling, per-task actor resolution and dispatch, result
// routing, retry/backoff, circuit breaking, compensation, and crash recovery
// (spec.md §4.5).
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/executor"
	"github.com/loomctl/pipelinecore/internal/expr"
	"github.com/loomctl/pipelinecore/internal/lease"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
	"github.com/loomctl/pipelinecore/internal/platform/metrics"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

// defaultLeaseTTL is used when a stage declares no leaseTtlMs of its own.
const defaultLeaseTTL = 30 * time.Second

var tracer = otel.Tracer("pipelinecore/orchestrator")

// resultConcurrency is the number of cooperative consumers draining the
// single pipeline-stage-results queue. These goroutines are not partitioned
// by pipeline id, so two results for the same pipeline (e.g. two scatter
// tasks completing in the same poll window) can be handled concurrently;
// safety comes from the store's atomic stage and lease writes (WATCH/MULTI),
// not from any ordering guarantee at this layer.
const resultConcurrency = 4

// Orchestrator drives one or more pipelines against a shared store and queue.
// A single Orchestrator instance is safe to run per process; multiple
// processes may run against the same store/queue concurrently for durable
// state (leases, stage progress, pipeline status all go through the store's
// atomic conditional writes). Admission control (executorConfig.maxParallel)
// is the one exception: admissionState is in-process memory, so the
// effective cap across N orchestrator processes racing the same scatter
// stage is maxParallel*N, not maxParallel. Deploy at most one orchestrator
// process per scatter stage's expected concurrency if that matters, or size
// maxParallel down accordingly.
type Orchestrator struct {
	store     store.Store
	queue     queue.Adapter
	leases    *lease.Manager
	executors executor.Registry
	log       *logger.Logger
	breakers  *circuitBreakers
	metrics   *metrics.Collector

	admissionsMu sync.Mutex
	admissions   map[string]*admissionState

	stopResults func()
}

// New builds an Orchestrator over the given store, queue adapter, and lease
// manager.
func New(st store.Store, q queue.Adapter, leases *lease.Manager, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		store:      st,
		queue:      q,
		leases:     leases,
		executors:  executor.NewRegistry(),
		log:        log.With("component", "orchestrator"),
		breakers:   newCircuitBreakers(),
		admissions: make(map[string]*admissionState),
	}
}

// WithMetrics attaches a metrics collector the orchestrator reports
// circuit-breaker state, task outcomes, and resume-queue size through. Safe
// to call at most once, before Start; an Orchestrator with no collector
// attached simply skips all metrics reporting.
func (o *Orchestrator) WithMetrics(m *metrics.Collector) *Orchestrator {
	o.metrics = m
	o.breakers.onChange = func(actorType string, state breakerState) {
		m.SetCircuitBreakerState(actorType, stateGauge(state))
	}
	return o
}

// Start registers the results consumer and resumes any pipelines the store
// reports as still running. It should be called once per process.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.waitForResume(ctx); err != nil {
		return err
	}
	stop, err := o.queue.RegisterWorker(ctx, queue.ResultsQueueName, resultConcurrency, o.handleResult)
	if err != nil {
		return fmt.Errorf("register results consumer: %w", err)
	}
	o.stopResults = stop
	return nil
}

// Stop blocks until the results consumer has drained and exited.
func (o *Orchestrator) Stop() {
	if o.stopResults != nil {
		o.stopResults()
	}
}

// StartPipeline compiles def's DAG, creates the durable record, and advances
// the frontier to dispatch every initially-ready stage.
func (o *Orchestrator) StartPipeline(ctx context.Context, id string, def domain.PipelineDefinition, trigger any) (*domain.PipelineRecord, error) {
	ctx, span := tracer.Start(ctx, "pipeline.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("pipeline.id", id),
		attribute.Int("pipeline.stages", len(def.Stages)),
	)

	order, deps, err := compileDAG(def.Stages)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rec, err := o.store.CreatePipeline(ctx, id, def, trigger)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := o.advance(ctx, id, def, order, deps); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return rec, err
	}
	return rec, nil
}

// Cancel marks a pipeline cancelled. The next advance or result application
// observes the flag and stops progressing the frontier; in-flight tasks
// complete or their leases expire without effect.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	return o.store.MarkPipelineCancelled(ctx, id, reason)
}

// advance walks the DAG in topological order, planning and dispatching every
// stage whose predecessors are satisfied and that has not yet been planned,
// then checks whether the pipeline as a whole has reached a terminal state.
func (o *Orchestrator) advance(ctx context.Context, id string, def domain.PipelineDefinition, order []string, deps map[string][]string) error {
	cancelled, reason, err := o.store.IsPipelineCancelled(ctx, id)
	if err != nil {
		return err
	}
	if cancelled {
		o.log.Info("pipeline cancelled, skipping advance", "pipeline_id", id, "reason", reason)
		return nil
	}

	stageByName := make(map[string]domain.StageDefinition, len(def.Stages))
	for _, s := range def.Stages {
		stageByName[s.Name] = s
	}

	stageRecs := make(map[string]*domain.StageRecord, len(order))
	for _, name := range order {
		rec, err := o.store.GetStage(ctx, id, name)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if rec == nil {
			rec = &domain.StageRecord{PipelineID: id, Stage: name, Status: domain.StagePending}
		}
		stageRecs[name] = rec
	}

	anyFailed := false
	allTerminal := true
	for _, name := range order {
		rec := stageRecs[name]
		if rec.Status == domain.StageFailed {
			anyFailed = true
		}
		if !rec.Status.Terminal() {
			allTerminal = false
		}
	}
	if anyFailed {
		// A stage already exhausted its retries; pipeline failure, dead-letter,
		// and compensation are driven from handleResult at the moment of
		// exhaustion. Nothing further to dispatch.
		return nil
	}
	if allTerminal && len(order) > 0 {
		return o.completePipeline(ctx, id)
	}

	progressed := false
	for _, name := range order {
		def := stageByName[name]
		rec := stageRecs[name]
		if rec.Status != domain.StagePending {
			continue
		}

		ready, err := o.stageReady(ctx, id, def, deps[name], stageRecs)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := o.dispatchStage(ctx, id, def, stageRecs); err != nil {
			return err
		}
		// A stage that turned terminal during dispatch (skipped, vacuously
		// complete, or failed at planning) gets no result message, so walk
		// the DAG again to release its dependents.
		if after, err := o.store.GetStage(ctx, id, name); err == nil && after.Status.Terminal() {
			progressed = true
		}
	}
	if progressed {
		return o.advance(ctx, id, def, order, deps)
	}
	return nil
}

// stageReady reports whether def may be planned now. Every mode but gather
// requires all dependency stages to be completed or skipped; gather instead
// asks its own barrier condition against collected output counts, so an
// "any" or "count:N" gather can fire before its predecessor stage has fully
// finished emitting.
//
// A gather stage that declares executorConfig.timeout stamps the wait clock
// on its own (still-pending) StageRecord the first time it is observed not
// ready, then fails the stage with GatherTimeout once that clock expires,
// unless gather.minResults is already met by the outputs collected so far.
func (o *Orchestrator) stageReady(ctx context.Context, id string, def domain.StageDefinition, dependencies []string, stageRecs map[string]*domain.StageRecord) (bool, error) {
	if def.Mode == domain.ModeGather && def.Gather != nil {
		available := make(map[string]int, len(def.Gather.Stage))
		expected := make(map[string]int, len(def.Gather.Stage))
		total := 0
		for _, name := range def.Gather.Stage {
			rec := stageRecs[name]
			if rec == nil {
				available[name], expected[name] = 0, 0
				continue
			}
			available[name] = rec.CompletedTasks
			expected[name] = rec.ExpectedTasks
			total += rec.CompletedTasks
			if !rec.Status.Terminal() && rec.ExpectedTasks == 0 {
				expected[name] = 1 // not yet planned: treat as not-ready
			}
		}
		if executor.GatherReady(def, available, expected) {
			return true, nil
		}
		if def.ExecutorConfig.Timeout > 0 {
			waiting, err := o.gatherWaitStarted(ctx, id, def, stageRecs)
			if err != nil {
				return false, err
			}
			if time.Since(waiting) >= def.ExecutorConfig.Timeout {
				if def.Gather.MinResults > 0 && total >= def.Gather.MinResults {
					return true, nil
				}
				cause := domain.NewError(domain.KindGatherTimeout, "gather stage "+def.Name+" exceeded executorConfig.timeout waiting on "+fmt.Sprint(def.Gather.Stage))
				return false, o.failStagePermanently(ctx, id, def, cause)
			}
		}
		return false, nil
	}

	for _, dep := range dependencies {
		rec := stageRecs[dep]
		if rec == nil || (rec.Status != domain.StageCompleted && rec.Status != domain.StageSkipped) {
			return false, nil
		}
	}
	return true, nil
}

// gatherWaitStarted returns the moment def's barrier wait began, stamping it
// onto def's own (pending) StageRecord the first time def is found not
// ready so the clock survives across advance calls and process restarts.
func (o *Orchestrator) gatherWaitStarted(ctx context.Context, id string, def domain.StageDefinition, stageRecs map[string]*domain.StageRecord) (time.Time, error) {
	rec := stageRecs[def.Name]
	if rec != nil && rec.StartedAt != nil {
		return *rec.StartedAt, nil
	}
	now := time.Now().UTC()
	if err := o.store.UpsertStage(ctx, id, def.Name, store.StagePatch{StartedAt: &now}); err != nil {
		return time.Time{}, err
	}
	if rec != nil {
		rec.StartedAt = &now
	}
	return now, nil
}

func (o *Orchestrator) completePipeline(ctx context.Context, id string) error {
	return o.store.SetPipelineStatus(ctx, id, domain.PipelineCompleted, store.StatusPatch{})
}

// buildContext assembles the expression context a stage's Plan call
// evaluates against: the pipeline trigger plus, for every stage this
// definition's bindings reference, that stage's collected outputs at its
// current attempt.
func (o *Orchestrator) buildContext(ctx context.Context, id string, trigger any, def domain.StageDefinition, stageRecs map[string]*domain.StageRecord) (expr.Context, map[string]int, error) {
	refs := referencedStages(def)
	attempts := make(map[string]int, len(refs))
	stagesMap := make(map[string][]expr.Value, len(refs))
	for _, name := range refs {
		attempt := 0
		if rec := stageRecs[name]; rec != nil {
			attempt = rec.Attempt
		}
		attempts[name] = attempt
		outs, err := o.store.GetStageOutputs(ctx, id, name, attempt)
		if err != nil {
			return expr.Context{}, nil, err
		}
		vals := make([]expr.Value, len(outs))
		for i, out := range outs {
			vals[i] = expr.FromAny(out.Value)
		}
		stagesMap[name] = vals
	}
	return expr.Context{Trigger: expr.FromAny(trigger), Stages: stagesMap}, attempts, nil
}

func leaseTTLFor(def domain.StageDefinition) time.Duration {
	if def.LeaseTTL > 0 {
		return def.LeaseTTL
	}
	return defaultLeaseTTL
}

func newMessageID() string { return uuid.NewString() }
