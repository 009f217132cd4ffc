package orchestrator

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/executor"
)

// admissionState bounds how many of a scatter stage's planned tasks are
// in flight at once, per executorConfig.maxParallel. Tasks beyond the limit
// sit in queue until a slot frees up on task completion or final failure;
// a retried task keeps its slot rather than releasing and re-acquiring.
type admissionState struct {
	mu           sync.Mutex
	sem          *semaphore.Weighted
	queue        []executor.PlannedTask
	stageAttempt int
}

func admissionKey(id, stage string) string { return id + "/" + stage }

// admitScatter registers def's planned tasks under executorConfig.maxParallel
// and dispatches as many as the limit allows; the rest wait in queue.
func (o *Orchestrator) admitScatter(ctx context.Context, id string, def domain.StageDefinition, stageAttempt int, tasks []executor.PlannedTask) error {
	limit := def.ExecutorConfig.MaxParallel
	st := &admissionState{
		sem:          semaphore.NewWeighted(int64(limit)),
		queue:        tasks,
		stageAttempt: stageAttempt,
	}
	o.admissionsMu.Lock()
	o.admissions[admissionKey(id, def.Name)] = st
	o.admissionsMu.Unlock()
	return o.admitAvailable(ctx, id, def)
}

// admitAvailable dispatches queued tasks for id/def.Name while slots remain,
// a no-op when no admissionState was registered (unbounded dispatch already
// happened directly from dispatchStage).
func (o *Orchestrator) admitAvailable(ctx context.Context, id string, def domain.StageDefinition) error {
	o.admissionsMu.Lock()
	st := o.admissions[admissionKey(id, def.Name)]
	o.admissionsMu.Unlock()
	if st == nil {
		return nil
	}

	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.mu.Unlock()
			return nil
		}
		if !st.sem.TryAcquire(1) {
			st.mu.Unlock()
			return nil
		}
		task := st.queue[0]
		st.queue = st.queue[1:]
		attempt := st.stageAttempt
		empty := len(st.queue) == 0
		st.mu.Unlock()

		if empty {
			o.admissionsMu.Lock()
			delete(o.admissions, admissionKey(id, def.Name))
			o.admissionsMu.Unlock()
		}

		if err := o.dispatchTask(ctx, id, def, attempt, task); err != nil {
			return err
		}
	}
}

// releaseAdmission frees one in-flight slot for id/stage and tries to admit
// the next queued task. Safe to call when no admissionState is registered
// (unbounded stages, or non-scatter modes).
func (o *Orchestrator) releaseAdmission(ctx context.Context, id string, def domain.StageDefinition) error {
	o.admissionsMu.Lock()
	st := o.admissions[admissionKey(id, def.Name)]
	o.admissionsMu.Unlock()
	if st == nil {
		return nil
	}
	st.sem.Release(1)
	return o.admitAvailable(ctx, id, def)
}
