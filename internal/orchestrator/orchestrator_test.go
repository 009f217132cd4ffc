package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/lease"
	"github.com/loomctl/pipelinecore/internal/platform/logger"
	"github.com/loomctl/pipelinecore/internal/queue"
	"github.com/loomctl/pipelinecore/internal/store"
)

type testHarness struct {
	t    *testing.T
	st   store.Store
	q    queue.Adapter
	orch *Orchestrator
}

func newHarness(t *testing.T) *testHarness {
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
	st := store.NewWithClient(rdb, log)
	q := queue.New(rdb, log)
	lm := lease.New(st, log)
	orch := New(st, q, lm, log)
	return &testHarness{t: t, st: st, q: q, orch: orch}
}

// simulateActor registers a worker against actorType's queue that calls
// respond to compute a (output, failErr) pair per execute message, then
// publishes the corresponding result/failure envelope — standing in for
// internal/worker, which consumes the same queue.Adapter contract.
func (h *testHarness) simulateActor(ctx context.Context, actorType string, respond func(msg domain.PipelineMessage) (any, error)) func() {
	stop, err := h.q.RegisterWorker(ctx, queue.ActorQueueName(actorType), 2, func(ctx context.Context, msg domain.PipelineMessage) error {
		out, failErr := respond(msg)
		// Like the worker runtime, give up the task's lease before replying.
		_ = h.st.ReleaseTaskLease(ctx, msg.Payload.PipelineID, msg.Payload.Stage, msg.Payload.TaskIndex, msg.Payload.LeaseID)
		now := time.Now().UTC()
		reply := domain.PipelineMessage{
			MessageID: msg.MessageID + "-reply",
			Sender:    actorType,
			Recipient: "orchestrator",
			Payload:   msg.Payload,
			Timestamp: now,
		}
		if failErr != nil {
			reply.Type = domain.MessageFailure
			reply.Payload.Error = &domain.ErrorRecord{Message: failErr.Error(), OccurredAt: now, Retryable: true}
		} else {
			reply.Type = domain.MessageResult
			reply.Payload.Output = out
		}
		return h.q.Enqueue(ctx, queue.ResultsQueueName, reply, 0)
	})
	if err != nil {
		h.t.Fatalf("register actor worker: %v", err)
	}
	return stop
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestSingleEchoEndToEnd exercises scenario #1: a single-stage pipeline
// completes with the actor's echoed output.
func TestSingleEchoEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stop := h.simulateActor(ctx, "echo", func(msg domain.PipelineMessage) (any, error) {
		return msg.Payload.Input, nil
	})
	defer stop()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.orch.Stop()

	def := domain.PipelineDefinition{Stages: []domain.StageDefinition{
		{Name: "echo", Mode: domain.ModeSingle, Actor: domain.ActorRef{Literal: "echo"}, Input: "trigger.message"},
	}}
	rec, err := h.orch.StartPipeline(ctx, "pipe-echo", def, map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		r, err := h.st.GetPipeline(ctx, rec.ID)
		return err == nil && r.Status == domain.PipelineCompleted
	})
}

// TestRetryThenSucceed exercises scenario #3: an actor fails on attempt 1 and
// succeeds on attempt 2 with a fixed backoff retry policy.
func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var calls int32
	stop := h.simulateActor(ctx, "flaky", func(msg domain.PipelineMessage) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, errFirstAttempt
		}
		return map[string]any{"ok": true}, nil
	})
	defer stop()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.orch.Stop()

	def := domain.PipelineDefinition{Stages: []domain.StageDefinition{
		{
			Name: "work", Mode: domain.ModeSingle,
			Actor: domain.ActorRef{Literal: "flaky"}, Input: "trigger.x",
			Retry: domain.RetryPolicy{MaxAttempts: 2, Backoff: domain.BackoffFixed, BackoffDelayMs: 10},
		},
	}}
	rec, err := h.orch.StartPipeline(ctx, "pipe-retry", def, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		r, err := h.st.GetPipeline(ctx, rec.ID)
		return err == nil && r.Status == domain.PipelineCompleted
	})
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", calls)
	}

	attempts, err := h.st.ListTaskAttempts(ctx, rec.ID, "work")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	var statuses []domain.TaskStatus
	for _, a := range attempts {
		statuses = append(statuses, a.Status)
	}
	if len(statuses) < 4 {
		t.Fatalf("expected at least queued/running/failed/queued.../completed, got %v", statuses)
	}
}

var errFirstAttempt = testError("first attempt fails")

type testError string

func (e testError) Error() string { return string(e) }

// TestExhaustedRetriesCompensatesAndDeadLetters exercises scenario #4: a
// three-stage pipeline A -> B -> C where A and B declare compensation and C
// always fails with maxAttempts 1.
func TestExhaustedRetriesCompensatesAndDeadLetters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var compensationOrder []string

	stopA := h.simulateActor(ctx, "doA", func(msg domain.PipelineMessage) (any, error) { return "a-done", nil })
	defer stopA()
	stopB := h.simulateActor(ctx, "doB", func(msg domain.PipelineMessage) (any, error) { return "b-done", nil })
	defer stopB()
	stopC := h.simulateActor(ctx, "doC", func(msg domain.PipelineMessage) (any, error) { return nil, testError("C always fails") })
	defer stopC()
	stopCompA := h.simulateActor(ctx, "undoA", func(msg domain.PipelineMessage) (any, error) {
		mu.Lock()
		compensationOrder = append(compensationOrder, "A")
		mu.Unlock()
		return "undone", nil
	})
	defer stopCompA()
	stopCompB := h.simulateActor(ctx, "undoB", func(msg domain.PipelineMessage) (any, error) {
		mu.Lock()
		compensationOrder = append(compensationOrder, "B")
		mu.Unlock()
		return "undone", nil
	})
	defer stopCompB()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.orch.Stop()

	def := domain.PipelineDefinition{Stages: []domain.StageDefinition{
		{
			Name: "A", Mode: domain.ModeSingle, Actor: domain.ActorRef{Literal: "doA"}, Input: "trigger.x",
			Compensation: &domain.CompensationSpec{Actor: "undoA"},
		},
		{
			Name: "B", Mode: domain.ModeSingle, Actor: domain.ActorRef{Literal: "doB"}, Input: "trigger.x",
			DependsOn:    []string{"A"},
			Compensation: &domain.CompensationSpec{Actor: "undoB"},
		},
		{
			Name: "C", Mode: domain.ModeSingle, Actor: domain.ActorRef{Literal: "doC"}, Input: "trigger.x",
			DependsOn: []string{"B"},
			Retry:     domain.RetryPolicy{MaxAttempts: 1},
		},
	}}
	rec, err := h.orch.StartPipeline(ctx, "pipe-saga", def, map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		r, err := h.st.GetPipeline(ctx, rec.ID)
		return err == nil && r.Status == domain.PipelineFailed
	})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(compensationOrder) == 2
	})
	mu.Lock()
	order := append([]string(nil), compensationOrder...)
	mu.Unlock()
	if len(order) != 2 || order[0] != "B" || order[1] != "A" {
		t.Fatalf("expected compensation order [B A], got %v", order)
	}

	dlq, err := h.q.ListDeadLetter(ctx, queue.DefaultDeadLetterQueue("doC"))
	if err != nil {
		t.Fatalf("list dead letter: %v", err)
	}
	if len(dlq) != 1 {
		t.Fatalf("expected exactly 1 dead-letter record for stage C, got %d", len(dlq))
	}
	if dlq[0].Message.Payload.Stage != "C" {
		t.Fatalf("expected dead-letter record referencing stage C, got %q", dlq[0].Message.Payload.Stage)
	}
}

// TestWhenPredicateSkipsStage exercises scenario #6: a false when-predicate
// marks the stage skipped without dispatching any task, and the pipeline
// still completes.
func TestWhenPredicateSkipsStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var invoked int32
	stop := h.simulateActor(ctx, "maybe", func(msg domain.PipelineMessage) (any, error) {
		atomic.AddInt32(&invoked, 1)
		return "ran", nil
	})
	defer stop()

	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.orch.Stop()

	def := domain.PipelineDefinition{Stages: []domain.StageDefinition{
		{Name: "conditional", Mode: domain.ModeSingle, Actor: domain.ActorRef{Literal: "maybe"}, Input: "trigger.x", When: "trigger.enabled"},
	}}
	rec, err := h.orch.StartPipeline(ctx, "pipe-when", def, map[string]any{"x": 1, "enabled": false})
	if err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		r, err := h.st.GetPipeline(ctx, rec.ID)
		return err == nil && r.Status == domain.PipelineCompleted
	})
	stageRec, err := h.st.GetStage(ctx, rec.ID, "conditional")
	if err != nil {
		t.Fatalf("get stage: %v", err)
	}
	if stageRec.Status != domain.StageSkipped {
		t.Fatalf("expected stage status skipped, got %q", stageRec.Status)
	}
	if atomic.LoadInt32(&invoked) != 0 {
		t.Fatalf("expected actor never invoked, got %d calls", invoked)
	}
}

// TestResumeAfterRestart exercises scenario #5: a fresh Orchestrator instance
// against the same store picks up a pipeline left mid-flight (one task
// completed, the other's lease stale) and drives it to completion.
func TestResumeAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := domain.PipelineDefinition{Stages: []domain.StageDefinition{
		{
			Name: "fanout", Mode: domain.ModeScatter, Actor: domain.ActorRef{Literal: "proc"},
			Scatter:  &domain.ScatterSpec{Input: "trigger.items", As: "item"},
			Input:    "item",
			LeaseTTL: 10 * time.Millisecond,
		},
	}}

	rec, err := h.orch.StartPipeline(ctx, "pipe-resume", def, map[string]any{"items": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("start pipeline: %v", err)
	}

	// Complete task 0 directly against the store/queue, as if one worker had
	// finished before the orchestrator process died; leave task 1's lease to
	// expire on its own (short TTL below).
	attempts, err := h.st.ListTaskAttempts(ctx, rec.ID, "fanout")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) == 0 {
		t.Fatalf("expected scatter to have queued tasks")
	}
	now := time.Now().UTC()
	if err := h.st.RecordTaskAttempt(ctx, domain.TaskAttemptRecord{
		PipelineID: rec.ID, Stage: "fanout", TaskIndex: 0, Status: domain.TaskCompleted,
		ActorType: "proc", Output: "f(a)", CompletedAt: &now,
	}); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	if err := h.st.AppendStageOutput(ctx, rec.ID, "fanout", 1, domain.StageOutput{TaskIndex: 0, Value: "f(a)"}); err != nil {
		t.Fatalf("append output: %v", err)
	}
	if err := h.st.UpdateStageProgress(ctx, rec.ID, "fanout", store.ProgressDelta{CompletedTasksDelta: 1}); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := h.st.ReleaseTaskLease(ctx, rec.ID, "fanout", 0, attempts[0].LeaseID); err != nil {
		t.Fatalf("release lease 0: %v", err)
	}

	// Simulate a stalled worker on task 1: wait past its 10ms lease TTL so
	// the lease has already expired, then bring up a fresh
	// orchestrator (as if after a restart) with an actor that completes it.
	time.Sleep(20 * time.Millisecond)

	stop := h.simulateActor(ctx, "proc", func(msg domain.PipelineMessage) (any, error) {
		if msg.Payload.TaskIndex == 1 {
			return "f(b)", nil
		}
		return "f(a)", nil
	})
	defer stop()

	fresh := New(h.st, h.q, lease.New(h.st, mustLogger(t)), mustLogger(t))
	if err := fresh.Start(ctx); err != nil {
		t.Fatalf("resume start: %v", err)
	}
	defer fresh.Stop()

	waitFor(t, 3*time.Second, func() bool {
		r, err := h.st.GetPipeline(ctx, rec.ID)
		return err == nil && r.Status == domain.PipelineCompleted
	})

	outs, err := h.st.GetStageOutputs(ctx, rec.ID, "fanout", 1)
	if err != nil {
		t.Fatalf("get outputs: %v", err)
	}
	if len(outs) != 2 || outs[0].Value != "f(a)" || outs[1].Value != "f(b)" {
		t.Fatalf("expected outputs [f(a) f(b)] in scatter order, got %+v", outs)
	}
}

func mustLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}
