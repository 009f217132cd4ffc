package worker

import (
	"context"
	"errors"
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

type harness struct {
	st     store.Store
	q      queue.Adapter
	leases *lease.Manager
	rt     *Runtime
	reg    *Registry
}

func newTestHarness(t *testing.T) *harness {
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
	reg := NewRegistry()
	return &harness{st: st, q: q, leases: lm, rt: New(q, st, lm, reg, log), reg: reg}
}

type echoActor struct{}

func (echoActor) Execute(_ context.Context, input any) (any, error) { return input, nil }

type failingActor struct{ err error }

func (f failingActor) Execute(_ context.Context, _ any) (any, error) { return nil, f.err }

type panickingActor struct{}

func (panickingActor) Execute(_ context.Context, _ any) (any, error) { panic("boom") }

func waitForResult(t *testing.T, q queue.Adapter, ctx context.Context) domain.PipelineMessage {
	t.Helper()
	resultCh := make(chan domain.PipelineMessage, 1)
	stop, err := q.RegisterWorker(ctx, queue.ResultsQueueName, 1, func(_ context.Context, msg domain.PipelineMessage) error {
		resultCh <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("register results consumer: %v", err)
	}
	defer stop()
	select {
	case msg := <-resultCh:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result message")
	}
	return domain.PipelineMessage{}
}

func enqueueExecute(t *testing.T, ctx context.Context, h *harness, actorType, pipelineID, stage string, input any) {
	t.Helper()
	lse, err := h.leases.Acquire(ctx, pipelineID, stage, 0, 5*time.Second, "orchestrator")
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	msg := domain.PipelineMessage{
		MessageID: "m1",
		Sender:    "orchestrator",
		Recipient: queue.ActorQueueName(actorType),
		Type:      domain.MessageExecute,
		Payload: domain.MessagePayload{
			PipelineID: pipelineID,
			Stage:      stage,
			TaskIndex:  0,
			ActorType:  actorType,
			Input:      input,
			LeaseID:    lse.LeaseID,
			LeaseTTL:   5 * time.Second,
		},
		Timestamp: time.Now().UTC(),
	}
	if err := h.q.Enqueue(ctx, queue.ActorQueueName(actorType), msg, 0); err != nil {
		t.Fatalf("enqueue execute: %v", err)
	}
}

func TestRuntimeEmitsResultOnSuccess(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	if err := h.reg.Register("echo", echoActor{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stop, err := h.rt.StartWorker(ctx, "echo", 1)
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer stop()

	enqueueExecute(t, ctx, h, "echo", "pipe-1", "stage-1", "hello")

	msg := waitForResult(t, h.q, ctx)
	if msg.Type != domain.MessageResult {
		t.Fatalf("expected result message, got %q", msg.Type)
	}
	if msg.Payload.Output != "hello" {
		t.Fatalf("expected echoed output, got %v", msg.Payload.Output)
	}

	attempts, err := h.st.ListTaskAttempts(ctx, "pipe-1", "stage-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	found := false
	for _, a := range attempts {
		if a.Status == domain.TaskRunning {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a running ledger entry, got %+v", attempts)
	}
}

func TestRuntimeEmitsFailureOnActorError(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	wantErr := errors.New("transient backend error")
	if err := h.reg.Register("flaky", failingActor{err: wantErr}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stop, err := h.rt.StartWorker(ctx, "flaky", 1)
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer stop()

	enqueueExecute(t, ctx, h, "flaky", "pipe-2", "stage-1", nil)

	msg := waitForResult(t, h.q, ctx)
	if msg.Type != domain.MessageFailure {
		t.Fatalf("expected failure message, got %q", msg.Type)
	}
	if msg.Payload.Error == nil || msg.Payload.Error.Message != wantErr.Error() {
		t.Fatalf("expected error payload %q, got %+v", wantErr.Error(), msg.Payload.Error)
	}
}

func TestRuntimeContainsActorPanic(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	if err := h.reg.Register("boom", panickingActor{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	stop, err := h.rt.StartWorker(ctx, "boom", 1)
	if err != nil {
		t.Fatalf("start worker: %v", err)
	}
	defer stop()

	enqueueExecute(t, ctx, h, "boom", "pipe-3", "stage-1", nil)

	msg := waitForResult(t, h.q, ctx)
	if msg.Type != domain.MessageFailure {
		t.Fatalf("expected a failure message converted from panic, got %q", msg.Type)
	}
}

func TestRuntimeDropsMessageForStolenLease(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	if err := h.reg.Register("echo", echoActor{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Build an execute message referencing a lease id that was never
	// acquired: the runtime must not claim it.
	msg := domain.PipelineMessage{
		MessageID: "m-stale",
		Type:      domain.MessageExecute,
		Payload: domain.MessagePayload{
			PipelineID: "pipe-4",
			Stage:      "stage-1",
			TaskIndex:  0,
			ActorType:  "echo",
			Input:      "ignored",
			LeaseID:    "never-acquired",
		},
		Timestamp: time.Now().UTC(),
	}

	processed := make(chan error, 1)
	stop, err := h.q.RegisterWorker(ctx, queue.ActorQueueName("echo"), 1, func(ctx context.Context, msg domain.PipelineMessage) error {
		err := h.rt.handle(ctx, "echo", msg)
		processed <- err
		return err
	})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	defer stop()

	if err := h.q.Enqueue(ctx, queue.ActorQueueName("echo"), msg, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-processed:
		if err != nil {
			t.Fatalf("handle returned error for dropped message: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message to be processed")
	}

	attempts, err := h.st.ListTaskAttempts(ctx, "pipe-4", "stage-1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected no ledger entries for a dropped stale-lease message, got %+v", attempts)
	}
}
