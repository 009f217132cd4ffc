package executor

import (
	"testing"

	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

type fakeUpstream map[string][]domain.StageOutput

func (f fakeUpstream) StageOutputs(stage string) ([]domain.StageOutput, bool) {
	outs, ok := f[stage]
	return outs, ok
}

// TestSingleEcho exercises scenario #1: a single-stage pipeline that echoes
// the trigger payload straight through to its one actor.
func TestSingleEcho(t *testing.T) {
	def := domain.StageDefinition{
		Name:  "echo",
		Mode:  domain.ModeSingle,
		Actor: domain.ActorRef{Literal: "echoActor"},
		Input: "trigger.message",
	}
	ctxVal := expr.Context{Trigger: expr.FromAny(map[string]any{"message": "hello"})}

	res, err := SingleExecutor{}.Plan(def, ctxVal, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if res.Skipped || len(res.Tasks) != 1 {
		t.Fatalf("expected one task, got %+v", res)
	}
	task := res.Tasks[0]
	if task.ActorType != "echoActor" {
		t.Fatalf("actor = %q", task.ActorType)
	}
	if task.Input != "hello" {
		t.Fatalf("input = %v", task.Input)
	}

	barrier := SingleExecutor{}.Barrier(def, res.ExpectedTasks)
	if !barrier.Satisfied(1) || barrier.Satisfied(0) {
		t.Fatalf("barrier mis-evaluated: %+v", barrier)
	}
}

// TestScatterThenGatherGroupBy exercises scenario #2: a scatter stage fans
// out over a collection, and a downstream gather stage partitions the
// collected outputs by a groupBy key into exactly two groups, each in
// insertion order of first-seen key.
func TestScatterThenGatherGroupBy(t *testing.T) {
	scatterDef := domain.StageDefinition{
		Name:  "detect",
		Mode:  domain.ModeScatter,
		Actor: domain.ActorRef{Literal: "detectActor"},
		Input: "item",
		Scatter: &domain.ScatterSpec{
			Input: "trigger.pages",
			As:    "item",
		},
	}
	trigger := expr.FromAny(map[string]any{
		"pages": []any{
			map[string]any{"t": "a", "v": float64(1)},
			map[string]any{"t": "b", "v": float64(2)},
			map[string]any{"t": "a", "v": float64(3)},
		},
	})
	scatterCtx := expr.Context{Trigger: trigger}

	scatterRes, err := ScatterExecutor{}.Plan(scatterDef, scatterCtx, nil)
	if err != nil {
		t.Fatalf("scatter plan: %v", err)
	}
	if len(scatterRes.Tasks) != 3 {
		t.Fatalf("expected 3 scatter tasks, got %d", len(scatterRes.Tasks))
	}

	// Simulate the orchestrator recording each scattered task's completed
	// output under the predecessor stage.
	upstream := fakeUpstream{
		"detect": {
			{TaskIndex: 0, Value: map[string]any{"t": "a", "v": float64(1)}},
			{TaskIndex: 1, Value: map[string]any{"t": "b", "v": float64(2)}},
			{TaskIndex: 2, Value: map[string]any{"t": "a", "v": float64(3)}},
		},
	}

	gatherDef := domain.StageDefinition{
		Name:  "consolidate",
		Mode:  domain.ModeGather,
		Actor: domain.ActorRef{Literal: "consolidateActor"},
		Gather: &domain.GatherSpec{
			Stage:     []string{"detect"},
			Condition: domain.GatherAll,
			GroupBy:   "item.t",
		},
	}

	if !GatherReady(gatherDef, map[string]int{"detect": 3}, map[string]int{"detect": 3}) {
		t.Fatal("expected gather barrier to be ready")
	}

	gatherCtx := expr.Context{Trigger: trigger}
	gatherRes, err := GatherExecutor{}.Plan(gatherDef, gatherCtx, upstream)
	if err != nil {
		t.Fatalf("gather plan: %v", err)
	}
	if len(gatherRes.Tasks) != 2 {
		t.Fatalf("expected 2 groups, got %d: %+v", len(gatherRes.Tasks), gatherRes.Tasks)
	}

	firstGroup, ok := gatherRes.Tasks[0].Input.(map[string]any)["group"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected input shape: %#v", gatherRes.Tasks[0].Input)
	}
	if firstGroup["key"] != "a" {
		t.Fatalf("expected first group key 'a' (first-seen order), got %v", firstGroup["key"])
	}
	items, ok := firstGroup["items"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items in group 'a', got %#v", firstGroup["items"])
	}

	secondGroup := gatherRes.Tasks[1].Input.(map[string]any)["group"].(map[string]any)
	if secondGroup["key"] != "b" {
		t.Fatalf("expected second group key 'b', got %v", secondGroup["key"])
	}
}

func TestGatherCombineConcat(t *testing.T) {
	upstream := fakeUpstream{
		"a": {{TaskIndex: 0, Value: "x"}},
		"b": {{TaskIndex: 0, Value: "y"}},
	}
	def := domain.StageDefinition{
		Name:  "merge",
		Mode:  domain.ModeGather,
		Actor: domain.ActorRef{Literal: "mergeActor"},
		Gather: &domain.GatherSpec{
			Stage:     []string{"a", "b"},
			Condition: domain.GatherAll,
			Combine:   domain.CombineConcat,
		},
	}
	res, err := GatherExecutor{}.Plan(def, expr.Context{}, upstream)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(res.Tasks) != 1 {
		t.Fatalf("expected 1 combined task, got %d", len(res.Tasks))
	}
	merged, ok := res.Tasks[0].Input.([]any)
	if !ok || len(merged) != 2 {
		t.Fatalf("expected concatenated list of 2, got %#v", res.Tasks[0].Input)
	}
}

func TestGatherReadyAnyAndCount(t *testing.T) {
	anyDef := domain.StageDefinition{Gather: &domain.GatherSpec{Stage: []string{"a"}, Condition: domain.GatherAny}}
	if GatherReady(anyDef, map[string]int{"a": 0}, map[string]int{"a": 5}) {
		t.Fatal("expected any-barrier not ready with zero outputs")
	}
	if !GatherReady(anyDef, map[string]int{"a": 1}, map[string]int{"a": 5}) {
		t.Fatal("expected any-barrier ready with one output")
	}

	countDef := domain.StageDefinition{Gather: &domain.GatherSpec{Stage: []string{"a", "b"}, Condition: domain.GatherCount, CountN: 3}}
	if GatherReady(countDef, map[string]int{"a": 1, "b": 1}, nil) {
		t.Fatal("expected count-barrier not ready at 2 of 3")
	}
	if !GatherReady(countDef, map[string]int{"a": 2, "b": 1}, nil) {
		t.Fatal("expected count-barrier ready at 3 of 3")
	}
}

func TestBroadcastWaitForAll(t *testing.T) {
	def := domain.StageDefinition{
		Mode:      domain.ModeBroadcast,
		Broadcast: &domain.BroadcastSpec{Actors: []string{"notifySlack", "notifyEmail"}, WaitForAll: false},
	}
	res, err := BroadcastExecutor{}.Plan(def, expr.Context{}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(res.Tasks))
	}
	barrier := BroadcastExecutor{}.Barrier(def, res.ExpectedTasks)
	if barrier.Kind != BarrierAny {
		t.Fatalf("expected any-barrier when waitForAll is false, got %+v", barrier)
	}
}

func TestForkJoinAlwaysWaitsAll(t *testing.T) {
	def := domain.StageDefinition{
		Mode: domain.ModeForkJoin,
		ForkJoin: &domain.ForkJoinSpec{Branches: []domain.ForkBranch{
			{Name: "left", Actor: "leftActor"},
			{Name: "right", Actor: "rightActor"},
		}},
	}
	res, err := ForkJoinExecutor{}.Plan(def, expr.Context{}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(res.Tasks) != 2 {
		t.Fatalf("expected 2 branch tasks, got %d", len(res.Tasks))
	}
	barrier := ForkJoinExecutor{}.Barrier(def, res.ExpectedTasks)
	if barrier.Kind != BarrierAll {
		t.Fatalf("expected all-barrier, got %+v", barrier)
	}
}

func TestWhenSkipsPlanning(t *testing.T) {
	def := domain.StageDefinition{
		Mode:  domain.ModeSingle,
		Actor: domain.ActorRef{Literal: "a"},
		When:  "trigger.enabled",
	}
	ctxVal := expr.Context{Trigger: expr.FromAny(map[string]any{"enabled": false})}
	res, err := SingleExecutor{}.Plan(def, ctxVal, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected stage to be skipped")
	}
}
