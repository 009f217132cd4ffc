// Package executor implements the five stage-execution modes: single,
// scatter, gather, broadcast, fork-join. Each mode's planning and barrier
// rules are isolated in their own file; the orchestrator drives all of them
// through the same Executor interface (spec.md §4.4).
package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// PlannedTask is one task emitted by Plan, in emission order. Task indices
// are assigned by emission order, not arrival order, so downstream output
// ordering is deterministic across retries and resumes.
type PlannedTask struct {
	Index     int
	ActorType string
	Input     any
}

// PlanResult is the outcome of planning a stage.
type PlanResult struct {
	Tasks         []PlannedTask
	ExpectedTasks int
	Skipped       bool // when-predicate false: stage completes immediately as skipped
}

// UpstreamOutputs lets gather planning read predecessor stage outputs
// without depending on the store package directly.
type UpstreamOutputs interface {
	StageOutputs(stageName string) ([]domain.StageOutput, bool)
}

// BarrierKind is the predicate a stage's completion waits on once planned.
type BarrierKind int

const (
	BarrierAll BarrierKind = iota
	BarrierAny
	BarrierCount
)

// Barrier describes when a planned stage is considered finished.
type Barrier struct {
	Kind     BarrierKind
	CountN   int
	Expected int
}

// Satisfied reports whether completedCount terminal results are enough to
// finish the stage under this barrier.
func (b Barrier) Satisfied(completedCount int) bool {
	switch b.Kind {
	case BarrierAny:
		return completedCount >= 1
	case BarrierCount:
		return completedCount >= b.CountN
	default:
		return completedCount >= b.Expected
	}
}

// Executor is the per-mode planning contract.
type Executor interface {
	Mode() domain.StageMode
	Plan(def domain.StageDefinition, ctxVal expr.Context, upstream UpstreamOutputs) (PlanResult, error)
	Barrier(def domain.StageDefinition, expectedTasks int) Barrier
}

// Registry maps execution mode to its Executor.
type Registry map[domain.StageMode]Executor

// NewRegistry builds the standard registry covering all five modes.
func NewRegistry() Registry {
	return Registry{
		domain.ModeSingle:    SingleExecutor{},
		domain.ModeScatter:   ScatterExecutor{},
		domain.ModeGather:    GatherExecutor{},
		domain.ModeBroadcast: BroadcastExecutor{},
		domain.ModeForkJoin:  ForkJoinExecutor{},
	}
}
