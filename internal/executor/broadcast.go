package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// BroadcastExecutor dispatches the same resolved input to every actor name
// listed in broadcast.actors, one task each.
type BroadcastExecutor struct{}

func (BroadcastExecutor) Mode() domain.StageMode { return domain.ModeBroadcast }

func (BroadcastExecutor) Plan(def domain.StageDefinition, ctxVal expr.Context, _ UpstreamOutputs) (PlanResult, error) {
	admit, err := evalWhen(def.When, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	if !admit {
		return PlanResult{Skipped: true}, nil
	}
	if def.Broadcast == nil || len(def.Broadcast.Actors) == 0 {
		return PlanResult{}, domain.NewError(domain.KindInvalidPipeline, "broadcast stage missing broadcast.actors")
	}

	input, err := resolveInput(def.Input, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}

	tasks := make([]PlannedTask, 0, len(def.Broadcast.Actors))
	for i, actorType := range def.Broadcast.Actors {
		tasks = append(tasks, PlannedTask{Index: i, ActorType: actorType, Input: input})
	}

	return PlanResult{Tasks: tasks, ExpectedTasks: len(tasks)}, nil
}

func (BroadcastExecutor) Barrier(def domain.StageDefinition, expectedTasks int) Barrier {
	if def.Broadcast != nil && !def.Broadcast.WaitForAll {
		return Barrier{Kind: BarrierAny, Expected: expectedTasks}
	}
	return Barrier{Kind: BarrierAll, Expected: expectedTasks}
}
