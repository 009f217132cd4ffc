package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// ForkJoinExecutor dispatches one task per named branch, each with its own
// actor and input binding, and always waits for all branches to complete.
type ForkJoinExecutor struct{}

func (ForkJoinExecutor) Mode() domain.StageMode { return domain.ModeForkJoin }

func (ForkJoinExecutor) Plan(def domain.StageDefinition, ctxVal expr.Context, _ UpstreamOutputs) (PlanResult, error) {
	admit, err := evalWhen(def.When, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	if !admit {
		return PlanResult{Skipped: true}, nil
	}
	if def.ForkJoin == nil || len(def.ForkJoin.Branches) == 0 {
		return PlanResult{}, domain.NewError(domain.KindInvalidPipeline, "fork-join stage missing forkJoin.branches")
	}

	tasks := make([]PlannedTask, 0, len(def.ForkJoin.Branches))
	for i, branch := range def.ForkJoin.Branches {
		if branch.Actor == "" {
			return PlanResult{}, domain.NewError(domain.KindInvalidPipeline, "fork-join branch missing actor: "+branch.Name)
		}
		input, err := resolveInput(branch.Input, ctxVal)
		if err != nil {
			return PlanResult{}, err
		}
		tasks = append(tasks, PlannedTask{Index: i, ActorType: branch.Actor, Input: input})
	}

	return PlanResult{Tasks: tasks, ExpectedTasks: len(tasks)}, nil
}

func (ForkJoinExecutor) Barrier(_ domain.StageDefinition, expectedTasks int) Barrier {
	return Barrier{Kind: BarrierAll, Expected: expectedTasks}
}
