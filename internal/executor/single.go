package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// SingleExecutor produces exactly one task per stage invocation.
type SingleExecutor struct{}

func (SingleExecutor) Mode() domain.StageMode { return domain.ModeSingle }

func (SingleExecutor) Plan(def domain.StageDefinition, ctxVal expr.Context, _ UpstreamOutputs) (PlanResult, error) {
	admit, err := evalWhen(def.When, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	if !admit {
		return PlanResult{Skipped: true}, nil
	}

	input, err := resolveInput(def.Input, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	actorType, err := resolveActor(def.Actor, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	return PlanResult{
		Tasks:         []PlannedTask{{Index: 0, ActorType: actorType, Input: input}},
		ExpectedTasks: 1,
	}, nil
}

func (SingleExecutor) Barrier(_ domain.StageDefinition, expectedTasks int) Barrier {
	return Barrier{Kind: BarrierAll, Expected: expectedTasks}
}
