package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// ScatterExecutor fans a collection out into one task per surviving element.
// executorConfig.maxParallel is enforced by the orchestrator's enqueue
// admission, not here: Plan always emits the full, deterministically-ordered
// task list so task indices (and therefore output ordering) never depend on
// the concurrency bound.
type ScatterExecutor struct{}

func (ScatterExecutor) Mode() domain.StageMode { return domain.ModeScatter }

func (ScatterExecutor) Plan(def domain.StageDefinition, ctxVal expr.Context, _ UpstreamOutputs) (PlanResult, error) {
	admit, err := evalWhen(def.When, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	if !admit {
		return PlanResult{Skipped: true}, nil
	}
	if def.Scatter == nil {
		return PlanResult{}, domain.NewError(domain.KindInvalidPipeline, "scatter stage missing scatter descriptor")
	}

	collection, err := expr.Eval(def.Scatter.Input, ctxVal)
	if err != nil {
		return PlanResult{}, domain.WrapError(domain.KindInvalidPipeline, "evaluate scatter.input", err)
	}
	items, ok := collection.AsList()
	if !ok {
		return PlanResult{}, domain.NewError(domain.KindInvalidPipeline, "scatter.input did not evaluate to a list")
	}

	as := def.Scatter.As
	if as == "" {
		as = "item"
	}

	tasks := make([]PlannedTask, 0, len(items))
	for _, item := range items {
		itemCtx := ctxVal
		itemCtx.Item = item
		itemCtx.As = as

		if def.Scatter.Condition != "" {
			keep, err := expr.Eval(def.Scatter.Condition, itemCtx)
			if err != nil {
				return PlanResult{}, domain.WrapError(domain.KindInvalidPipeline, "evaluate scatter.condition", err)
			}
			if !keep.Truthy() {
				continue
			}
		}

		input, err := resolveInput(def.Input, itemCtx)
		if err != nil {
			return PlanResult{}, err
		}
		actorType, err := resolveActor(def.Actor, itemCtx)
		if err != nil {
			return PlanResult{}, err
		}
		tasks = append(tasks, PlannedTask{Index: len(tasks), ActorType: actorType, Input: input})
	}

	return PlanResult{Tasks: tasks, ExpectedTasks: len(tasks)}, nil
}

func (ScatterExecutor) Barrier(_ domain.StageDefinition, expectedTasks int) Barrier {
	return Barrier{Kind: BarrierAll, Expected: expectedTasks}
}
