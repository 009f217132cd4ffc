package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// GatherExecutor is the only executor that does not plan until its upstream
// predecessor(s) have supplied outputs; callers must check GatherReady before
// invoking Plan. Plan then partitions (groupBy) or combines (concat/object)
// the already-collected outputs into the stage's own task list.
type GatherExecutor struct{}

func (GatherExecutor) Mode() domain.StageMode { return domain.ModeGather }

// GatherReady reports whether a gather stage's barrier condition is met,
// given each listed predecessor's currently available output count and its
// expected total (from the predecessor's StageRecord.ExpectedTasks).
func GatherReady(def domain.StageDefinition, available, expectedTotal map[string]int) bool {
	if def.Gather == nil {
		return false
	}
	switch def.Gather.Condition {
	case domain.GatherAny:
		for _, n := range available {
			if n > 0 {
				return true
			}
		}
		return false
	case domain.GatherCount:
		total := 0
		for _, n := range available {
			total += n
		}
		return total >= def.Gather.CountN
	default: // all
		for _, name := range def.Gather.Stage {
			if available[name] < expectedTotal[name] {
				return false
			}
		}
		return true
	}
}

func (GatherExecutor) Plan(def domain.StageDefinition, ctxVal expr.Context, upstream UpstreamOutputs) (PlanResult, error) {
	admit, err := evalWhen(def.When, ctxVal)
	if err != nil {
		return PlanResult{}, err
	}
	if !admit {
		return PlanResult{Skipped: true}, nil
	}
	if def.Gather == nil {
		return PlanResult{}, domain.NewError(domain.KindInvalidPipeline, "gather stage missing gather descriptor")
	}

	perStage := make(map[string][]domain.StageOutput, len(def.Gather.Stage))
	var collected []domain.StageOutput
	for _, name := range def.Gather.Stage {
		outs, _ := upstream.StageOutputs(name)
		perStage[name] = outs
		collected = append(collected, outs...)
	}

	if def.Gather.GroupBy != "" {
		return planGrouped(def, ctxVal, collected)
	}

	var input any
	if def.Gather.Combine == domain.CombineObject {
		gathered := make(map[string]any, len(perStage))
		for name, outs := range perStage {
			gathered[name] = toAnySlice(outs)
		}
		input = map[string]any{"gathered": gathered}
	} else {
		input = toAnySlice(collected)
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

// planGrouped partitions collected upstream outputs by the evaluated groupBy
// key, preserving insertion order of first-seen key, and emits one task per
// group with input {group: {key, items}}.
func planGrouped(def domain.StageDefinition, ctxVal expr.Context, collected []domain.StageOutput) (PlanResult, error) {
	groups := make(map[string][]domain.StageOutput)
	var order []string

	for _, out := range collected {
		itemCtx := ctxVal
		itemCtx.Item = expr.FromAny(out.Value)
		itemCtx.As = "item"
		keyVal, err := expr.Eval(def.Gather.GroupBy, itemCtx)
		if err != nil {
			return PlanResult{}, domain.WrapError(domain.KindInvalidPipeline, "evaluate gather.groupBy", err)
		}
		key := keyVal.StringKey()
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], out)
	}

	tasks := make([]PlannedTask, 0, len(order))
	for i, key := range order {
		group := groups[key]
		groupInput := map[string]any{
			"group": map[string]any{
				"key":   key,
				"items": toAnySlice(group),
			},
		}
		groupCtx := ctxVal
		groupCtx.Item = expr.FromAny(groupInput["group"])
		groupCtx.As = "group"
		actorType, err := resolveActor(def.Actor, groupCtx)
		if err != nil {
			return PlanResult{}, err
		}
		tasks = append(tasks, PlannedTask{Index: i, ActorType: actorType, Input: groupInput})
	}

	return PlanResult{Tasks: tasks, ExpectedTasks: len(tasks)}, nil
}

func (GatherExecutor) Barrier(def domain.StageDefinition, expectedTasks int) Barrier {
	b := Barrier{Kind: BarrierAll, Expected: expectedTasks}
	if def.Gather != nil && def.Gather.MinResults > 0 && def.Gather.MinResults < expectedTasks {
		b.Expected = def.Gather.MinResults
	}
	return b
}
