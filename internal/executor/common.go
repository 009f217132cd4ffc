package executor

import (
	"github.com/loomctl/pipelinecore/internal/domain"
	"github.com/loomctl/pipelinecore/internal/expr"
)

// evalWhen evaluates a stage's optional `when` predicate; an empty predicate
// always admits execution.
func evalWhen(when string, ctxVal expr.Context) (bool, error) {
	if when == "" {
		return true, nil
	}
	v, err := expr.Eval(when, ctxVal)
	if err != nil {
		return false, domain.WrapError(domain.KindInvalidPipeline, "evaluate when predicate", err)
	}
	return v.Truthy(), nil
}

// resolveInput walks a stage's declared input binding. A bare string is
// compiled and evaluated as an expression; a map or list is walked
// recursively so nested expression strings resolve against the same context.
// Any other literal (number, bool, nil) passes through unchanged.
func resolveInput(input any, ctxVal expr.Context) (any, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case string:
		val, err := expr.Eval(v, ctxVal)
		if err != nil {
			return nil, domain.WrapError(domain.KindInvalidPipeline, "evaluate input expression", err)
		}
		return val.ToAny(), nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			rv, err := resolveInput(e, ctxVal)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			rv, err := resolveInput(e, ctxVal)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveActor picks a task's actor type: a literal name, a strategy
// expression evaluating to a name, or a when-ladder with a required default.
func resolveActor(ref domain.ActorRef, ctxVal expr.Context) (string, error) {
	if ref.Literal != "" {
		return ref.Literal, nil
	}
	if ref.Strategy != "" {
		v, err := expr.Eval(ref.Strategy, ctxVal)
		if err != nil {
			return "", domain.WrapError(domain.KindInvalidPipeline, "evaluate actor strategy", err)
		}
		name, ok := v.AsString()
		if !ok {
			return "", domain.NewError(domain.KindInvalidPipeline, "actor strategy expression did not evaluate to a string")
		}
		return name, nil
	}
	for _, c := range ref.WhenCases {
		v, err := expr.Eval(c.Condition, ctxVal)
		if err != nil {
			return "", domain.WrapError(domain.KindInvalidPipeline, "evaluate actor when-case", err)
		}
		if v.Truthy() {
			return c.Actor, nil
		}
	}
	if ref.Default != "" {
		return ref.Default, nil
	}
	return "", domain.NewError(domain.KindInvalidPipeline, "no actor when-case matched and no default provided")
}

// ResolveInput is the exported form of resolveInput, for callers outside this
// package that need to resolve an input binding against a context — the
// orchestrator's compensation dispatch, notably, which has no stage mode of
// its own but reuses the same binding language.
func ResolveInput(input any, ctxVal expr.Context) (any, error) {
	return resolveInput(input, ctxVal)
}

func toAnySlice(outputs []domain.StageOutput) []any {
	out := make([]any, len(outputs))
	for i, o := range outputs {
		out[i] = o.Value
	}
	return out
}
