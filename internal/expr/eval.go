package expr

// Context is the root of the dynamic tree an Expr evaluates against. Root
// identifiers resolve as: "trigger" -> Trigger, "stages" -> Stages (mapping
// stage name to its ordered output list), "item" or the stage's `as` alias ->
// Item, "gathered" -> Gathered. No caller in this module sets Gathered, so
// the "gathered" root evaluates to Null.
type Context struct {
	Trigger  Value
	Stages   map[string][]Value
	Item     Value
	As       string
	Gathered Value
}

// Evaluate runs a compiled expression against a context. Evaluating a missing
// path yields Null; comparing incompatible types yields false; there are no
// side effects.
func Evaluate(e *Expr, ctx Context) Value {
	return evalNode(e.root, ctx)
}

func evalNode(n Node, ctx Context) Value {
	switch t := n.(type) {
	case LiteralNode:
		return t.Value
	case PathNode:
		return evalPath(t, ctx)
	case UnaryNode:
		x := evalNode(t.X, ctx)
		switch t.Op {
		case "!":
			return Bool(!x.Truthy())
		}
		return Null
	case BinaryNode:
		return evalBinary(t, ctx)
	case TernaryNode:
		if evalNode(t.Cond, ctx).Truthy() {
			return evalNode(t.Then, ctx)
		}
		return evalNode(t.Else, ctx)
	default:
		return Null
	}
}

func evalBinary(b BinaryNode, ctx Context) Value {
	switch b.Op {
	case "&&":
		l := evalNode(b.L, ctx)
		if !l.Truthy() {
			return Bool(false)
		}
		return Bool(evalNode(b.R, ctx).Truthy())
	case "||":
		l := evalNode(b.L, ctx)
		if l.Truthy() {
			return Bool(true)
		}
		return Bool(evalNode(b.R, ctx).Truthy())
	}

	l := evalNode(b.L, ctx)
	r := evalNode(b.R, ctx)
	switch b.Op {
	case "==":
		return Bool(l.Equal(r))
	case "!=":
		return Bool(!l.Equal(r))
	case "<", ">", "<=", ">=":
		cmp, ok := l.Compare(r)
		if !ok {
			return Bool(false)
		}
		switch b.Op {
		case "<":
			return Bool(cmp < 0)
		case ">":
			return Bool(cmp > 0)
		case "<=":
			return Bool(cmp <= 0)
		case ">=":
			return Bool(cmp >= 0)
		}
	}
	return Bool(false)
}

func evalRoot(name string, ctx Context) Value {
	switch name {
	case "trigger":
		return ctx.Trigger
	case "stages":
		m := make(map[string]Value, len(ctx.Stages))
		for k, outputs := range ctx.Stages {
			m[k] = List(outputs)
		}
		return Map(m)
	case "item":
		return ctx.Item
	case "gathered":
		return ctx.Gathered
	default:
		if ctx.As != "" && name == ctx.As {
			return ctx.Item
		}
		return Null
	}
}

// evalPath walks a root value through its steps. A FieldStep/IndexStep
// applied while vectorized maps the step over every element of the current
// list; a WildcardStep enters vectorized mode the first time and flattens one
// level on subsequent occurrences.
func evalPath(p PathNode, ctx Context) Value {
	cur := evalRoot(p.Root, ctx)
	vectorized := false

	for _, step := range p.Steps {
		switch s := step.(type) {
		case WildcardStep:
			list, ok := cur.AsList()
			if !ok {
				return Null
			}
			if !vectorized {
				vectorized = true
				cur = List(list)
				continue
			}
			flat := make([]Value, 0, len(list))
			for _, el := range list {
				if sub, ok := el.AsList(); ok {
					flat = append(flat, sub...)
				} else if !el.IsNull() {
					flat = append(flat, el)
				}
			}
			cur = List(flat)
		case FieldStep:
			cur = applyField(cur, s.Name, vectorized)
		case IndexStep:
			cur = applyIndex(cur, s.Literal, vectorized)
		}
	}
	return cur
}

func applyField(cur Value, name string, vectorized bool) Value {
	if vectorized {
		list, ok := cur.AsList()
		if !ok {
			return Null
		}
		out := make([]Value, len(list))
		for i, el := range list {
			out[i] = fieldOf(el, name)
		}
		return List(out)
	}
	return fieldOf(cur, name)
}

func fieldOf(v Value, name string) Value {
	m, ok := v.AsMap()
	if !ok {
		return Null
	}
	if fv, ok := m[name]; ok {
		return fv
	}
	return Null
}

func applyIndex(cur Value, lit Value, vectorized bool) Value {
	if vectorized {
		list, ok := cur.AsList()
		if !ok {
			return Null
		}
		out := make([]Value, len(list))
		for i, el := range list {
			out[i] = indexOf(el, lit)
		}
		return List(out)
	}
	return indexOf(cur, lit)
}

func indexOf(v Value, lit Value) Value {
	if s, ok := lit.AsString(); ok {
		m, ok := v.AsMap()
		if !ok {
			return Null
		}
		if fv, ok := m[s]; ok {
			return fv
		}
		return Null
	}
	if n, ok := lit.AsNumber(); ok {
		list, ok := v.AsList()
		if !ok {
			return Null
		}
		i := int(n)
		if i < 0 || i >= len(list) {
			return Null
		}
		return list[i]
	}
	return Null
}
