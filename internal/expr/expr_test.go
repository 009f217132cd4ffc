package expr

import "testing"

func TestLiteral(t *testing.T) {
	v, err := Eval("`42`", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, ok := v.AsNumber()
	if !ok || n != 42 {
		t.Fatalf("got %v, want 42", v)
	}

	v, err = Eval("`\"hello\"`", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := v.AsString()
	if !ok || s != "hello" {
		t.Fatalf("got %v, want hello", v)
	}
}

func TestPathTrigger(t *testing.T) {
	ctx := Context{Trigger: FromAny(map[string]any{"v": 5.0})}
	v, err := Eval("trigger.v", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, ok := v.AsNumber()
	if !ok || n != 5 {
		t.Fatalf("got %v, want 5", v)
	}
}

func TestPathMissingYieldsNull(t *testing.T) {
	ctx := Context{Trigger: FromAny(map[string]any{"v": 5.0})}
	v, err := Eval("trigger.missing.deeper", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.IsNull() {
		t.Fatalf("got %v, want null", v)
	}
}

func TestStagesIndexAndWildcard(t *testing.T) {
	ctx := Context{
		Stages: map[string][]Value{
			"detect": {
				FromAny(map[string]any{"pages": []any{1.0, 2.0}}),
				FromAny(map[string]any{"pages": []any{3.0}}),
			},
			"consolidate": {
				FromAny(map[string]any{"value": "done"}),
			},
		},
	}

	v, err := Eval(`stages["consolidate"][0].value`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := v.AsString()
	if !ok || s != "done" {
		t.Fatalf("got %v, want done", v)
	}

	v, err = Eval(`stages["detect"][*].pages[*]`, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list, ok := v.AsList()
	if !ok || len(list) != 3 {
		t.Fatalf("got %v, want 3-element flat list", v)
	}
	for i, want := range []float64{1, 2, 3} {
		n, ok := list[i].AsNumber()
		if !ok || n != want {
			t.Fatalf("element %d: got %v, want %v", i, list[i], want)
		}
	}
}

func TestComparisonsAndBooleans(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"`1` == `1`", true},
		{"`1` != `2`", true},
		{"`1` < `2`", true},
		{"`2` <= `2`", true},
		{"`3` > `2`", true},
		{"`1` == `\"1\"`", false}, // incompatible types compare false
		{"`true` && `false`", false},
		{"`true` || `false`", true},
		{"!`false`", true},
	}
	for _, c := range cases {
		v, err := Eval(c.expr, Context{})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", c.expr, err)
		}
		b, ok := v.AsBool()
		if !ok || b != c.want {
			t.Fatalf("%s: got %v, want %v", c.expr, v, c.want)
		}
	}
}

func TestTernary(t *testing.T) {
	v, err := Eval("`true` ? `\"yes\"` : `\"no\"`", Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := v.AsString()
	if s != "yes" {
		t.Fatalf("got %v, want yes", v)
	}
}

func TestWhenFlagComparison(t *testing.T) {
	ctx := Context{Trigger: FromAny(map[string]any{"flag": false})}
	v, err := Eval("trigger.flag == `true`", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := v.AsBool()
	if b {
		t.Fatalf("expected false")
	}
}

func TestScatterItemAlias(t *testing.T) {
	ctx := Context{
		Item: FromAny(map[string]any{"t": "a", "n": 1.0}),
		As:   "doc",
	}
	v, err := Eval("doc.t", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, ok := v.AsString()
	if !ok || s != "a" {
		t.Fatalf("got %v, want a", v)
	}

	v2, err := Eval("item.n", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, _ := v2.AsNumber()
	if n != 1 {
		t.Fatalf("got %v, want 1", v2)
	}
}

func TestCompileCaches(t *testing.T) {
	e1, err := Compile("trigger.v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e2, err := Compile("trigger.v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e1 != e2 {
		t.Fatalf("expected cached Expr to be reused")
	}
}
