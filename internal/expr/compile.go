package expr

import "sync"

var cache sync.Map // string -> *Expr

// Compile parses an expression string into a reusable *Expr. Compiled
// expressions are cached by source text since the same binding (a stage's
// `input`, `when`, or `scatter.condition`) is evaluated once per task.
func Compile(src string) (*Expr, error) {
	if cached, ok := cache.Load(src); ok {
		return cached.(*Expr), nil
	}
	root, err := parse(src)
	if err != nil {
		return nil, err
	}
	e := &Expr{source: src, root: root}
	actual, _ := cache.LoadOrStore(src, e)
	return actual.(*Expr), nil
}

// MustCompile is Compile but panics on error; useful for constant expressions
// known at init time.
func MustCompile(src string) *Expr {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval is a convenience that compiles and evaluates in one call. Prefer
// Compile once and Evaluate repeatedly on any hot path.
func Eval(src string, ctx Context) (Value, error) {
	e, err := Compile(src)
	if err != nil {
		return Null, err
	}
	return Evaluate(e, ctx), nil
}
