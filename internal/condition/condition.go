// Package condition defines the contract between the rule engine and the
// condition evaluator. Rules may declare a boolean expression tree per
// lifecycle phase, evaluated against the live request state to gate the phase
// execution. The expression language, its parser and its evaluator are an
// external collaborator: the engine only depends on the Evaluator interface.
package condition

// Result is the three-valued outcome of a condition evaluation. A condition
// may not have enough data yet to decide, in which case it evaluates to
// Unknown, which gates the phase exactly like False does.
type Result int

const (
	False Result = iota
	True
	Unknown
)

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	}
	return "unknown"
}

// Evaluator is the compiled form of a condition tree. Evaluate is pure, has
// no side effects, and never panics on well-formed trees; malformed trees are
// the evaluator implementation's concern, not the engine's.
type Evaluator interface {
	Evaluate(b Bindings) Result
}

// Func allows using an ordinary function as an Evaluator.
type Func func(b Bindings) Result

func (f Func) Evaluate(b Bindings) Result { return f(b) }

// Bindings is the set of named values a condition is evaluated against. It is
// rebuilt for every gated phase invocation from the current request state.
type Bindings struct {
	// The normalized current request, nil when none.
	Request interface{}
	// The normalized current response, nil when none.
	Response interface{}
	// The intercepted call's receiver.
	Instance interface{}
	// The intercepted call's positional arguments, possibly filtered by the
	// request-scoped storage.
	Args []interface{}
	// The intercepted call's options.
	Options map[string]interface{}
	// The rule's static data.
	Data interface{}
	// The phase-appropriate result: the call result for `post` phases, the
	// call error for `failing` phases.
	ReturnValue interface{}
	// The per-request scratch store.
	RequestStore map[string]interface{}
}

// IsEmpty returns true when no condition is attached, in which case the phase
// is never gated.
func IsEmpty(e Evaluator) bool {
	return e == nil
}
