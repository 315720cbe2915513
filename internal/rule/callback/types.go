package callback

import (
	"fmt"
	"time"

	"github.com/raspkit/go-agent/internal/event"
	"github.com/raspkit/go-agent/internal/plog"
	"github.com/raspkit/go-agent/internal/protection/types"
)

// Lifecycle is the name of a callback lifecycle phase.
type Lifecycle string

const (
	// Pre runs before the intercepted call.
	Pre Lifecycle = "pre"
	// Post runs after the intercepted call successfully returned.
	Post Lifecycle = "post"
	// Failing runs after the intercepted call returned an error.
	Failing Lifecycle = "failing"
	// HandlerLifecycle is the single phase of reactive callbacks.
	HandlerLifecycle Lifecycle = "handler"
)

// Options is the set of per-call options the runner passes along with a phase
// invocation: the call result for `post`, the call error for `failing`, and
// possibly a budget override.
type Options map[string]interface{}

// Option keys.
const (
	// ResultOption carries the intercepted call's return value in `post`
	// phase invocations.
	ResultOption = "result"
	// ErrorOption carries the intercepted call's error in `failing` phase
	// invocations.
	ErrorOption = "error"
	// OverrideBudgetOption carries an explicit time budget overriding the
	// request budget for this single invocation. It is consumed by
	// RemainingBudget.
	OverrideBudgetOption = "override_budget"
)

// Result returns the intercepted call's return value, nil when absent.
func (o Options) Result() interface{} {
	if o == nil {
		return nil
	}
	return o[ResultOption]
}

// Err returns the intercepted call's error, nil when absent.
func (o Options) Err() error {
	if o == nil {
		return nil
	}
	err, _ := o[ErrorOption].(error)
	return err
}

// Call is a single intercepted call a phase handler is invoked with.
type Call struct {
	// The intercepted call's receiver, nil for plain functions.
	Instance interface{}
	// The intercepted call's positional arguments.
	Args []interface{}
	// The per-call options set by the runner.
	Options Options
}

// Action is the decision a phase handler returns to the runner. A nil Action
// means "continue". The runner owns applying the decision to the intercepted
// call; the engine only exposes it.
type Action interface {
	isAction()
}

// OverrideAction instructs the runner to replace the intercepted call's
// return value.
type OverrideAction struct {
	Value interface{}
}

func (OverrideAction) isAction() {}

// RaiseAction instructs the runner to fail the intercepted call with the
// given error.
type RaiseAction struct {
	Err error
}

func (RaiseAction) isAction() {}

// Handler is a single effective lifecycle phase handler: the phase's own
// logic composed with its wrappers. An error return is an evaluation error
// and propagates unmodified to the runner.
type Handler func(call *Call) (Action, error)

// AttackBlockedError is the error the runner fails the intercepted call with
// when a blocking rule detected and blocked an attack.
type AttackBlockedError struct {
	RuleName string
}

func (e AttackBlockedError) Error() string {
	return fmt.Sprintf("request blocked by security rule `%s`", e.RuleName)
}

// ProtectionContext is the request-scoped storage interface the callbacks
// consume: the current request state, the per-request scratch store, the
// event sink and the per-request rule-time accounting.
type ProtectionContext interface {
	Request() types.RequestReader
	Response() types.ResponseFace
	// CurrentArgs returns the possibly filtered positional arguments of the
	// intercepted call.
	CurrentArgs(raw []interface{}) []interface{}
	RequestStore() map[string]interface{}
	// WhitelistMatch returns true when the current request matches an
	// operator-configured passlist entry.
	WhitelistMatch() bool
	// ElapsedRuleTime returns the rule execution time already spent on the
	// current request.
	ElapsedRuleTime() time.Duration
	// DeadlineExceeded returns true when `needed` more rule execution time
	// would exceed the request budget.
	DeadlineExceeded(needed time.Duration) bool
	// Trace opens a timed scope under the given name. The returned scope must
	// be ended on every exit path.
	Trace(name string) TraceScope
	Record() *event.Record
}

// TraceScope is an open timed scope.
type TraceScope interface {
	End() time.Duration
}

// StorageProvider gives access to the protection context of the request
// currently being handled by the calling goroutine, nil when none.
type StorageProvider interface {
	Current() ProtectionContext
}

// RunnerFace is the interface to the runner-owned global configuration.
type RunnerFace interface {
	// Budget returns the per-request rule-time budget, 0 when unbounded.
	Budget() time.Duration
	// PerformanceMonitoring returns true when performance monitoring is
	// enabled.
	PerformanceMonitoring() bool
}

// Logger interface required by this package.
type Logger interface {
	plog.DebugLogger
	plog.ErrorLogger
}
