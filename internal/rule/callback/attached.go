package callback

import (
	"github.com/raspkit/go-agent/internal/condition"
)

// Hookpoint identifies the instrumented call a callback attaches to.
type Hookpoint struct {
	// Target is the symbol of the instrumented function or method.
	Target string
	// Method distinguishes methods of the same target type.
	Method string
	// Strategy names the instrumentation strategy the runner must use.
	Strategy string
}

// PhaseHandlers holds the raw, unwrapped phase logic of a rule. A nil entry
// means the rule does not hook that phase.
type PhaseHandlers struct {
	Pre     Handler
	Post    Handler
	Failing Handler
}

// PhaseConditions holds the per-phase condition gates. A nil entry leaves
// the phase ungated.
type PhaseConditions struct {
	Pre     condition.Evaluator
	Post    condition.Evaluator
	Failing condition.Evaluator
}

// AttachedCallback is a rule callback bound to a hookpoint. Its effective
// phase handlers are composed once at construction: condition gate first
// (innermost after the phase logic), then call-count sampling, performance
// monitoring, and debug tracing outermost. The composition is immutable, so
// invoking a phase is lock-free.
type AttachedCallback struct {
	*RuleContext
	hookpoint Hookpoint

	pre     Handler
	post    Handler
	failing Handler

	// Sampling counters, one per phase. Pointers so the handlers capture
	// stable addresses.
	preCount     uint64
	postCount    uint64
	failingCount uint64
}

// NewAttachedCallback builds the callback and composes its effective phase
// handlers. `callCountInterval` of 0 disables sampling.
func NewAttachedCallback(ctx *RuleContext, hookpoint Hookpoint, handlers PhaseHandlers, conditions PhaseConditions, callCountInterval uint64) *AttachedCallback {
	c := &AttachedCallback{
		RuleContext: ctx,
		hookpoint:   hookpoint,
	}
	c.pre = c.composePhase(handlers.Pre, conditions.Pre, Pre, &c.preCount, callCountInterval)
	c.post = c.composePhase(handlers.Post, conditions.Post, Post, &c.postCount, callCountInterval)
	c.failing = c.composePhase(handlers.Failing, conditions.Failing, Failing, &c.failingCount, callCountInterval)
	return c
}

func (c *AttachedCallback) composePhase(h Handler, cond condition.Evaluator, lifecycle Lifecycle, counter *uint64, interval uint64) Handler {
	if h == nil {
		return nil
	}
	return compose(h,
		c.withCondition(cond, lifecycle),
		c.withCallCount(counter, interval, lifecycle),
		c.withPerfMonitoring(lifecycle),
		c.withDebugLog(lifecycle),
	)
}

func (c *AttachedCallback) Hookpoint() Hookpoint { return c.hookpoint }

// Pre returns the effective pre handler, nil when the rule does not hook the
// pre phase.
func (c *AttachedCallback) Pre() Handler { return c.pre }

// Post returns the effective post handler, nil when the rule does not hook
// the post phase.
func (c *AttachedCallback) Post() Handler { return c.post }

// Failing returns the effective failing handler, nil when the rule does not
// hook the failing phase.
func (c *AttachedCallback) Failing() Handler { return c.failing }

// Handler returns the effective handler of the given lifecycle phase, nil
// when the rule does not hook it.
func (c *AttachedCallback) Handler(lifecycle Lifecycle) Handler {
	switch lifecycle {
	case Pre:
		return c.pre
	case Post:
		return c.post
	case Failing:
		return c.failing
	}
	return nil
}
