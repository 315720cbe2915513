package callback

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/raspkit/go-agent/internal/condition"
)

// HandlerWrapper decorates a phase handler with an extra behavior. Wrappers
// are applied once, at callback construction time, so the effective handler
// of a phase is a fixed composition for the lifetime of the rules pack.
type HandlerWrapper func(inner Handler) Handler

// compose applies the wrappers innermost-first: the first wrapper of the
// slice ends up closest to the phase logic, the last one outermost.
func compose(h Handler, wrappers ...HandlerWrapper) Handler {
	for _, w := range wrappers {
		if w == nil {
			continue
		}
		h = w(h)
	}
	return h
}

// withCondition gates the phase behind its condition: the inner handler runs
// only when the condition evaluates to true. False and unknown outcomes both
// skip the phase without any side effect, returning no action.
func (c *RuleContext) withCondition(cond condition.Evaluator, lifecycle Lifecycle) HandlerWrapper {
	if cond == nil {
		return nil
	}
	return func(inner Handler) Handler {
		return func(call *Call) (Action, error) {
			bindings := c.conditionBindings(call, lifecycle)
			if cond.Evaluate(bindings) != condition.True {
				return nil, nil
			}
			return inner(call)
		}
	}
}

// conditionBindings builds the evaluation environment of a condition from
// the intercepted call and the current protection context.
func (c *RuleContext) conditionBindings(call *Call, lifecycle Lifecycle) condition.Bindings {
	bindings := condition.Bindings{
		Instance: call.Instance,
		Args:     call.Args,
		Options:  call.Options,
		Data:     c.cfg.Data,
	}
	switch lifecycle {
	case Post:
		bindings.ReturnValue = call.Options.Result()
	case Failing:
		bindings.ReturnValue = call.Options.Err()
	}
	if p := c.protectionContext(); p != nil {
		bindings.Request = p.Request()
		bindings.Response = p.Response()
		bindings.Args = p.CurrentArgs(call.Args)
		bindings.RequestStore = p.RequestStore()
	}
	return bindings
}

// withCallCount samples the phase's call rate: every `interval` executions,
// one observation of value `interval` is recorded and the counter restarts
// from zero. The inner handler always runs.
func (c *RuleContext) withCallCount(counter *uint64, interval uint64, lifecycle Lifecycle) HandlerWrapper {
	if interval == 0 {
		return nil
	}
	key := fmt.Sprintf("%s/%s/%s", c.cfg.RulespackID, c.cfg.Name, lifecycle)
	return func(inner Handler) Handler {
		return func(call *Call) (Action, error) {
			n := atomic.AddUint64(counter, 1)
			if n == interval {
				atomic.AddUint64(counter, ^uint64(interval-1))
				c.RecordObservation(CallCountsMetricName, key, int64(interval), time.Time{})
			}
			return inner(call)
		}
	}
}

// withPerfMonitoring times the phase under a scoped stopwatch so that
// overlapping rule executions are still accounted exclusively, and records
// the measured duration. Only collaborative callbacks are timed: monitoring
// must be enabled and the callback must declare budget support.
func (c *RuleContext) withPerfMonitoring(lifecycle Lifecycle) HandlerWrapper {
	if !c.Collaborative() {
		return nil
	}
	name := fmt.Sprintf("rk.%s.%s", c.cfg.Name, lifecycle)
	return func(inner Handler) Handler {
		return func(call *Call) (Action, error) {
			p := c.protectionContext()
			if p == nil {
				return inner(call)
			}
			scope := p.Trace(name)
			defer scope.End()
			return inner(call)
		}
	}
}

// withDebugLog logs the phase's entry and exit. It is the outermost wrapper
// so that it observes the effective invocation, including skips decided by
// the condition gate.
func (c *RuleContext) withDebugLog(lifecycle Lifecycle) HandlerWrapper {
	if !c.cfg.DebugLog {
		return nil
	}
	return func(inner Handler) Handler {
		return func(call *Call) (action Action, err error) {
			c.logger().Debugf("rules: rule `%s`: %s: entering with %d arguments", c.cfg.Name, lifecycle, len(call.Args))
			action, err = inner(call)
			c.logger().Debugf("rules: rule `%s`: %s: returning action=%v err=%v", c.cfg.Name, lifecycle, action, err)
			return
		}
	}
}
