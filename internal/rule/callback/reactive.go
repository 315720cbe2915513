package callback

import (
	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
)

// ReactiveCallback is a rule callback subscribed to reactive data addresses
// instead of a hookpoint. The reactive engine invokes its single handler
// whenever a value is published at one of its addresses. Reactive callbacks
// are never condition-gated nor sampled; their handler composition only
// carries performance monitoring and debug tracing.
type ReactiveCallback struct {
	*RuleContext
	addresses []string
	handler   Handler
}

func NewReactiveCallback(ctx *RuleContext, addresses []string, handler Handler) *ReactiveCallback {
	c := &ReactiveCallback{
		RuleContext: ctx,
		addresses:   addresses,
	}
	if handler == nil {
		handler = func(*Call) (Action, error) {
			return nil, rkerrors.Errorf("rules: reactive rule `%s`: no handler implemented", ctx.Name())
		}
	}
	c.handler = compose(handler,
		c.withPerfMonitoring(HandlerLifecycle),
		c.withDebugLog(HandlerLifecycle),
	)
	return c
}

// AuthorizedAddresses returns the reactive data addresses the callback is
// subscribed to.
func (c *ReactiveCallback) AuthorizedAddresses() []string { return c.addresses }

// Handler returns the effective handler, invoked with the published values
// as the call arguments.
func (c *ReactiveCallback) Handler() Handler { return c.handler }
