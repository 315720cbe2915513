// Package context provides the request-scoped protection context: the
// per-request state shared by every rule callback fired during the request,
// from the normalized request and response to the rule-time accounting the
// budget model is built on.
package context

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/raspkit/go-agent/internal/event"
	"github.com/raspkit/go-agent/internal/plog"
	"github.com/raspkit/go-agent/internal/protection/types"
	"github.com/raspkit/go-agent/internal/rklib/rktime"
	"github.com/raspkit/go-agent/internal/rule/callback"
)

// ContextKey is the context key value middlewares use to store the protection
// context into the request's context before calling the handler.
var ContextKey = contextKey{"_raspkit_ctx_"}

// contextKey avoids string collisions in context values. The string value is
// the fallback key for frameworks whose context implementation only accepts
// string keys.
type contextKey struct {
	String string
}

func FromContext(ctx context.Context) interface{} {
	v := ctx.Value(ContextKey)
	if v == nil {
		v = ctx.Value(ContextKey.String)
	}
	return v
}

// AgentFace is the interface to the agent-owned global state the protection
// context needs: the logger, the operator passlists and the performance
// budget configuration.
type AgentFace interface {
	Logger() *plog.Logger
	IsIPAllowed(ip net.IP) bool
	IsPathAllowed(path string) bool
	PerformanceBudget() time.Duration
	PerformanceMonitoring() bool
}

// Metric name of the performance monitoring observations, keyed by trace
// name, in microseconds.
const PerformanceMetricName = "performance"

// RequestContext is the root per-request protection context. It implements
// the storage interface the rule callbacks consume. One instance lives for
// exactly one request and is never reused.
type RequestContext struct {
	agent AgentFace

	request     types.RequestReader
	response    types.ResponseFace
	whitelisted bool

	storeLock sync.Mutex
	store     map[string]interface{}

	// Optional filter applied to the intercepted call arguments before they
	// are exposed to condition evaluation.
	argsFilter func(raw []interface{}) []interface{}

	record event.Record

	ruleTime    rktime.SharedStopWatch
	maxRuleTime time.Duration
}

var _ callback.ProtectionContext = (*RequestContext)(nil)

func NewRequestContext(agent AgentFace) *RequestContext {
	c := &RequestContext{
		agent: agent,
	}
	if agent.PerformanceMonitoring() {
		c.maxRuleTime = agent.PerformanceBudget()
	}
	return c
}

// SetRequest sets the normalized current request and computes the passlist
// match once for the whole request.
func (c *RequestContext) SetRequest(r types.RequestReader) {
	c.request = r
	c.whitelisted = r != nil && (c.agent.IsPathAllowed(r.URL().Path) || c.agent.IsIPAllowed(r.ClientIP()))
}

// SetResponse sets the normalized current response. It is nil until the
// handler starts writing it.
func (c *RequestContext) SetResponse(r types.ResponseFace) {
	c.response = r
}

// SetArgsFilter installs the filter applied by CurrentArgs.
func (c *RequestContext) SetArgsFilter(f func(raw []interface{}) []interface{}) {
	c.argsFilter = f
}

func (c *RequestContext) Request() types.RequestReader { return c.request }

func (c *RequestContext) Response() types.ResponseFace { return c.response }

func (c *RequestContext) CurrentArgs(raw []interface{}) []interface{} {
	if c.argsFilter == nil {
		return raw
	}
	return c.argsFilter(raw)
}

// RequestStore returns the per-request scratch store shared by the rule
// callbacks, lazily created.
func (c *RequestContext) RequestStore() map[string]interface{} {
	c.storeLock.Lock()
	defer c.storeLock.Unlock()
	if c.store == nil {
		c.store = make(map[string]interface{})
	}
	return c.store
}

func (c *RequestContext) WhitelistMatch() bool { return c.whitelisted }

func (c *RequestContext) Record() *event.Record { return &c.record }

// RuleTime returns the shared stopwatch accumulating the exclusive rule
// execution time of the request.
func (c *RequestContext) RuleTime() *rktime.SharedStopWatch {
	return &c.ruleTime
}

func (c *RequestContext) ElapsedRuleTime() time.Duration {
	return c.ruleTime.Duration()
}

func (c *RequestContext) DeadlineExceeded(needed time.Duration) (exceeded bool) {
	if c.maxRuleTime == 0 {
		// No max time duration
		return false
	}
	return c.ruleTime.Duration()+needed >= c.maxRuleTime
}

// Trace opens a timed scope under the given name. Ending the scope records a
// performance observation of the measured exclusive duration, in
// microseconds, keyed by the trace name.
func (c *RequestContext) Trace(name string) callback.TraceScope {
	return &traceScope{
		ctx:  c,
		name: name,
		sw:   c.ruleTime.Start(),
	}
}

// SingleRequestStorage is a storage provider holding the protection context
// of the single in-flight request, suitable for runtimes handling one request
// at a time per process, such as AWS Lambda.
type SingleRequestStorage struct {
	mu      sync.RWMutex
	current *RequestContext
}

func (s *SingleRequestStorage) Set(ctx *RequestContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ctx
}

func (s *SingleRequestStorage) Clear() {
	s.Set(nil)
}

func (s *SingleRequestStorage) Current() callback.ProtectionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		// Nil interface value, not the nil *RequestContext.
		return nil
	}
	return s.current
}

type traceScope struct {
	ctx  *RequestContext
	name string
	sw   rktime.LocalStopWatch
}

func (s *traceScope) End() time.Duration {
	d := s.sw.Stop()
	s.ctx.record.AddObservation(PerformanceMetricName, s.name, int64(d/time.Microsecond), time.Now())
	return d
}
