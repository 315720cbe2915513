// Package callback provides the rule callback engine core: the base contract
// shared by every rule callback (event recording, budget accounting and the
// whitelisted/skippable/collaborative flags), the attached callback bound to
// a hookpoint with its wrapper pipeline, and the reactive callback variant
// invoked by the reactive data engine.
package callback

import (
	"fmt"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/raspkit/go-agent/internal/event"
	"github.com/raspkit/go-agent/internal/metrics"
	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
	"github.com/raspkit/go-agent/internal/rklib/rksafe"
)

// Metric name of the call-count sampling observations.
const CallCountsMetricName = "call_counts"

// RuleConfig is the static configuration of one rule callback, fixed at
// construction time.
type RuleConfig struct {
	// Rule identity, unique within one rules pack.
	Name        string
	RulespackID string
	// Block makes a positive detection fail the intercepted call.
	Block bool
	// Test records detections without ever blocking.
	Test bool
	Beta bool
	// Priority orders callbacks attached to the same hookpoint, lower first.
	Priority   int
	AttackType string
	// Data is the rule's static data, exposed to condition evaluation.
	Data interface{}
	// PayloadSections selects the contextual data attached to recorded
	// events. Nil means all sections.
	PayloadSections []string
	// Critical marks the callback non-interruptible: it may not be skipped
	// under time pressure.
	Critical bool
	// SupportsBudget declares that the callback can operate under a
	// remaining-budget hint.
	SupportsBudget bool

	// Collaborators.
	Runner  RunnerFace
	Storage StorageProvider
	Logger  Logger
	// DebugLog enables the debug-trace wrapper.
	DebugLog bool

	// Metrics stores of the rule's declared metrics, indexed by metric name.
	MetricsStores       map[string]*metrics.Store
	DefaultMetricsStore *metrics.Store
	ErrorMetricsStore   *metrics.Store
}

// RuleContext implements the base contract shared by attached and reactive
// callbacks. Everything it holds is immutable after construction; all mutable
// per-request state lives in the protection context.
type RuleContext struct {
	cfg RuleConfig
}

func NewRuleContext(cfg RuleConfig) *RuleContext {
	if cfg.Priority == 0 {
		cfg.Priority = defaultPriority
	}
	if cfg.PayloadSections == nil {
		cfg.PayloadSections = event.DefaultPayloadSections
	}
	return &RuleContext{cfg: cfg}
}

// Default rule priority when the rule does not configure one.
const defaultPriority = 100

func (c *RuleContext) Name() string        { return c.cfg.Name }
func (c *RuleContext) RulespackID() string { return c.cfg.RulespackID }
func (c *RuleContext) Priority() int       { return c.cfg.Priority }
func (c *RuleContext) BlockingMode() bool  { return c.cfg.Block }
func (c *RuleContext) TestMode() bool      { return c.cfg.Test }
func (c *RuleContext) Data() interface{}   { return c.cfg.Data }

func (c *RuleContext) String() string {
	return fmt.Sprintf("%s(rule_name=%q)", "RuleCallback", c.cfg.Name)
}

func (c *RuleContext) logger() Logger { return c.cfg.Logger }

// protectionContext returns the protection context of the request being
// handled by the calling goroutine, nil when none.
func (c *RuleContext) protectionContext() ProtectionContext {
	if c.cfg.Storage == nil {
		return nil
	}
	return c.cfg.Storage.Current()
}

// Whitelisted returns true when the current request matches an
// operator-configured passlist entry, in which case phase handlers must treat
// the call as a no-op.
func (c *RuleContext) Whitelisted() bool {
	p := c.protectionContext()
	return p != nil && p.WhitelistMatch()
}

// Skippable returns true unless the callback is safety-critical: a skippable
// callback may be skipped by the runner when the request is overtime.
func (c *RuleContext) Skippable() bool {
	return !c.cfg.Critical
}

// Collaborative returns true when the callback declares budget support and
// performance monitoring is enabled: a collaborative callback is given a
// remaining-budget hint instead of being skipped.
func (c *RuleContext) Collaborative() bool {
	return c.cfg.SupportsBudget && c.PerformanceMonitoringEnabled()
}

// PerformanceMonitoringEnabled returns true when the runner has performance
// monitoring enabled.
func (c *RuleContext) PerformanceMonitoringEnabled() bool {
	return c.cfg.Runner != nil && c.cfg.Runner.PerformanceMonitoring()
}

// RemainingBudget returns the time remaining for the current request's
// overall budget minus the rule time already spent. An explicit per-call
// override present in `opts` takes precedence and is consumed from it. The
// returned bool is false when no budget applies.
func (c *RuleContext) RemainingBudget(opts Options) (time.Duration, bool) {
	if opts != nil {
		if v, exists := opts[OverrideBudgetOption]; exists {
			delete(opts, OverrideBudgetOption)
			if override, ok := v.(time.Duration); ok {
				return override, true
			}
		}
	}
	if !c.PerformanceMonitoringEnabled() {
		return 0, false
	}
	budget := c.cfg.Runner.Budget()
	if budget == 0 {
		return 0, false
	}
	var spent time.Duration
	if p := c.protectionContext(); p != nil {
		spent = p.ElapsedRuleTime()
	}
	return budget - spent, true
}

// RecordAttack records an attack event tagged with the rule identity and its
// blocking configuration. It never fails the caller: recording errors are
// logged and swallowed. Nothing is recorded for whitelisted requests.
func (c *RuleContext) RecordAttack(info interface{}, at time.Time) {
	p := c.protectionContext()
	if p == nil || p.WhitelistMatch() {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	attack := &event.AttackEvent{
		RuleName:        c.cfg.Name,
		RulespackID:     c.cfg.RulespackID,
		AttackType:      c.cfg.AttackType,
		Test:            c.cfg.Test,
		Blocked:         c.cfg.Block && !c.cfg.Test,
		Beta:            c.cfg.Beta,
		Timestamp:       at,
		Info:            info,
		PayloadSections: c.cfg.PayloadSections,
	}
	if c.sectionEnabled(event.SectionContext) {
		event.WithStackTrace()(attack)
	}
	if err := rksafe.Call(func() error {
		c.logger().Debugf("rules: rule `%s`: attack detected", c.cfg.Name)
		p.Record().AddAttackEvent(attack)
		return nil
	}); err != nil {
		c.logger().Error(rkerrors.Wrapf(err, "rules: rule `%s`: could not record the attack", c.cfg.Name))
	}
}

// RecordObservation records a metric sample keyed by `(metric, key)`. The
// sample is buffered into the request record for later aggregation; when the
// metric is one the rule declares, its periodized store is updated too.
func (c *RuleContext) RecordObservation(metric string, key interface{}, value int64, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}
	if p := c.protectionContext(); p != nil {
		p.Record().AddObservation(metric, key, value, at)
	}
	if store, exists := c.cfg.MetricsStores[metric]; exists {
		c.addMetricsValue(store, key, value)
	}
}

// PushMetricsValue adds a value to the rule's default metrics store.
func (c *RuleContext) PushMetricsValue(key interface{}, value int64) {
	c.addMetricsValue(c.cfg.DefaultMetricsStore, key, value)
}

func (c *RuleContext) addMetricsValue(store *metrics.Store, key interface{}, value int64) {
	if store == nil || value < 0 {
		return
	}
	err := store.Add(key, uint64(value))
	if err == nil {
		return
	}
	if maxLenErr, ok := err.(metrics.MaxMetricsStoreLengthError); ok && c.cfg.ErrorMetricsStore != nil {
		if err := c.cfg.ErrorMetricsStore.Add(maxLenErr, 1); err != nil {
			c.logger().Error(rkerrors.Wrap(err, "could not update the error metrics store"))
		}
		return
	}
	c.logger().Error(rkerrors.Wrapf(err, "rules: rule `%s`: could not update the metrics store", c.cfg.Name))
}

// RecordException records an agent-side error tagged with the rule identity.
// It never itself fails, even when extracting the error's structured info
// fails: extraction errors are swallowed.
func (c *RuleContext) RecordException(err error, stack []uintptr, infos map[string]interface{}, at time.Time) {
	p := c.protectionContext()
	if p == nil || err == nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	if infos == nil {
		infos = make(map[string]interface{})
	}
	// Best-effort extraction of the structured info the error itself may
	// expose. Failures here are swallowed.
	_ = rksafe.Call(func() error {
		if info, ok := rkerrors.Info(err).(map[string]interface{}); ok {
			for k, v := range info {
				infos[k] = v
			}
		}
		return nil
	})
	bt := formatCallers(stack)
	_ = rksafe.Call(func() error {
		bt = append(bt, formatStackTrace(rkerrors.StackTrace(err))...)
		return nil
	})
	exception := &event.ExceptionEvent{
		Message:     err.Error(),
		Class:       fmt.Sprintf("%T", unwrapCause(err)),
		RuleName:    c.cfg.Name,
		RulespackID: c.cfg.RulespackID,
		Test:        c.cfg.Test,
		Timestamp:   at,
		Infos:       infos,
		Backtrace:   bt,
	}
	p.Record().AddExceptionEvent(exception)
}

// RecordOvertime reports that the given phase exceeded its time budget,
// keyed by `ruleName.lifecycle`.
func (c *RuleContext) RecordOvertime(lifecycle Lifecycle, at time.Time) {
	p := c.protectionContext()
	if p == nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	p.Record().AddOvertime(fmt.Sprintf("%s.%s", c.cfg.Name, lifecycle), at)
}

func (c *RuleContext) sectionEnabled(section string) bool {
	for _, s := range c.cfg.PayloadSections {
		if s == section {
			return true
		}
	}
	return false
}

func unwrapCause(err error) error {
	for {
		causer, ok := err.(rkerrors.Causer)
		if !ok {
			return err
		}
		cause := causer.Cause()
		if cause == nil {
			return err
		}
		err = cause
	}
}

func formatCallers(stack []uintptr) []string {
	if len(stack) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(stack))
	frames := runtime.CallersFrames(stack)
	for {
		frame, more := frames.Next()
		formatted = append(formatted, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return formatted
}

func formatStackTrace(st errors.StackTrace) []string {
	if len(st) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(st))
	for _, frame := range st {
		formatted = append(formatted, fmt.Sprintf("%+v", frame))
	}
	return formatted
}
