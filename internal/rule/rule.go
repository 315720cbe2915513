// Package rule implements the engine managing the security rules.
//
// Main requirements:
// - Rules can be globally enabled or disabled, independently from setting
//   the list of rules.
// - Rule hookpoints can be undefined, ie. the rules pack can carry more rules
//   than the instrumentation actually supports.
// - Errors regarding hookpoints or callback configurations are not fatal for
//   the pack: the faulty rule is skipped and the error logged.
// - Setting new rules when already enabled and having active rules is atomic
//   at the hook level: an updated rule is replaced with the new one without
//   a blank moment where no callback is attached.
package rule

import (
	"io"
	"time"

	"github.com/raspkit/go-agent/internal/metrics"
	"github.com/raspkit/go-agent/internal/plog"
	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
	"github.com/raspkit/go-agent/internal/rule/callback"
)

type Engine struct {
	logger Logger
	// Map of hooks to the priority-ordered callbacks attached to them, to be
	// able to modify them at run time by atomically replacing a running rule.
	hooks                 hookDescriptorMap
	reactive              []*callback.ReactiveCallback
	packID                string
	enabled               bool
	metricsEngine         *metrics.Engine
	errorMetricsStore     *metrics.Store
	instrumentationEngine InstrumentationFace
	storage               callback.StorageProvider
	runner                callback.RunnerFace
	debugLog              bool
}

// Logger interface required by this package.
type Logger interface {
	plog.DebugLogger
	plog.ErrorLogger
}

// NewEngine returns a new rule engine. A nil instrumentation engine falls
// back to the default one, which has no hookpoints.
func NewEngine(logger Logger, instrumentationEngine InstrumentationFace, metricsEngine *metrics.Engine, errorMetricsStore *metrics.Store, storage callback.StorageProvider, runner callback.RunnerFace, debugLog bool) *Engine {
	if instrumentationEngine == nil {
		instrumentationEngine = defaultInstrumentationEngine
	}
	return &Engine{
		logger:                logger,
		metricsEngine:         metricsEngine,
		errorMetricsStore:     errorMetricsStore,
		instrumentationEngine: instrumentationEngine,
		storage:               storage,
		runner:                runner,
		debugLog:              debugLog,
	}
}

// PackID returns the ID of the current pack of rules.
func (e *Engine) PackID() string {
	return e.packID
}

// SetRules sets the current rules. If rules were already set, it replaces
// them by atomically modifying the hooks, and removing what is left.
func (e *Engine) SetRules(packID string, descriptors []Descriptor) {
	var (
		hooks    hookDescriptorMap
		reactive []*callback.ReactiveCallback
	)
	if len(descriptors) > 0 {
		e.logger.Debugf("security rules: loading rules from pack `%s`", packID)
		hooks, reactive = e.newHookDescriptors(packID, descriptors)
	}
	e.setRules(packID, hooks, reactive)
}

func (e *Engine) setRules(packID string, descriptors hookDescriptorMap, reactive []*callback.ReactiveCallback) {
	// Firstly update already enabled hookpoints with their new callbacks in
	// order to avoid having a blank moment without any callback set. This
	// case happens when a rule is updated.
	disabledDescriptors := e.hooks
	for hook, descr := range descriptors {
		if e.enabled {
			// Attach the callbacks to the hook, possibly overwriting the
			// previous ones.
			e.logger.Debugf("security rules: attaching callbacks to hook `%v`", hook)
			if err := hook.Attach(descr.callbacks...); err != nil {
				e.logger.Error(rkerrors.Wrapf(err, "security rules: could not attach the callbacks to hook `%v`", hook))
				continue
			}
		}

		// Now close the previously attached callbacks and remove them from
		// the set of previous descriptors, so that it only contains hooks
		// from previous rules no longer present.
		if prevDescr, exists := disabledDescriptors[hook]; exists {
			delete(disabledDescriptors, hook)
			if err := prevDescr.Close(); err != nil {
				e.logger.Error(rkerrors.Wrapf(err, "security rules: error while closing the callbacks of hook `%v`", hook))
			}
		}
	}

	// Close the previous descriptors that are now disabled.
	for hook, descr := range disabledDescriptors {
		e.logger.Debugf("security rules: disabling no longer needed hook `%v`", hook)
		if err := hook.Attach(); err != nil {
			e.logger.Error(rkerrors.Wrapf(err, "security rules: could not disable hook `%v`", hook))
			continue
		}
		if err := descr.Close(); err != nil {
			e.logger.Error(rkerrors.Wrapf(err, "security rules: error while closing the callbacks of hook `%v`", hook))
		}
	}

	// Save the rules pack ID and the new set of enabled hooks.
	e.packID = packID
	e.hooks = descriptors
	e.reactive = reactive
}

// newHookDescriptors walks the list of received rules and creates the map of
// hook descriptors indexed by their hook pointer, plus the list of reactive
// callbacks. A hook descriptor contains everything required to enable and
// disable the rules at run time.
func (e *Engine) newHookDescriptors(packID string, descriptors []Descriptor) (hookDescriptorMap, []*callback.ReactiveCallback) {
	logger := e.logger

	var (
		hookDescriptors = make(hookDescriptorMap)
		reactive        []*callback.ReactiveCallback
	)
	for i := range descriptors {
		d := &descriptors[i]
		if err := d.Validate(); err != nil {
			logger.Error(rkerrors.Wrapf(err, "security rules: rule `%s`: invalid rule configuration", d.Name))
			continue
		}

		ctx := e.newRuleContext(packID, d)

		if d.Reactive != nil {
			reactive = append(reactive, callback.NewReactiveCallback(ctx, d.Reactive.Addresses, d.Reactive.Handler))
			continue
		}

		// Find the hook of the rule's hookpoint symbol.
		symbol := SymbolOf(d.Hookpoint)
		hook, err := e.instrumentationEngine.Find(symbol)
		if err != nil {
			logger.Error(rkerrors.Wrapf(err, "security rules: rule `%s`: unexpected error while looking for the hook of `%s`", d.Name, symbol))
			continue
		}
		if hook == nil {
			logger.Debugf("security rules: rule `%s`: could not find the hook of `%s`", d.Name, symbol)
			continue
		}
		logger.Debugf("security rules: rule `%s`: successfully found hook `%v`", d.Name, hook)

		cb := callback.NewAttachedCallback(ctx, d.Hookpoint, d.Callbacks, d.Conditions, d.CallCountInterval)
		hookDescriptors.Add(hook, cb, ctx.Priority(), d.Closer)
	}
	// Nothing in the end
	if len(hookDescriptors) == 0 {
		hookDescriptors = nil
	}
	return hookDescriptors, reactive
}

func (e *Engine) newRuleContext(packID string, d *Descriptor) *callback.RuleContext {
	var (
		metricsStores       map[string]*metrics.Store
		defaultMetricsStore *metrics.Store
	)
	if len(d.Metrics) > 0 {
		metricsStores = make(map[string]*metrics.Store)
		for _, m := range d.Metrics {
			metricsStores[m.Name] = e.metricsEngine.GetStore(m.Name, m.Period)
		}
		defaultMetricsStore = metricsStores[d.Metrics[0].Name]
	}

	return callback.NewRuleContext(callback.RuleConfig{
		Name:                d.Name,
		RulespackID:         packID,
		Block:               d.Block,
		Test:                d.Test,
		Beta:                d.Beta,
		Priority:            d.Priority,
		AttackType:          d.AttackType,
		Data:                d.Data,
		PayloadSections:     d.PayloadSections,
		Critical:            d.Critical,
		SupportsBudget:      d.SupportsBudget,
		Runner:              e.runner,
		Storage:             e.storage,
		Logger:              e.logger,
		DebugLog:            e.debugLog,
		MetricsStores:       metricsStores,
		DefaultMetricsStore: defaultMetricsStore,
		ErrorMetricsStore:   e.errorMetricsStore,
	})
}

// SymbolOf returns the instrumentation symbol of a hookpoint.
func SymbolOf(h callback.Hookpoint) string {
	if h.Method == "" {
		return h.Target
	}
	return h.Target + "." + h.Method
}

// Fire invokes the given lifecycle phase of every callback attached to the
// hook, in ascending priority order. The first non-nil action returned by a
// handler wins; once an action is captured, only the remaining safety-critical
// callbacks still run, so a blocking action cannot starve a delivery flush
// attached after it. Handler errors are recorded as agent exceptions and do
// not end the walk. Skippable callbacks are skipped, with an overtime
// observation, when the request's rule-time budget is exceeded.
//
// The callbacks are read through the hook's own attachment so that firing is
// safe against a concurrent rules reload.
func (e *Engine) Fire(hook HookFace, lifecycle callback.Lifecycle, call *callback.Call) callback.Action {
	if hook == nil {
		return nil
	}
	var won callback.Action
	for _, cb := range hook.Callbacks() {
		h := cb.Handler(lifecycle)
		if h == nil {
			continue
		}
		if won != nil && cb.Skippable() {
			continue
		}
		if cb.Skippable() && !cb.Collaborative() && e.deadlineExceeded() {
			cb.RecordOvertime(lifecycle, time.Time{})
			continue
		}
		action, err := h(call)
		if err != nil {
			e.logger.Error(rkerrors.Wrapf(err, "security rules: rule `%s`: %s handler error", cb.Name(), lifecycle))
			cb.RecordException(err, nil, nil, time.Time{})
			continue
		}
		if action != nil && won == nil {
			won = action
		}
	}
	return won
}

func (e *Engine) deadlineExceeded() bool {
	if e.storage == nil {
		return false
	}
	p := e.storage.Current()
	return p != nil && p.DeadlineExceeded(0)
}

// ReactiveCallbacks returns the reactive callbacks of the current rules
// pack, for the reactive data engine to subscribe them.
func (e *Engine) ReactiveCallbacks() []*callback.ReactiveCallback {
	return e.reactive
}

// Enable the hooks of the ongoing configured rules.
func (e *Engine) Enable() {
	for hook, descr := range e.hooks {
		e.logger.Debugf("security rules: attaching callbacks to hook `%v`", hook)
		if err := hook.Attach(descr.callbacks...); err != nil {
			e.logger.Error(rkerrors.Wrapf(err, "security rules: could not attach the callbacks to hook `%v`", hook))
		}
	}
	e.enabled = true
	e.logger.Debugf("security rules: %d security rules enabled", e.Count())
}

// Disable the hooks currently attached to callbacks.
func (e *Engine) Disable() {
	e.enabled = false
	for hook := range e.hooks {
		if err := hook.Attach(); err != nil {
			e.logger.Error(rkerrors.Wrapf(err, "security rules: error while disabling hook `%v`", hook))
		}
	}
	e.logger.Debugf("security rules: %d security rules disabled", e.Count())
}

// Count returns the count of correctly instantiated and enabled rules.
func (e *Engine) Count() int {
	c := len(e.reactive)
	for _, descr := range e.hooks {
		c += len(descr.callbacks)
	}
	return c
}

// hookDescriptorMap maps a hook to the set of callbacks attached to it, kept
// in ascending priority order. Callbacks of equal priority keep their
// insertion order.
type hookDescriptorMap map[HookFace]hookDescriptor

type hookDescriptor struct {
	priorities []int
	callbacks  []*callback.AttachedCallback
	closers    []io.Closer
}

func (m hookDescriptorMap) Add(hook HookFace, cb *callback.AttachedCallback, priority int, closer io.Closer) {
	d, exists := m[hook]

	if closer != nil {
		d.closers = append(d.closers, closer)
	}

	if !exists {
		m[hook] = hookDescriptor{
			priorities: []int{priority},
			callbacks:  []*callback.AttachedCallback{cb},
			closers:    d.closers,
		}
		return
	}

	// Find the first callback of higher priority and insert before it, so
	// that equal priorities keep their insertion order.
	i := 0
	for i < len(d.priorities) && d.priorities[i] <= priority {
		i++
	}

	d.priorities = append(d.priorities, 0)
	copy(d.priorities[i+1:], d.priorities[i:])
	d.priorities[i] = priority

	d.callbacks = append(d.callbacks, nil)
	copy(d.callbacks[i+1:], d.callbacks[i:])
	d.callbacks[i] = cb

	m[hook] = d
}

func (d hookDescriptor) Close() error {
	var errs rkerrors.ErrorCollection
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs.Add(err)
		}
	}
	return errs.ToError()
}
