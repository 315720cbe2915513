// Package agent assembles the engine: it owns the configuration, the logger,
// the metrics engine, the operator passlists, the hook registry and the rule
// engine, and implements the interfaces the protection contexts and the rule
// callbacks consume.
package agent

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/raspkit/go-agent/internal/allowlist"
	"github.com/raspkit/go-agent/internal/config"
	"github.com/raspkit/go-agent/internal/ecosystem/adapter"
	"github.com/raspkit/go-agent/internal/metrics"
	"github.com/raspkit/go-agent/internal/plog"
	protection_context "github.com/raspkit/go-agent/internal/protection/context"
	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
	"github.com/raspkit/go-agent/internal/rule"
)

type Agent struct {
	logger  *plog.Logger
	config  *config.Config
	metrics *metrics.Engine
	staticMetrics
	hooks   *rule.HookRegistry
	rules   *rule.Engine
	storage protection_context.SingleRequestStorage

	passlistLock sync.RWMutex
	ipPasslist   *allowlist.CIDRStore
	pathPasslist *allowlist.PathStore
}

type staticMetrics struct {
	allowedIP   *metrics.Store
	allowedPath *metrics.Store
	errors      *metrics.Store
}

// New returns a new agent, or nil when the agent is disabled by the
// configuration or could not be initialized.
func New(cfg *config.Config) *Agent {
	logger := plog.NewLogger(cfg.LogLevel(), os.Stderr, nil)

	if cfg.Disabled() {
		logger.Infof("agent disabled by the configuration")
		return nil
	}

	metricsEngine := metrics.NewEngine(logger, cfg.MaxMetricsStoreLength())
	errorMetrics := metricsEngine.GetStore("errors", config.ErrorMetricsPeriod)

	a := &Agent{
		logger:  logger,
		config:  cfg,
		metrics: metricsEngine,
		staticMetrics: staticMetrics{
			allowedIP:   metricsEngine.GetStore("whitelisted", config.ErrorMetricsPeriod),
			allowedPath: metricsEngine.GetStore("whitelisted_paths", config.ErrorMetricsPeriod),
			errors:      errorMetrics,
		},
		hooks: rule.NewHookRegistry(),
	}

	a.rules = rule.NewEngine(plog.WithBackoff(logger), a.hooks, metricsEngine, errorMetrics, &a.storage, a, cfg.LogLevel() == plog.Debug)

	if err := a.SetCIDRIPPasslist(cfg.IPPasslist()); err != nil {
		logger.Error(rkerrors.Wrap(err, "agent: could not set the ip passlist"))
		return nil
	}
	a.SetPathPasslist(cfg.PathPasslist())

	return a
}

func (a *Agent) Logger() *plog.Logger { return a.logger }

func (a *Agent) Config() *config.Config { return a.config }

func (a *Agent) RulesEngine() *rule.Engine { return a.rules }

func (a *Agent) MetricsEngine() *metrics.Engine { return a.metrics }

func (a *Agent) HookRegistry() *rule.HookRegistry { return a.hooks }

func (a *Agent) Storage() *protection_context.SingleRequestStorage { return &a.storage }

// Budget implements the runner interface: the per-request rule-time budget,
// 0 when unbounded.
func (a *Agent) Budget() time.Duration {
	return a.config.PerformanceBudget()
}

func (a *Agent) PerformanceBudget() time.Duration {
	return a.config.PerformanceBudget()
}

func (a *Agent) PerformanceMonitoring() bool {
	return a.config.PerformanceMonitoring()
}

// NewRequestContext returns the protection context of a new request and
// stores it as the current one. The caller must Close it when the request
// ends.
func (a *Agent) NewRequestContext() *protection_context.RequestContext {
	ctx := protection_context.NewRequestContext(a)
	a.storage.Set(ctx)
	return ctx
}

// CloseRequestContext clears the current protection context.
func (a *Agent) CloseRequestContext() {
	a.storage.Clear()
}

// LoadFrameworkAdapter loads the adapter's built-in rules as the current
// rules pack and enables them.
func (a *Agent) LoadFrameworkAdapter(fa adapter.FrameworkAdapter) {
	a.logger.Debugf("agent: loading the %s framework adapter", fa.Name())
	descriptors := fa.Descriptors()
	for i := range descriptors {
		// Declare the hookpoints so that the rule engine finds them back.
		a.hooks.Use(rule.SymbolOf(descriptors[i].Hookpoint))
	}
	a.rules.SetRules(adapter.RulespackID, descriptors)
	a.rules.Enable()
}

func (a *Agent) SetCIDRIPPasslist(cidrs []string) error {
	store, err := allowlist.NewCIDRStore(cidrs)
	if err != nil {
		return err
	}
	a.passlistLock.Lock()
	defer a.passlistLock.Unlock()
	a.ipPasslist = store
	return nil
}

func (a *Agent) SetPathPasslist(paths []string) {
	store := allowlist.NewPathStore(paths)
	a.passlistLock.Lock()
	defer a.passlistLock.Unlock()
	a.pathPasslist = store
}

func (a *Agent) IsIPAllowed(ip net.IP) (allowed bool) {
	a.passlistLock.RLock()
	store := a.ipPasslist
	a.passlistLock.RUnlock()

	allowed, matched, err := store.Find(ip)
	if err != nil {
		a.logger.Error(rkerrors.Wrapf(err, "agent: unexpected error while searching `%s` into the ip passlist", ip))
	}
	if allowed {
		a.addIPPasslistEvent(matched)
		a.logger.Debugf("agent: ip address `%s` matched the passlist entry `%s` and is allowed to pass through the monitoring and protections", ip, matched)
	}
	return allowed
}

func (a *Agent) IsPathAllowed(path string) (allowed bool) {
	a.passlistLock.RLock()
	store := a.pathPasslist
	a.passlistLock.RUnlock()

	allowed = store.Find(path)
	if allowed {
		a.addPathPasslistEvent(path)
		a.logger.Debugf("agent: request path `%s` found in the passlist and is allowed to pass through the monitoring and protections", path)
	}
	return allowed
}

func (a *Agent) addIPPasslistEvent(matchedCIDR string) {
	a.addPasslistEvent(a.staticMetrics.allowedIP, matchedCIDR)
}

func (a *Agent) addPathPasslistEvent(path string) {
	a.addPasslistEvent(a.staticMetrics.allowedPath, path)
}

func (a *Agent) addPasslistEvent(store *metrics.Store, key string) {
	if err := store.Add(key, 1); err != nil {
		switch actualErr := err.(type) {
		case metrics.MaxMetricsStoreLengthError:
			if err := a.staticMetrics.errors.Add(actualErr, 1); err != nil {
				a.logger.Error(rkerrors.Wrap(err, "agent: could not update the error metrics store"))
			}
		default:
			a.logger.Error(rkerrors.Wrap(err, "agent: could not update the passlist metrics store"))
		}
	}
}
