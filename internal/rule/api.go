package rule

import (
	"io"
	"time"

	"github.com/raspkit/go-agent/internal/rklib/rkerrors"
	"github.com/raspkit/go-agent/internal/rule/callback"
)

// Descriptor is the engine-facing description of one security rule: its
// identity, its attachment (a hookpoint or a set of reactive addresses), its
// phase handlers plus their gating conditions, and its metrics.
type Descriptor struct {
	// Name of the rule, unique within one rules pack.
	Name string
	// Hookpoint the rule attaches to. Ignored for reactive rules.
	Hookpoint callback.Hookpoint
	// Priority orders the callbacks attached to the same hookpoint, lower
	// first. 0 means the default priority.
	Priority int
	// Block makes a positive detection fail the intercepted call.
	Block bool
	// Test records detections without ever blocking.
	Test bool
	Beta bool
	// AttackType tags the attacks this rule records.
	AttackType string
	// Data is the rule's static data, exposed to condition evaluation.
	Data interface{}
	// PayloadSections restricts the contextual data attached to recorded
	// events. Nil means all sections.
	PayloadSections []string
	// Metrics the rule pushes values to.
	Metrics []MetricDescriptor
	// CallCountInterval enables call-count sampling of the rule's phases
	// every that many executions. 0 disables sampling.
	CallCountInterval uint64
	// Callbacks holds the raw phase handlers. At least one phase must be
	// implemented unless the rule is reactive.
	Callbacks callback.PhaseHandlers
	// Conditions holds the per-phase condition gates, nil entries leave the
	// phase ungated.
	Conditions callback.PhaseConditions
	// Reactive, when non-nil, makes the rule a reactive rule subscribed to
	// data addresses instead of a hookpoint.
	Reactive *ReactiveDescriptor
	// Critical marks the callback non-skippable under time pressure.
	Critical bool
	// SupportsBudget declares the callback can operate under a
	// remaining-budget hint.
	SupportsBudget bool
	// Closer, when non-nil, releases the resources the rule's handlers hold.
	// It is closed when the rule is removed or replaced.
	Closer io.Closer
}

// MetricDescriptor declares one metric a rule pushes values to.
type MetricDescriptor struct {
	Name   string
	Period time.Duration
}

// ReactiveDescriptor is the attachment of a reactive rule.
type ReactiveDescriptor struct {
	// Addresses the rule subscribes to.
	Addresses []string
	// Handler invoked with the published values as the call arguments.
	Handler callback.Handler
}

// Known hookpoint strategies.
const (
	NativeStrategy    = "native"
	ReflectedStrategy = "reflected"
)

// Validate returns a non-nil error when the descriptor is not a valid rule
// configuration. Configuration errors are fatal for the rule: the engine
// skips invalid descriptors and logs the error.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return rkerrors.New("rule descriptor: empty rule name")
	}
	if d.Reactive != nil {
		if len(d.Reactive.Addresses) == 0 {
			return rkerrors.Errorf("rule descriptor: reactive rule `%s`: no subscribed addresses", d.Name)
		}
	} else {
		if d.Hookpoint.Target == "" {
			return rkerrors.Errorf("rule descriptor: rule `%s`: empty hookpoint target", d.Name)
		}
		switch d.Hookpoint.Strategy {
		case "", NativeStrategy, ReflectedStrategy:
		default:
			return rkerrors.Errorf("rule descriptor: rule `%s`: unexpected hookpoint strategy `%s`", d.Name, d.Hookpoint.Strategy)
		}
		if d.Callbacks.Pre == nil && d.Callbacks.Post == nil && d.Callbacks.Failing == nil {
			return rkerrors.Errorf("rule descriptor: rule `%s`: no lifecycle handler implemented", d.Name)
		}
	}
	if d.Priority < 0 {
		return rkerrors.Errorf("rule descriptor: rule `%s`: unexpected negative priority %d", d.Name, d.Priority)
	}
	for _, m := range d.Metrics {
		if m.Name == "" {
			return rkerrors.Errorf("rule descriptor: rule `%s`: empty metric name", d.Name)
		}
		if m.Period <= 0 {
			return rkerrors.Errorf("rule descriptor: rule `%s`: metric `%s`: unexpected non-positive period %s", d.Name, m.Name, m.Period)
		}
	}
	return nil
}
