// Package event provides the per-request event record the rule callbacks
// write into: security events (attacks), agent exceptions, metric
// observations and overtime reports. One record belongs to exactly one
// in-flight request and is consumed as a whole when the request ends, so the
// delivery subsystem never reads a record still being written to.
package event

import (
	"sync"
	"time"
)

// Payload section names. They select the categories of contextual data
// attached to a recorded event.
const (
	SectionRequest  = "request"
	SectionResponse = "response"
	SectionParams   = "params"
	SectionHeaders  = "headers"
	SectionContext  = "context"
)

// DefaultPayloadSections is the set of sections attached to events of rules
// not restricting them.
var DefaultPayloadSections = []string{SectionRequest, SectionResponse, SectionParams, SectionHeaders, SectionContext}

// Record buffers the events observed during a single request.
type Record struct {
	attacksLock sync.Mutex
	attacks     []*AttackEvent

	exceptionsLock sync.Mutex
	exceptions     []*ExceptionEvent

	observationsLock sync.Mutex
	observations     []*Observation
}

// AttackEvent is a security event recorded by a rule, tagged with the rule
// identity and its blocking configuration.
type AttackEvent struct {
	RuleName        string
	RulespackID     string
	AttackType      string
	Test            bool
	Blocked         bool
	Beta            bool
	Timestamp       time.Time
	Info            interface{}
	StackTrace      []uintptr
	PayloadSections []string
}

// ExceptionEvent is an agent-side error recorded by a rule, never delivered
// to the host application.
type ExceptionEvent struct {
	Message     string
	Class       string
	RuleName    string
	RulespackID string
	Test        bool
	Timestamp   time.Time
	Infos       map[string]interface{}
	Backtrace   []string
}

// Observation is a single buffered metric sample. Aggregation into the
// periodized metrics stores is performed by the record's consumer.
type Observation struct {
	Metric    string
	Key       interface{}
	Value     int64
	Timestamp time.Time
}

// Overtime observations are keyed by `ruleName.lifecycle` under this metric
// name.
const OvertimeMetricName = "request_overtime"

func (r *Record) AddAttackEvent(attack *AttackEvent) {
	if attack == nil {
		return
	}
	r.attacksLock.Lock()
	defer r.attacksLock.Unlock()
	r.attacks = append(r.attacks, attack)
}

func (r *Record) AddExceptionEvent(exception *ExceptionEvent) {
	if exception == nil {
		return
	}
	r.exceptionsLock.Lock()
	defer r.exceptionsLock.Unlock()
	r.exceptions = append(r.exceptions, exception)
}

func (r *Record) AddObservation(metric string, key interface{}, value int64, at time.Time) {
	r.observationsLock.Lock()
	defer r.observationsLock.Unlock()
	r.observations = append(r.observations, &Observation{
		Metric:    metric,
		Key:       key,
		Value:     value,
		Timestamp: at,
	})
}

// AddOvertime reports that the rule lifecycle behind `key` exceeded its time
// budget.
func (r *Record) AddOvertime(key string, at time.Time) {
	r.AddObservation(OvertimeMetricName, key, 1, at)
}

func (r *Record) AttackEvents() []*AttackEvent {
	r.attacksLock.Lock()
	defer r.attacksLock.Unlock()
	return r.attacks
}

func (r *Record) ExceptionEvents() []*ExceptionEvent {
	r.exceptionsLock.Lock()
	defer r.exceptionsLock.Unlock()
	return r.exceptions
}

func (r *Record) Observations() []*Observation {
	r.observationsLock.Lock()
	defer r.observationsLock.Unlock()
	return r.observations
}
