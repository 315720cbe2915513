// Package adapter provides the framework adapters of the agent: the glue
// between a host framework's request and response representations and the
// protection types the rule engine consumes. An adapter contributes the set
// of built-in rule descriptors wiring the framework into the engine.
package adapter

import (
	"sort"
	"strings"
	"sync"

	"github.com/raspkit/go-agent/internal/protection/types"
	"github.com/raspkit/go-agent/internal/rule"
	"github.com/raspkit/go-agent/internal/rule/callback"
)

// FrameworkAdapter normalizes one host framework. Descriptors returns the
// built-in rules attaching the framework to the engine; they are loaded like
// any other rules pack.
type FrameworkAdapter interface {
	// Name of the adapted framework.
	Name() string
	// Descriptors returns the adapter's built-in rule descriptors.
	Descriptors() []rule.Descriptor
}

// ContextBinder is the write side of the protection context the adapters
// need: storing the normalized request and response they build.
type ContextBinder interface {
	SetRequest(types.RequestReader)
	SetResponse(types.ResponseFace)
}

// RulespackID of the built-in adapter rules.
const RulespackID = "ecosystem/framework"

// UnsupportedEventError is recorded when an adapter receives an event shape
// it cannot normalize. The event is attached as structured error info.
type UnsupportedEventError struct {
	Event map[string]interface{}
}

func (e UnsupportedEventError) Error() string {
	return "unsupported event shape " + eventFingerprint(e.Event)
}

// Info implements the structured error information capability.
func (e UnsupportedEventError) Info() interface{} {
	return map[string]interface{}{
		"event": e.Event,
	}
}

// eventFingerprint identifies an event shape by its sorted set of top-level
// keys. Two events with the same key set are the same shape.
func eventFingerprint(event map[string]interface{}) string {
	keys := make([]string, 0, len(event))
	for k := range event {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// unsupportedEventSet deduplicates unsupported event shapes so that a given
// shape is recorded at most once per adapter configuration.
type unsupportedEventSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// firstSeen returns true the first time the event's shape is given to it.
func (s *unsupportedEventSet) firstSeen(event map[string]interface{}) bool {
	fingerprint := eventFingerprint(event)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]struct{})
	}
	if _, exists := s.seen[fingerprint]; exists {
		return false
	}
	s.seen[fingerprint] = struct{}{}
	return true
}

func (s *unsupportedEventSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = nil
}

// currentBinder returns the write side of the current protection context,
// nil when there is no current request or the context is read-only.
func currentBinder(storage callback.StorageProvider) ContextBinder {
	if storage == nil {
		return nil
	}
	p := storage.Current()
	if p == nil {
		return nil
	}
	binder, _ := p.(ContextBinder)
	return binder
}
