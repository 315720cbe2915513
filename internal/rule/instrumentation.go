package rule

import (
	"sync"

	"github.com/raspkit/go-agent/internal/rule/callback"
)

// InstrumentationFace is the interface to the instrumentation engine owning
// the hookpoints the rules attach to.
type InstrumentationFace interface {
	// Find returns the hook of the given symbol, nil without error when the
	// symbol is not instrumented.
	Find(symbol string) (HookFace, error)
}

// HookFace is a single instrumented hookpoint. Attach replaces the currently
// attached callbacks, if any. Attaching nothing disables the hook. Callbacks
// returns the current attachment in its attachment order; both must be safe
// for concurrent use so that rules can be replaced while the hookpoint fires.
// Values must be comparable so that the engine can index its descriptors by
// hook.
type HookFace interface {
	Attach(callbacks ...*callback.AttachedCallback) error
	Callbacks() []*callback.AttachedCallback
}

// HookRegistry is the default in-memory instrumentation engine: framework
// adapters declare their hookpoints into it, and the rule engine finds them
// back by symbol.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string]*Hook
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks: make(map[string]*Hook),
	}
}

func (r *HookRegistry) Find(symbol string) (HookFace, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hook, exists := r.hooks[symbol]
	if !exists {
		// Nil interface value, not the nil *Hook.
		return nil, nil
	}
	return hook, nil
}

// Use returns the hook of the given symbol, creating it first when the
// symbol was not declared yet.
func (r *HookRegistry) Use(symbol string) *Hook {
	r.mu.Lock()
	defer r.mu.Unlock()
	hook, exists := r.hooks[symbol]
	if !exists {
		hook = &Hook{symbol: symbol}
		r.hooks[symbol] = hook
	}
	return hook
}

// Hook is the default hookpoint implementation. The attached callbacks are
// read on every intercepted call, so attachment is atomic.
type Hook struct {
	symbol string

	mu        sync.RWMutex
	callbacks []*callback.AttachedCallback
}

func (h *Hook) String() string { return h.symbol }

func (h *Hook) Attach(callbacks ...*callback.AttachedCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(callbacks) == 0 {
		h.callbacks = nil
	} else {
		h.callbacks = callbacks
	}
	return nil
}

// Callbacks returns the currently attached callbacks, in the attachment
// order.
func (h *Hook) Callbacks() []*callback.AttachedCallback {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.callbacks
}

type defaultInstrumentationImpl struct{}

var defaultInstrumentationEngine defaultInstrumentationImpl

// Find of the default instrumentation engine finds no symbol: a rule engine
// built without instrumentation loads packs of reactive rules only.
func (defaultInstrumentationImpl) Find(string) (HookFace, error) {
	return nil, nil
}
