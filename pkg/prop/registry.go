package prop

import (
	"fmt"
	"sync"

	"github.com/go-drift/propbridge/pkg/errors"
)

// ErrUnresolved is reported when the engine refuses a subscription.
var ErrUnresolved = fmt.Errorf("path not resolved")

// ErrLeaked is reported for subscriptions still active when the registry closes.
var ErrLeaked = fmt.Errorf("subscription not stopped before shutdown")

type entry struct {
	kind    Kind
	path    string
	deliver func(Record)
}

// Registry maps subscription ids to callbacks. It is the only place that
// calls the engine's subscribe and unsubscribe primitives, and the only
// router for records coming out of the courier.
type Registry struct {
	engine  Engine
	mailbox Mailbox
	strict  bool

	mu     sync.RWMutex
	subs   map[SubID]*entry
	closed bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStrictConsistency makes a node mirror desync panic after it has been
// reported. Intended for tests and debug builds.
func WithStrictConsistency() RegistryOption {
	return func(r *Registry) { r.strict = true }
}

// NewRegistry creates a registry subscribing on e with records queued to mb.
func NewRegistry(e Engine, mb Mailbox, opts ...RegistryOption) *Registry {
	r := &Registry{
		engine:  e,
		mailbox: mb,
		subs:    make(map[SubID]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Engine returns the engine the registry subscribes on.
func (r *Registry) Engine() Engine {
	return r.engine
}

// Subscribe registers deliver for records on path below scope (nil scope
// means the root). It returns 0 when the engine cannot resolve the path, is
// shutting down, or the registry is closed; such a subscription never
// delivers.
func (r *Registry) Subscribe(scope *Handle, path string, kind Kind, deliver func(Record)) SubID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}

	// Holding the write lock across the engine call keeps Dispatch from
	// routing an initial-state record before the callback is in the map.
	id := r.engine.Subscribe(scope.ID(), path, kind, r.mailbox)
	if id == 0 {
		errors.Report(&errors.BridgeError{
			Op:   "prop.Subscribe",
			Kind: errors.KindResolution,
			Path: path,
			Err:  ErrUnresolved,
		})
		return 0
	}
	r.subs[id] = &entry{kind: kind, path: path, deliver: deliver}
	return id
}

// Dispatch routes rec to its subscription's callback and reports whether it
// was delivered. A miss means the subscription was stopped, and the record
// is dropped. Must only be called from the consumer goroutine.
func (r *Registry) Dispatch(rec Record) bool {
	r.mu.RLock()
	e := r.subs[rec.Sub]
	r.mu.RUnlock()
	if e == nil {
		return false
	}
	e.deliver(rec)
	return true
}

// Unsubscribe removes id and tells the engine to stop producing records for
// it. Unknown and zero ids are ignored.
func (r *Registry) Unsubscribe(id SubID) {
	if id == 0 {
		return
	}
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		r.engine.Unsubscribe(id)
	}
}

// Lookup returns the path and kind registered for id.
func (r *Registry) Lookup(id SubID) (path string, kind Kind, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subs[id]
	if !ok {
		return "", 0, false
	}
	return e.path, e.kind, true
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close unsubscribes everything still registered and returns the ids that
// were leaked. Each leak is reported. Subsequent Subscribe calls return 0.
//
// Close is the deterministic cleanup point for subscriptions nobody stopped;
// there is no finalizer behind it because the registry itself keeps every
// callback reachable until here.
func (r *Registry) Close() []SubID {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	leaked := make(map[SubID]*entry, len(r.subs))
	for id, e := range r.subs {
		leaked[id] = e
	}
	r.subs = make(map[SubID]*entry)
	r.mu.Unlock()

	ids := make([]SubID, 0, len(leaked))
	for id, e := range leaked {
		errors.Report(&errors.BridgeError{
			Op:   "prop.Registry.Close",
			Kind: errors.KindLeak,
			Sub:  uint32(id),
			Path: e.path,
			Err:  ErrLeaked,
		})
		r.engine.Unsubscribe(id)
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) reportDesync(id SubID, op Op, target ID, reason string) {
	path, _, _ := r.Lookup(id)
	err := &errors.BridgeError{
		Op:         "prop.NodeSubscription",
		Kind:       errors.KindDesync,
		Sub:        uint32(id),
		Path:       path,
		Err:        &errors.DesyncError{Op: op.String(), ID: uint64(target), Reason: reason},
		StackTrace: errors.CaptureStack(),
	}
	errors.Report(err)
	if r.strict {
		panic(err)
	}
}
