package prop

import (
	"fmt"
	"sync/atomic"

	"github.com/go-drift/propbridge/pkg/errors"
)

// Subscription is the registry entry shared by value and node subscriptions.
// Its id is set once at construction and cleared once by the first Stop.
type Subscription struct {
	registry *Registry
	path     string
	id       atomic.Uint32
}

func (s *Subscription) start(r *Registry, scope *Handle, path string, kind Kind, deliver func(Record)) {
	s.registry = r
	s.path = path
	s.id.Store(uint32(r.Subscribe(scope, path, kind, deliver)))
}

// ID returns the subscription id, or 0 when inactive.
func (s *Subscription) ID() SubID {
	return SubID(s.id.Load())
}

// Active reports whether the subscription is registered and not stopped.
func (s *Subscription) Active() bool {
	return s.id.Load() != 0
}

// Path returns the subscribed path.
func (s *Subscription) Path() string {
	return s.path
}

// Stop unregisters the subscription. Records already queued for it are
// dropped by the registry. Calling Stop more than once has no further
// effect, and Stop on a subscription that never resolved does nothing.
// It reports whether this call was the one that unregistered.
//
// Callers must Stop explicitly; nothing reclaims a forgotten subscription
// before its session closes.
func (s *Subscription) Stop() bool {
	id := SubID(s.id.Swap(0))
	if id == 0 {
		return false
	}
	s.registry.Unsubscribe(id)
	return true
}

// ErrWrongRecord is reported when a record's op does not match the
// subscription kind it was routed to.
var ErrWrongRecord = fmt.Errorf("record op does not match subscription kind")

// ValueSubscription delivers scalar values of one property path.
type ValueSubscription struct {
	Subscription
	fn func(Value)
}

// SubscribeValue subscribes fn to the value at path below scope (nil scope
// means the root). fn runs on the consumer goroutine, once per emitted value
// in emission order. If the engine cannot resolve the path the returned
// subscription is inactive and fn is never called.
func SubscribeValue(r *Registry, scope *Handle, path string, fn func(Value)) *ValueSubscription {
	s := &ValueSubscription{fn: fn}
	s.start(r, scope, path, KindValue, s.deliver)
	return s
}

func (s *ValueSubscription) deliver(rec Record) {
	if rec.Op != OpSet {
		errors.Report(&errors.BridgeError{
			Op:   "prop.ValueSubscription",
			Kind: errors.KindDecode,
			Sub:  uint32(rec.Sub),
			Path: s.path,
			Err:  fmt.Errorf("%w: got %s", ErrWrongRecord, rec.Op),
		})
		return
	}
	s.fn(rec.Value)
}
