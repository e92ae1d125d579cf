// Package prop is the client half of the property engine protocol.
//
// The engine owns a hierarchical, mutable property tree and runs on its own
// goroutines. A consumer (typically a UI goroutine) observes it through
// subscriptions: a ValueSubscription for a scalar path, a NodeSubscription
// for an ordered collection of child properties. Change records produced by
// the engine are queued into a Mailbox (see package courier) and delivered on
// the consumer goroutine, where the Registry routes each one to the callback
// that owns its subscription id.
//
// Properties are named by opaque ids minted by the engine. A Handle owns one
// engine-side reference to such an id; NodeSubscription retains a Handle for
// every mirrored child and releases it when the child leaves the collection.
package prop

// ID is an opaque property identifier minted by the engine.
type ID uint64

const (
	// Root names the engine's global root when used as a subscription scope.
	Root ID = 0
	// End is the "append at end" position when used as a before argument.
	End ID = 0
)

// SubID identifies a registered subscription. Zero means inactive.
type SubID uint32

// Kind selects what a subscription observes.
type Kind uint8

const (
	// KindValue observes a single scalar value.
	KindValue Kind = iota + 1
	// KindNodes observes the ordered children of a property.
	KindNodes
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindNodes:
		return "nodes"
	default:
		return "unknown"
	}
}

// Mailbox receives change records from the engine. Both methods are safe to
// call from any goroutine.
type Mailbox interface {
	// Enqueue appends a record without requesting a drain.
	Enqueue(rec Record)
	// Wake asks the consumer goroutine to drain. Concurrent wakes coalesce.
	Wake()
}

// Engine is the property engine primitive surface the core consumes.
// Implementations must be safe for concurrent use.
type Engine interface {
	// Retain increments the reference count of id and returns it.
	Retain(id ID) ID
	// Release decrements the reference count of id.
	Release(id ID)
	// Subscribe registers interest in path below scope and returns a non-zero
	// id, or 0 if the path cannot be resolved or the engine is shutting down.
	// Records for the subscription are queued into mb.
	Subscribe(scope ID, path string, kind Kind, mb Mailbox) SubID
	// Unsubscribe stops producing records for sub.
	Unsubscribe(sub SubID)
	// Poll moves one batch of records buffered engine-side into mb. It is only
	// called from the consumer goroutine.
	Poll(mb Mailbox)
}
