package prop

import "sync/atomic"

// Handle is a retained reference to an engine property.
//
// A Handle owns exactly one engine-side increment for its id, taken by
// Retain or Clone. Release hands that increment back and leaves the Handle
// empty, so ownership can only be returned once. Share a property by cloning
// the Handle, never by copying the id out and releasing it elsewhere.
type Handle struct {
	engine Engine
	id     atomic.Uint64
}

// Retain asks e to increment the count for id and returns a Handle owning
// that increment.
func Retain(e Engine, id ID) *Handle {
	h := &Handle{engine: e}
	h.id.Store(uint64(e.Retain(id)))
	return h
}

// WithHandle retains id for the duration of fn. The reference is released
// when fn returns, including on panic.
func WithHandle(e Engine, id ID, fn func(h *Handle) error) error {
	h := Retain(e, id)
	defer h.Release()
	return fn(h)
}

// ID returns the property id, or 0 once the handle has been released.
// A nil Handle reports Root.
func (h *Handle) ID() ID {
	if h == nil {
		return Root
	}
	return ID(h.id.Load())
}

// Clone retains the property again and returns an independent Handle.
// Cloning a released Handle yields another empty one; cloning nil yields nil.
func (h *Handle) Clone() *Handle {
	if h == nil {
		return nil
	}
	id := h.ID()
	if id == 0 {
		return &Handle{engine: h.engine}
	}
	return Retain(h.engine, id)
}

// Release returns the handle's reference to the engine. Releasing nil is a
// no-op.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	if id := ID(h.id.Swap(0)); id != 0 {
		h.engine.Release(id)
	}
}
