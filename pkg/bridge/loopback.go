package bridge

import (
	"errors"
	"sync"

	"github.com/go-drift/propbridge/pkg/memengine"
	"github.com/go-drift/propbridge/pkg/prop"
)

// ErrUnresolved is returned by Loopback.Subscribe for paths the backing
// engine refuses.
var ErrUnresolved = errors.New("native engine could not resolve path")

// Loopback is a Native backed by an in-memory engine. Every record it
// produces is encoded with the target's codec and handed to
// Engine.HandleRecords, the way a foreign engine would, so tests and the
// CLI exercise the full native path without one.
type Loopback struct {
	engine *memengine.Engine

	mu     sync.Mutex
	target *Engine
	buf    []prop.Record
	errs   []error
}

// NewLoopback creates a Loopback over e and returns it together with the
// bridge Engine it feeds.
func NewLoopback(e *memengine.Engine, codec Codec) (*Loopback, *Engine) {
	l := &Loopback{engine: e}
	l.target = NewEngine(l, codec)
	return l, l.target
}

// Retain forwards to the backing engine.
func (l *Loopback) Retain(id prop.ID) prop.ID {
	return l.engine.Retain(id)
}

// Release forwards to the backing engine.
func (l *Loopback) Release(id prop.ID) {
	l.engine.Release(id)
}

// Subscribe forwards to the backing engine with the loopback as mailbox.
func (l *Loopback) Subscribe(scope prop.ID, path string, kind prop.Kind) (prop.SubID, error) {
	id := l.engine.Subscribe(scope, path, kind, l)
	if id == 0 {
		return 0, ErrUnresolved
	}
	return id, nil
}

// Unsubscribe forwards to the backing engine.
func (l *Loopback) Unsubscribe(sub prop.SubID) {
	l.engine.Unsubscribe(sub)
}

// Enqueue buffers a record polled from the backing engine.
func (l *Loopback) Enqueue(rec prop.Record) {
	l.buf = append(l.buf, rec)
}

// Wake flushes everything the backing engine has buffered across the
// boundary as one encoded batch. Flushes are serialized so batches keep
// engine order.
func (l *Loopback) Wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.engine.Poll(l)
	if len(l.buf) == 0 {
		return
	}
	batch := l.buf
	l.buf = nil
	data, err := l.target.Codec().Encode(batch)
	if err == nil {
		err = l.target.HandleRecords(data)
	}
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

// Errors returns the encode and delivery errors seen so far.
func (l *Loopback) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}
