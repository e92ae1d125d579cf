// Package memengine is an in-memory property engine.
//
// It implements prop.Engine on a plain tree so the subscription core can be
// exercised without a native engine: tests use it as ground truth for node
// mirrors, and propctl drives it from scripts. Mutations may come from any
// goroutine; the records they produce are buffered per mailbox and handed
// over when the consumer polls.
package memengine

import (
	"slices"
	"strings"
	"sync"

	"github.com/go-drift/propbridge/pkg/prop"
)

type node struct {
	id       prop.ID
	name     string
	parent   *node
	value    prop.Value
	children []*node
	byName   map[string]*node
}

type subscription struct {
	id       prop.SubID
	node     *node
	kind     prop.Kind
	mailbox  prop.Mailbox
	expedite bool
}

// Engine is an in-memory prop.Engine.
type Engine struct {
	mu       sync.Mutex
	root     *node
	nodes    map[prop.ID]*node
	nextID   prop.ID
	subs     map[prop.SubID]*subscription
	nextSub  prop.SubID
	pending  map[prop.Mailbox][]prop.Record
	refs     map[prop.ID]int
	retains  int
	releases int
	overflow int
	shutdown bool
	expedite map[string]bool
	woken    []prop.Mailbox
}

// Option configures an Engine.
type Option func(*Engine)

// WithExpedite marks subscriptions on the given paths as expedited; their
// records overtake normal ones in the courier.
func WithExpedite(paths ...string) Option {
	return func(e *Engine) {
		for _, p := range paths {
			e.expedite[p] = true
		}
	}
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		nodes:    make(map[prop.ID]*node),
		subs:     make(map[prop.SubID]*subscription),
		pending:  make(map[prop.Mailbox][]prop.Record),
		refs:     make(map[prop.ID]int),
		expedite: make(map[string]bool),
	}
	e.root = e.newNode("")
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) newNode(name string) *node {
	e.nextID++
	n := &node{id: e.nextID, name: name}
	e.nodes[n.id] = n
	return n
}

// Retain increments the reference count of id.
func (e *Engine) Retain(id prop.ID) prop.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs[id]++
	e.retains++
	return id
}

// Release decrements the reference count of id. Releasing more than was
// retained is counted as an overflow instead of going negative.
func (e *Engine) Release(id prop.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs[id] == 0 {
		e.overflow++
		return
	}
	e.releases++
	if e.refs[id]--; e.refs[id] == 0 {
		delete(e.refs, id)
	}
}

// Subscribe resolves path below scope, creating missing components, and
// queues the current state, if there is any, as the first record. It returns 0 for an unknown
// scope, a malformed path or after Shutdown.
func (e *Engine) Subscribe(scope prop.ID, path string, kind prop.Kind, mb prop.Mailbox) prop.SubID {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return 0
	}
	n, ok := e.resolve(scope, path)
	if !ok {
		e.mu.Unlock()
		return 0
	}
	e.nextSub++
	s := &subscription{
		id:       e.nextSub,
		node:     n,
		kind:     kind,
		mailbox:  mb,
		expedite: e.expedite[path],
	}
	e.subs[s.id] = s

	switch kind {
	case prop.KindValue:
		if !n.value.IsVoid() {
			e.emit(s, prop.SetRecord(s.id, n.value))
		}
	case prop.KindNodes:
		if len(n.children) > 0 {
			e.emit(s, prop.AddRecord(s.id, prop.End, childIDs(n)...))
		}
	}
	e.unlockAndWake()
	return s.id
}

// Unsubscribe stops producing records for sub. Records already buffered for
// it are still handed over on the next poll.
func (e *Engine) Unsubscribe(sub prop.SubID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, sub)
}

// Poll hands everything buffered for mb over to it.
func (e *Engine) Poll(mb prop.Mailbox) {
	e.mu.Lock()
	batch := e.pending[mb]
	delete(e.pending, mb)
	e.mu.Unlock()
	for _, rec := range batch {
		mb.Enqueue(rec)
	}
}

// Shutdown makes further Subscribe calls fail.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shutdown = true
}

// resolve walks a dotted path from scope. An empty path names scope itself.
// Called with e.mu held.
func (e *Engine) resolve(scope prop.ID, path string) (*node, bool) {
	n := e.root
	if scope != prop.Root {
		var ok bool
		if n, ok = e.nodes[scope]; !ok {
			return nil, false
		}
	}
	if path == "" {
		return n, true
	}
	for _, name := range strings.Split(path, ".") {
		if name == "" {
			return nil, false
		}
		child, ok := n.byName[name]
		if !ok {
			child = e.newNode(name)
			if n.byName == nil {
				n.byName = make(map[string]*node)
			}
			n.byName[name] = child
			e.insert(n, []*node{child}, nil)
		}
		n = child
	}
	return n, true
}

// emit buffers rec for its subscription's mailbox. Called with e.mu held;
// the mailbox is woken by unlockAndWake.
func (e *Engine) emit(s *subscription, rec prop.Record) {
	rec.Expedite = s.expedite
	e.pending[s.mailbox] = append(e.pending[s.mailbox], rec)
	if !slices.Contains(e.woken, s.mailbox) {
		e.woken = append(e.woken, s.mailbox)
	}
}

// unlockAndWake releases e.mu and then wakes every mailbox that received
// records while it was held. Waking outside the lock lets a consumer poll
// straight away.
func (e *Engine) unlockAndWake() {
	woken := e.woken
	e.woken = nil
	e.mu.Unlock()
	for _, mb := range woken {
		mb.Wake()
	}
}

// subscribers returns the live subscriptions of kind on n.
func (e *Engine) subscribers(n *node, kind prop.Kind) []*subscription {
	var out []*subscription
	for _, s := range e.subs {
		if s.node == n && s.kind == kind {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *subscription) int { return int(a.id) - int(b.id) })
	return out
}

// insert places children before the given sibling (nil appends) and tells
// node subscribers. Called with e.mu held.
func (e *Engine) insert(parent *node, children []*node, before *node) {
	for _, c := range children {
		c.parent = parent
	}
	pos := len(parent.children)
	beforeID := prop.End
	if before != nil {
		pos = slices.Index(parent.children, before)
		beforeID = before.id
	}
	parent.children = slices.Insert(parent.children, pos, children...)

	ids := make([]prop.ID, len(children))
	for i, c := range children {
		ids[i] = c.id
	}
	for _, s := range e.subscribers(parent, prop.KindNodes) {
		e.emit(s, prop.AddRecord(s.id, beforeID, ids...))
	}
}

func childIDs(n *node) []prop.ID {
	ids := make([]prop.ID, len(n.children))
	for i, c := range n.children {
		ids[i] = c.id
	}
	return ids
}
