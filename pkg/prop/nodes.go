package prop

import (
	"fmt"
	"slices"

	"github.com/go-drift/propbridge/pkg/errors"
)

// NodeFactory turns a newly added child into a domain object. The handle is
// owned by the NodeSubscription; clone it to keep the property past the
// child's removal.
type NodeFactory[T any] func(h *Handle) T

// Node is one mirrored child of a NodeSubscription.
type Node[T any] struct {
	id ID
	// Handle retains the child for as long as it is in the collection.
	Handle *Handle
	// Value is what the NodeFactory built for the child.
	Value T
}

// ID returns the child's property id. Unlike Handle.ID it stays valid after
// the node has been removed.
func (n *Node[T]) ID() ID {
	return n.id
}

// NodeObserver receives collection changes after they are applied to the
// mirror. A nil before means the end of the collection. Nil funcs are skipped.
type NodeObserver[T any] struct {
	OnAdd    func(added []*Node[T], before *Node[T])
	OnDelete func(removed []*Node[T])
	OnMove   func(moved *Node[T], before *Node[T])
}

// NodeSubscription mirrors the ordered children of a property path.
//
// The mirror, Nodes and Stop belong to the consumer goroutine: records are
// applied there by the courier and must not race with readers.
type NodeSubscription[T any] struct {
	Subscription
	factory  NodeFactory[T]
	observer NodeObserver[T]

	nodes    []*Node[T]
	index    map[ID]*Node[T]
	desynced bool
}

// SubscribeNodes subscribes to the children of path below scope (nil scope
// means the root). Each added child is retained and built with factory; obs
// is told about every change once the mirror reflects it. If the engine
// cannot resolve the path the returned subscription is inactive.
func SubscribeNodes[T any](r *Registry, scope *Handle, path string, factory NodeFactory[T], obs NodeObserver[T]) *NodeSubscription[T] {
	s := &NodeSubscription[T]{
		factory:  factory,
		observer: obs,
		index:    make(map[ID]*Node[T]),
	}
	s.start(r, scope, path, KindNodes, s.deliver)
	return s
}

// Stop unregisters the subscription and releases every mirrored child.
func (s *NodeSubscription[T]) Stop() bool {
	if !s.Subscription.Stop() {
		return false
	}
	for _, n := range s.nodes {
		n.Handle.Release()
	}
	s.nodes = nil
	clear(s.index)
	return true
}

// Nodes returns a copy of the mirror in collection order.
func (s *NodeSubscription[T]) Nodes() []*Node[T] {
	return slices.Clone(s.nodes)
}

// IDs returns the mirrored child ids in collection order.
func (s *NodeSubscription[T]) IDs() []ID {
	ids := make([]ID, len(s.nodes))
	for i, n := range s.nodes {
		ids[i] = n.id
	}
	return ids
}

// Len returns the number of mirrored children.
func (s *NodeSubscription[T]) Len() int {
	return len(s.nodes)
}

// Desynced reports whether any record referenced a child the mirror did not
// have (or already had). Once true the mirror can no longer be trusted.
func (s *NodeSubscription[T]) Desynced() bool {
	return s.desynced
}

func (s *NodeSubscription[T]) deliver(rec Record) {
	switch rec.Op {
	case OpAdd:
		s.add(rec)
	case OpDelete:
		s.delete(rec)
	case OpMove:
		s.move(rec)
	default:
		errors.Report(&errors.BridgeError{
			Op:   "prop.NodeSubscription",
			Kind: errors.KindDecode,
			Sub:  uint32(rec.Sub),
			Path: s.path,
			Err:  fmt.Errorf("%w: got %s", ErrWrongRecord, rec.Op),
		})
	}
}

func (s *NodeSubscription[T]) desync(rec Record, target ID, reason string) {
	s.desynced = true
	s.registry.reportDesync(rec.Sub, rec.Op, target, reason)
}

func (s *NodeSubscription[T]) position(id ID) int {
	return slices.IndexFunc(s.nodes, func(n *Node[T]) bool { return n.id == id })
}

// resolveBefore maps a before id to an insertion index and its node.
func (s *NodeSubscription[T]) resolveBefore(before ID) (int, *Node[T], bool) {
	if before == End {
		return len(s.nodes), nil, true
	}
	if _, ok := s.index[before]; !ok {
		return 0, nil, false
	}
	i := s.position(before)
	return i, s.nodes[i], true
}

func (s *NodeSubscription[T]) add(rec Record) {
	pos, before, ok := s.resolveBefore(rec.Before)
	if !ok {
		s.desync(rec, rec.Before, "insertion point not in mirror")
		return
	}

	var dups []ID
	added := make([]*Node[T], 0, len(rec.IDs))
	seen := make(map[ID]struct{}, len(rec.IDs))
	committed := false
	defer func() {
		// A panicking factory leaves the mirror untouched.
		if !committed {
			for _, n := range added {
				n.Handle.Release()
			}
		}
	}()
	for _, id := range rec.IDs {
		_, inMirror := s.index[id]
		_, inRecord := seen[id]
		if inMirror || inRecord {
			dups = append(dups, id)
			continue
		}
		seen[id] = struct{}{}
		n := &Node[T]{id: id, Handle: Retain(s.registry.engine, id)}
		added = append(added, n)
		if s.factory != nil {
			n.Value = s.factory(n.Handle)
		}
	}
	committed = true

	if len(added) > 0 {
		for _, n := range added {
			s.index[n.id] = n
		}
		s.nodes = slices.Insert(s.nodes, pos, added...)
		if s.observer.OnAdd != nil {
			s.observer.OnAdd(added, before)
		}
	}
	for _, id := range dups {
		s.desync(rec, id, "already in mirror")
	}
}

func (s *NodeSubscription[T]) delete(rec Record) {
	var missing []ID
	removed := make([]*Node[T], 0, len(rec.IDs))
	for _, id := range rec.IDs {
		n, ok := s.index[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		delete(s.index, id)
		removed = append(removed, n)
	}
	defer func() {
		for _, n := range removed {
			n.Handle.Release()
		}
	}()

	if len(removed) > 0 {
		s.nodes = slices.DeleteFunc(s.nodes, func(n *Node[T]) bool {
			_, live := s.index[n.id]
			return !live
		})
		if s.observer.OnDelete != nil {
			s.observer.OnDelete(removed)
		}
	}
	for _, id := range missing {
		s.desync(rec, id, "not in mirror")
	}
}

func (s *NodeSubscription[T]) move(rec Record) {
	if len(rec.IDs) != 1 {
		errors.Report(&errors.BridgeError{
			Op:   "prop.NodeSubscription",
			Kind: errors.KindDecode,
			Sub:  uint32(rec.Sub),
			Path: s.path,
			Err:  fmt.Errorf("move carries %d ids, want 1", len(rec.IDs)),
		})
		return
	}
	id := rec.IDs[0]
	n, ok := s.index[id]
	if !ok {
		s.desync(rec, id, "not in mirror")
		return
	}
	if rec.Before == id {
		return
	}
	if rec.Before != End {
		if _, ok := s.index[rec.Before]; !ok {
			s.desync(rec, rec.Before, "move target not in mirror")
			return
		}
	}

	from := s.position(id)
	s.nodes = slices.Delete(s.nodes, from, from+1)
	to, before, _ := s.resolveBefore(rec.Before)
	s.nodes = slices.Insert(s.nodes, to, n)
	if s.observer.OnMove != nil {
		s.observer.OnMove(n, before)
	}
}
