package memengine

import (
	"fmt"
	"slices"

	"github.com/go-drift/propbridge/pkg/prop"
)

// Set stores v at path below the root.
func (e *Engine) Set(path string, v prop.Value) error {
	return e.SetAt(prop.Root, path, v)
}

// SetAt stores v at path below scope and notifies value subscribers.
func (e *Engine) SetAt(scope prop.ID, path string, v prop.Value) error {
	e.mu.Lock()
	n, ok := e.resolve(scope, path)
	if !ok {
		e.unlockAndWake()
		return fmt.Errorf("memengine: cannot resolve %q below %d", path, scope)
	}
	n.value = v
	for _, s := range e.subscribers(n, prop.KindValue) {
		e.emit(s, prop.SetRecord(s.id, v))
	}
	e.unlockAndWake()
	return nil
}

// Add creates count anonymous children of path, inserted in order before
// the child before (prop.End appends), and returns their ids.
func (e *Engine) Add(path string, before prop.ID, count int) ([]prop.ID, error) {
	e.mu.Lock()
	parent, ok := e.resolve(prop.Root, path)
	if !ok {
		e.unlockAndWake()
		return nil, fmt.Errorf("memengine: cannot resolve %q", path)
	}
	var beforeNode *node
	if before != prop.End {
		if beforeNode = e.childOf(parent, before); beforeNode == nil {
			e.unlockAndWake()
			return nil, fmt.Errorf("memengine: %d is not a child of %q", before, path)
		}
	}
	children := make([]*node, count)
	ids := make([]prop.ID, count)
	for i := range children {
		children[i] = e.newNode("")
		ids[i] = children[i].id
	}
	e.insert(parent, children, beforeNode)
	e.unlockAndWake()
	return ids, nil
}

// Delete removes the given children of path.
func (e *Engine) Delete(path string, ids ...prop.ID) error {
	ids = uniqueIDs(ids)
	e.mu.Lock()
	parent, ok := e.resolve(prop.Root, path)
	if !ok {
		e.unlockAndWake()
		return fmt.Errorf("memengine: cannot resolve %q", path)
	}
	for _, id := range ids {
		if e.childOf(parent, id) == nil {
			e.unlockAndWake()
			return fmt.Errorf("memengine: %d is not a child of %q", id, path)
		}
	}
	parent.children = slices.DeleteFunc(parent.children, func(c *node) bool {
		if !slices.Contains(ids, c.id) {
			return false
		}
		c.parent = nil
		if c.name != "" {
			delete(parent.byName, c.name)
		}
		return true
	})
	for _, s := range e.subscribers(parent, prop.KindNodes) {
		e.emit(s, prop.DeleteRecord(s.id, ids...))
	}
	e.unlockAndWake()
	return nil
}

// Move relocates child id of path before the child before (prop.End moves
// it to the end).
func (e *Engine) Move(path string, id, before prop.ID) error {
	e.mu.Lock()
	parent, ok := e.resolve(prop.Root, path)
	if !ok {
		e.unlockAndWake()
		return fmt.Errorf("memengine: cannot resolve %q", path)
	}
	n := e.childOf(parent, id)
	if n == nil || (before != prop.End && e.childOf(parent, before) == nil) {
		e.unlockAndWake()
		return fmt.Errorf("memengine: cannot move %d before %d in %q", id, before, path)
	}
	if id != before {
		from := slices.Index(parent.children, n)
		parent.children = slices.Delete(parent.children, from, from+1)
		to := len(parent.children)
		if before != prop.End {
			to = slices.IndexFunc(parent.children, func(c *node) bool { return c.id == before })
		}
		parent.children = slices.Insert(parent.children, to, n)
	}
	for _, s := range e.subscribers(parent, prop.KindNodes) {
		e.emit(s, prop.MoveRecord(s.id, id, before))
	}
	e.unlockAndWake()
	return nil
}

func (e *Engine) childOf(parent *node, id prop.ID) *node {
	for _, c := range parent.children {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Lookup returns the id at path without creating it.
func (e *Engine) Lookup(path string) (prop.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.lookup(path)
	if !ok {
		return 0, false
	}
	return n.id, true
}

// Children returns the engine's current child order of path. Unlike the
// mutations it never creates path components.
func (e *Engine) Children(path string) []prop.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.lookup(path)
	if !ok {
		return nil
	}
	return childIDs(n)
}

// lookup walks path from the root without creating nodes. e.mu must be held.
func (e *Engine) lookup(path string) (*node, bool) {
	n := e.root
	if path == "" {
		return n, true
	}
	for start := 0; ; {
		end := start
		for end < len(path) && path[end] != '.' {
			end++
		}
		child, ok := n.byName[path[start:end]]
		if !ok {
			return nil, false
		}
		n = child
		if end == len(path) {
			return n, true
		}
		start = end + 1
	}
}

// Refs returns the outstanding reference count of id.
func (e *Engine) Refs(id prop.ID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs[id]
}

// Outstanding returns the total number of unreleased references.
func (e *Engine) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.refs {
		total += n
	}
	return total
}

// Stats summarizes reference accounting.
type Stats struct {
	Retains       int
	Releases      int
	OverReleases  int
	Subscriptions int
}

// Stats returns reference and subscription counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Retains:       e.retains,
		Releases:      e.releases,
		OverReleases:  e.overflow,
		Subscriptions: len(e.subs),
	}
}

// uniqueIDs returns ids without repeats, keeping first occurrences in order.
func uniqueIDs(ids []prop.ID) []prop.ID {
	seen := make(map[prop.ID]struct{}, len(ids))
	out := make([]prop.ID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
