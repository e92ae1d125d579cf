package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"github.com/go-drift/propbridge/pkg/memengine"
	"github.com/go-drift/propbridge/pkg/prop"
	"github.com/go-drift/propbridge/pkg/session"
)

// ErrMirrorMismatch is returned when a node mirror disagrees with the engine
// after the final drain.
var ErrMirrorMismatch = errors.New("mirror does not match engine")

// Runner applies scripts to an engine and prints what the subscriptions see.
type Runner struct {
	engine  *memengine.Engine
	session *session.Session
	out     io.Writer

	labels map[string]prop.ID
	names  map[prop.ID]string
	values map[string]*prop.ValueSubscription
	lists  map[string]*prop.NodeSubscription[string]

	delivered int
}

// Result summarizes a replay.
type Result struct {
	// Mirrors holds the final child labels of every node subscription.
	Mirrors map[string][]string
	// Delivered counts callback invocations.
	Delivered int
}

// NewRunner creates a runner mutating e and subscribing through s. Records
// produced by e must reach s, directly or through a bridge.
func NewRunner(e *memengine.Engine, s *session.Session, out io.Writer) *Runner {
	return &Runner{
		engine:  e,
		session: s,
		out:     out,
		labels:  make(map[string]prop.ID),
		names:   make(map[prop.ID]string),
		values:  make(map[string]*prop.ValueSubscription),
		lists:   make(map[string]*prop.NodeSubscription[string]),
	}
}

// Run applies every step, drains, and checks each node mirror against the
// engine. Subscriptions stay open until Stop.
func (r *Runner) Run(ctx context.Context, sc *Script) (*Result, error) {
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.apply(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	r.session.Drain(ctx)

	res := &Result{Mirrors: make(map[string][]string), Delivered: r.delivered}
	var mismatched []string
	for _, path := range sortedKeys(r.lists) {
		s := r.lists[path]
		got := s.IDs()
		res.Mirrors[path] = r.labelsOf(got)
		fmt.Fprintf(r.out, "%s: [%s]\n", path, strings.Join(res.Mirrors[path], " "))
		if want := r.engine.Children(path); !slices.Equal(got, want) || s.Desynced() {
			mismatched = append(mismatched, path)
		}
	}
	if len(mismatched) > 0 {
		return res, fmt.Errorf("%w: %s", ErrMirrorMismatch, strings.Join(mismatched, ", "))
	}
	return res, nil
}

// Stop stops every subscription the runner opened.
func (r *Runner) Stop() {
	for path, s := range r.values {
		s.Stop()
		delete(r.values, path)
	}
	for path, s := range r.lists {
		s.Stop()
		delete(r.lists, path)
	}
}

func (r *Runner) apply(ctx context.Context, step Step) error {
	action, path, err := step.Action()
	if err != nil {
		return err
	}
	switch action {
	case ActionSubscribe:
		return r.subscribe(step, path)
	case ActionUnsubscribe:
		return r.unsubscribe(path)
	case ActionSet:
		v, err := step.PropValue()
		if err != nil {
			return err
		}
		return r.engine.Set(path, v)
	case ActionAdd:
		before, err := r.lookup(step.Before)
		if err != nil {
			return err
		}
		for _, label := range step.Nodes {
			if _, dup := r.labels[label]; dup {
				return fmt.Errorf("label %q already used", label)
			}
		}
		ids, err := r.engine.Add(path, before, len(step.Nodes))
		if err != nil {
			return err
		}
		for i, label := range step.Nodes {
			r.labels[label] = ids[i]
			r.names[ids[i]] = label
		}
		return nil
	case ActionDelete:
		ids := make([]prop.ID, len(step.Nodes))
		for i, label := range step.Nodes {
			if ids[i], err = r.lookup(label); err != nil {
				return err
			}
		}
		return r.engine.Delete(path, ids...)
	case ActionMove:
		id, err := r.lookup(step.Node)
		if err != nil {
			return err
		}
		before, err := r.lookup(step.Before)
		if err != nil {
			return err
		}
		return r.engine.Move(path, id, before)
	case ActionDrain:
		r.session.Drain(ctx)
		return nil
	}
	return fmt.Errorf("%w: unhandled action %s", ErrInvalidStep, action)
}

func (r *Runner) subscribe(step Step, path string) error {
	kind, err := step.SubscriptionKind()
	if err != nil {
		return err
	}
	if _, ok := r.values[path]; ok {
		return fmt.Errorf("already subscribed to %s", path)
	}
	if _, ok := r.lists[path]; ok {
		return fmt.Errorf("already subscribed to %s", path)
	}

	if kind == prop.KindValue {
		s := r.session.SubscribeValue(nil, path, func(v prop.Value) {
			r.delivered++
			fmt.Fprintf(r.out, "%s = %s\n", path, v)
		})
		if !s.Active() {
			return fmt.Errorf("cannot subscribe to %s", path)
		}
		r.values[path] = s
		return nil
	}

	s := session.SubscribeNodes(r.session, nil, path, func(h *prop.Handle) string {
		return r.name(h.ID())
	}, prop.NodeObserver[string]{
		OnAdd: func(added []*prop.Node[string], before *prop.Node[string]) {
			r.delivered++
			fmt.Fprintf(r.out, "%s: add [%s] before %s\n", path, joinNodes(added), nodeLabel(before))
		},
		OnDelete: func(removed []*prop.Node[string]) {
			r.delivered++
			fmt.Fprintf(r.out, "%s: delete [%s]\n", path, joinNodes(removed))
		},
		OnMove: func(moved, before *prop.Node[string]) {
			r.delivered++
			fmt.Fprintf(r.out, "%s: move %s before %s\n", path, moved.Value, nodeLabel(before))
		},
	})
	if !s.Active() {
		return fmt.Errorf("cannot subscribe to %s", path)
	}
	r.lists[path] = s
	return nil
}

func (r *Runner) unsubscribe(path string) error {
	if s, ok := r.values[path]; ok {
		s.Stop()
		delete(r.values, path)
		return nil
	}
	if s, ok := r.lists[path]; ok {
		s.Stop()
		delete(r.lists, path)
		return nil
	}
	return fmt.Errorf("not subscribed to %s", path)
}

// lookup resolves a label; the empty label is the end of the collection.
func (r *Runner) lookup(label string) (prop.ID, error) {
	if label == "" {
		return prop.End, nil
	}
	id, ok := r.labels[label]
	if !ok {
		return 0, fmt.Errorf("unknown node %q", label)
	}
	return id, nil
}

func (r *Runner) name(id prop.ID) string {
	if label, ok := r.names[id]; ok {
		return label
	}
	return fmt.Sprintf("#%d", id)
}

func (r *Runner) labelsOf(ids []prop.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = r.name(id)
	}
	return out
}

func joinNodes(nodes []*prop.Node[string]) string {
	labels := make([]string, len(nodes))
	for i, n := range nodes {
		labels[i] = n.Value
	}
	return strings.Join(labels, " ")
}

func nodeLabel(n *prop.Node[string]) string {
	if n == nil {
		return "end"
	}
	return n.Value
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
