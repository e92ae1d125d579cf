// Package script parses and runs propctl replay scripts.
//
// A script is a yaml list of steps applied in order to an in-memory engine
// through a session: subscriptions are opened and stopped, values set, and
// children added, deleted and moved. Children are named by labels chosen in
// the script, since the engine assigns their ids.
//
//	expedite: [alerts]
//	steps:
//	  - subscribe: items
//	    kind: nodes
//	  - add: items
//	    nodes: [a, b, c]
//	  - move: items
//	    node: a
//	    before: c
//	  - delete: items
//	    nodes: [b]
//	  - drain: true
package script

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/go-drift/propbridge/pkg/prop"
)

// Script is a parsed replay script.
type Script struct {
	// Expedite lists paths whose subscriptions use the expedite lane.
	Expedite []string `yaml:"expedite,omitempty"`
	Steps    []Step   `yaml:"steps"`
}

// Step is one script action. Exactly one of the action fields is set.
type Step struct {
	Subscribe   string `yaml:"subscribe,omitempty"`
	Kind        string `yaml:"kind,omitempty"`
	Unsubscribe string `yaml:"unsubscribe,omitempty"`

	Set   string `yaml:"set,omitempty"`
	Value any    `yaml:"value,omitempty"`

	Add    string `yaml:"add,omitempty"`
	Delete string `yaml:"delete,omitempty"`
	Move   string `yaml:"move,omitempty"`

	Nodes  []string `yaml:"nodes,omitempty"`
	Node   string   `yaml:"node,omitempty"`
	Before string   `yaml:"before,omitempty"`

	Drain bool `yaml:"drain,omitempty"`
}

// Action names the step's action.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionSet         Action = "set"
	ActionAdd         Action = "add"
	ActionDelete      Action = "delete"
	ActionMove        Action = "move"
	ActionDrain       Action = "drain"
)

// ErrInvalidStep is returned for steps that do not describe exactly one
// well-formed action.
var ErrInvalidStep = errors.New("invalid step")

// Action returns the step's action and its path.
func (s Step) Action() (Action, string, error) {
	var (
		action Action
		path   string
		count  int
	)
	for _, c := range []struct {
		action Action
		path   string
		set    bool
	}{
		{ActionSubscribe, s.Subscribe, s.Subscribe != ""},
		{ActionUnsubscribe, s.Unsubscribe, s.Unsubscribe != ""},
		{ActionSet, s.Set, s.Set != ""},
		{ActionAdd, s.Add, s.Add != ""},
		{ActionDelete, s.Delete, s.Delete != ""},
		{ActionMove, s.Move, s.Move != ""},
		{ActionDrain, "", s.Drain},
	} {
		if c.set {
			action, path = c.action, c.path
			count++
		}
	}
	switch count {
	case 0:
		return "", "", fmt.Errorf("%w: no action", ErrInvalidStep)
	case 1:
	default:
		return "", "", fmt.Errorf("%w: %d actions in one step", ErrInvalidStep, count)
	}

	switch action {
	case ActionSubscribe:
		if _, err := s.SubscriptionKind(); err != nil {
			return "", "", err
		}
	case ActionAdd, ActionDelete:
		if len(s.Nodes) == 0 {
			return "", "", fmt.Errorf("%w: %s %s needs nodes", ErrInvalidStep, action, path)
		}
	case ActionMove:
		if s.Node == "" {
			return "", "", fmt.Errorf("%w: move %s needs node", ErrInvalidStep, path)
		}
	}
	return action, path, nil
}

// SubscriptionKind returns the kind of a subscribe step. It defaults to a
// value subscription.
func (s Step) SubscriptionKind() (prop.Kind, error) {
	switch s.Kind {
	case "", "value":
		return prop.KindValue, nil
	case "nodes":
		return prop.KindNodes, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidStep, s.Kind)
	}
}

// PropValue converts the step's yaml value.
func (s Step) PropValue() (prop.Value, error) {
	return ValueOf(s.Value)
}

// ValueOf converts a decoded yaml scalar to a prop.Value. A missing value is
// void.
func ValueOf(v any) (prop.Value, error) {
	switch v := v.(type) {
	case nil:
		return prop.Value{}, nil
	case string:
		return prop.StringValue(v), nil
	case int:
		return prop.IntValue(int64(v)), nil
	case int64:
		return prop.IntValue(v), nil
	case uint64:
		return prop.IntValue(int64(v)), nil
	case float64:
		return prop.FloatValue(v), nil
	case bool:
		return prop.BoolValue(v), nil
	default:
		return prop.Value{}, fmt.Errorf("%w: unsupported value %v (%T)", ErrInvalidStep, v, v)
	}
}

// Parse decodes and validates a script.
func Parse(data []byte) (*Script, error) {
	var sc Script
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	for i, step := range sc.Steps {
		if _, _, err := step.Action(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		if _, err := step.PropValue(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return &sc, nil
}

// Load reads and parses the script at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Parse(data)
}
