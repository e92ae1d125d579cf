// Package session ties an engine to one consumer.
//
// A Session owns the courier the engine's records land in and the registry
// that routes them, and is the point where both are torn down. Subscriptions
// left running when the session closes are unsubscribed and reported as
// leaks.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-drift/propbridge/pkg/courier"
	"github.com/go-drift/propbridge/pkg/prop"
)

// Session is an engine connection with its courier and registry.
type Session struct {
	id       uuid.UUID
	cfg      Config
	engine   prop.Engine
	courier  *courier.Courier
	registry *prop.Registry
	logger   zerolog.Logger
	gatherer prometheus.Gatherer

	closeOnce sync.Once
	leaked    []prop.SubID
}

type options struct {
	logger     *zerolog.Logger
	registerer prometheus.Registerer
	courier    []courier.Option
}

// Option configures a Session.
type Option func(*options)

// WithLogger sets the logger. The session adds its id and name as fields.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithRegisterer registers courier metrics with reg instead of a private
// registry. Only used when metrics are enabled.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDispatch delivers records on a UI thread: every wake schedules a
// drain through dispatch.
func WithDispatch(dispatch func(callback func())) Option {
	return func(o *options) { o.courier = append(o.courier, courier.WithDispatch(dispatch)) }
}

// WithNotify sets the courier wake primitive.
func WithNotify(fn func()) Option {
	return func(o *options) { o.courier = append(o.courier, courier.WithNotify(fn)) }
}

// New opens a session on e.
func New(e prop.Engine, cfg Config, opts ...Option) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		id:     uuid.New(),
		cfg:    cfg,
		engine: e,
	}
	base := log.Logger
	if o.logger != nil {
		base = *o.logger
	}
	s.logger = base.Level(cfg.Level()).With().
		Str("session", s.id.String()).
		Str("name", cfg.Name).
		Logger()

	copts := append([]courier.Option{
		courier.WithPoller(e),
		courier.WithDrainBudget(cfg.DrainBudget),
	}, o.courier...)
	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			own := prometheus.NewRegistry()
			reg, s.gatherer = own, own
		} else if g, ok := reg.(prometheus.Gatherer); ok {
			s.gatherer = g
		}
		m, err := courier.NewMetrics(cfg.Metrics.Namespace, reg)
		if err != nil {
			return nil, err
		}
		copts = append(copts, courier.WithMetrics(m))
	}
	s.courier = courier.New(copts...)

	var ropts []prop.RegistryOption
	if cfg.StrictConsistency {
		ropts = append(ropts, prop.WithStrictConsistency())
	}
	s.registry = prop.NewRegistry(e, s.courier, ropts...)
	s.courier.SetRouter(s.registry)

	s.logger.Debug().
		Bool("strict", cfg.StrictConsistency).
		Dur("drain_budget", cfg.DrainBudget).
		Bool("metrics", cfg.Metrics.Enabled).
		Msg("session opened")
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// Config returns the resolved configuration.
func (s *Session) Config() Config { return s.cfg }

// Engine returns the engine the session subscribes on.
func (s *Session) Engine() prop.Engine { return s.engine }

// Courier returns the session's courier.
func (s *Session) Courier() *courier.Courier { return s.courier }

// Registry returns the session's registry.
func (s *Session) Registry() *prop.Registry { return s.registry }

// Logger returns the session logger.
func (s *Session) Logger() *zerolog.Logger { return &s.logger }

// Gatherer returns the metrics gatherer, or nil when metrics are disabled or
// were registered with a Registerer that cannot gather.
func (s *Session) Gatherer() prometheus.Gatherer { return s.gatherer }

// SubscribeValue subscribes fn to path below scope.
func (s *Session) SubscribeValue(scope *prop.Handle, path string, fn func(prop.Value)) *prop.ValueSubscription {
	return prop.SubscribeValue(s.registry, scope, path, fn)
}

// SubscribeNodes subscribes to the children of path below scope.
func SubscribeNodes[T any](s *Session, scope *prop.Handle, path string, factory prop.NodeFactory[T], obs prop.NodeObserver[T]) *prop.NodeSubscription[T] {
	return prop.SubscribeNodes(s.registry, scope, path, factory, obs)
}

// Drain delivers pending records on the calling goroutine, honouring the
// configured drain budget.
func (s *Session) Drain(ctx context.Context) int {
	return s.courier.Drain(ctx)
}

// Run drains on every wake until ctx is done. Only valid when neither
// WithDispatch nor WithNotify was given.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.courier.WakeC():
			s.Drain(ctx)
		}
	}
}

// Close unsubscribes everything still registered and shuts the courier.
// It returns the subscriptions that were never stopped; later calls return
// the same ids.
func (s *Session) Close() []prop.SubID {
	s.closeOnce.Do(func() {
		s.leaked = s.registry.Close()
		s.courier.Close()
		ev := s.logger.Info()
		if len(s.leaked) > 0 {
			ev = s.logger.Warn()
		}
		ev.Int("leaked", len(s.leaked)).Msg("session closed")
	})
	return s.leaked
}
