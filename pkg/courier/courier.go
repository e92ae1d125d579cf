// Package courier moves change records from engine goroutines to the
// consumer goroutine.
//
// Producers append records to the mailbox and request a wake; wakes coalesce
// into a single pending flag so that any number of concurrent requests
// schedules at most one drain. The consumer runs Drain, which keeps going
// until the mailbox is observed empty, so records that arrive mid-drain are
// delivered in the same pass.
//
// How a wake reaches the consumer is pluggable. WithDispatch hands Drain to
// a UI-thread scheduler such as mainloop.Loop.Dispatch; WithNotify calls an
// arbitrary signal; with neither, wakes are delivered on WakeC and Run can
// act as the consumer loop.
package courier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-drift/propbridge/pkg/errors"
	"github.com/go-drift/propbridge/pkg/prop"
)

const tracerName = "github.com/go-drift/propbridge/pkg/courier"

// Router delivers a record to its subscription. prop.Registry implements it.
type Router interface {
	Dispatch(rec prop.Record) bool
}

// Poller flushes records buffered engine-side into the mailbox.
// prop.Engine implements it.
type Poller interface {
	Poll(mb prop.Mailbox)
}

// Courier is a mailbox with a coalesced wake signal.
type Courier struct {
	mu       sync.Mutex
	expedite []prop.Record
	normal   []prop.Record

	pending  atomic.Bool
	draining atomic.Bool
	closed   atomic.Bool

	notify  func()
	wakeC   chan struct{}
	router  atomic.Pointer[routerBox]
	poller  Poller
	metrics *Metrics
	tracer  trace.Tracer
	budget  time.Duration
}

type routerBox struct{ Router }

// Option configures a Courier.
type Option func(*Courier)

// WithNotify sets the wake primitive. fn is called once per coalesced wake,
// from whichever goroutine won the wake, and must only signal the consumer:
// running Drain inline would deliver on a producer goroutine.
func WithNotify(fn func()) Option {
	return func(c *Courier) { c.notify = fn }
}

// WithDispatch wakes by scheduling Drain through a UI-thread dispatcher with
// the signature of mainloop.Loop.Dispatch.
func WithDispatch(dispatch func(callback func())) Option {
	return func(c *Courier) {
		c.notify = func() {
			dispatch(func() { c.Drain(context.Background()) })
		}
	}
}

// WithDrainBudget bounds every Drain, including those scheduled by
// WithDispatch, to d. Zero means unbounded.
func WithDrainBudget(d time.Duration) Option {
	return func(c *Courier) { c.budget = d }
}

// WithPoller makes every drain pass poll p before reading the mailbox.
func WithPoller(p Poller) Option {
	return func(c *Courier) { c.poller = p }
}

// WithMetrics records courier activity in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Courier) { c.metrics = m }
}

// WithTracer overrides the otel tracer used for drain spans.
func WithTracer(t trace.Tracer) Option {
	return func(c *Courier) { c.tracer = t }
}

// New creates a courier.
func New(opts ...Option) *Courier {
	c := &Courier{
		wakeC:  make(chan struct{}, 1),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notify == nil {
		c.notify = func() {
			select {
			case c.wakeC <- struct{}{}:
			default:
			}
		}
	}
	return c
}

// SetRouter attaches the router drains deliver to.
func (c *Courier) SetRouter(r Router) {
	c.router.Store(&routerBox{r})
}

// Enqueue appends rec without waking the consumer. Records posted after
// Close are dropped.
//
// The mailbox is FIFO per lane, not overall: expedite records overtake
// normal ones queued before them. An engine must expedite all or none of a
// subscription's records to keep that subscription in order.
func (c *Courier) Enqueue(rec prop.Record) {
	if c.closed.Load() {
		c.metrics.dropped("closed")
		return
	}
	c.mu.Lock()
	if rec.Expedite {
		c.expedite = append(c.expedite, rec)
	} else {
		c.normal = append(c.normal, rec)
	}
	depth := len(c.expedite) + len(c.normal)
	c.mu.Unlock()
	c.metrics.posted(rec.Expedite, depth)
}

// Post appends rec and wakes the consumer.
func (c *Courier) Post(rec prop.Record) {
	c.Enqueue(rec)
	c.Wake()
}

// Wake requests a drain. Only the caller that flips the pending flag signals;
// everyone else coalesces into the drain already scheduled.
func (c *Courier) Wake() {
	if c.closed.Load() {
		return
	}
	if !c.pending.CompareAndSwap(false, true) {
		c.metrics.wake(true)
		return
	}
	c.metrics.wake(false)
	c.notify()
}

// WakeC returns the channel wakes are delivered on when no notify function
// was configured.
func (c *Courier) WakeC() <-chan struct{} {
	return c.wakeC
}

// Pending reports whether records are waiting in the mailbox.
func (c *Courier) Pending() bool {
	return c.Len() > 0
}

// Len returns the number of queued records.
func (c *Courier) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.expedite) + len(c.normal)
}

// Drain delivers queued records on the calling goroutine until the mailbox
// is empty and returns how many it processed, delivered or dropped.
// A Drain called while another is running returns 0 immediately. With
// WithDrainBudget it stops like DrainFor once the budget is spent.
func (c *Courier) Drain(ctx context.Context) int {
	return c.DrainFor(ctx, c.budget)
}

// DrainFor is Drain with a time budget. Records left over when the budget
// runs out stay queued and a new wake is requested for them.
func (c *Courier) DrainFor(ctx context.Context, budget time.Duration) int {
	if budget <= 0 {
		return c.drain(ctx, 0)
	}
	return c.drain(ctx, budget)
}

func (c *Courier) drain(ctx context.Context, budget time.Duration) int {
	if !c.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer c.draining.Store(false)
	c.pending.Store(false)

	ctx, span := c.tracer.Start(ctx, "courier.drain")
	defer span.End()
	start := time.Now()

	var router Router
	if b := c.router.Load(); b != nil {
		router = b.Router
	}

	processed, delivered := 0, 0
loop:
	for ctx.Err() == nil {
		if c.poller != nil {
			c.poller.Poll(c)
		}
		batch := c.take()
		if len(batch) == 0 {
			break
		}
		for i, rec := range batch {
			if budget > 0 && processed > 0 && time.Since(start) > budget {
				c.requeue(batch[i:])
				span.SetAttributes(attribute.Bool("courier.budget_exhausted", true))
				c.Wake()
				break loop
			}
			processed++
			if router == nil {
				c.metrics.dropped("unrouted")
				continue
			}
			if result := c.deliver(router, rec); result != "" {
				c.metrics.dropped(result)
				continue
			}
			delivered++
		}
	}

	span.SetAttributes(
		attribute.Int("courier.records", processed),
		attribute.Int("courier.delivered", delivered),
	)
	c.metrics.drained(delivered, time.Since(start), c.Len())
	return processed
}

// deliver routes one record and returns why it was not delivered, if it
// wasn't. A panicking callback is reported and contained so the remaining
// records still reach their subscriptions.
func (c *Courier) deliver(r Router, rec prop.Record) (dropReason string) {
	defer errors.RecoverWithCallback("courier.Drain", func(any) { dropReason = "panic" })
	if !r.Dispatch(rec) {
		return "stale"
	}
	return ""
}

// take swaps out everything queued, expedite lane first.
func (c *Courier) take() []prop.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.expedite) == 0 && len(c.normal) == 0 {
		return nil
	}
	batch := append(c.expedite, c.normal...)
	c.expedite = nil
	c.normal = nil
	return batch
}

// requeue puts unprocessed records back at the head of their lanes.
func (c *Courier) requeue(rest []prop.Record) {
	var expedite, normal []prop.Record
	for _, rec := range rest {
		if rec.Expedite {
			expedite = append(expedite, rec)
		} else {
			normal = append(normal, rec)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expedite = append(expedite, c.expedite...)
	c.normal = append(normal, c.normal...)
}

// Run makes the calling goroutine the consumer: it drains on every wake
// delivered through WakeC until ctx is done. Only valid without a notify
// function.
func (c *Courier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wakeC:
			c.Drain(ctx)
		}
	}
}

// Close stops accepting records and wakes. Queued records are discarded.
func (c *Courier) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	n := len(c.expedite) + len(c.normal)
	c.expedite = nil
	c.normal = nil
	c.mu.Unlock()
	for range n {
		c.metrics.dropped("closed")
	}
}
