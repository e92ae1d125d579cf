package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-drift/propbridge/pkg/mainloop"
	"github.com/go-drift/propbridge/pkg/memengine"
	"github.com/go-drift/propbridge/pkg/prop"
	"github.com/go-drift/propbridge/pkg/session"
)

const stressPath = "stress.items"

func init() {
	RegisterCommand(newStressCommand)
}

func newStressCommand() *cobra.Command {
	var (
		producers int
		ops       int
		seed      uint64
		consumer  string
	)
	c := &cobra.Command{
		Use:   "stress",
		Short: "Mutate a collection from concurrent producers",
		Long: `Run concurrent producers against one collection while a consumer
drains the courier, then check the node mirror against the engine.

Each producer adds, deletes and moves its own children and bumps its own
counter. The consumer is either the session's own wake loop ("run") or a
main loop that every drain is dispatched to ("loop"). Courier metrics are
printed at the end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if producers < 1 || ops < 1 {
				return fmt.Errorf("--producers and --ops must be positive")
			}
			var (
				loop  *mainloop.Loop
				sopts []session.Option
			)
			switch consumer {
			case "run":
			case "loop":
				loop = mainloop.New()
				sopts = append(sopts, session.WithDispatch(loop.Dispatch))
			default:
				return fmt.Errorf("unknown consumer %q", consumer)
			}
			mem, s, err := openSession(func(cfg *session.Config) { cfg.Metrics.Enabled = true }, nil, sopts...)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := runStress(cmd.Context(), mem, s, loop, producers, ops, seed)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "producers=%d ops=%d children=%d delivered=%d elapsed=%s\n",
				producers, ops, res.children, res.delivered, res.elapsed.Round(time.Microsecond))
			return printMetrics(out, s)
		},
	}
	c.Flags().IntVar(&producers, "producers", 4, "number of producer goroutines")
	c.Flags().IntVar(&ops, "ops", 1000, "mutations per producer")
	c.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	c.Flags().StringVar(&consumer, "consumer", "run", "consumer goroutine: run or loop")
	return c
}

type stressResult struct {
	children  int
	delivered int
	elapsed   time.Duration
}

var errStressMismatch = errors.New("stress: mirror does not match engine")

// runStress drives the producers and checks the result. With a nil loop the
// session's Run is the consumer; otherwise s must dispatch to loop.
func runStress(ctx context.Context, mem *memengine.Engine, s *session.Session, loop *mainloop.Loop, producers, ops int, seed uint64) (stressResult, error) {
	var res stressResult
	counters := make([]*prop.ValueSubscription, producers)
	for p := range producers {
		counters[p] = s.SubscribeValue(nil, counterPath(p), func(prop.Value) { res.delivered++ })
	}
	list := session.SubscribeNodes(s, nil, stressPath, func(h *prop.Handle) prop.ID { return h.ID() }, prop.NodeObserver[prop.ID]{
		OnAdd:    func(added []*prop.Node[prop.ID], _ *prop.Node[prop.ID]) { res.delivered += len(added) },
		OnDelete: func(removed []*prop.Node[prop.ID]) { res.delivered += len(removed) },
		OnMove:   func(*prop.Node[prop.ID], *prop.Node[prop.ID]) { res.delivered++ },
	})
	defer func() {
		for _, c := range counters {
			c.Stop()
		}
		list.Stop()
	}()

	runCtx, stop := context.WithCancel(ctx)
	consumer := make(chan error, 1)
	go func() {
		if loop != nil {
			consumer <- loop.Run(runCtx)
			return
		}
		consumer <- s.Run(runCtx)
	}()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for p := range producers {
		g.Go(func() error {
			return produce(gctx, mem, p, ops, rand.New(rand.NewPCG(seed, uint64(p))))
		})
	}
	err := g.Wait()
	stop()
	<-consumer
	if err != nil {
		return res, err
	}
	if loop != nil {
		for loop.Step() > 0 {
		}
	}
	for s.Drain(context.WithoutCancel(ctx)) > 0 {
	}
	res.elapsed = time.Since(start)

	got, want := list.IDs(), mem.Children(stressPath)
	res.children = len(got)
	if !slices.Equal(got, want) || list.Desynced() {
		return res, fmt.Errorf("%w: mirror has %d children, engine %d", errStressMismatch, len(got), len(want))
	}
	log.Debug().Int("children", len(got)).Msg("mirror matches engine")
	return res, nil
}

// produce applies ops random mutations, touching only children this producer
// added so that every mutation is valid regardless of the others.
func produce(ctx context.Context, mem *memengine.Engine, p, ops int, rng *rand.Rand) error {
	var own []prop.ID
	for n := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		switch r := rng.Float64(); {
		case len(own) == 0 || r < 0.45:
			var ids []prop.ID
			if ids, err = mem.Add(stressPath, prop.End, 1); err == nil {
				own = append(own, ids...)
			}
		case r < 0.65:
			i := rng.IntN(len(own))
			if err = mem.Delete(stressPath, own[i]); err == nil {
				own = slices.Delete(own, i, i+1)
			}
		case r < 0.85:
			before := prop.End
			if j := rng.IntN(len(own) + 1); j < len(own) {
				before = own[j]
			}
			err = mem.Move(stressPath, own[rng.IntN(len(own))], before)
		default:
			err = mem.Set(counterPath(p), prop.IntValue(int64(n)))
		}
		if err != nil {
			return fmt.Errorf("producer %d: %w", p, err)
		}
	}
	return nil
}

func counterPath(p int) string {
	return fmt.Sprintf("stress.counters.p%d", p)
}

func printMetrics(w io.Writer, s *session.Session) error {
	g := s.Gatherer()
	if g == nil {
		return nil
	}
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			name := f.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				fmt.Fprintf(w, "%-60s %g\n", name, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Fprintf(w, "%-60s %g\n", name, m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				fmt.Fprintf(w, "%-60s count=%d sum=%gs\n", name, h.GetSampleCount(), h.GetSampleSum())
			}
		}
	}
	return nil
}
