package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-drift/propbridge/cmd/propctl/internal/script"
	"github.com/go-drift/propbridge/pkg/memengine"
)

func init() {
	RegisterCommand(newReplayCommand)
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay SCRIPT",
		Short: "Replay a scripted sequence of engine mutations",
		Long: `Replay a yaml script against an in-memory engine.

Every delivery is printed as it reaches a subscription callback. After the
last step the courier is drained and each node mirror is printed and
compared with the engine's child order; a mismatch fails the command.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := script.Load(args[0])
			if err != nil {
				return err
			}
			mem, s, err := openSession(nil, []memengine.Option{memengine.WithExpedite(sc.Expedite...)})
			if err != nil {
				return err
			}

			runner := script.NewRunner(mem, s, cmd.OutOrStdout())
			res, err := runner.Run(cmd.Context(), sc)
			runner.Stop()
			if leaked := s.Close(); len(leaked) > 0 {
				log.Warn().Int("leaked", len(leaked)).Msg("subscriptions left open")
			}
			if err != nil {
				return err
			}
			log.Debug().
				Int("steps", len(sc.Steps)).
				Int("delivered", res.Delivered).
				Msg("replay finished")
			return nil
		},
	}
}
