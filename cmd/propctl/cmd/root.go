// Package cmd implements the propctl commands.
//
// Each command registers itself from an init function; Execute builds the
// root command and runs it.
package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-drift/propbridge/pkg/bridge"
	"github.com/go-drift/propbridge/pkg/errors"
	"github.com/go-drift/propbridge/pkg/memengine"
	"github.com/go-drift/propbridge/pkg/prop"
	"github.com/go-drift/propbridge/pkg/session"
)

// Version information set at build time.
var (
	Version   = "0.1.0-dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	verbose    bool
	native     bool
)

// Commands registered with the CLI.
var commands []func() *cobra.Command

// RegisterCommand adds a command constructor to the CLI.
func RegisterCommand(newCmd func() *cobra.Command) {
	commands = append(commands, newCmd)
}

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "propctl",
		Short: "propctl - drive property subscriptions against an in-memory engine",
		Long: `propctl exercises the property subscription core: it replays scripted
engine mutations, stresses the courier with concurrent producers, and
checks every node mirror against the engine's own child order.

Use "propctl <command> --help" for more information about a command.`,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			errors.SetHandler(&errors.LogHandler{Verbose: verbose})
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "propbridge.yaml", "session config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging with stack traces")
	root.PersistentFlags().BoolVar(&native, "native", false, "route records through the native bridge codec")

	for _, newCmd := range commands {
		root.AddCommand(newCmd())
	}
	return root
}

// openSession loads the config and opens a session on a fresh in-memory
// engine. With --native the engine sits behind a loopback bridge, so every
// record is encoded and decoded with the configured codec on its way.
func openSession(override func(*session.Config), memOpts []memengine.Option, opts ...session.Option) (*memengine.Engine, *session.Session, error) {
	cfg, err := session.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if override != nil {
		override(&cfg)
	}

	mem := memengine.New(memOpts...)
	var engine prop.Engine = mem
	if native {
		codec, err := cfg.BridgeCodec()
		if err != nil {
			return nil, nil, err
		}
		_, engine = bridge.NewLoopback(mem, codec)
		log.Debug().Str("codec", codec.Name()).Msg("using loopback bridge")
	}

	s, err := session.New(engine, cfg, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session: %w", err)
	}
	return mem, s, nil
}
