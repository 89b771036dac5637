// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OniSong/Error.EXE/internal/config"
	"github.com/OniSong/Error.EXE/internal/logging"
	"github.com/OniSong/Error.EXE/internal/offline"
)

// Version information, overridden from main at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// app carries state shared by every command of one invocation.
type app struct {
	cfgPath string
	verbose bool
	offline bool

	cfg       *config.Config
	logCloser io.Closer
}

// Execute runs the command tree against os.Args and returns the exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}

// NewRootCommand builds the errorexe command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "errorexe",
		Short: "Error.EXE - a companion that always answers",
		Long: `Error.EXE routes every message through a fixed cascade:
  remote model (online, with an API key)
  local model (a stored GGUF file served by Ollama)
  scripted persona (always available)

Ask once:           errorexe ask "hello?"
Interactive chat:   errorexe chat
HTTP API:           errorexe serve
Stored resources:   errorexe store status`,
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgPath, "config", "", "config file path (default ~/.errorexe/config.toml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&a.offline, "offline", false, "force offline mode (no remote tier)")

	root.AddCommand(
		a.askCmd(),
		a.chatCmd(),
		a.serveCmd(),
		a.storeCmd(),
		a.probeCmd(),
		versionCmd(),
	)
	return root
}

// setup loads config and installs logging before any command runs.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	var (
		cfg *config.Config
		err error
	)
	if a.cfgPath != "" {
		cfg, err = config.LoadFromPath(a.cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	if a.offline {
		cfg.Probe.ForceOffline = true
	}
	if a.verbose {
		cfg.Log.Level = "debug"
	}

	closer, err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty || isTerminal(os.Stderr),
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	a.logCloser = closer

	offline.SetOfflineMode(cfg.Probe.ForceOffline)
	config.SetGlobal(cfg)
	a.cfg = cfg

	log.Debug().
		Str("command", cmd.Name()).
		Str("data_dir", cfg.Store.DataDir).
		Bool("offline", cfg.Probe.ForceOffline).
		Msg("configuration loaded")
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.logCloser != nil {
		return a.logCloser.Close()
	}
	return nil
}

// configPath returns the file the current config was loaded from.
func (a *app) configPath() (string, error) {
	if a.cfgPath != "" {
		return a.cfgPath, nil
	}
	return config.Path()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "errorexe %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
			return err
		},
	}
}
