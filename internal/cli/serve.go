// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/OniSong/Error.EXE/internal/config"
	"github.com/OniSong/Error.EXE/internal/logging"
	"github.com/OniSong/Error.EXE/internal/offline"
	"github.com/OniSong/Error.EXE/internal/server"
	"github.com/OniSong/Error.EXE/internal/tasks"
	"github.com/OniSong/Error.EXE/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the proactive worker",
		Long: `Serve the routing API, run the availability heartbeat on its schedule and
reload the config file when it changes.

Endpoints: POST /v1/route, POST /v1/reset, GET /health, GET /stats, GET /metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}

			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var watchers sync.WaitGroup
			defer watchers.Wait()

			sched := tasks.NewScheduler()
			if cfg.Worker.Enabled {
				job := telemetry.HeartbeatJob(rt.router, rt.recorder, cfg.Worker.Schedule, cfg.Worker.MaxRetries)
				if err := sched.Add(job); err != nil {
					return err
				}
				sched.Start()
				sched.Trigger(job)
			}
			defer sched.Stop()
			defer cancel()

			if path, err := a.configPath(); err == nil {
				if _, statErr := os.Stat(path); statErr == nil {
					watchers.Add(1)
					go func() {
						defer watchers.Done()
						if err := config.Watch(ctx, path, func(next *config.Config) { applyReload(rt, next) }); err != nil {
							log.Warn().Err(err).Msg("config hot reload unavailable")
						}
					}()
				}
			}

			srv := server.New(server.Config{
				Addr:              cfg.Server.Addr,
				BearerToken:       cfg.Server.BearerToken,
				RequestsPerSecond: cfg.Server.RequestsPerSecond,
				Burst:             cfg.Server.Burst,
				RequestTimeout:    cfg.Router.RemoteTimeout.Std() + cfg.Router.LocalTimeout.Std(),
				Version:           Version,
			}, rt.router, rt.recorder.Stats(), rt.metrics)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return <-errCh
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// applyReload pushes the settings that can change at runtime. Listener,
// providers and worker schedule need a restart.
func applyReload(rt *runtime, next *config.Config) {
	rt.router.SetRepeatThreshold(next.Router.RepeatThreshold)
	offline.SetOfflineMode(next.Probe.ForceOffline)
	if err := logging.SetLevel(next.Log.Level); err != nil {
		log.Warn().Err(err).Msg("log level not changed")
	}
	config.SetGlobal(next)

	log.Info().
		Int("repeat_threshold", next.Router.RepeatThreshold).
		Bool("offline", next.Probe.ForceOffline).
		Str("log_level", next.Log.Level).
		Msg("runtime settings reloaded")
}
