// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/OniSong/Error.EXE/internal/cloud"
	"github.com/OniSong/Error.EXE/internal/config"
	"github.com/OniSong/Error.EXE/internal/offline"
	"github.com/OniSong/Error.EXE/internal/ollama"
	"github.com/OniSong/Error.EXE/internal/registry"
	"github.com/OniSong/Error.EXE/internal/router"
	"github.com/OniSong/Error.EXE/internal/telemetry"
)

// runtime is the wired routing stack for one command.
type runtime struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router
	recorder *telemetry.Recorder
	metrics  *prometheus.Registry
}

// newRuntime opens the registry and assembles the router from cfg.
func newRuntime(cfg *config.Config) (*runtime, error) {
	reg, err := registry.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := telemetry.NewRecorder(metrics)
	if err != nil {
		reg.Close()
		return nil, err
	}

	probe := offline.NewProber(
		offline.WithTargets(cfg.Probe.Targets...),
		offline.WithTimeout(cfg.Probe.Timeout.Std()),
	)

	r := router.New(probe, reg, remoteBackend(cfg), localBackend(cfg, reg),
		router.WithWorkers(cfg.Router.Workers),
		router.WithRemoteTimeout(cfg.Router.RemoteTimeout.Std()),
		router.WithLocalTimeout(cfg.Router.LocalTimeout.Std()),
		router.WithRepeatThreshold(cfg.Router.RepeatThreshold),
		router.WithObserver(rec),
	)

	return &runtime{
		cfg:      cfg,
		registry: reg,
		router:   r,
		recorder: rec,
		metrics:  metrics,
	}, nil
}

// Close stops routing and releases the registry.
func (rt *runtime) Close() {
	rt.router.Close()
	if err := rt.registry.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close registry")
	}
}

func remoteBackend(cfg *config.Config) router.RemoteBackend {
	switch cfg.Remote.Provider {
	case config.ProviderEcho:
		return cloud.EchoBackend{}
	default:
		opts := []cloud.Option{
			cloud.WithBaseURL(cfg.Remote.BaseURL),
			cloud.WithModel(cfg.Remote.Model),
			cloud.WithMaxRetries(cfg.Remote.MaxRetries),
		}
		if cfg.Remote.RequestsPerMinute > 0 {
			opts = append(opts, cloud.WithRequestsPerMinute(cfg.Remote.RequestsPerMinute))
		}
		return cloud.NewClient(opts...)
	}
}

func localBackend(cfg *config.Config, names ollama.ModelNamer) router.LocalBackend {
	switch cfg.Local.Provider {
	case config.ProviderEcho:
		return ollama.EchoBackend{}
	default:
		client := ollama.NewClientWithConfig(&ollama.ClientConfig{
			BaseURL: cfg.Local.OllamaURL,
			Timeout: cfg.Router.LocalTimeout.Std(),
		})
		return ollama.NewBackend(client, cfg.Local.Model, ollama.WithModelNamer(names))
	}
}

// describeProviders is shown by status output.
func describeProviders(cfg *config.Config) string {
	return fmt.Sprintf("remote=%s local=%s", cfg.Remote.Provider, cfg.Local.Provider)
}
