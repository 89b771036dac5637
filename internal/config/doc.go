// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for errorexe.
//
// Configuration is TOML, read from ~/.errorexe/config.toml unless a path is
// given. Values are resolved in order: built-in defaults, the file,
// ERROREXE_* environment variables, then defaults for anything still empty.
//
// # Key Types
//
//   - Config: Root configuration with one struct per TOML section
//   - Duration: time.Duration written as "30s"
//   - ValidateErrors: Every validation problem found, not just the first
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//		return err
//	}
//
//	go config.Watch(ctx, path, func(next *config.Config) {
//		router.SetRepeatThreshold(next.Router.RepeatThreshold)
//	})
package config
