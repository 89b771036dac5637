// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the errorexe command tree.
//
// Every command loads the config file, installs logging and applies the
// forced-offline switch before it runs. Commands that route build a
// runtime: the registry, the availability probe, the configured backends,
// telemetry and the router.
//
// # Commands
//
//   - ask: route one query (arguments or stdin)
//   - chat: interactive session with line editing and history
//   - serve: HTTP API, heartbeat worker, config hot reload
//   - store: status, set-key, clear-key, import-model, import-avatar, remove
//   - probe: print the availability snapshot
//   - version
//
// # Usage
//
//	os.Exit(cli.Execute())
package cli
