// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline answers "is the network usable right now?" and guards
// backend URLs.
//
// # Key Types
//
//   - Prober: Concurrent TCP reachability check, satisfies router.NetworkProbe
//
// A process-wide offline switch (SetOfflineMode) makes every Prober report
// offline and limits ValidateURL to loopback hosts.
//
// # Usage
//
//	p := offline.NewProber(offline.WithTimeout(time.Second))
//	online, err := p.IsNetworkAvailable(ctx)
//
//	if err := offline.ValidateURL(cfg.Local.OllamaURL); err != nil {
//		return err
//	}
package offline
