// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry persists the user's routing resources: the remote API
// key, the on-device model file, and the avatar file.
//
// Preferences live in a SQLite database (<data_dir>/registry.db, pure Go
// driver). Imported files are copied into <data_dir>/files/ under fixed
// names and replaced atomically.
//
// # Key Types
//
//   - Registry: The store; satisfies router.CredentialStore
//   - FileKind: Which imported file (avatar or model)
//   - Status: Display snapshot of what is configured
//
// # Usage
//
//	reg, err := registry.Open(cfg.Store.DataDir)
//	if err != nil {
//		return err
//	}
//	defer reg.Close()
//
//	if _, err := reg.ImportFile(ctx, registry.KindModel, "/tmp/llama.gguf"); err != nil {
//		return err
//	}
package registry
