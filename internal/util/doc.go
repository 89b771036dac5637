// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by errorexe packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe truncation with ellipsis
//   - TruncateWidth: terminal column aware truncation
//
// File Operations:
//   - AtomicWriteFile: crash-safe write of an in-memory buffer
//   - AtomicCopy: crash-safe streaming copy from an io.Reader
//
// # Usage
//
//	preview := util.TruncateRunes(query, 30)
//
//	// Replace a stored model file without ever exposing a partial copy
//	n, err := util.AtomicCopy(dst, src, 0600)
package util
