// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to path atomically.
//
// The data goes to a temporary file in the target directory, is fsynced, and
// is then renamed over path. Readers see either the old file or the complete
// new one, never a partial write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	_, err := AtomicCopy(path, bytes.NewReader(data), perm)
	return err
}

// AtomicCopy streams r into path with the same guarantees as AtomicWriteFile.
// It returns the number of bytes written. Parent directories are created
// with 0700 permissions.
func AtomicCopy(path string, r io.Reader, perm os.FileMode) (int64, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("failed to get absolute path: %w", err)
	}

	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	// Same directory as the target so the rename stays on one filesystem.
	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("failed to write data: %w", err)
	}

	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync data to disk: %w", err)
	}

	// Windows refuses to rename an open file.
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, perm); err != nil {
		return n, fmt.Errorf("failed to set file permissions: %w", err)
	}

	if err := os.Rename(tempPath, absPath); err != nil {
		return n, fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return n, nil
}
