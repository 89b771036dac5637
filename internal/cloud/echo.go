// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"

	"github.com/OniSong/Error.EXE/internal/util"
)

// EchoBackend is a remote backend that answers without any network call.
// It is selected with remote.provider = "echo".
type EchoBackend struct{}

// Generate returns "Cloud response for: <first 30 runes>...".
func (EchoBackend) Generate(ctx context.Context, query, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Cloud response for: " + util.Prefix(query, 30) + "...", nil
}
