// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/OniSong/Error.EXE/internal/util"
)

// ModelNamer knows the name a model file was imported under.
type ModelNamer interface {
	LocalModelName(ctx context.Context) (string, bool)
}

// Backend adapts a Client to the local inference tier.
type Backend struct {
	client *Client
	model  string
	names  ModelNamer
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithModelNamer resolves the model name from the import record when no
// model is configured.
func WithModelNamer(n ModelNamer) BackendOption {
	return func(b *Backend) {
		b.names = n
	}
}

// NewBackend creates a Backend. An empty model means "derive the model name
// from the imported GGUF file".
func NewBackend(client *Client, model string, opts ...BackendOption) *Backend {
	if client == nil {
		client = NewClient()
	}
	b := &Backend{client: client, model: strings.TrimSpace(model)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ModelFor returns the Ollama model name used for the file at modelPath: the
// configured model, else the imported file's name, else the base name of
// modelPath.
func (b *Backend) ModelFor(ctx context.Context, modelPath string) string {
	if b.model != "" {
		return b.model
	}
	if b.names != nil {
		if name, ok := b.names.LocalModelName(ctx); ok {
			return name
		}
	}
	return ModelNameFromPath(modelPath)
}

// Generate answers query with the local model.
func (b *Backend) Generate(ctx context.Context, query, modelPath string) (string, error) {
	resp, err := b.client.Chat(ctx, b.ModelFor(ctx, modelPath), []Message{NewUserMessage(query)})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Message.Content, nil
}

// ModelNameFromPath returns the file's base name without its extension,
// e.g. "/models/llama3.2.gguf" becomes "llama3.2".
func ModelNameFromPath(path string) string {
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// EchoBackend is a local backend that answers without a model. It is
// selected with local.provider = "echo".
type EchoBackend struct{}

// Generate returns "Local inference result for: <first 30 runes>...".
func (EchoBackend) Generate(ctx context.Context, query, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Local inference result for: " + util.Prefix(query, 30) + "...", nil
}
