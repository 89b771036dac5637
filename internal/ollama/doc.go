// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the Ollama API, used as the
// on-device inference tier.
//
// # Key Types
//
//   - Client: Non-streaming Ollama client (health, models, chat)
//   - Backend: Local tier adapter that picks the model for a GGUF file
//   - ClientError: Typed error; see IsNotRunning, IsTimeout, IsModelNotFound
//
// # Usage
//
//	client := ollama.NewClientWithConfig(&ollama.ClientConfig{
//	    BaseURL: "http://127.0.0.1:11434",
//	})
//	if err := client.CheckRunning(ctx); err != nil {
//	    return err
//	}
//	backend := ollama.NewBackend(client, "", ollama.WithModelNamer(reg))
//	text, err := backend.Generate(ctx, "hello", "/data/files/model.gguf")
package ollama
