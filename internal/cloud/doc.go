// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the remote tier: an OpenRouter chat completions client.
//
// # Key Types
//
//   - Client: HTTP client with retry, backoff, and request throttling
//   - ChatMessage: Chat message in OpenRouter wire format
//   - APIError: Non-success status that maps to no sentinel
//   - EchoBackend: Offline stand-in that never touches the network
//
// # Usage
//
//	client := cloud.NewClient(
//	    cloud.WithModel("haiku"),
//	    cloud.WithRequestsPerMinute(30),
//	)
//	text, err := client.Generate(ctx, "Hello", apiKey)
//
// API keys are never logged; KeyFingerprint identifies one in debug output.
package cloud
