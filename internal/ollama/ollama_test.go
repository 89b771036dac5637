// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OniSong/Error.EXE/internal/registry"
)

func newTestClient(url string) *Client {
	return NewClientWithConfig(&ClientConfig{BaseURL: url, Timeout: 5 * time.Second})
}

// =============================================================================
// CONFIG TESTS
// =============================================================================

func TestNewClientWithConfig_FillsDefaults(t *testing.T) {
	c := NewClientWithConfig(&ClientConfig{BaseURL: "http://localhost:1234"})
	cfg := c.Config()
	assert.Equal(t, "http://localhost:1234", cfg.BaseURL)
	assert.Equal(t, DefaultConfig().Timeout, cfg.Timeout)
	assert.Equal(t, DefaultConfig().DefaultModel, cfg.DefaultModel)

	c = NewClientWithConfig(nil)
	assert.Equal(t, "http://127.0.0.1:11434", c.Config().BaseURL)
}

// =============================================================================
// HEALTH AND MODEL TESTS
// =============================================================================

func TestCheckRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Ollama is running"))
	}))
	defer srv.Close()

	assert.NoError(t, newTestClient(srv.URL).CheckRunning(context.Background()))
}

func TestCheckRunning_NotRunning(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestClient(url).CheckRunning(context.Background())
	require.Error(t, err)
	assert.True(t, IsNotRunning(err))
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2:latest","size":2019393189}]}`))
	}))
	defer srv.Close()

	models, err := newTestClient(srv.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3.2:latest", models[0].Name)
	assert.Equal(t, "1.9 GiB", models[0].FormatSize())
}

func TestModelExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ShowModelRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "present" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"modelfile":"FROM x"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	assert.True(t, c.ModelExists(context.Background(), "present"))
	assert.False(t, c.ModelExists(context.Background(), "absent"))
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestChat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2", req.Model)
		assert.False(t, req.Stream)
		_, _ = w.Write([]byte(`{"model":"llama3.2","message":{"role":"assistant","content":"hello"},"done":true,"eval_count":10,"eval_duration":1000000000}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Chat(context.Background(), "", []Message{NewUserMessage("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Message.Content)
	assert.InDelta(t, 10.0, resp.TokensPerSecond(), 0.001)
}

func TestChat_ModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'x' not found"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), "x", nil)
	assert.True(t, IsModelNotFound(err))
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestChat_ServerErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"out of memory"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Chat(context.Background(), "m", nil)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeInvalidResponse, clientErr.Type)
	assert.Equal(t, "out of memory", clientErr.Message)
}

func TestChat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(srv.URL).Chat(ctx, "m", nil)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestClient_RejectsBadScheme(t *testing.T) {
	err := newTestClient("file:///tmp/socket").CheckRunning(context.Background())
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrTypeConnection, clientErr.Type)
}

// =============================================================================
// BACKEND TESTS
// =============================================================================

func TestBackend_DerivesModelFromPath(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"local answer"},"done":true}`))
	}))
	defer srv.Close()

	b := NewBackend(newTestClient(srv.URL), "")
	text, err := b.Generate(context.Background(), "q", "/data/files/phi-3-mini.gguf")
	require.NoError(t, err)
	assert.Equal(t, "local answer", text)
	assert.Equal(t, "phi-3-mini", gotModel)
}

func TestBackend_ConfiguredModelWins(t *testing.T) {
	b := NewBackend(nil, " mistral ")
	assert.Equal(t, "mistral", b.ModelFor(context.Background(), "/x/model.gguf"))
}

func TestBackend_UsesImportedModelName(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	defer reg.Close()

	src := filepath.Join(t.TempDir(), "llama3.2.gguf")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0600))
	_, err = reg.ImportFile(ctx, registry.KindModel, src)
	require.NoError(t, err)

	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hi"},"done":true}`))
	}))
	defer srv.Close()

	path, ok := reg.LocalModelPath(ctx)
	require.True(t, ok)
	assert.Equal(t, "model.gguf", filepath.Base(path))

	b := NewBackend(newTestClient(srv.URL), "", WithModelNamer(reg))
	_, err = b.Generate(ctx, "q", path)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", gotModel)

	assert.Equal(t, "mistral", NewBackend(nil, "mistral", WithModelNamer(reg)).ModelFor(ctx, path))
}

func TestBackend_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"  "},"done":true}`))
	}))
	defer srv.Close()

	_, err := NewBackend(newTestClient(srv.URL), "m").Generate(context.Background(), "q", "")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestModelNameFromPath(t *testing.T) {
	assert.Equal(t, "llama3.2", ModelNameFromPath("/models/llama3.2.gguf"))
	assert.Equal(t, "model", ModelNameFromPath("model.gguf"))
	assert.Equal(t, "noext", ModelNameFromPath("/a/noext"))
	assert.Equal(t, "", ModelNameFromPath(""))
}

func TestEchoBackend(t *testing.T) {
	text, err := EchoBackend{}.Generate(context.Background(), strings.Repeat("a", 50), "")
	require.NoError(t, err)
	assert.Equal(t, "Local inference result for: "+strings.Repeat("a", 30)+"...", text)
}
