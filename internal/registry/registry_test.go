// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// =============================================================================
// PREFERENCE TESTS
// =============================================================================

func TestOpen_EmptyDir(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestPref_RoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	_, err := reg.Pref(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, reg.SetPref(ctx, "k", "v1"))
	require.NoError(t, reg.SetPref(ctx, "k", "v2"))
	v, err := reg.Pref(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, reg.DeletePref(ctx, "k"))
	require.NoError(t, reg.DeletePref(ctx, "k"))
	_, err = reg.Pref(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	reg, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, reg.SetAPIKey(ctx, "sk-persist"))
	require.NoError(t, reg.Close())

	reg, err = Open(dir)
	require.NoError(t, err)
	defer reg.Close()

	key, ok := reg.APIKey(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sk-persist", key)
}

// =============================================================================
// CREDENTIAL TESTS
// =============================================================================

func TestAPIKey_Lifecycle(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	_, ok := reg.APIKey(ctx)
	assert.False(t, ok)

	require.NoError(t, reg.SetAPIKey(ctx, "  sk-or-123  "))
	key, ok := reg.APIKey(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sk-or-123", key)

	require.NoError(t, reg.ClearAPIKey(ctx))
	_, ok = reg.APIKey(ctx)
	assert.False(t, ok)
}

func TestSetAPIKey_RejectsBlank(t *testing.T) {
	reg := openTemp(t)
	assert.ErrorIs(t, reg.SetAPIKey(context.Background(), ""), ErrEmptyAPIKey)
	assert.ErrorIs(t, reg.SetAPIKey(context.Background(), " \t\n"), ErrEmptyAPIKey)
}

func TestAPIKey_BlankStoredValueIsAbsent(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)
	require.NoError(t, reg.SetPref(ctx, KeyAPIKey, "   "))

	_, ok := reg.APIKey(ctx)
	assert.False(t, ok)
}

// =============================================================================
// FILE TESTS
// =============================================================================

func TestSaveFile_StoresUnderFixedName(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	path, err := reg.SaveFile(ctx, KindModel, strings.NewReader("gguf-bytes"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "model.gguf", filepath.Base(path))

	got, ok := reg.LocalModelPath(ctx)
	require.True(t, ok)
	assert.Equal(t, path, got)
	assert.True(t, reg.HasLocalModel(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "gguf-bytes", string(data))
}

func TestSaveFile_ReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	first, err := reg.SaveFile(ctx, KindAvatar, strings.NewReader("v1"))
	require.NoError(t, err)
	second, err := reg.SaveFile(ctx, KindAvatar, strings.NewReader("v2"))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(filepath.Dir(second))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestSaveFile_UnknownKind(t *testing.T) {
	reg := openTemp(t)
	_, err := reg.SaveFile(context.Background(), FileKind(9), strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestImportFile(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	src := filepath.Join(t.TempDir(), "llama-3.gguf")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0600))

	path, err := reg.ImportFile(ctx, KindModel, src)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))

	_, err = reg.ImportFile(ctx, KindModel, filepath.Join(t.TempDir(), "nope.gguf"))
	assert.Error(t, err)

	_, err = reg.ImportFile(ctx, KindModel, t.TempDir())
	assert.Error(t, err)
}

func TestLocalModelName_FollowsImports(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	_, ok := reg.LocalModelName(ctx)
	assert.False(t, ok)

	src := filepath.Join(t.TempDir(), "llama3.2.gguf")
	require.NoError(t, os.WriteFile(src, []byte("weights"), 0600))
	path, err := reg.ImportFile(ctx, KindModel, src)
	require.NoError(t, err)
	assert.Equal(t, "model.gguf", filepath.Base(path))

	name, ok := reg.LocalModelName(ctx)
	require.True(t, ok)
	assert.Equal(t, "llama3.2", name)
	assert.Equal(t, "llama3.2", reg.Status(ctx).ModelName)

	// A streamed save has no source name.
	_, err = reg.SaveFile(ctx, KindModel, strings.NewReader("other"))
	require.NoError(t, err)
	_, ok = reg.LocalModelName(ctx)
	assert.False(t, ok)

	_, err = reg.ImportFile(ctx, KindModel, src)
	require.NoError(t, err)
	require.NoError(t, reg.RemoveFile(ctx, KindModel))
	_, ok = reg.LocalModelName(ctx)
	assert.False(t, ok)
	_, err = reg.Pref(ctx, KeyModelName)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalModelPath_MissingFileIsAbsent(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	path, err := reg.SaveFile(ctx, KindModel, strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, ok := reg.LocalModelPath(ctx)
	assert.False(t, ok)
	assert.False(t, reg.HasLocalModel(ctx))
}

func TestRemoveFile(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	path, err := reg.SaveFile(ctx, KindAvatar, strings.NewReader("vrm"))
	require.NoError(t, err)
	require.NoError(t, reg.RemoveFile(ctx, KindAvatar))

	_, ok := reg.AvatarPath(ctx)
	assert.False(t, ok)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, reg.RemoveFile(ctx, KindAvatar))
}

func TestSaveFile_ConcurrentWritersLeaveOneFile(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.SaveFile(ctx, KindModel, strings.NewReader(strings.Repeat("x", 1024)))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	path, ok := reg.LocalModelPath(ctx)
	require.True(t, ok)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), info.Size())
}

// =============================================================================
// STATUS TESTS
// =============================================================================

func TestHasRequiredFiles(t *testing.T) {
	ctx := context.Background()
	reg := openTemp(t)

	assert.False(t, reg.HasRequiredFiles(ctx))

	_, err := reg.SaveFile(ctx, KindAvatar, strings.NewReader("vrm"))
	require.NoError(t, err)
	_, err = reg.SaveFile(ctx, KindModel, strings.NewReader("gguf"))
	require.NoError(t, err)
	assert.False(t, reg.HasRequiredFiles(ctx), "key still missing")

	require.NoError(t, reg.SetAPIKey(ctx, "sk"))
	assert.True(t, reg.HasRequiredFiles(ctx))

	status := reg.Status(ctx)
	assert.True(t, status.Complete())
	assert.Equal(t, reg.Dir(), status.DataDir)
	assert.NotEmpty(t, status.ModelPath)
	assert.NotEmpty(t, status.AvatarPath)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("Model")
	require.NoError(t, err)
	assert.Equal(t, KindModel, k)

	k, err = ParseKind("vrm")
	require.NoError(t, err)
	assert.Equal(t, KindAvatar, k)

	_, err = ParseKind("texture")
	assert.ErrorIs(t, err, ErrUnknownKind)

	assert.Equal(t, "avatar", KindAvatar.String())
}
