// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/OniSong/Error.EXE/internal/util"
)

// Preference keys.
const (
	KeyAvatarPath = "vrm_path"
	KeyModelPath  = "gguf_path"
	KeyModelName  = "gguf_name"
	KeyAPIKey     = "api_key"
)

const (
	dbFileName = "registry.db"
	filesDir   = "files"
)

var (
	// ErrNotFound is returned by Pref when a key has no value.
	ErrNotFound = errors.New("preference not found")

	// ErrEmptyAPIKey rejects blank credentials.
	ErrEmptyAPIKey = errors.New("api key must not be empty")

	// ErrUnknownKind is returned for a FileKind outside the known set.
	ErrUnknownKind = errors.New("unknown file kind")
)

// =============================================================================
// FILE KINDS
// =============================================================================

// FileKind identifies an imported file.
type FileKind int

const (
	// KindAvatar is the VRM avatar model.
	KindAvatar FileKind = iota
	// KindModel is the GGUF model used for local inference.
	KindModel
)

// String returns the kind name.
func (k FileKind) String() string {
	switch k {
	case KindAvatar:
		return "avatar"
	case KindModel:
		return "model"
	default:
		return fmt.Sprintf("FileKind(%d)", k)
	}
}

// ParseKind converts "avatar" or "model" to a FileKind.
func ParseKind(s string) (FileKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "avatar", "vrm":
		return KindAvatar, nil
	case "model", "gguf":
		return KindModel, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

func (k FileKind) fileName() string {
	if k == KindAvatar {
		return "avatar.vrm"
	}
	return "model.gguf"
}

func (k FileKind) prefKey() string {
	if k == KindAvatar {
		return KeyAvatarPath
	}
	return KeyModelPath
}

func (k FileKind) valid() bool {
	return k == KindAvatar || k == KindModel
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the preference and file store. It is safe for concurrent use.
type Registry struct {
	db  *sql.DB
	dir string

	// fileMu serialises file replacement so the stored path always names
	// the file that was written last.
	fileMu sync.Mutex
}

// Open opens (creating if needed) the registry rooted at dir.
func Open(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("registry directory must not be empty")
	}
	if err := os.MkdirAll(filepath.Join(dir, filesDir), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}

	// One connection keeps writes serialised without SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	r := &Registry{db: db, dir: dir}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate registry: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("registry opened")
	return r, nil
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`)
	return err
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Dir returns the registry root directory.
func (r *Registry) Dir() string {
	return r.dir
}

// =============================================================================
// PREFERENCES
// =============================================================================

// Pref returns the stored value for key, or ErrNotFound.
func (r *Registry) Pref(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// SetPref stores value under key, replacing any previous value.
func (r *Registry) SetPref(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// DeletePref removes key. Deleting an absent key is not an error.
func (r *Registry) DeletePref(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// lookup reads key and treats lookup errors as absence.
func (r *Registry) lookup(ctx context.Context, key string) (string, bool) {
	value, err := r.Pref(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("key", key).Msg("registry lookup failed, treating as absent")
		}
		return "", false
	}
	return value, true
}

// =============================================================================
// CREDENTIAL
// =============================================================================

// SetAPIKey stores the remote credential. Surrounding whitespace is removed.
func (r *Registry) SetAPIKey(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyAPIKey
	}
	if err := r.SetPref(ctx, KeyAPIKey, key); err != nil {
		return err
	}
	log.Info().Int("length", len(key)).Msg("api key stored")
	return nil
}

// ClearAPIKey removes the remote credential.
func (r *Registry) ClearAPIKey(ctx context.Context) error {
	if err := r.DeletePref(ctx, KeyAPIKey); err != nil {
		return err
	}
	log.Info().Msg("api key cleared")
	return nil
}

// APIKey returns the stored credential. An unset or blank key is absent.
func (r *Registry) APIKey(ctx context.Context) (string, bool) {
	key, ok := r.lookup(ctx, KeyAPIKey)
	if !ok || strings.TrimSpace(key) == "" {
		return "", false
	}
	return key, true
}

// =============================================================================
// FILES
// =============================================================================

// SaveFile replaces the stored file of the given kind with the contents of
// src and records its absolute path. It returns that path. The model name
// recorded by an earlier ImportFile is forgotten.
func (r *Registry) SaveFile(ctx context.Context, kind FileKind, src io.Reader) (string, error) {
	return r.saveFile(ctx, kind, src, "")
}

// saveFile stores src. For a model, a non-empty name is recorded as the
// model name and an empty one clears it.
func (r *Registry) saveFile(ctx context.Context, kind FileKind, src io.Reader, name string) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}

	dest, err := filepath.Abs(filepath.Join(r.dir, filesDir, kind.fileName()))
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s path: %w", kind, err)
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	n, err := util.AtomicCopy(dest, src, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", kind, err)
	}
	if err := r.SetPref(ctx, kind.prefKey(), dest); err != nil {
		return "", err
	}
	if kind == KindModel {
		if err := r.setModelName(ctx, name); err != nil {
			return "", err
		}
	}

	log.Info().Str("kind", kind.String()).Str("path", dest).Int64("bytes", n).Msg("file saved")
	return dest, nil
}

// ImportFile copies the file at srcPath into the registry. For a model, the
// source file's base name without extension is kept as the model name.
func (r *Registry) ImportFile(ctx context.Context, kind FileKind, srcPath string) (string, error) {
	info, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", srcPath, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", srcPath)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", srcPath, err)
	}
	defer f.Close()

	return r.saveFile(ctx, kind, f, baseName(srcPath))
}

func (r *Registry) setModelName(ctx context.Context, name string) error {
	if name == "" {
		return r.DeletePref(ctx, KeyModelName)
	}
	return r.SetPref(ctx, KeyModelName, name)
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// RemoveFile forgets the stored file of the given kind and deletes it.
func (r *Registry) RemoveFile(ctx context.Context, kind FileKind) error {
	if !kind.valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	path, ok := r.lookup(ctx, kind.prefKey())
	if err := r.DeletePref(ctx, kind.prefKey()); err != nil {
		return err
	}
	if kind == KindModel {
		if err := r.DeletePref(ctx, KeyModelName); err != nil {
			return err
		}
	}
	if ok {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", kind, err)
		}
	}
	return nil
}

// filePath returns the stored path for kind if the file is still on disk.
func (r *Registry) filePath(ctx context.Context, kind FileKind) (string, bool) {
	path, ok := r.lookup(ctx, kind.prefKey())
	if !ok || path == "" {
		return "", false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		log.Debug().Str("kind", kind.String()).Str("path", path).Msg("stored file missing")
		return "", false
	}
	return path, true
}

// AvatarPath returns the avatar file path if it exists.
func (r *Registry) AvatarPath(ctx context.Context) (string, bool) {
	return r.filePath(ctx, KindAvatar)
}

// LocalModelPath returns the model file path if it exists.
func (r *Registry) LocalModelPath(ctx context.Context) (string, bool) {
	return r.filePath(ctx, KindModel)
}

// LocalModelName returns the name the model was imported under, e.g.
// "llama3.2" for llama3.2.gguf. It is absent when no model file is present or
// the model was saved from a stream.
func (r *Registry) LocalModelName(ctx context.Context) (string, bool) {
	if !r.HasLocalModel(ctx) {
		return "", false
	}
	name, ok := r.lookup(ctx, KeyModelName)
	if !ok || strings.TrimSpace(name) == "" {
		return "", false
	}
	return name, true
}

// HasLocalModel reports whether a model file is stored and present.
func (r *Registry) HasLocalModel(ctx context.Context) bool {
	_, ok := r.LocalModelPath(ctx)
	return ok
}

// HasRequiredFiles reports whether the avatar, the model, and the API key are
// all present.
func (r *Registry) HasRequiredFiles(ctx context.Context) bool {
	_, avatar := r.AvatarPath(ctx)
	_, key := r.APIKey(ctx)
	return avatar && key && r.HasLocalModel(ctx)
}

// =============================================================================
// STATUS
// =============================================================================

// Status describes what the registry holds. It never contains the key.
type Status struct {
	DataDir    string `json:"data_dir"`
	AvatarPath string `json:"avatar_path,omitempty"`
	ModelPath  string `json:"model_path,omitempty"`
	ModelName  string `json:"model_name,omitempty"`
	HasAvatar  bool   `json:"has_avatar"`
	HasModel   bool   `json:"has_model"`
	HasAPIKey  bool   `json:"has_api_key"`
}

// Complete reports whether every resource is present.
func (s Status) Complete() bool {
	return s.HasAvatar && s.HasModel && s.HasAPIKey
}

// Status returns a snapshot of the registry contents.
func (r *Registry) Status(ctx context.Context) Status {
	s := Status{DataDir: r.dir}
	s.AvatarPath, s.HasAvatar = r.AvatarPath(ctx)
	s.ModelPath, s.HasModel = r.LocalModelPath(ctx)
	s.ModelName, _ = r.LocalModelName(ctx)
	_, s.HasAPIKey = r.APIKey(ctx)
	return s
}
