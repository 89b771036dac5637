// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/OniSong/Error.EXE/internal/logging"
	"github.com/OniSong/Error.EXE/internal/util"
)

// Environment variables that override file values.
const (
	EnvLogLevel        = "ERROREXE_LOG_LEVEL"
	EnvOffline         = "ERROREXE_OFFLINE"
	EnvOllamaURL       = "ERROREXE_OLLAMA_URL"
	EnvRemoteProvider  = "ERROREXE_REMOTE_PROVIDER"
	EnvLocalProvider   = "ERROREXE_LOCAL_PROVIDER"
	EnvDataDir         = "ERROREXE_DATA_DIR"
	EnvServerAddr      = "ERROREXE_SERVER_ADDR"
	EnvServerToken     = "ERROREXE_SERVER_TOKEN"
	EnvRepeatThreshold = "ERROREXE_REPEAT_THRESHOLD"
)

// Provider names.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderEcho       = "echo"
)

// =============================================================================
// DURATION
// =============================================================================

// Duration is a time.Duration written as a Go duration string ("30s") in
// TOML and JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete application configuration.
type Config struct {
	Router RouterConfig `toml:"router" json:"router"`
	Probe  ProbeConfig  `toml:"probe" json:"probe"`
	Remote RemoteConfig `toml:"remote" json:"remote"`
	Local  LocalConfig  `toml:"local" json:"local"`
	Store  StoreConfig  `toml:"store" json:"store"`
	Log    LogConfig    `toml:"log" json:"log"`
	Server ServerConfig `toml:"server" json:"server"`
	Worker WorkerConfig `toml:"worker" json:"worker"`
}

// RouterConfig controls the routing cascade.
type RouterConfig struct {
	// Workers bounds how many routes execute at once.
	Workers int `toml:"workers" json:"workers"`

	// RemoteTimeout and LocalTimeout bound a single backend attempt.
	RemoteTimeout Duration `toml:"remote_timeout" json:"remote_timeout"`
	LocalTimeout  Duration `toml:"local_timeout" json:"local_timeout"`

	// RepeatThreshold switches the fallback to frustration lines once a
	// query has been routed this many times. Zero disables it.
	RepeatThreshold int `toml:"repeat_threshold" json:"repeat_threshold"`
}

// ProbeConfig controls the network availability probe.
type ProbeConfig struct {
	Targets      []string `toml:"targets" json:"targets"`
	Timeout      Duration `toml:"timeout" json:"timeout"`
	ForceOffline bool     `toml:"force_offline" json:"force_offline"`
}

// RemoteConfig selects and tunes the remote backend.
type RemoteConfig struct {
	Provider          string `toml:"provider" json:"provider"`
	BaseURL           string `toml:"base_url" json:"base_url"`
	Model             string `toml:"model" json:"model"`
	MaxRetries        int    `toml:"max_retries" json:"max_retries"`
	RequestsPerMinute int    `toml:"requests_per_minute" json:"requests_per_minute"`
}

// LocalConfig selects and tunes the local backend.
type LocalConfig struct {
	Provider  string `toml:"provider" json:"provider"`
	OllamaURL string `toml:"ollama_url" json:"ollama_url"`
	// Model overrides the name derived from the stored GGUF file.
	Model string `toml:"model" json:"model"`
}

// StoreConfig locates the registry.
type StoreConfig struct {
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `toml:"level" json:"level"`
	Pretty bool   `toml:"pretty" json:"pretty"`
	File   string `toml:"file" json:"file"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string  `toml:"addr" json:"addr"`
	BearerToken       string  `toml:"bearer_token" json:"bearer_token"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
}

// WorkerConfig configures the proactive background job.
type WorkerConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled"`
	Schedule   string `toml:"schedule" json:"schedule"`
	MaxRetries int    `toml:"max_retries" json:"max_retries"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Workers:       8,
			RemoteTimeout: Duration(30 * time.Second),
			LocalTimeout:  Duration(60 * time.Second),
		},
		Probe: ProbeConfig{
			Targets: []string{"1.1.1.1:53", "8.8.8.8:53"},
			Timeout: Duration(2 * time.Second),
		},
		Remote: RemoteConfig{
			Provider:          ProviderOpenRouter,
			BaseURL:           "https://openrouter.ai/api/v1",
			Model:             "openrouter/auto",
			MaxRetries:        3,
			RequestsPerMinute: 30,
		},
		Local: LocalConfig{
			Provider:  ProviderOllama,
			OllamaURL: "http://127.0.0.1:11434",
		},
		Log: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr:              "127.0.0.1:8787",
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Worker: WorkerConfig{
			Enabled:    true,
			Schedule:   "@every 5m",
			MaxRetries: 3,
		},
	}
}

// =============================================================================
// PATH HELPERS
// =============================================================================

// Dir returns the application directory (~/.errorexe).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".errorexe"), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// =============================================================================
// LOAD / SAVE
// =============================================================================

// Load reads the default config file if it exists, then applies environment
// overrides, defaults, and validation.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		return finish(Default())
	}
	return LoadFromPath(path)
}

// LoadFromPath reads the config file at path. Unlike Load, a missing file is
// an error.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warn().Str("key", key.String()).Str("path", path).Msg("unknown config key ignored")
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as TOML to path with owner-only permissions.
func Save(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# Error.EXE configuration file\n")
	buf.WriteString("# Generated by errorexe - edit with care\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies ERROREXE_* environment variables. Malformed
// values are logged and ignored.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvOffline); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Probe.ForceOffline = b
		} else {
			log.Warn().Str("env", EnvOffline).Str("value", v).Msg("ignoring malformed boolean")
		}
	}
	if v := os.Getenv(EnvOllamaURL); v != "" {
		c.Local.OllamaURL = v
	}
	if v := os.Getenv(EnvRemoteProvider); v != "" {
		c.Remote.Provider = v
	}
	if v := os.Getenv(EnvLocalProvider); v != "" {
		c.Local.Provider = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv(EnvServerAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvServerToken); v != "" {
		c.Server.BearerToken = v
	}
	if v := os.Getenv(EnvRepeatThreshold); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Router.RepeatThreshold = n
		} else {
			log.Warn().Str("env", EnvRepeatThreshold).Str("value", v).Msg("ignoring malformed integer")
		}
	}
}

// =============================================================================
// DEFAULTS
// =============================================================================

// SetDefaults fills zero values that have no sensible zero meaning.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Router.Workers == 0 {
		c.Router.Workers = d.Router.Workers
	}
	if len(c.Probe.Targets) == 0 {
		c.Probe.Targets = d.Probe.Targets
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = d.Probe.Timeout
	}

	c.Remote.Provider = strings.ToLower(strings.TrimSpace(c.Remote.Provider))
	if c.Remote.Provider == "" {
		c.Remote.Provider = d.Remote.Provider
	}
	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = d.Remote.BaseURL
	}
	if c.Remote.Model == "" {
		c.Remote.Model = d.Remote.Model
	}

	c.Local.Provider = strings.ToLower(strings.TrimSpace(c.Local.Provider))
	if c.Local.Provider == "" {
		c.Local.Provider = d.Local.Provider
	}
	if c.Local.OllamaURL == "" {
		c.Local.OllamaURL = d.Local.OllamaURL
	}

	if c.Store.DataDir == "" {
		if dir, err := Dir(); err == nil {
			c.Store.DataDir = dir
		}
	}
	c.Store.DataDir = expandHome(c.Store.DataDir)
	c.Log.File = expandHome(c.Log.File)

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Worker.Schedule == "" {
		c.Worker.Schedule = d.Worker.Schedule
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field and returns all problems as ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Router
	if c.Router.Workers < 1 || c.Router.Workers > 256 {
		add("router.workers", "must be between 1 and 256, got %d", c.Router.Workers)
	}
	if c.Router.RemoteTimeout < 0 {
		add("router.remote_timeout", "must not be negative")
	}
	if c.Router.LocalTimeout < 0 {
		add("router.local_timeout", "must not be negative")
	}
	if c.Router.RepeatThreshold < 0 {
		add("router.repeat_threshold", "must not be negative")
	}

	// Probe
	for _, target := range c.Probe.Targets {
		if _, _, err := net.SplitHostPort(target); err != nil {
			add("probe.targets", "%q is not host:port", target)
		}
	}
	if c.Probe.Timeout <= 0 {
		add("probe.timeout", "must be positive")
	}

	// Remote
	switch c.Remote.Provider {
	case ProviderOpenRouter, ProviderEcho:
	default:
		add("remote.provider", "must be %q or %q, got %q", ProviderOpenRouter, ProviderEcho, c.Remote.Provider)
	}
	if !isHTTPURL(c.Remote.BaseURL) {
		add("remote.base_url", "must be an http or https URL")
	}
	if c.Remote.MaxRetries < 0 || c.Remote.MaxRetries > 10 {
		add("remote.max_retries", "must be between 0 and 10, got %d", c.Remote.MaxRetries)
	}
	if c.Remote.RequestsPerMinute < 0 {
		add("remote.requests_per_minute", "must not be negative")
	}

	// Local
	switch c.Local.Provider {
	case ProviderOllama, ProviderEcho:
	default:
		add("local.provider", "must be %q or %q, got %q", ProviderOllama, ProviderEcho, c.Local.Provider)
	}
	if !isHTTPURL(c.Local.OllamaURL) {
		add("local.ollama_url", "must be an http or https URL")
	}

	// Store
	if strings.TrimSpace(c.Store.DataDir) == "" {
		add("store.data_dir", "must not be empty")
	}

	// Log
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}

	// Server
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "%q is not host:port", c.Server.Addr)
	}
	if c.Server.RequestsPerSecond < 0 {
		add("server.requests_per_second", "must not be negative")
	}
	if c.Server.RequestsPerSecond > 0 && c.Server.Burst < 1 {
		add("server.burst", "must be at least 1 when rate limiting is enabled")
	}

	// Worker
	if _, err := cron.ParseStandard(c.Worker.Schedule); err != nil {
		add("worker.schedule", "invalid schedule %q: %v", c.Worker.Schedule, err)
	}
	if c.Worker.MaxRetries < 0 {
		add("worker.max_retries", "must not be negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// =============================================================================
// COPY / DISPLAY
// =============================================================================

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Probe.Targets != nil {
		clone.Probe.Targets = append([]string(nil), c.Probe.Targets...)
	}
	return &clone
}

// String renders the config as JSON with secrets redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Server.BearerToken != "" {
		safe.Server.BearerToken = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration, loading it on first access.
// A load failure falls back to defaults.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("config load failed, using defaults")
			cfg = Default()
			cfg.SetDefaults()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal replaces the global configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state between tests.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
