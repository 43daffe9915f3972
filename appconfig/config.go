package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stevecastle/grabq/platform"
)

// EnvPrefix is prepended to every environment override, e.g. GRABQ_ENGINE_PATH.
const EnvPrefix = "GRABQ"

// Config holds engine, download, scheduler, history, server and logging settings.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	History   HistoryConfig   `mapstructure:"history" yaml:"history"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// EngineConfig locates and tunes the yt-dlp executable.
type EngineConfig struct {
	Path           string        `mapstructure:"path" yaml:"path"`
	Threads        int           `mapstructure:"threads" yaml:"threads"`
	CookiesBrowser string        `mapstructure:"cookies_browser" yaml:"cookies_browser"`
	ExtraArgs      []string      `mapstructure:"extra_args" yaml:"extra_args"`
	TerminateGrace time.Duration `mapstructure:"terminate_grace" yaml:"terminate_grace"`
}

// DownloadConfig holds per-job defaults captured at submission.
type DownloadConfig struct {
	Dir            string   `mapstructure:"dir" yaml:"dir"`
	Format         string   `mapstructure:"format" yaml:"format"`
	OutputTemplate string   `mapstructure:"output_template" yaml:"output_template"`
	Subtitles      []string `mapstructure:"subtitles" yaml:"subtitles"`
	Thumbnail      bool     `mapstructure:"thumbnail" yaml:"thumbnail"`
	NoPlaylist     bool     `mapstructure:"no_playlist" yaml:"no_playlist"`
}

type SchedulerConfig struct {
	MaxConcurrency  int     `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	LogTail         int     `mapstructure:"log_tail" yaml:"log_tail"`
	DiagnosticLines int     `mapstructure:"diagnostic_lines" yaml:"diagnostic_lines"`
	ProgressRate    float64 `mapstructure:"progress_rate" yaml:"progress_rate"`
	RetainFinished  int     `mapstructure:"retain_finished" yaml:"retain_finished"`
}

type HistoryConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	JWTSecret    string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

var (
	cfgMu sync.RWMutex
	cfg   = Defaults()
)

// DefaultConfigDir returns the default config directory path.
// Uses the platform-specific data directory.
func DefaultConfigDir() string {
	return platform.GetDataDir()
}

// DefaultConfigPath returns the path Load reads when none is given.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultHistoryPath returns the history location for the given backend.
func DefaultHistoryPath(backend string) string {
	if backend == "sqlite" {
		return filepath.Join(platform.GetDataDir(), "history.db")
	}
	return filepath.Join(platform.GetDataDir(), "history.jsonl")
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Threads:        10,
			TerminateGrace: 3 * time.Second,
		},
		Download: DownloadConfig{
			Dir:            platform.GetDownloadsDir(),
			OutputTemplate: "%(title)s [%(id)s].%(ext)s",
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency:  2,
			LogTail:         200,
			DiagnosticLines: 20,
			ProgressRate:    10,
			RetainFinished:  500,
		},
		History: HistoryConfig{
			Backend: "jsonl",
			Path:    DefaultHistoryPath("jsonl"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers every default with v so env overrides and
// partial files resolve against them.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("engine.path", d.Engine.Path)
	v.SetDefault("engine.threads", d.Engine.Threads)
	v.SetDefault("engine.cookies_browser", d.Engine.CookiesBrowser)
	v.SetDefault("engine.extra_args", []string{})
	v.SetDefault("engine.terminate_grace", d.Engine.TerminateGrace)

	v.SetDefault("download.dir", d.Download.Dir)
	v.SetDefault("download.format", d.Download.Format)
	v.SetDefault("download.output_template", d.Download.OutputTemplate)
	v.SetDefault("download.subtitles", []string{})
	v.SetDefault("download.thumbnail", d.Download.Thumbnail)
	v.SetDefault("download.no_playlist", d.Download.NoPlaylist)

	v.SetDefault("scheduler.max_concurrency", d.Scheduler.MaxConcurrency)
	v.SetDefault("scheduler.log_tail", d.Scheduler.LogTail)
	v.SetDefault("scheduler.diagnostic_lines", d.Scheduler.DiagnosticLines)
	v.SetDefault("scheduler.progress_rate", d.Scheduler.ProgressRate)
	v.SetDefault("scheduler.retain_finished", d.Scheduler.RetainFinished)

	v.SetDefault("history.backend", d.History.Backend)
	v.SetDefault("history.path", "")

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.password_hash", "")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// New returns a viper instance wired with defaults and GRABQ_ env overrides.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Decode unmarshals v into a Config, fills derived values and validates it.
func Decode(v *viper.Viper) (Config, error) {
	var c Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	c.Engine.ExtraArgs = trimAll(c.Engine.ExtraArgs)
	c.Download.Subtitles = trimAll(c.Download.Subtitles)
	c.History.Backend = strings.ToLower(strings.TrimSpace(c.History.Backend))
	if c.History.Path == "" {
		c.History.Path = DefaultHistoryPath(c.History.Backend)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Engine.Threads < 1 {
		errs = append(errs, fmt.Errorf("engine.threads must be >= 1, got %d", c.Engine.Threads))
	}
	if c.Engine.TerminateGrace <= 0 {
		errs = append(errs, fmt.Errorf("engine.terminate_grace must be positive, got %s", c.Engine.TerminateGrace))
	}
	if c.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("scheduler.max_concurrency must be >= 1, got %d", c.Scheduler.MaxConcurrency))
	}
	if c.Scheduler.LogTail < 1 {
		errs = append(errs, fmt.Errorf("scheduler.log_tail must be >= 1, got %d", c.Scheduler.LogTail))
	}
	if c.Scheduler.DiagnosticLines < 0 {
		errs = append(errs, fmt.Errorf("scheduler.diagnostic_lines must be >= 0, got %d", c.Scheduler.DiagnosticLines))
	}
	if c.Scheduler.ProgressRate <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.progress_rate must be positive, got %g", c.Scheduler.ProgressRate))
	}
	if c.Scheduler.RetainFinished < 0 {
		errs = append(errs, fmt.Errorf("scheduler.retain_finished must be >= 0, got %d", c.Scheduler.RetainFinished))
	}
	switch c.History.Backend {
	case "jsonl", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("history.backend must be jsonl or sqlite, got %q", c.History.Backend))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Get returns a copy of the current in-memory config.
func Get() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg
}

// Set replaces the in-memory config.
func Set(c Config) {
	cfgMu.Lock()
	cfg = c
	cfgMu.Unlock()
}

// Load reads the config file at path (DefaultConfigPath when empty), applies
// env overrides and updates the in-memory config. A missing file is not an
// error; defaults apply. It returns the config and the path consulted.
func Load(path string) (Config, string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	v := New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.Is(err, os.ErrNotExist) && !errors.As(err, &notFound) {
			return Config{}, path, fmt.Errorf("failed to read config file at %s: %w", path, err)
		}
	}
	c, err := Decode(v)
	if err != nil {
		return Config{}, path, err
	}
	Set(c)
	return c, path, nil
}

// Save writes c as YAML to path, creating the directory as needed.
// A missing JWT secret is generated first so tokens survive restarts.
func Save(c Config, path string) (string, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	if c.Server.JWTSecret == "" {
		c.Server.JWTSecret = uuid.New().String()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return path, fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := Marshal(c)
	if err != nil {
		return path, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return path, fmt.Errorf("failed to write config file: %w", err)
	}
	Set(c)
	return path, nil
}

// Marshal renders c as YAML. TerminateGrace is written in its string form.
func Marshal(c Config) ([]byte, error) {
	type engineYAML struct {
		Path           string   `yaml:"path"`
		Threads        int      `yaml:"threads"`
		CookiesBrowser string   `yaml:"cookies_browser"`
		ExtraArgs      []string `yaml:"extra_args"`
		TerminateGrace string   `yaml:"terminate_grace"`
	}
	doc := struct {
		Engine    engineYAML      `yaml:"engine"`
		Download  DownloadConfig  `yaml:"download"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		History   HistoryConfig   `yaml:"history"`
		Server    ServerConfig    `yaml:"server"`
		Logging   LoggingConfig   `yaml:"logging"`
	}{
		Engine: engineYAML{
			Path:           c.Engine.Path,
			Threads:        c.Engine.Threads,
			CookiesBrowser: c.Engine.CookiesBrowser,
			ExtraArgs:      c.Engine.ExtraArgs,
			TerminateGrace: c.Engine.TerminateGrace.String(),
		},
		Download:  c.Download,
		Scheduler: c.Scheduler,
		History:   c.History,
		Server:    c.Server,
		Logging:   c.Logging,
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

func trimAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
