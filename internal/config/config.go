// Package config loads the YAML configuration of the sync service.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ls1intum/artemis-extension-sub001/internal/contextstore"
	"github.com/ls1intum/artemis-extension-sub001/internal/persist"
)

const (
	EnvToken   = "IRIS_SYNC_TOKEN"
	EnvBaseURL = "IRIS_SYNC_BASE_URL"
)

type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Push      PushConfig      `yaml:"push"`
	Storage   StorageConfig   `yaml:"storage"`
	History   HistoryConfig   `yaml:"history"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

type RemoteConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// PushConfig configures the push channel. An empty URL disables it.
type PushConfig struct {
	URL                string        `yaml:"url"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
}

type StorageConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type HistoryConfig struct {
	RecentExercises  int `yaml:"recent_exercises"`
	RecentCourses    int `yaml:"recent_courses"`
	DisplayExercises int `yaml:"display_exercises"`
	DisplayCourses   int `yaml:"display_courses"`
	MaxExercises     int `yaml:"max_exercises"`
	MaxCourses       int `yaml:"max_courses"`
}

type ReconcileConfig struct {
	FetchConcurrency int `yaml:"fetch_concurrency"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AuthToken      string   `yaml:"auth_token"`
	MaxClients     int      `yaml:"max_clients"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func defaultConfig() *Config {
	lim := contextstore.DefaultLimits()
	return &Config{
		Remote: RemoteConfig{
			Timeout: 10 * time.Second,
		},
		Push: PushConfig{
			PingInterval:       30 * time.Second,
			PongTimeout:        60 * time.Second,
			ReconnectBaseDelay: time.Second,
			ReconnectMaxDelay:  30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     persist.DefaultDir(),
		},
		History: HistoryConfig{
			RecentExercises:  lim.RecentExercises,
			RecentCourses:    lim.RecentCourses,
			DisplayExercises: lim.DisplayExercises,
			DisplayCourses:   lim.DisplayCourses,
			MaxExercises:     lim.MaxExercises,
			MaxCourses:       lim.MaxCourses,
		},
		Reconcile: ReconcileConfig{
			FetchConcurrency: 4,
		},
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8090,
			MaxClients: 16,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Default returns the built-in configuration with environment overrides.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads path onto the defaults. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvToken); v != "" {
		c.Remote.Token = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Remote.BaseURL = v
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	h := c.History
	for name, v := range map[string]int{
		"recent_exercises":  h.RecentExercises,
		"recent_courses":    h.RecentCourses,
		"display_exercises": h.DisplayExercises,
		"display_courses":   h.DisplayCourses,
		"max_exercises":     h.MaxExercises,
		"max_courses":       h.MaxCourses,
	} {
		if v <= 0 {
			return fmt.Errorf("history.%s must be positive, got %d", name, v)
		}
	}
	switch c.Storage.Backend {
	case "file", "badger", "memory":
	default:
		return fmt.Errorf("storage.backend: %w: %q", persist.ErrUnknownBackend, c.Storage.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Limits converts the history section for the context cache.
func (c *Config) Limits() contextstore.Limits {
	return contextstore.Limits{
		RecentExercises:  c.History.RecentExercises,
		RecentCourses:    c.History.RecentCourses,
		DisplayExercises: c.History.DisplayExercises,
		DisplayCourses:   c.History.DisplayCourses,
		MaxExercises:     c.History.MaxExercises,
		MaxCourses:       c.History.MaxCourses,
	}
}
