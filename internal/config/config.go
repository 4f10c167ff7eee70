// Package config loads ytdl-web settings from an optional YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendYTDLP   = "ytdlp"
	BackendYouTube = "youtube"
)

// Config is the application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Gateway GatewayConfig `yaml:"gateway"`
	Redis   RedisConfig   `yaml:"redis"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	// DownloadsDir is where finished files land. Empty means ~/Downloads.
	DownloadsDir string `yaml:"downloads_dir"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// GatewayConfig selects and tunes the extraction backend.
type GatewayConfig struct {
	Backend      string `yaml:"backend"` // "ytdlp" or "youtube"
	BinaryPath   string `yaml:"binary_path"`
	ProbeTimeout int    `yaml:"probe_timeout"` // seconds
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type CacheConfig struct {
	TTL int `yaml:"ttl"` // seconds
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":5000"},
		Gateway: GatewayConfig{Backend: BackendYTDLP, BinaryPath: "yt-dlp", ProbeTimeout: 60},
		Cache:   CacheConfig{TTL: 3600},
		Log:     LogConfig{Level: "info", File: "app.log"},
	}
}

// Load reads path when it is non-empty, applies environment overrides and
// fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("YTDL_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("YTDL_DOWNLOADS_DIR"); v != "" {
		c.DownloadsDir = v
	}
	if v := getenv("YTDL_BACKEND"); v != "" {
		c.Gateway.Backend = v
	}
	if v := getenv("YTDL_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Gateway.Backend == "" {
		c.Gateway.Backend = d.Gateway.Backend
	}
	c.Gateway.Backend = strings.ToLower(c.Gateway.Backend)
	if c.Gateway.BinaryPath == "" {
		c.Gateway.BinaryPath = d.Gateway.BinaryPath
	}
	if c.Gateway.ProbeTimeout <= 0 {
		c.Gateway.ProbeTimeout = d.Gateway.ProbeTimeout
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.File == "" {
		c.Log.File = d.Log.File
	}
}

// Validate rejects settings the application cannot run with.
func (c *Config) Validate() error {
	switch c.Gateway.Backend {
	case BackendYTDLP, BackendYouTube:
	default:
		return fmt.Errorf("unknown gateway backend %q (expected %q or %q)", c.Gateway.Backend, BackendYTDLP, BackendYouTube)
	}
	return nil
}

func (c *GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.ProbeTimeout) * time.Second
}

func (c *CacheConfig) Duration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// CacheEnabled reports whether probe results should go through Redis.
func (c *Config) CacheEnabled() bool {
	return c.Redis.Addr != ""
}

// ResolveDownloadsDir returns an existing, absolute downloads folder: the
// configured one, else ~/Downloads, else ./downloads under the working
// directory. Each candidate is created if missing.
func (c *Config) ResolveDownloadsDir() (string, error) {
	return resolveDownloadsDir(c.DownloadsDir, os.UserHomeDir, os.Getwd)
}

func resolveDownloadsDir(configured string, home, wd func() (string, error)) (string, error) {
	var candidates []string
	if configured != "" {
		candidates = append(candidates, configured)
	}
	if h, err := home(); err == nil && h != "" {
		candidates = append(candidates, filepath.Join(h, "Downloads"))
	}
	if w, err := wd(); err == nil {
		candidates = append(candidates, filepath.Join(w, "downloads"))
	}

	var lastErr error
	for _, dir := range candidates {
		abs, err := filepath.Abs(dir)
		if err != nil {
			lastErr = err
			continue
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			lastErr = err
			continue
		}
		return abs, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no downloads folder candidates")
	}
	return "", fmt.Errorf("resolving downloads folder: %w", lastErr)
}
