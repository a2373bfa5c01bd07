// Package config loads webrunner configuration from a YAML file with
// environment variable overrides. Missing files are not an error; defaults
// apply.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all webrunner configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Browser   BrowserConfig   `yaml:"browser"`
	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the REST API server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BrowserConfig configures the shared browser instance.
type BrowserConfig struct {
	Headless            bool   `yaml:"headless"`
	SlowMotionMs        int    `yaml:"slow_motion_ms"`
	UserAgent           string `yaml:"user_agent"`
	ViewportWidth       int    `yaml:"viewport_width"`
	ViewportHeight      int    `yaml:"viewport_height"`
	NavigationTimeoutMs int    `yaml:"navigation_timeout_ms"`
	ScreenshotDir       string `yaml:"screenshot_dir"`
}

// GetViewportWidth returns the viewport width, defaulting to 1920.
func (c BrowserConfig) GetViewportWidth() int {
	if c.ViewportWidth <= 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns the viewport height, defaulting to 1080.
func (c BrowserConfig) GetViewportHeight() int {
	if c.ViewportHeight <= 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout as a duration.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// SlowMotion returns the per-action delay as a duration.
func (c BrowserConfig) SlowMotion() time.Duration {
	if c.SlowMotionMs <= 0 {
		return 0
	}
	return time.Duration(c.SlowMotionMs) * time.Millisecond
}

// LLMConfig configures the text-generation backend.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, openai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// TimeoutDuration parses the timeout string, defaulting to 2 minutes.
func (c LLMConfig) TimeoutDuration() time.Duration {
	if c.Timeout == "" {
		return 2 * time.Minute
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 2 * time.Minute
	}
	return d
}

// SchedulerConfig configures the task poll loop.
type SchedulerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Interval   string `yaml:"interval"`
	MaxPerTick int    `yaml:"max_per_tick"`
}

// IntervalDuration parses the poll interval, defaulting to 30 seconds.
func (c SchedulerConfig) IntervalDuration() time.Duration {
	if c.Interval == "" {
		return 30 * time.Second
	}
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// LoggingConfig configures category file logging.
type LoggingConfig struct {
	DebugMode bool   `yaml:"debug_mode"`
	Dir       string `yaml:"dir"`
	Level     string `yaml:"level"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "webrunner.db",
		},
		Browser: BrowserConfig{
			Headless:            true,
			UserAgent:           "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			ViewportWidth:       1920,
			ViewportHeight:      1080,
			NavigationTimeoutMs: 30000,
			ScreenshotDir:       "screenshots",
		},
		LLM: LLMConfig{
			Provider: "gemini",
			Model:    "gemini-2.0-flash",
			Timeout:  "2m",
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Interval:   "30s",
			MaxPerTick: 0, // no per-tick dispatch bound
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Dir:       "logs",
			Level:     "info",
		},
	}
}

// Load reads the config file at path, if present, and applies env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && c.LLM.Provider == "gemini" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.Provider == "openai" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("WEBRUNNER_LLM_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if path := os.Getenv("WEBRUNNER_DB"); path != "" {
		c.Database.Path = path
	}
	if port := os.Getenv("WEBRUNNER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("WEBRUNNER_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}
