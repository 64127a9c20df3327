// Package config loads the small set of settings the board server needs:
// an optional YAML file decoded with github.com/goccy/go-yaml, with flag
// and environment values (parsed by the process entry point) taking
// precedence over the file.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/kanvas/boardserver/board"
	"github.com/kanvas/boardserver/board/registry"
)

// Config is the complete set of process-level settings.
type Config struct {
	// ListenAddr is the address the HTTP + socket-upgrade server binds to.
	ListenAddr string `yaml:"listenAddr"`

	// DataDir is the on-disk directory backing the element store.
	DataDir string `yaml:"dataDir"`

	// QueueDepth is the bounded per-subscriber outbound queue depth.
	QueueDepth int `yaml:"queueDepth"`

	// EvictionDelaySeconds is how long an idle session stays in the
	// registry after its last subscriber detaches. Zero means "use the
	// package default".
	EvictionDelaySeconds int `yaml:"evictionDelaySeconds"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"logLevel"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		ListenAddr: ":3000",
		DataDir:    "./data",
		LogLevel:   "info",
	}
}

// LoadFile reads and decodes a YAML config file at path, starting from
// Defaults() so a partial file only overrides the fields it sets.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// EvictionDelaySecondsOrDefault resolves the configured eviction delay,
// falling back to registry.EvictionDelay when unset.
func (c Config) EvictionDelaySecondsOrDefault() int {
	if c.EvictionDelaySeconds <= 0 {
		return int(registry.EvictionDelay.Seconds())
	}
	return c.EvictionDelaySeconds
}

// QueueDepthOrDefault resolves the configured queue depth, falling back to
// board.DefaultQueueDepth when unset.
func (c Config) QueueDepthOrDefault() int {
	if c.QueueDepth <= 0 {
		return board.DefaultQueueDepth
	}
	return c.QueueDepth
}
