// Package config loads host configuration from TOML or YAML files.
//
// Example chatmesh.toml:
//
//	[engine]
//	max_iterations = 8
//
//	[model]
//	provider = "anthropic"
//	name = "claude-3-5-sonnet-20241022"
//
//	[store]
//	driver = "sqlite"
//	dsn = "~/.local/share/chatmesh/chatmesh.db"
//
//	[search]
//	path = "~/.local/share/chatmesh/docs.bleve"
//
//	[plugins.docs]
//	enabled = true
//	[plugins.docs.options]
//	sites = ["https://go.dev/doc/"]
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/chatmesh/logging"
)

// ErrUnsupportedFormat is returned for files that are neither TOML nor YAML.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Format is a configuration file format.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Config is the host configuration.
type Config struct {
	Engine  EngineConfig            `toml:"engine" yaml:"engine"`
	Model   ModelConfig             `toml:"model" yaml:"model"`
	Log     LogConfig               `toml:"log" yaml:"log"`
	Store   StoreConfig             `toml:"store" yaml:"store"`
	Search  SearchConfig            `toml:"search" yaml:"search"`
	MCP     MCPConfig               `toml:"mcp,omitempty" yaml:"mcp,omitempty"`
	Plugins map[string]PluginConfig `toml:"plugins" yaml:"plugins"`
}

// MCPConfig lists the MCP servers bridged by the mcp plugin.
type MCPConfig struct {
	Servers []MCPServerConfig `toml:"servers,omitempty" yaml:"servers,omitempty"`
}

// MCPServerConfig is one MCP server. Exactly one of Command and URL is set.
type MCPServerConfig struct {
	Name    string            `toml:"name" yaml:"name"`
	Command string            `toml:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `toml:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `toml:"headers,omitempty" yaml:"headers,omitempty"`
}

// EngineConfig bounds a turn.
type EngineConfig struct {
	MaxIterations    int    `toml:"max_iterations" yaml:"max_iterations"`
	MaxParallelTools int    `toml:"max_parallel_tools" yaml:"max_parallel_tools"`
	Instructions     string `toml:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// ModelConfig selects the model invoker.
type ModelConfig struct {
	Provider    string  `toml:"provider" yaml:"provider"`
	Name        string  `toml:"name" yaml:"name"`
	Temperature float64 `toml:"temperature" yaml:"temperature"`
	MaxTokens   int64   `toml:"max_tokens" yaml:"max_tokens"`
	BaseURL     string  `toml:"base_url,omitempty" yaml:"base_url,omitempty"`
	// APIKey falls back to the provider's environment variable when empty.
	APIKey string `toml:"api_key,omitempty" yaml:"api_key,omitempty"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	DSN    string `toml:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// SearchConfig locates the documentation index. An empty path keeps the
// index in memory.
type SearchConfig struct {
	Path string `toml:"path,omitempty" yaml:"path,omitempty"`
}

// PluginConfig enables a builtin plugin and carries its options.
type PluginConfig struct {
	Enabled bool           `toml:"enabled" yaml:"enabled"`
	Options map[string]any `toml:"options,omitempty" yaml:"options,omitempty"`
}

// Providers lists the supported model providers.
var Providers = []string{"openai", "anthropic", "scripted"}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{MaxIterations: 10, MaxParallelTools: 4},
		Model: ModelConfig{
			Provider:    "openai",
			Name:        "gpt-4o-mini",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Store:   StoreConfig{Driver: "memory"},
		Plugins: map[string]PluginConfig{},
	}
}

// Load reads path on top of Default. An empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, format, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}

	cfg.Store.DSN = ExpandPath(cfg.Store.DSN)
	cfg.Search.Path = ExpandPath(cfg.Search.Path)

	return cfg, nil
}

// Decode reads r in format into cfg. Keys missing in r keep cfg's values.
func Decode(r io.Reader, format Format, cfg *Config) error {
	switch format {
	case FormatTOML:
		_, err := toml.NewDecoder(r).Decode(cfg)
		return err
	case FormatYAML:
		err := yaml.NewDecoder(r).Decode(cfg)
		if errors.Is(err, io.EOF) {
			return nil
		}

		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Write encodes cfg in format.
func Write(w io.Writer, format Format, cfg *Config) error {
	switch format {
	case FormatTOML:
		return toml.NewEncoder(w).Encode(cfg)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(cfg); err != nil {
			return err
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Save writes cfg to path with user-only permissions, picking the format
// from the extension.
func Save(path string, cfg *Config) error {
	format, err := formatOf(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := Write(f, format, cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("engine.max_iterations must be >= 1, got %d", c.Engine.MaxIterations))
	}

	if c.Engine.MaxParallelTools < 0 {
		errs = append(errs, fmt.Errorf("engine.max_parallel_tools must be >= 0, got %d", c.Engine.MaxParallelTools))
	}

	if !slices.Contains(Providers, c.Model.Provider) {
		errs = append(errs, fmt.Errorf("model.provider %q is not one of %s", c.Model.Provider, strings.Join(Providers, ", ")))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory or sqlite", c.Store.Driver))
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("mcp.servers[%d].name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("mcp server %q is defined twice", s.Name))
		}

		seen[s.Name] = true

		if (s.Command == "") == (s.URL == "") {
			errs = append(errs, fmt.Errorf("mcp server %q needs either command or url", s.Name))
		}
	}

	return errors.Join(errs...)
}

// PluginEnabled reports whether plugin id should be loaded. Plugins without
// an entry are enabled.
func (c *Config) PluginEnabled(id string) bool {
	p, ok := c.Plugins[id]
	return !ok || p.Enabled
}

// Plugin returns the configuration of plugin id.
func (c *Config) Plugin(id string) PluginConfig {
	return c.Plugins[id]
}

// String returns the string option key.
func (p PluginConfig) String(key string) string {
	s, _ := p.Options[key].(string)
	return s
}

// Strings returns the string list option key.
func (p PluginConfig) Strings(key string) []string {
	switch v := p.Options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// Bool returns the boolean option key or def.
func (p PluginConfig) Bool(key string, def bool) bool {
	if b, ok := p.Options[key].(bool); ok {
		return b
	}

	return def
}

// Int returns the integer option key or def.
func (p PluginConfig) Int(key string, def int) int {
	switch v := p.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// ExpandPath replaces a leading ~ with the home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func formatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
