// Package config handles Atelier configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./atelier.yaml, ~/.config/atelier/config.yaml, /etc/atelier/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"atelier.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atelier", "config.yaml"))
	}

	paths = append(paths, "/etc/atelier/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Atelier configuration.
type Config struct {
	Ollama   OllamaConfig `yaml:"ollama"`
	MCP      MCPConfig    `yaml:"mcp"`
	Loop     LoopConfig   `yaml:"loop"`
	Serve    ServeConfig  `yaml:"serve"`
	DataDir  string       `yaml:"data_dir"`
	LogLevel string       `yaml:"log_level"`
}

// OllamaConfig defines the local language-model backend.
type OllamaConfig struct {
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// MCPConfig defines how the tool-execution backend is reached.
// Transport is "streamable-http" (default) or "stdio". The shorthand
// "http" is accepted and normalized.
type MCPConfig struct {
	Transport string            `yaml:"transport"`
	URL       string            `yaml:"url"`
	Command   string            `yaml:"command"`
	Dir       string            `yaml:"dir"`
	Env       map[string]string `yaml:"env"`
}

// LoopConfig bounds the orchestrator turn loop.
type LoopConfig struct {
	MaxToolCalls    int `yaml:"max_tool_calls"`
	MaxInvalidCalls int `yaml:"max_invalid_calls"`
	MaxMessages     int `yaml:"max_messages"`
}

// ServeConfig defines the built-in MCP tool server.
type ServeConfig struct {
	Address       string `yaml:"address"` // bind address for HTTP transport
	Port          int    `yaml:"port"`
	ComfyUIURL    string `yaml:"comfyui_url"` // empty selects the local dry-run generator
	AssetTTLHours int    `yaml:"asset_ttl_hours"`
	AssetDB       string `yaml:"asset_db"` // SQLite path; empty keeps assets in memory only
	DefaultsFile  string `yaml:"defaults_file"`
}

// Load reads configuration from a YAML file. ${ENV} references in the
// file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.MCP.Transport = NormalizeTransport(cfg.MCP.Transport)

	return cfg, nil
}

// Default returns a configuration with working local defaults.
func Default() *Config {
	return &Config{
		Ollama: OllamaConfig{
			URL:        "http://127.0.0.1:11434",
			Model:      "qwen2.5:7b-instruct",
			TimeoutSec: 120,
		},
		MCP: MCPConfig{
			Transport: "streamable-http",
			URL:       "http://127.0.0.1:9000/mcp",
		},
		Loop: LoopConfig{
			MaxToolCalls:    4,
			MaxInvalidCalls: 2,
			MaxMessages:     12,
		},
		Serve: ServeConfig{
			Port:          9000,
			AssetTTLHours: 24,
		},
	}
}

// NormalizeTransport maps accepted transport spellings to their
// canonical form. "http" and the empty string mean "streamable-http".
func NormalizeTransport(value string) string {
	cleaned := strings.ToLower(strings.TrimSpace(value))
	if cleaned == "" || cleaned == "http" {
		return "streamable-http"
	}
	return cleaned
}

// SplitCommand splits a command line into an executable and its
// arguments, honoring single and double quotes. Used for the MCP
// stdio command configured as one string.
func SplitCommand(raw string) (string, []string, error) {
	var parts []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range raw {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				parts = append(parts, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return "", nil, fmt.Errorf("unterminated quote in command: %s", raw)
	}
	if inToken {
		parts = append(parts, current.String())
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("empty MCP command")
	}
	return parts[0], parts[1:], nil
}
