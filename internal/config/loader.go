package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"memoaid/internal/toolrpc"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by WithDefaults.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`
	DataDir      string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	SettingsPath string `json:"settings_path" yaml:"settings_path" toml:"settings_path"`
	PromptsPath  string `json:"prompts_path" yaml:"prompts_path" toml:"prompts_path"`
	HistoryPath  string `json:"history_path" yaml:"history_path" toml:"history_path"`

	// Engine is "server" (llama-server subprocess) or "llama" (in-process,
	// needs a binary built with -tags=llama).
	Engine      string            `json:"engine" yaml:"engine" toml:"engine"`
	LlamaServer LlamaServerConfig `json:"llama_server" yaml:"llama_server" toml:"llama_server"`
	Blocklist   []string          `json:"blocklist" yaml:"blocklist" toml:"blocklist"`

	MaxQueueDepth int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait       string `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	DrainTimeout  string `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	ReleaseGrace  string `json:"release_grace" yaml:"release_grace" toml:"release_grace"`

	MaxIterations int `json:"max_iterations" yaml:"max_iterations" toml:"max_iterations"`
	MaxSessions   int `json:"max_sessions" yaml:"max_sessions" toml:"max_sessions"`
	HistoryTurns  int `json:"history_turns" yaml:"history_turns" toml:"history_turns"`

	MaxBodyBytes       int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	ChatTimeoutSeconds int64      `json:"chat_timeout_seconds" yaml:"chat_timeout_seconds" toml:"chat_timeout_seconds"`
	CORS               CORSConfig `json:"cors" yaml:"cors" toml:"cors"`

	ToolServers []ToolServerConfig `json:"tool_servers" yaml:"tool_servers" toml:"tool_servers"`
}

// LlamaServerConfig configures the llama-server subprocess engine.
type LlamaServerConfig struct {
	Bin          string   `json:"bin" yaml:"bin" toml:"bin"`
	Args         []string `json:"args" yaml:"args" toml:"args"`
	Host         string   `json:"host" yaml:"host" toml:"host"`
	PortStart    int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd      int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	ReadyTimeout string   `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout"`
}

// CORSConfig enables the CORS middleware.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

// ToolServerConfig is the file form of a tool server descriptor.
type ToolServerConfig struct {
	Name      string            `json:"name" yaml:"name" toml:"name"`
	Transport string            `json:"transport" yaml:"transport" toml:"transport"`
	Command   string            `json:"command" yaml:"command" toml:"command"`
	Args      []string          `json:"args" yaml:"args" toml:"args"`
	Env       map[string]string `json:"env" yaml:"env" toml:"env"`
	Endpoint  string            `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	// Disabled servers are registered but never started.
	Disabled  bool    `json:"disabled" yaml:"disabled" toml:"disabled"`
	Timeout   string  `json:"timeout" yaml:"timeout" toml:"timeout"`
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `json:"burst" yaml:"burst" toml:"burst"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// WithDefaults fills every unspecified field.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ModelsDir == "" {
		c.ModelsDir = "~/models/llm"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.memoaid"
	}
	if c.SettingsPath == "" {
		c.SettingsPath = filepath.Join(c.DataDir, "settings.json")
	}
	if c.PromptsPath == "" {
		c.PromptsPath = filepath.Join(c.DataDir, "context_prompts.json")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(c.DataDir, "history.sqlite")
	}
	if c.Engine == "" {
		c.Engine = "server"
	}
	if c.LlamaServer.Bin == "" {
		c.LlamaServer.Bin = "llama-server"
	}
	return c
}

// Duration parses s, returning def when s is empty.
func Duration(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Descriptor converts the file form into a toolrpc descriptor.
func (t ToolServerConfig) Descriptor() (toolrpc.ServerDescriptor, error) {
	timeout, err := Duration(t.Timeout, toolrpc.DefaultTimeout)
	if err != nil {
		return toolrpc.ServerDescriptor{}, fmt.Errorf("tool server %s: %w", t.Name, err)
	}
	transport := toolrpc.Transport(strings.ToLower(strings.TrimSpace(t.Transport)))
	switch transport {
	case "", "stdio":
		transport = toolrpc.TransportProcess
	case "tcp":
		transport = toolrpc.TransportNetwork
	}
	return toolrpc.ServerDescriptor{
		Name:      t.Name,
		Transport: transport,
		Command:   t.Command,
		Args:      t.Args,
		Env:       t.Env,
		Endpoint:  t.Endpoint,
		Enabled:   !t.Disabled,
		Timeout:   timeout,
		RateLimit: t.RateLimit,
		Burst:     t.Burst,
	}, nil
}
