package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Daemon  DaemonConfig `yaml:"daemon"`
	Model   ModelConfig  `yaml:"model"`
	Chat    ChatConfig   `yaml:"chat"`
	Servers []MCPServer  `yaml:"servers"`
}

type DaemonConfig struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
}

// ModelConfig points at an OpenAI-compatible endpoint. The API key is never
// stored here; APIKeyEnv names the environment variable that holds it.
type ModelConfig struct {
	BaseURL   string `yaml:"base_url,omitempty"`
	Name      string `yaml:"name"`
	APIKeyEnv string `yaml:"api_key_env"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`
}

type ChatConfig struct {
	MaxWindow     int    `yaml:"max_window,omitempty"`
	MaxToolRounds int    `yaml:"max_tool_rounds,omitempty"`
	StatusPolicy  string `yaml:"status_policy,omitempty"`
}

type MCPServer struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Description string            `yaml:"description,omitempty"`
	Category    string            `yaml:"category,omitempty"`
}

const (
	DefaultModelName     = "gpt-4o"
	DefaultMaxTokens     = 4096
	DefaultMaxWindow     = 25
	DefaultMaxToolRounds = 8
	DefaultAPIKeyEnv     = "ASETTA_API_KEY"

	StatusPolicyAlwaysOnline = "always-online"
	StatusPolicyServerRatio  = "server-ratio"
)

// FilesystemServer is the protected built-in server every agent gets.
func FilesystemServer() MCPServer {
	return MCPServer{
		Name:        "filesystem",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-filesystem", "/"},
		Description: "Local filesystem access",
		Category:    "filesystem",
	}
}

func normalizeStatusPolicy(value string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", StatusPolicyAlwaysOnline:
		return StatusPolicyAlwaysOnline, nil
	case StatusPolicyServerRatio:
		return StatusPolicyServerRatio, nil
	default:
		return "", fmt.Errorf("unsupported status policy %q (expected always-online or server-ratio)", value)
	}
}

func DefaultConfigPath() string {
	if envPath := strings.TrimSpace(os.Getenv("ASETTA_CONFIG")); envPath != "" {
		return envPath
	}
	return filepath.Join(xdgConfigHome(), "asetta", "config.yaml")
}

func DefaultSocketPath() string {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "asetta.sock")
	}
	return fmt.Sprintf("/tmp/asetta-%d.sock", os.Getuid())
}

func DefaultDBPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); dir != "" {
		return filepath.Join(dir, "asetta", "asetta.db")
	}
	return filepath.Join(homeDir(), ".local", "share", "asetta", "asetta.db")
}

func xdgConfigHome() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".config")
}

func homeDir() string {
	if home := strings.TrimSpace(os.Getenv("HOME")); home != "" {
		return home
	}
	return "/tmp/asetta-" + strconv.Itoa(os.Getuid())
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		s.Command = os.ExpandEnv(s.Command)
		for j, v := range s.Args {
			s.Args[j] = os.ExpandEnv(v)
		}
		if s.Env != nil {
			for k, v := range s.Env {
				s.Env[k] = os.ExpandEnv(v)
			}
		}
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = DefaultSocketPath()
	}
	if cfg.Daemon.DBPath == "" {
		cfg.Daemon.DBPath = DefaultDBPath()
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = DefaultModelName
	}
	if cfg.Model.APIKeyEnv == "" {
		cfg.Model.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Model.MaxTokens <= 0 {
		cfg.Model.MaxTokens = DefaultMaxTokens
	}
	if cfg.Chat.MaxWindow <= 0 {
		cfg.Chat.MaxWindow = DefaultMaxWindow
	}
	if cfg.Chat.MaxToolRounds <= 0 {
		cfg.Chat.MaxToolRounds = DefaultMaxToolRounds
	}
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := validate(cfg); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0o600); err != nil {
		return err
	}
	if _, err := Load(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("resulting config is invalid: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func LoadOrInit(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	cfg = &Config{
		Servers: []MCPServer{FilesystemServer()},
	}
	applyDefaults(cfg)
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if _, err := normalizeStatusPolicy(cfg.Chat.StatusPolicy); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, s := range cfg.Servers {
		if s.Name == "" {
			return errors.New("server name is required")
		}
		if s.Command == "" {
			return fmt.Errorf("server %q command is required", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// StatusPolicy returns the normalized policy, defaulting to always-online.
func (c *Config) StatusPolicy() string {
	policy, err := normalizeStatusPolicy(c.Chat.StatusPolicy)
	if err != nil {
		return StatusPolicyAlwaysOnline
	}
	return policy
}

func UpsertServer(cfg *Config, item MCPServer) {
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == item.Name {
			cfg.Servers[i] = item
			return
		}
	}
	cfg.Servers = append(cfg.Servers, item)
}

func RemoveServer(cfg *Config, name string) bool {
	for i := range cfg.Servers {
		if cfg.Servers[i].Name == name {
			cfg.Servers = append(cfg.Servers[:i], cfg.Servers[i+1:]...)
			return true
		}
	}
	return false
}
