package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: filesystem
    command: npx
    args: ["-y", "@modelcontextprotocol/server-filesystem", "/"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Daemon.SocketPath == "" || cfg.Daemon.DBPath == "" {
		t.Fatalf("expected default paths, got %+v", cfg.Daemon)
	}
	if cfg.Model.Name != DefaultModelName || cfg.Model.APIKeyEnv != DefaultAPIKeyEnv {
		t.Fatalf("expected model defaults, got %+v", cfg.Model)
	}
	if cfg.Chat.MaxWindow != DefaultMaxWindow || cfg.Chat.MaxToolRounds != DefaultMaxToolRounds {
		t.Fatalf("expected chat defaults, got %+v", cfg.Chat)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
bogus_field: true
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadRejectsDuplicateServers(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: fs
    command: npx
  - name: fs
    command: other
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "duplicate server name") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestLoadRequiresCommand(t *testing.T) {
	path := writeConfig(t, `
servers:
  - name: fs
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "command is required") {
		t.Fatalf("expected command error, got %v", err)
	}
}

func TestLoadRejectsBadStatusPolicy(t *testing.T) {
	path := writeConfig(t, `
chat:
  status_policy: sometimes
`)
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unsupported status policy") {
		t.Fatalf("expected policy error, got %v", err)
	}
}

func TestStatusPolicyNormalization(t *testing.T) {
	cfg := &Config{}
	if cfg.StatusPolicy() != StatusPolicyAlwaysOnline {
		t.Fatalf("expected default policy, got %q", cfg.StatusPolicy())
	}
	cfg.Chat.StatusPolicy = "Server-Ratio"
	if cfg.StatusPolicy() != StatusPolicyServerRatio {
		t.Fatalf("expected normalized policy, got %q", cfg.StatusPolicy())
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := &Config{Servers: []MCPServer{FilesystemServer()}}
	applyDefaults(cfg)
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Servers) != 1 || loaded.Servers[0].Name != "filesystem" {
		t.Fatalf("expected filesystem server preserved, got %+v", loaded.Servers)
	}
	if loaded.Servers[0].Args[len(loaded.Servers[0].Args)-1] != "/" {
		t.Fatalf("expected root arg preserved, got %v", loaded.Servers[0].Args)
	}
}

func TestLoadOrInitCreatesConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadOrInit(path)
	if err != nil {
		t.Fatalf("load or init: %v", err)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "filesystem" {
		t.Fatalf("expected filesystem seeded, got %+v", cfg.Servers)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config written: %v", err)
	}
}

func TestUpsertAndRemoveServer(t *testing.T) {
	cfg := &Config{Servers: []MCPServer{{Name: "fs", Command: "npx"}}}
	UpsertServer(cfg, MCPServer{Name: "fs", Command: "node"})
	if len(cfg.Servers) != 1 || cfg.Servers[0].Command != "node" {
		t.Fatalf("expected in-place update, got %+v", cfg.Servers)
	}
	UpsertServer(cfg, MCPServer{Name: "search", Command: "npx"})
	if len(cfg.Servers) != 2 {
		t.Fatalf("expected append, got %+v", cfg.Servers)
	}
	if !RemoveServer(cfg, "fs") {
		t.Fatal("expected removal to succeed")
	}
	if RemoveServer(cfg, "fs") {
		t.Fatal("expected second removal to fail")
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0].Name != "search" {
		t.Fatalf("expected only search left, got %+v", cfg.Servers)
	}
}
