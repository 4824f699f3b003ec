package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
storage:
  mongodb:
    uri: mongodb://localhost:27017
retry:
  tickInterval: 10s
  toleranceMinutes: 10
pull:
  dynamicInitiator: true
  receiptWindow: 2m
policy:
  deleteFailedPayload: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Storage.MongoDB.Database != "gateway" {
		t.Errorf("expected default database, got %s", cfg.Storage.MongoDB.Database)
	}
	if cfg.Retry.TickInterval != 10*time.Second {
		t.Errorf("expected 10s tick, got %s", cfg.Retry.TickInterval)
	}
	if cfg.Retry.Tolerance() != 10*time.Minute {
		t.Errorf("expected 10m tolerance, got %s", cfg.Retry.Tolerance())
	}
	if !cfg.Pull.DynamicInitiator {
		t.Error("expected dynamic initiator on")
	}
	if cfg.Pull.ReceiptWindow != 2*time.Minute {
		t.Errorf("expected 2m receipt window, got %s", cfg.Pull.ReceiptWindow)
	}
	if !cfg.Policy.DeleteFailedPayload || cfg.Policy.NotifyOnFailure {
		t.Errorf("unexpected policy: %+v", cfg.Policy)
	}
	if cfg.Fragmentation.ThresholdBytes != 16*1024*1024 {
		t.Errorf("expected default threshold, got %d", cfg.Fragmentation.ThresholdBytes)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://db.example.com:27017")
	path := writeConfig(t, `
storage:
  mongodb:
    uri: ${TEST_MONGO_URI}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.MongoDB.URI != "mongodb://db.example.com:27017" {
		t.Errorf("env var not expanded: %s", cfg.Storage.MongoDB.URI)
	}
}

func TestLoad_MissingURI(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "storage.mongodb.uri") {
		t.Fatalf("expected missing uri error, got %v", err)
	}
}

func TestLoad_MemoryStorageNeedsNoURI(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: memory
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory storage, got %s", cfg.Storage.Type)
	}
}

func TestLoad_InvalidTick(t *testing.T) {
	path := writeConfig(t, `
storage:
  type: memory
retry:
  tickInterval: 10ms
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected tick interval validation error")
	}
}
