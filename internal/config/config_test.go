package config

import (
	"encoding/json"
	"os"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.ManagementPort != 9090 {
		t.Errorf("ManagementPort: got %d, want 9090", cfg.ManagementPort)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if cfg.RecordingsDir != "recordings" {
		t.Errorf("RecordingsDir: got %s", cfg.RecordingsDir)
	}
	if cfg.ReaderCacheTTLSeconds != 300 {
		t.Errorf("ReaderCacheTTLSeconds: got %d, want 300", cfg.ReaderCacheTTLSeconds)
	}
	if cfg.ResponseCacheTTLSeconds != 60 {
		t.Errorf("ResponseCacheTTLSeconds: got %d, want 60", cfg.ResponseCacheTTLSeconds)
	}
	if cfg.StreamingChunkDelayMs != 10 {
		t.Errorf("StreamingChunkDelayMs: got %d, want 10", cfg.StreamingChunkDelayMs)
	}
}

func TestLoadEnv_ManagementPort(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "9091")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 9091 {
		t.Errorf("ManagementPort: got %d, want 9091", cfg.ManagementPort)
	}
}

func TestLoadEnv_LogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestLoadEnv_BindAddress(t *testing.T) {
	t.Setenv("BIND_ADDRESS", "0.0.0.0")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.BindAddress != "0.0.0.0" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
}

func TestLoadEnv_ManagementToken(t *testing.T) {
	t.Setenv("MANAGEMENT_TOKEN", "secret-token")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementToken != "secret-token" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
}

func TestLoadEnv_InvalidPort_Ignored(t *testing.T) {
	t.Setenv("MANAGEMENT_PORT", "not-a-number")
	cfg := defaults()
	loadEnv(cfg)
	if cfg.ManagementPort != 9090 {
		t.Errorf("ManagementPort: got %d, want 9090 (invalid env should be ignored)", cfg.ManagementPort)
	}
}

func TestLoadFile_ValidJSON(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-*.json")
	if err != nil {
		t.Fatal(err)
	}

	data, marshalErr := json.Marshal(map[string]any{
		"managementPort": 9999,
		"logLevel":       "warn",
		"endpoints": []map[string]any{
			{"name": "ping", "targetHost": "localhost", "targetPort": 9000, "sourcePort": 18080, "mode": "record"},
		},
	})
	if marshalErr != nil {
		t.Fatal(marshalErr)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())

	if cfg.ManagementPort != 9999 {
		t.Errorf("ManagementPort: got %d, want 9999", cfg.ManagementPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Name != "ping" {
		t.Errorf("Endpoints: got %+v", cfg.Endpoints)
	}
}

func TestLoadFile_Missing_IsNoOp(t *testing.T) {
	cfg := defaults()
	loadFile(cfg, "/nonexistent/path/config.json")
	if cfg.ManagementPort != 9090 {
		t.Errorf("ManagementPort changed unexpectedly: %d", cfg.ManagementPort)
	}
}

func TestLoadFile_InvalidJSON_PreservesDefaults(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "config-bad-*.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{this is not json}"); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	loadFile(cfg, f.Name())
	if cfg.ManagementPort != 9090 {
		t.Errorf("ManagementPort changed on bad JSON: %d", cfg.ManagementPort)
	}
}

func TestLoad_ReturnsNonNil(t *testing.T) {
	cfg := Load()
	if cfg == nil {
		t.Fatal("Load() returned nil")
	}
	if cfg.ManagementPort <= 0 {
		t.Errorf("ManagementPort should be positive, got %d", cfg.ManagementPort)
	}
}
