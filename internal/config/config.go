// Package config loads and holds all proxy configuration.
// Settings are layered: defaults → ouli-config.json → environment variables (env vars win).
package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// EndpointConfig is one entry of the endpoint configuration schema.
type EndpointConfig struct {
	Name string `json:"name"`

	TargetHost string `json:"targetHost"`
	TargetPort int    `json:"targetPort"`
	TargetType string `json:"targetType"` // "http" or "https"

	SourcePort int    `json:"sourcePort"`
	SourceType string `json:"sourceType"` // "http" or "https"

	Mode string `json:"mode"` // "record" or "replay"

	RedactRequestHeaders []string `json:"redactRequestHeaders"`
	Secrets              []string `json:"secrets"`
	RegexPatterns        []string `json:"regexPatterns"`
	JSONPaths            []string `json:"jsonPaths"`

	Limits EndpointLimits `json:"limits"`

	ConnectionScopedSessions bool `json:"connectionScopedSessions"`
	DisableStreamingPacing   bool `json:"disableStreamingPacing"`
}

// EndpointLimits overrides the process-wide hard-cap defaults. A zero or
// negative value selects the default; positive values are used as given
// and are not clamped to the hard caps.
type EndpointLimits struct {
	MaxRequestSize  int64 `json:"maxRequestSize"`
	MaxResponseSize int64 `json:"maxResponseSize"`
	MaxConnections  int   `json:"maxConnections"`
}

// Config holds the full process configuration.
type Config struct {
	ManagementPort  int    `json:"managementPort"`
	LogLevel        string `json:"logLevel"`
	BindAddress     string `json:"bindAddress"`
	ManagementToken string `json:"managementToken"`

	RecordingsDir string `json:"recordingsDir"`

	CACertFile string `json:"caCertFile"`
	CAKeyFile  string `json:"caKeyFile"`

	CheckpointFile string `json:"checkpointFile"`

	ReaderCacheTTLSeconds   int `json:"readerCacheTTLSeconds"`
	ResponseCacheTTLSeconds int `json:"responseCacheTTLSeconds"`
	ResponseCacheMaxBytes   int64 `json:"responseCacheMaxBytes"`

	StreamingChunkDelayMs int `json:"streamingChunkDelayMs"`

	Endpoints []EndpointConfig `json:"endpoints"`
}

// Load returns config with defaults overridden by ouli-config.json and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "ouli-config.json")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		ManagementPort:          9090,
		LogLevel:                "info",
		BindAddress:             "127.0.0.1",
		RecordingsDir:           "recordings",
		CACertFile:              "ouli-ca-cert.pem",
		CAKeyFile:               "ouli-ca-key.pem",
		CheckpointFile:          "ouli-checkpoints.db",
		ReaderCacheTTLSeconds:   300,
		ResponseCacheTTLSeconds: 60,
		ResponseCacheMaxBytes:   256 << 20,
		StreamingChunkDelayMs:   10,
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("RECORDINGS_DIR"); v != "" {
		cfg.RecordingsDir = v
	}
	if v := os.Getenv("CA_CERT_FILE"); v != "" {
		cfg.CACertFile = v
	}
	if v := os.Getenv("CA_KEY_FILE"); v != "" {
		cfg.CAKeyFile = v
	}
	if v := os.Getenv("CHECKPOINT_FILE"); v != "" {
		cfg.CheckpointFile = v
	}
}
