package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for WAGate.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Transport TransportConfig `json:"transport"`
	Providers ProvidersConfig `json:"providers"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Server    ServerConfig    `json:"server"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	DBPath   string `json:"dbPath"`
	LogLevel string `json:"logLevel"` // debug | info | warn | error
	LogFile  string `json:"logFile,omitempty"`
}

// TransportConfig configures both messaging transports. Exactly one is live
// at a time; which one is an operator decision made at runtime, not here.
type TransportConfig struct {
	Default  string               `json:"default"` // cloudapi | browsersession
	CloudAPI CloudAPIConfig       `json:"cloudApi"`
	Browser  BrowserSessionConfig `json:"browserSession"`
}

type CloudAPIConfig struct {
	AccessToken   string `json:"accessToken"`
	PhoneNumberID string `json:"phoneNumberId"`
	AppSecret     string `json:"appSecret,omitempty"`
	VerifyToken   string `json:"verifyToken,omitempty"`
	APIBase       string `json:"apiBase,omitempty"` // override for tests
	WebhookPath   string `json:"webhookPath,omitempty"`
}

type BrowserSessionConfig struct {
	ProfileDir   string `json:"profileDir"`
	Headless     bool   `json:"headless"`
	PollInterval int    `json:"pollIntervalSeconds,omitempty"`
}

// ProvidersConfig configures the completion providers by name.
type ProvidersConfig struct {
	OpenAI   ProviderConfig `json:"openai"`
	DeepSeek ProviderConfig `json:"deepseek"`
}

type ProviderConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

// KnowledgeConfig configures the document ingestion pipeline.
type KnowledgeConfig struct {
	UploadDir     string `json:"uploadDir"`
	RetrievalTopK int    `json:"retrievalTopK"`
	MaxUploadMB   int    `json:"maxUploadMb"`
}

// ServerConfig configures the admin HTTP API.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"` // bearer token for admin endpoints
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.wagate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = expandPath(cfg.General.DataDir)
	cfg.General.DBPath = expandPath(cfg.General.DBPath)
	cfg.General.LogFile = expandPath(cfg.General.LogFile)
	cfg.Transport.Browser.ProfileDir = expandPath(cfg.Transport.Browser.ProfileDir)
	cfg.Knowledge.UploadDir = expandPath(cfg.Knowledge.UploadDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Validate checks config invariants that would otherwise surface as obscure
// runtime failures.
func Validate(cfg *Config) error {
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.logLevel must be one of debug/info/warn/error, got %q", cfg.General.LogLevel)
	}
	switch cfg.Transport.Default {
	case "cloudapi", "browsersession":
	default:
		return fmt.Errorf("transport.default must be cloudapi or browsersession, got %q", cfg.Transport.Default)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	if cfg.Knowledge.RetrievalTopK < 1 || cfg.Knowledge.RetrievalTopK > 50 {
		return fmt.Errorf("knowledge.retrievalTopK must be 1-50, got %d", cfg.Knowledge.RetrievalTopK)
	}
	if cfg.Knowledge.MaxUploadMB < 1 {
		return fmt.Errorf("knowledge.maxUploadMb must be positive, got %d", cfg.Knowledge.MaxUploadMB)
	}
	if cfg.Transport.Browser.PollInterval < 0 {
		return fmt.Errorf("browserSession.pollIntervalSeconds must not be negative")
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		val := os.Getenv(groups[1])
		if val == "" && len(groups) >= 3 {
			val = groups[2]
		}
		return val
	})
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
