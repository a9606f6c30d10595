// Package config manages nhiscan configuration: the global config file
// and the environment-based credential entries.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

const (
	ConfigDirName   = ".nhiscan"
	ConfigFileName  = "config.json"
	AuditDBFileName = "nhiscan-audit.db"
	VaultFileName   = "nhiscan.vault"
	DefaultLogLevel = "info"
	DefaultRegion   = "us-east-1"
)

// Config holds user-level configuration for nhiscan.
type Config struct {
	LogLevel              string   `json:"log_level"`
	DefaultRegion         string   `json:"default_region"`
	MCPServerCommand      []string `json:"mcp_server_command"`
	OpenAIModel           string   `json:"openai_model"`
	EnrichmentConcurrency int      `json:"enrichment_concurrency"`
	AuditEnabled          bool     `json:"audit_enabled"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		LogLevel:              DefaultLogLevel,
		DefaultRegion:         DefaultRegion,
		MCPServerCommand:      []string{"uvx", "awslabs.iam-mcp-server@latest"},
		OpenAIModel:           "gpt-4o-mini",
		EnrichmentConcurrency: 5,
		AuditEnabled:          true,
	}
}

// Dir returns the global nhiscan config directory path.
func Dir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// AuditDBPath returns the default audit database location.
func AuditDBPath() string { return filepath.Join(Dir(), AuditDBFileName) }

// VaultPath returns the default credential vault location.
func VaultPath() string { return filepath.Join(Dir(), VaultFileName) }

// Load loads the config from ~/.nhiscan/config.json, applying
// environment overrides on top.
func Load() (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(Dir(), ConfigFileName))
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if cmd := os.Getenv("NHISCAN_MCP_COMMAND"); cmd != "" {
		cfg.MCPServerCommand = strings.Fields(cmd)
	}
	if model := os.Getenv("NHISCAN_OPENAI_MODEL"); model != "" {
		cfg.OpenAIModel = model
	}
	if level := os.Getenv("NHISCAN_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// Save persists the config to ~/.nhiscan/config.json.
func Save(cfg Config) error {
	dir := Dir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, ConfigFileName), data, 0600)
}

// KeyPair is one access key id / secret pair.
type KeyPair struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Credentials is the static credential configuration a process starts
// with: one tenant-wide shared entry (profile or key pair) and zero or
// more per-principal entries keyed by principal name. The per-principal
// map is never extended at runtime.
type Credentials struct {
	Region       string
	Profile      string
	Shared       KeyPair
	PerPrincipal map[string]KeyPair
}

const (
	userEnvPrefix    = "AWS_USER_"
	userKeySuffix    = "_KEY"
	userSecretSuffix = "_SECRET"
)

// CredentialsFromEnv reads the credential configuration from the
// environment: AWS_PROFILE or AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY
// for the shared entry, AWS_REGION, and AWS_USER_<name>_KEY /
// AWS_USER_<name>_SECRET pairs for per-principal entries.
func CredentialsFromEnv() Credentials {
	creds := Credentials{
		Region:  os.Getenv("AWS_REGION"),
		Profile: os.Getenv("AWS_PROFILE"),
		Shared: KeyPair{
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		},
		PerPrincipal: map[string]KeyPair{},
	}
	if creds.Region == "" {
		creds.Region = DefaultRegion
	}

	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, userEnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(name, userEnvPrefix)
		switch {
		case strings.HasSuffix(rest, userKeySuffix):
			principal := strings.TrimSuffix(rest, userKeySuffix)
			entry := creds.PerPrincipal[principal]
			entry.AccessKeyID = value
			creds.PerPrincipal[principal] = entry
		case strings.HasSuffix(rest, userSecretSuffix):
			principal := strings.TrimSuffix(rest, userSecretSuffix)
			entry := creds.PerPrincipal[principal]
			entry.SecretAccessKey = value
			creds.PerPrincipal[principal] = entry
		}
	}
	return creds
}
