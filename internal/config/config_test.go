package config

import (
	"testing"
)

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("AWS_PROFILE", "ops")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIASHARED")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "shared-secret")
	t.Setenv("AWS_USER_alice_KEY", "AKIAALICE")
	t.Setenv("AWS_USER_alice_SECRET", "alice-secret")
	t.Setenv("AWS_USER_bob_KEY", "AKIABOB")
	// bob has no secret: the entry stays half-filled and the router
	// rejects it later.

	creds := CredentialsFromEnv()

	if creds.Region != "eu-central-1" {
		t.Errorf("region = %q", creds.Region)
	}
	if creds.Profile != "ops" {
		t.Errorf("profile = %q", creds.Profile)
	}
	if creds.Shared.AccessKeyID != "AKIASHARED" || creds.Shared.SecretAccessKey != "shared-secret" {
		t.Errorf("shared = %+v", creds.Shared)
	}

	alice := creds.PerPrincipal["alice"]
	if alice.AccessKeyID != "AKIAALICE" || alice.SecretAccessKey != "alice-secret" {
		t.Errorf("alice = %+v", alice)
	}
	bob := creds.PerPrincipal["bob"]
	if bob.AccessKeyID != "AKIABOB" || bob.SecretAccessKey != "" {
		t.Errorf("bob = %+v", bob)
	}
}

func TestCredentialsFromEnvDefaults(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	creds := CredentialsFromEnv()
	if creds.Region != DefaultRegion {
		t.Errorf("region = %q, want default", creds.Region)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if len(cfg.MCPServerCommand) == 0 {
		t.Error("default MCP command missing")
	}
	if cfg.EnrichmentConcurrency < 1 {
		t.Errorf("concurrency = %d", cfg.EnrichmentConcurrency)
	}
	if cfg.OpenAIModel == "" {
		t.Error("default model missing")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NHISCAN_MCP_COMMAND", "python3 -m iam_mcp_server")
	t.Setenv("NHISCAN_OPENAI_MODEL", "gpt-4o")
	t.Setenv("NHISCAN_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.MCPServerCommand) != 3 || cfg.MCPServerCommand[0] != "python3" {
		t.Errorf("mcp command = %v", cfg.MCPServerCommand)
	}
	if cfg.OpenAIModel != "gpt-4o" {
		t.Errorf("model = %q", cfg.OpenAIModel)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}
