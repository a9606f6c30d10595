package aws

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testFactory() *ClientFactory {
	return NewClientFactory(zerolog.Nop())
}

func TestAwsConfigStaticKeyPair(t *testing.T) {
	f := testFactory()
	cfg, err := f.awsConfig(context.Background(), SessionCredentials{
		AccessKeyID:     "AKIASTATIC",
		SecretAccessKey: "secret",
		Region:          "us-east-1",
	})
	if err != nil {
		t.Fatalf("awsConfig: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %q, want us-east-1", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "AKIASTATIC" {
		t.Errorf("access key = %q, want AKIASTATIC", creds.AccessKeyID)
	}
}

func TestAwsConfigProfileOnlyLoadsSharedConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config")
	credsPath := filepath.Join(dir, "credentials")
	if err := os.WriteFile(configPath, []byte("[profile scanner]\nregion = eu-west-1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(credsPath, []byte("[scanner]\naws_access_key_id = AKIAPROFILE\naws_secret_access_key = profilesecret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AWS_CONFIG_FILE", configPath)
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", credsPath)
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	f := testFactory()
	cfg, err := f.awsConfig(context.Background(), SessionCredentials{
		Profile: "scanner",
		Region:  "us-east-1",
	})
	if err != nil {
		t.Fatalf("awsConfig with profile: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %q, want us-east-1", cfg.Region)
	}
	creds, err := cfg.Credentials.Retrieve(context.Background())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if creds.AccessKeyID != "AKIAPROFILE" {
		t.Errorf("access key = %q, want AKIAPROFILE", creds.AccessKeyID)
	}
}

func TestAwsConfigNoMaterialFailsClosed(t *testing.T) {
	f := testFactory()
	_, err := f.awsConfig(context.Background(), SessionCredentials{Region: "us-east-1"})
	if err == nil {
		t.Fatal("expected an error for a session with neither keys nor profile")
	}
	var nc *NoCredentialsError
	if !errors.As(err, &nc) {
		t.Errorf("error = %v, want *NoCredentialsError", err)
	}
}

func TestUserNameFromARN(t *testing.T) {
	tests := []struct {
		arn  string
		want string
	}{
		{"arn:aws:iam::123456789012:user/alice", "alice"},
		{"arn:aws:iam::123456789012:user/ops/bob", "bob"},
		{"arn:aws:iam::123456789012:role/deploy", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := UserNameFromARN(tt.arn); got != tt.want {
			t.Errorf("UserNameFromARN(%q) = %q, want %q", tt.arn, got, tt.want)
		}
	}
}
