package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestIsSecretField(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		expected bool
	}{
		{"secret access key", "SecretAccessKey", true},
		{"session token", "SessionToken", true},
		{"password", "password", true},
		{"password hash", "PasswordHash", true},
		{"jwt", "jwt", true},
		{"private key", "private_key", true},
		{"client secret", "ClientSecret", true},
		{"access key id", "AccessKeyId", false},
		{"username", "username", false},
		{"region", "region", false},
		{"role arn", "RoleArn", false},
		{"nested secret", "aws_secret_key", true},
		{"token field", "refresh_token", true},
		{"per-principal key", "AWS_USER_alice_KEY", true},
		{"per-principal secret", "AWS_USER_alice_SECRET", true},
		{"vault passphrase", "passphrase", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsSecretField(tt.field)
			if got != tt.expected {
				t.Errorf("IsSecretField(%q) = %v, want %v", tt.field, got, tt.expected)
			}
		})
	}
}

func TestRedactValue(t *testing.T) {
	result := RedactValue("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	if !strings.HasPrefix(result, "[REDACTED:sha256:") {
		t.Errorf("Expected [REDACTED:sha256:...], got %s", result)
	}
	if !strings.HasSuffix(result, "]") {
		t.Errorf("Expected trailing ], got %s", result)
	}

	// Same input should produce same hash
	result2 := RedactValue("wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY")
	if result != result2 {
		t.Error("Same input should produce same redacted value")
	}

	// Different input should produce different hash
	result3 := RedactValue("differentSecret")
	if result == result3 {
		t.Error("Different inputs should produce different redacted values")
	}
}

func TestRedactEmptyValue(t *testing.T) {
	result := RedactValue("")
	if result != "" {
		t.Errorf("Empty input should return empty, got %q", result)
	}
}

func TestRedactingWriterMasksSecretFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "debug")

	logger.Info().
		Str("secret_access_key", "wJalrXUtnFEMI/K7MDENG").
		Str("AWS_USER_alice_KEY", "AKIAALICEEXAMPLE").
		Str("user", "alice").
		Msg("resolved credentials")

	out := buf.String()
	if strings.Contains(out, "wJalrXUtnFEMI/K7MDENG") {
		t.Errorf("secret value leaked: %s", out)
	}
	if strings.Contains(out, "AKIAALICEEXAMPLE") {
		t.Errorf("per-principal key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED:sha256:") {
		t.Errorf("expected redaction marker in %s", out)
	}
	if !strings.Contains(out, `"user":"alice"`) {
		t.Errorf("non-secret field mangled: %s", out)
	}
	if !strings.Contains(out, "resolved credentials") {
		t.Errorf("message dropped: %s", out)
	}
}

func TestRedactingWriterPassesNonJSONThrough(t *testing.T) {
	var buf bytes.Buffer
	rw := NewRedactingWriter(&buf)
	line := []byte("plain text line\n")
	n, err := rw.Write(line)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(line) || buf.String() != string(line) {
		t.Errorf("non-JSON input altered: %q", buf.String())
	}
}
