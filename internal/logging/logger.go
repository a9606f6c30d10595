// Package logging provides structured JSON logging with automatic secret redaction.
package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names that must be redacted in all log output.
var secretFieldNames = []string{
	"secretaccesskey",
	"sessiontoken",
	"passwordhash",
	"passphrase",
	"jwt",
	"token",
	"password",
	"secret",
	"private_key",
	"privatekey",
	"clientsecret",
	"credentials",
	"secret_key",
	"secretkey",
	"access_token",
	"accesstoken",
	"refresh_token",
	"refreshtoken",
}

// perPrincipalKeyPattern matches the per-principal credential
// environment variables (AWS_USER_<name>_KEY). The _SECRET counterpart
// is already caught by the substring list.
var perPrincipalKeyPattern = regexp.MustCompile(`(?i)^aws_user_.+_key$`)

// RedactingWriter wraps an io.Writer and masks the values of known
// secret fields in each JSON log event before passing it on.
type RedactingWriter struct {
	inner io.Writer
}

// NewRedactingWriter creates a writer that redacts secret field values from log output.
func NewRedactingWriter(inner io.Writer) *RedactingWriter {
	return &RedactingWriter{inner: inner}
}

// Write expects one JSON event per call, as zerolog produces. Events
// that do not parse pass through unchanged.
func (rw *RedactingWriter) Write(p []byte) (n int, err error) {
	var event map[string]any
	if err := json.Unmarshal(p, &event); err != nil {
		return rw.inner.Write(p)
	}
	changed := false
	for k, v := range event {
		if !IsSecretField(k) {
			continue
		}
		if s, ok := v.(string); ok {
			event[k] = RedactValue(s)
			changed = true
		}
	}
	if !changed {
		return rw.inner.Write(p)
	}
	out, err := json.Marshal(event)
	if err != nil {
		return rw.inner.Write(p)
	}
	if _, err := rw.inner.Write(append(out, '\n')); err != nil {
		return 0, err
	}
	return len(p), nil
}

// NewLogger creates a new structured logger with secret redaction middleware.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(&RedactingWriter{inner: writer}).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "nhiscan").
		Logger()
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(&RedactingWriter{inner: w}).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "nhiscan").
		Logger()
}

// IsSecretField checks if a field name is a known secret field that should be redacted.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return perPrincipalKeyPattern.MatchString(lower)
}

// RedactValue replaces a secret value with a safe placeholder containing a hash prefix.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	h := sha256.Sum256([]byte(value))
	return "[REDACTED:sha256:" + hex.EncodeToString(h[:])[:8] + "]"
}
