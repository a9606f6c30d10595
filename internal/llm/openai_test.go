package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestProvider(serverURL string) *OpenAI {
	return &OpenAI{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		endpoint:   serverURL,
		apiKey:     "test-key",
		model:      "gpt-4o-mini",
		logger:     zerolog.Nop(),
	}
}

func TestAnswer(t *testing.T) {
	var gotRequest chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization header = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotRequest); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []any{map[string]any{
				"message":       map[string]any{"role": "assistant", "content": "Two users lack MFA."},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 8},
		})
	}))
	defer server.Close()

	answer, err := newTestProvider(server.URL).Answer(context.Background(),
		"You analyze identity inventories.", "who lacks mfa?", "users: alice, bob")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer != "Two users lack MFA." {
		t.Errorf("answer = %q", answer)
	}
	if len(gotRequest.Messages) != 2 || gotRequest.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", gotRequest.Messages)
	}
	if gotRequest.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", gotRequest.Model)
	}
}

func TestAnswerAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"type": "rate_limit_error", "message": "slow down"},
		})
	}))
	defer server.Close()

	_, err := newTestProvider(server.URL).Answer(context.Background(), "sys", "q", "ctx")
	if err == nil {
		t.Fatal("want error")
	}
}

func TestNewOpenAIFromEnvMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIFromEnv("gpt-4o-mini", zerolog.Nop())
	if _, ok := err.(NotConfiguredError); !ok {
		t.Fatalf("want NotConfiguredError, got %v", err)
	}
}
