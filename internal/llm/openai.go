package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const defaultEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAI implements Provider over the Chat Completions wire format,
// which also covers Azure OpenAI, OpenRouter and local servers that
// speak the same protocol.
type OpenAI struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	model      string
	logger     zerolog.Logger
}

// NewOpenAIFromEnv builds a provider from OPENAI_API_KEY and, when set,
// OPENAI_BASE_URL. It returns NotConfiguredError when the key is absent
// so callers can degrade to a structured refusal instead of failing.
func NewOpenAIFromEnv(model string, logger zerolog.Logger) (*OpenAI, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, NotConfiguredError{}
	}
	endpoint := defaultEndpoint
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		endpoint = base + "/chat/completions"
	}
	return &OpenAI{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		endpoint:   endpoint,
		apiKey:     key,
		model:      model,
		logger:     logger.With().Str("component", "llm").Logger(),
	}, nil
}

// Answer sends a non-streaming completion request. The context block is
// delivered as part of the user message so the model cannot confuse it
// with instructions.
func (provider *OpenAI) Answer(ctx context.Context, system, question, contextBlock string) (string, error) {
	wireRequest := chatRequest{
		Model:     provider.model,
		MaxTokens: 1024,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, question)},
		},
	}

	body, err := json.Marshal(wireRequest)
	if err != nil {
		return "", fmt.Errorf("llm: encoding request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: building request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+provider.apiKey)

	httpResponse, err := provider.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("llm: sending request: %w", err)
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("llm: reading response: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		var apiErr chatError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("llm: api error (%d): %s", httpResponse.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("llm: unexpected status %d", httpResponse.StatusCode)
	}

	var wireResponse chatResponse
	if err := json.Unmarshal(payload, &wireResponse); err != nil {
		return "", fmt.Errorf("llm: decoding response: %w", err)
	}
	if len(wireResponse.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response")
	}

	provider.logger.Debug().
		Str("model", wireResponse.Model).
		Int64("prompt_tokens", wireResponse.Usage.PromptTokens).
		Int64("completion_tokens", wireResponse.Usage.CompletionTokens).
		Msg("completion received")

	return wireResponse.Choices[0].Message.Content, nil
}

// Wire types for the Chat Completions API. Only the text-in, text-out
// subset is modeled; there is no tool or multimodal surface here.

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
