// Package llm wraps the OpenAI-compatible chat completion endpoint the
// supervisor and the verifier both talk to.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/wardenlabs/warden/pkg/models"
)

// Usage reports token consumption for one chat completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is one chat completion with the metadata the loop traces.
type Result struct {
	Content      string
	FinishReason string
	Usage        Usage
	Model        string
	Latency      time.Duration
}

// Client is the chat completion interface consumed by the loop and the
// verifier. Implementations must be safe for sequential reuse; the loop
// never calls Chat concurrently.
type Client interface {
	Chat(ctx context.Context, messages []models.Message, temperature float32, maxTokens int) (*Result, error)
}

// OpenAIClient talks to any OpenAI-compatible /v1/chat/completions
// endpoint (LM Studio, vLLM, OpenAI itself).
type OpenAIClient struct {
	api   *openai.Client
	model string
}

// NormalizeBaseURL accepts either an OpenAI-style base already ending in
// /v1 or a bare host:port (the LM Studio default) and normalizes it.
func NormalizeBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return baseURL + "/v1"
}

// NewOpenAIClient builds a client for the given base URL and model name.
// The model name may be empty for single-model servers. The API key is
// taken from OPENAI_API_KEY and may be empty for local endpoints.
func NewOpenAIClient(baseURL, model string, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(os.Getenv("OPENAI_API_KEY"))
	cfg.BaseURL = NormalizeBaseURL(baseURL)
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &OpenAIClient{
		api:   openai.NewClientWithConfig(cfg),
		model: strings.TrimSpace(model),
	}
}

// Chat performs one completion and records its wall-clock latency.
func (c *OpenAIClient) Chat(ctx context.Context, messages []models.Message, temperature float32, maxTokens int) (*Result, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices in response")
	}

	choice := resp.Choices[0]
	return &Result{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model:   resp.Model,
		Latency: latency,
	}, nil
}
