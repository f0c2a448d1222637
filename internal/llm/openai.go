package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const providerOpenAI = "openai"

// OpenAI talks to any OpenAI-compatible chat completions endpoint,
// including local servers such as LM Studio, Ollama, or vLLM.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewOpenAI creates a chat completions client.
func NewOpenAI(cfg domain.LLMConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("llm base_url is required for provider %s", providerOpenAI)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("llm model is required for provider %s", providerOpenAI)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Model returns the configured model name.
func (c *OpenAI) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the first choice.
func (c *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if IsTimeout(err) {
			return nil, &TimeoutError{Provider: providerOpenAI, Timeout: c.timeout}
		}
		return nil, &ProviderError{Provider: providerOpenAI, Message: "request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		if IsTimeout(err) {
			return nil, &TimeoutError{Provider: providerOpenAI, Timeout: c.timeout}
		}
		return nil, &ProviderError{Provider: providerOpenAI, Message: "failed to read response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:   providerOpenAI,
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(respBody)), 200),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil || len(out.Choices) == 0 {
		return nil, &ProviderError{Provider: providerOpenAI, Message: "empty completion response", Cause: err}
	}

	model := out.Model
	if model == "" {
		model = c.model
	}
	return &Response{
		Content: out.Choices[0].Message.Content,
		Model:   model,
		Latency: time.Since(start),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
