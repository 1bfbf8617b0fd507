// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jeranaias/handoff/internal/config"
	"github.com/jeranaias/handoff/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout is the default timeout for provider API requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the number of retry attempts for transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize caps response bodies to prevent memory exhaustion.
	MaxResponseSize = 10 * 1024 * 1024
)

// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
// Shared HTTP client for all provider requests.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	},
	Timeout: DefaultTimeout,
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// Client is an HTTP-backed Provider speaking the chat-completions wire
// format shared by the supported backends.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	inputCost  float64 // cents per 1K input tokens
	outputCost float64 // cents per 1K output tokens

	httpClient *http.Client
	maxRetries int
}

// NewClient creates a provider client from configuration. The API key is
// read from the environment variable named in the config, never stored in
// the config file itself.
func NewClient(cfg config.ProviderConfig) *Client {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	return &Client{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		apiKey:     apiKey,
		model:      cfg.Model,
		inputCost:  cfg.InputCostPer1K,
		outputCost: cfg.OutputCostPer1K,
		httpClient: sharedHTTPClient,
		maxRetries: DefaultMaxRetries,
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return c.name
}

// CostCents returns the cost in cents for the given token usage.
func (c *Client) CostCents(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)/1000.0)*c.inputCost +
		(float64(outputTokens)/1000.0)*c.outputCost
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate sends a chat-completion request with bounded retries.
// Transient failures (timeouts, 429, 5xx) retry with exponential backoff;
// auth and client errors fail immediately.
func (c *Client) Generate(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, ErrNotConfigured
	}

	messages := req.Messages
	if req.System != "" {
		messages = append([]ChatMessage{{Role: "system", Content: req.System}}, messages...)
	}
	body, err := json.Marshal(chatRequest{
		Model:     c.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}

	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			log.Printf("PROVIDER: %s retry %d/%d after %v: %v",
				c.name, attempt, c.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		resp, retryable, err := c.doChat(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			return Response{}, err
		}
	}
	return Response{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, lastErr)
}

// doChat performs one request attempt. Returns (response, retryable, error).
func (c *Client) doChat(ctx context.Context, body []byte) (Response, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are retryable.
		return Response{}, true, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxResponseSize))
	if err != nil {
		return Response{}, true, err
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
		// Parsed below.
	case httpResp.StatusCode == http.StatusUnauthorized || httpResp.StatusCode == http.StatusForbidden:
		return Response{}, false, ErrAuthFailed
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return Response{}, true, ErrRateLimited
	case httpResp.StatusCode >= 500:
		return Response{}, true, fmt.Errorf("server error %d", httpResp.StatusCode)
	default:
		return Response{}, false, fmt.Errorf("unexpected status %d: %s",
			httpResp.StatusCode, util.TruncateRunes(string(data), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, false, fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, false, fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, false, fmt.Errorf("empty response from %s", c.name)
	}

	return Response{
		Text:         parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, false, nil
}

// =============================================================================
// EMBEDDINGS
// =============================================================================

// Embed returns an embedding for text via the provider's embeddings
// endpoint. Used by the semantic cache tier; usage feeds the spend ledger.
func (c *Client) Embed(ctx context.Context, text string) (Embedding, error) {
	if c.apiKey == "" {
		return Embedding{}, ErrNotConfigured
	}

	body, err := json.Marshal(embedRequest{Model: c.model, Input: text})
	if err != nil {
		return Embedding{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return Embedding{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Embedding{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return Embedding{}, fmt.Errorf("%w: embeddings status %d", ErrUnavailable, httpResp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxResponseSize))
	if err != nil {
		return Embedding{}, err
	}
	var parsed embedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Embedding{}, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return Embedding{}, fmt.Errorf("empty embedding response from %s", c.name)
	}
	return Embedding{
		Vector:      parsed.Data[0].Embedding,
		InputTokens: parsed.Usage.PromptTokens,
	}, nil
}
