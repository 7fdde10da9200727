package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/autoscript/pkg/api"
)

// Config holds the settings of a Chat Completions backend.
type Config struct {
	// BaseURL is the backend URL without the /v1 suffix
	// (e.g., "https://api.openai.com" or "http://localhost:8000").
	BaseURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Model is the model name passed through to the backend.
	Model string

	// Temperature for generate and fix calls. Nil leaves the backend default.
	Temperature *float64

	// MaxTokens caps each completion. Nil leaves the backend default.
	MaxTokens *int

	// Timeout for individual HTTP requests. Defaults to 120s.
	Timeout time.Duration

	// DisableTools asks for plain content instead of a forced function call,
	// for backends without tool calling support.
	DisableTools bool
}

// Client performs HTTP requests against an OpenAI-compatible Chat Completions
// backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a new Client for an OpenAI-compatible backend.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// Complete performs a non-streaming Chat Completions call.
func (c *Client) Complete(ctx context.Context, chatReq *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	reqCopy := *chatReq
	reqCopy.Stream = false
	if reqCopy.N == 0 {
		reqCopy.N = 1
	}

	body, err := json.Marshal(&reqCopy)
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, MapNetworkError(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, MapHTTPError(httpResp)
	}

	var chatResp ChatCompletionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&chatResp); err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to parse backend response: %s", err.Error()))
	}
	if len(chatResp.Choices) == 0 {
		return nil, api.NewModelError("backend returned no choices")
	}

	return &chatResp, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
