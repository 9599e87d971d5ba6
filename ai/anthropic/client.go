// Package anthropic is a client for the Anthropic Messages API
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/agentpulse/ai/llm"
	"github.com/teranos/agentpulse/errors"
)

const (
	// DefaultModel is the fallback model when none is specified
	DefaultModel = "claude-3-5-haiku-latest"
	// DefaultBaseURL is the Anthropic API root
	DefaultBaseURL = "https://api.anthropic.com/v1"
	// APIVersion is sent as the anthropic-version header
	APIVersion = "2023-06-01"
)

// Client is an Anthropic Messages API client
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	pacer      *rate.Limiter
	config     Config
	logger     *zap.SugaredLogger
}

// Config holds client configuration
type Config struct {
	Name              string
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	MaxTokens         int
	RequestsPerSecond float64 // client-side pacing, 0 = unpaced
	HTTPClient        *http.Client
	Logger            *zap.SugaredLogger
}

// NewClient creates a new Anthropic client with defaults applied
func NewClient(config Config) *Client {
	if config.Name == "" {
		config.Name = "anthropic"
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 1000
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	log := config.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var pacer *rate.Limiter
	if config.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &Client{
		name:       config.Name,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		pacer:      pacer,
		config:     config,
		logger:     log,
	}
}

// MessagesRequest represents a request to the Messages API
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// MessagesResponse represents the response from the Messages API
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ContentBlock represents a content block in the response
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MaxTokens returns the configured completion allowance
func (c *Client) MaxTokens() int {
	return c.config.MaxTokens
}

func (c *Client) createMessages(ctx context.Context, req MessagesRequest) (*MessagesResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &llm.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var msgResp MessagesResponse
	if err := json.Unmarshal(respBody, &msgResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &msgResp, nil
}

// Chat sends a single Messages API request. Retries are the caller's business.
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if c.config.APIKey == "" {
		return nil, llm.ClassifyCallError(c.name, errors.New("Anthropic API key not configured"))
	}

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, llm.ClassifyCallError(c.name, err)
		}
	}

	temperature := c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := c.config.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	model := c.config.Model
	if req.Model != "" {
		model = req.Model
	}

	c.logger.Debugw("Messages request",
		"target", c.name,
		"model", model,
		"max_tokens", maxTokens)

	started := time.Now()
	resp, err := c.createMessages(ctx, MessagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      req.System,
		Messages:    []Message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, llm.ClassifyCallError(c.name, err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Content: strings.TrimSpace(content.String()),
		Model:   model,
		Target:  c.name,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		Latency: time.Since(started),
	}, nil
}
