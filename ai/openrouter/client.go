// Package openrouter is a client for OpenAI-compatible chat completion
// endpoints: OpenRouter itself, OpenAI, and local servers such as Ollama.
package openrouter

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
	DefaultModel = "openai/gpt-4o-mini"
	// DefaultBaseURL is the OpenRouter API root
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

// Client is an OpenAI-compatible chat completions client
type Client struct {
	name       string
	baseURL    string
	httpClient *http.Client
	pacer      *rate.Limiter // nil = unpaced
	config     Config
	logger     *zap.SugaredLogger
}

// Config holds client configuration
type Config struct {
	Name              string // target name, used in errors and logs
	BaseURL           string
	APIKey            string
	Model             string
	Temperature       float64
	MaxTokens         int
	RequestsPerSecond float64      // client-side pacing, 0 = unpaced
	HTTPClient        *http.Client // nil = default client
	Logger            *zap.SugaredLogger
}

// NewClient creates a new client with defaults applied
func NewClient(config Config) *Client {
	if config.Name == "" {
		config.Name = "openrouter"
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
		// Per-attempt deadlines come from the caller's context
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

// ChatCompletionRequest represents a request to the chat completions endpoint
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Message represents a message in a chat completion
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse represents the response from chat completions
type ChatCompletionResponse struct {
	ID      string    `json:"id"`
	Model   string    `json:"model"`
	Choices []Choice  `json:"choices"`
	Usage   llm.Usage `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// MaxTokens returns the configured completion allowance
func (c *Client) MaxTokens() int {
	return c.config.MaxTokens
}

// CreateChatCompletion sends one chat completion request
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	// Shown on the OpenRouter dashboard, ignored elsewhere
	httpReq.Header.Set("X-Title", "agentpulse")

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

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	return &chatResp, nil
}

// Chat sends a single chat request. Retries are the caller's business.
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
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

	messages := []Message{{Role: "user", Content: req.Prompt}}
	if req.System != "" {
		messages = append([]Message{{Role: "system", Content: req.System}}, messages...)
	}

	c.logger.Debugw("Chat request",
		"target", c.name,
		"model", model,
		"max_tokens", maxTokens)

	started := time.Now()
	resp, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, llm.ClassifyCallError(c.name, err)
	}

	if len(resp.Choices) == 0 {
		return nil, llm.ClassifyCallError(c.name, errors.New("no response choices"))
	}

	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	return &llm.Response{
		Content: strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:   model,
		Target:  c.name,
		Usage:   usage,
		Latency: time.Since(started),
	}, nil
}
