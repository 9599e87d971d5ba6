// Package llm holds the provider-neutral chat request and response types
// shared by the HTTP clients, the provider registry and the dispatcher.
package llm

import (
	"context"
	"time"
)

// Request is one chat completion request
type Request struct {
	System      string
	Prompt      string
	Model       string   // empty = provider default
	MaxTokens   int      // 0 = provider default
	Temperature *float64 // nil = provider default
}

// charsPerToken is the rough prompt-size heuristic used before a call is made
const charsPerToken = 4

// EstimatedTokens is the admission estimate: prompt size plus the completion
// allowance. fallbackMaxTokens is used when the request leaves MaxTokens unset.
func (r Request) EstimatedTokens(fallbackMaxTokens int) int {
	prompt := (len(r.System) + len(r.Prompt) + charsPerToken - 1) / charsPerToken
	completion := r.MaxTokens
	if completion == 0 {
		completion = fallbackMaxTokens
	}
	return prompt + completion
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed chat call
type Response struct {
	Content string        `json:"content"`
	Model   string        `json:"model"`
	Target  string        `json:"target"`
	Usage   Usage         `json:"usage"`
	Latency time.Duration `json:"latency"`
}

// Client is one chat endpoint
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
