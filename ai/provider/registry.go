// Package provider builds the configured language-model clients and routes
// calls to them by target name.
package provider

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/agentpulse/ai/anthropic"
	"github.com/teranos/agentpulse/ai/llm"
	"github.com/teranos/agentpulse/ai/openrouter"
	"github.com/teranos/agentpulse/am"
	"github.com/teranos/agentpulse/errors"
)

// DefaultMaxTokens is the completion allowance assumed for clients that do
// not report one
const DefaultMaxTokens = 1000

// Registry maps target names to chat clients
type Registry struct {
	mu        sync.RWMutex
	clients   map[string]llm.Client
	maxTokens map[string]int
	logger    *zap.SugaredLogger
}

// maxTokenser is implemented by clients that know their completion allowance
type maxTokenser interface {
	MaxTokens() int
}

// NewRegistry creates an empty registry
func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		clients:   make(map[string]llm.Client),
		maxTokens: make(map[string]int),
		logger:    log,
	}
}

// NewRegistryFromConfig creates a client for every configured provider
func NewRegistryFromConfig(providers map[string]am.ProviderConfig, httpClient *http.Client, log *zap.SugaredLogger) (*Registry, error) {
	r := NewRegistry(log)
	for name, pc := range providers {
		client, err := NewClient(name, pc, httpClient, r.logger)
		if err != nil {
			return nil, err
		}
		r.Register(name, client)
	}
	return r, nil
}

// NewClient creates the client for one provider entry
func NewClient(name string, pc am.ProviderConfig, httpClient *http.Client, log *zap.SugaredLogger) (llm.Client, error) {
	switch pc.Kind {
	case am.ProviderAnthropic:
		return anthropic.NewClient(anthropic.Config{
			Name:              name,
			BaseURL:           pc.BaseURL,
			APIKey:            pc.APIKey,
			Model:             pc.Model,
			Temperature:       pc.Temperature,
			MaxTokens:         pc.MaxTokens,
			RequestsPerSecond: pc.RequestsPerSecond,
			HTTPClient:        httpClient,
			Logger:            log,
		}), nil
	case am.ProviderOpenAI, "":
		return openrouter.NewClient(openrouter.Config{
			Name:              name,
			BaseURL:           pc.BaseURL,
			APIKey:            pc.APIKey,
			Model:             pc.Model,
			Temperature:       pc.Temperature,
			MaxTokens:         pc.MaxTokens,
			RequestsPerSecond: pc.RequestsPerSecond,
			HTTPClient:        httpClient,
			Logger:            log,
		}), nil
	default:
		return nil, errors.NewInvalidConfigError("provider %q: unknown kind %q", name, pc.Kind)
	}
}

// Register adds or replaces the client for target
func (r *Registry) Register(target string, client llm.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[target] = client
	maxTokens := DefaultMaxTokens
	if mt, ok := client.(maxTokenser); ok && mt.MaxTokens() > 0 {
		maxTokens = mt.MaxTokens()
	}
	r.maxTokens[target] = maxTokens
	r.logger.Debugw("Registered provider", "target", target, "max_tokens", maxTokens)
}

// Call sends req to target's client
func (r *Registry) Call(ctx context.Context, target string, req llm.Request) (*llm.Response, error) {
	r.mu.RLock()
	client, ok := r.clients[target]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.NewNotFoundError("provider %q", target)
	}
	return client.Chat(ctx, req)
}

// MaxTokens returns target's completion allowance, used for admission estimates
func (r *Registry) MaxTokens(target string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mt, ok := r.maxTokens[target]; ok {
		return mt
	}
	return DefaultMaxTokens
}

// Has reports whether target is registered
func (r *Registry) Has(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[target]
	return ok
}

// Names returns the registered targets, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
