// Package ai provides the embedding and completion capability interface
// and its concrete providers. Providers are selected by configuration at
// process start and injected into the pipeline, never looked up globally.
package ai

import (
	"context"
	"errors"
)

// ChatMessage is one prompt message sent to a completion provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamDelta is one increment of a streamed completion. A delta with Err
// set is the terminal error signal; a closed channel with no prior Err is
// normal end-of-stream.
type StreamDelta struct {
	Text string
	Err  error
}

// Client provides embedding and streaming completion capabilities.
type Client interface {
	// Embed turns text into a fixed-dimension vector.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds texts preserving input order 1:1.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// StreamComplete generates text for the prompt, delivering increments
	// on the returned channel until end-of-stream or error. Cancelling ctx
	// halts the upstream stream.
	StreamComplete(ctx context.Context, msgs []ChatMessage) (<-chan StreamDelta, error)
	// Dim returns the embedding dimension for this client's model.
	Dim() int
	// ModelID identifies the embedding model that produced the vectors.
	ModelID() string
}

// Provider is an enumeration of supported AI providers.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderMock     Provider = "mock"
)

// ClientConfig holds configuration for AI clients.
type ClientConfig struct {
	APIKey     string
	EmbedModel string
	ChatModel  string
	Dim        int
	ProjectID  string
	Location   string
	Provider   Provider
}

// NewClient creates an AI client based on configuration.
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderMock:
		return NewMockClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}
