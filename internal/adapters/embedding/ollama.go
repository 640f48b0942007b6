// Package embedding provides the Ollama embedding adapter.
// Clean Architecture: This is an adapter that implements ports.EmbeddingService.
// It knows about Ollama specifics but the domain layer doesn't.
package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OllamaAdapter implements ports.EmbeddingService using Ollama API.
type OllamaAdapter struct {
	baseURL string
	model   string
	client  *resty.Client
	log     zerolog.Logger
}

// NewOllamaAdapter creates a new Ollama embedding adapter.
func NewOllamaAdapter(baseURL, model string, timeout time.Duration) *OllamaAdapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaAdapter{
		baseURL: baseURL,
		model:   model,
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		log: log.With().Str("component", "ollama-embed").Str("model", model).Logger(),
	}
}

// Model returns the embedding model name.
func (a *OllamaAdapter) Model() string {
	return a.model
}

// ollamaEmbedRequest is the Ollama API request format.
type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// ollamaEmbedResponse is the Ollama API response format.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// Embed generates an embedding for a single text.
func (a *OllamaAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := a.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (a *OllamaAdapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	var result ollamaEmbedResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(ollamaEmbedRequest{Model: a.model, Input: texts}).
		SetResult(&result).
		SetError(&result).
		ForceContentType("application/json").
		Post("/api/embed")
	if err != nil {
		return nil, fmt.Errorf("calling Ollama: %w", err)
	}
	if resp.IsError() {
		if result.Error != "" {
			return nil, fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode(), result.Error)
		}
		return nil, fmt.Errorf("Ollama returned status %d", resp.StatusCode())
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Ollama returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	a.log.Debug().
		Int("texts", len(texts)).
		Int("dims", len(result.Embeddings[0])).
		Dur("took", time.Since(start)).
		Msg("embedded batch")
	return result.Embeddings, nil
}
