// Package llm provides the Ollama LLM adapter.
// Clean Architecture: Adapter implementing ports.Generator.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/0xcro3dile/docchat-go/internal/domain/entities"
)

// Options are the sampling parameters sent with every request.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// DefaultOptions keep answers close to the retrieved passages.
var DefaultOptions = Options{Temperature: 0.1, TopP: 0.9, NumPredict: 1000}

// OllamaLLMAdapter implements ports.Generator using Ollama API.
type OllamaLLMAdapter struct {
	baseURL string
	model   string
	opts    Options
	client  *resty.Client
	log     zerolog.Logger
}

// NewOllamaLLMAdapter creates a new Ollama LLM adapter.
func NewOllamaLLMAdapter(baseURL, model string, timeout time.Duration) *OllamaLLMAdapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaLLMAdapter{
		baseURL: baseURL,
		model:   model,
		opts:    DefaultOptions,
		client: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
		log: log.With().Str("component", "ollama-llm").Str("model", model).Logger(),
	}
}

// WithOptions replaces the sampling parameters.
func (a *OllamaLLMAdapter) WithOptions(opts Options) *OllamaLLMAdapter {
	a.opts = opts
	return a
}

// ollamaGenerateRequest is the Ollama generate API request.
type ollamaGenerateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

// ollamaGenerateResponse is the Ollama generate API response.
type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate answers query from the given passages and earlier turns. Without
// passages the model answers from its own knowledge.
func (a *OllamaLLMAdapter) Generate(ctx context.Context, query string, passages []string, history []entities.Turn) (string, error) {
	start := time.Now()
	var result ollamaGenerateResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(ollamaGenerateRequest{
			Model:   a.model,
			Prompt:  BuildPrompt(query, passages, history),
			Stream:  false,
			Options: a.opts,
		}).
		SetResult(&result).
		SetError(&result).
		ForceContentType("application/json").
		Post("/api/generate")
	if err != nil {
		return "", fmt.Errorf("calling Ollama: %w", err)
	}
	if resp.IsError() {
		if result.Error != "" {
			return "", fmt.Errorf("Ollama returned status %d: %s", resp.StatusCode(), result.Error)
		}
		return "", fmt.Errorf("Ollama returned status %d", resp.StatusCode())
	}
	if result.Error != "" {
		return "", fmt.Errorf("Ollama returned error: %s", result.Error)
	}
	if strings.TrimSpace(result.Response) == "" {
		return "", fmt.Errorf("Ollama returned an empty response")
	}

	a.log.Info().
		Int("passages", len(passages)).
		Int("history", len(history)).
		Int("chars", len(result.Response)).
		Dur("took", time.Since(start)).
		Msg("generated response")
	return result.Response, nil
}

// BuildPrompt creates the LLM prompt with earlier turns and context.
func BuildPrompt(query string, passages []string, history []entities.Turn) string {
	var sb strings.Builder
	if len(passages) == 0 {
		sb.WriteString("You are a helpful AI assistant. Answer the following question:\n\n")
	} else {
		sb.WriteString("You are a helpful AI assistant. Use the provided context to answer the user's question accurately and comprehensively.\n\n")
	}
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, turn := range history {
			sb.WriteString("User: ")
			sb.WriteString(turn.Question)
			sb.WriteString("\nAssistant: ")
			sb.WriteString(turn.Answer)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if len(passages) == 0 {
		if len(history) > 0 {
			sb.WriteString("Question: ")
		}
		sb.WriteString(query)
		sb.WriteString("\n\nAnswer: ")
		return sb.String()
	}
	sb.WriteString("Context:\n")
	sb.WriteString(strings.Join(passages, "\n\n"))
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(query)
	sb.WriteString("\n\nAnswer: Based on the context provided above, ")
	return sb.String()
}
