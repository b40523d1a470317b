// Package embeddings generates vectors through langchaingo's OpenAI client,
// which also speaks to OpenAI-compatible servers such as Hugging Face TEI.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	ErrEmptyInput    = errors.New("empty or nil input texts")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config selects the embedding endpoint.
type Config struct {
	// BaseURL of an OpenAI-compatible API, for example
	// http://localhost:8080/v1 for TEI.
	BaseURL string
	Model   string
	// APIKey may be empty for servers that do not check it.
	APIKey string
}

func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service embeds text. It satisfies vectorstore.Embedder.
type Service struct {
	embedder embeddings.Embedder
	config   Config
}

// NewService builds a Service for cfg.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	token := cfg.APIKey
	if token == "" {
		// The client refuses an empty token even when the server ignores it.
		token = "unused"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &Service{embedder: e, config: cfg}, nil
}

// EmbedDocuments embeds texts, one vector per text.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbedQuery embeds a single search query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	v, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return v, nil
}
