package vectorstore

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/fixplan/internal/config"
	"github.com/fyrsmithlabs/fixplan/internal/logging"
)

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.KnowledgeConfig, embedder Embedder, logger *logging.Logger) (Store, error) {
	switch cfg.Backend {
	case "chromem", "":
		return NewChromemStore(ChromemConfig{
			Path:       cfg.Path,
			Compress:   cfg.Compress,
			Collection: cfg.Collection,
		}, embedder, logger)
	case "qdrant":
		return NewQdrantStore(ctx, QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Collection,
			VectorSize: cfg.VectorSize,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}
