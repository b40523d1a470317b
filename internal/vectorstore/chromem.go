package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

// ChromemConfig configures the embedded store. An empty Path keeps the
// collection in memory.
type ChromemConfig struct {
	Path       string
	Compress   bool
	Collection string
}

// ChromemStore is a Store over an embedded chromem-go database.
type ChromemStore struct {
	db         *chromem.DB
	collection *chromem.Collection
	embedder   Embedder
	name       string
	logger     *logging.Logger
}

// NewChromemStore opens or creates the collection.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *logging.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder required", ErrInvalidConfig)
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db at %s: %w", path, err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection %s: %w", cfg.Collection, err)
	}
	return &ChromemStore{db: db, collection: col, embedder: embedder, name: cfg.Collection, logger: logger}, nil
}

func expandPath(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", p, err)
	}
	return filepath.Join(home, p[2:]), nil
}

func (s *ChromemStore) AddDocuments(ctx context.Context, docs []Document) (err error) {
	ctx, span := telemetry.Start(ctx, "vectorstore", "ChromemStore.AddDocuments",
		attribute.String("collection", s.name), attribute.Int("document_count", len(docs)))
	defer func() { telemetry.End(span, err) }()

	if err := validateDocs(docs); err != nil {
		return err
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("%w: got %d vectors for %d documents", ErrEmbedding, len(vectors), len(docs))
	}

	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		out[i] = chromem.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Embedding: vectors[i]}
	}
	// Embeddings are precomputed so one goroutine suffices.
	if err := s.collection.AddDocuments(ctx, out, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}
	s.logger.Debug(ctx, "stored documents", zap.String("collection", s.name), zap.Int("count", len(docs)))
	return nil
}

func (s *ChromemStore) Get(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	d, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata}, nil
}

func (s *ChromemStore) Search(ctx context.Context, query string, k int, filters map[string]string) (res []SearchResult, err error) {
	ctx, span := telemetry.Start(ctx, "vectorstore", "ChromemStore.Search",
		attribute.String("collection", s.name), attribute.Int("k", k))
	defer func() { telemetry.End(span, err) }()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	// chromem rejects nResults above the document count.
	n := s.collection.Count()
	if n == 0 {
		return []SearchResult{}, nil
	}
	if k > n {
		k = n
	}
	found, err := s.collection.Query(ctx, query, k, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.name, err)
	}
	res = make([]SearchResult, len(found))
	for i, r := range found {
		res[i] = SearchResult{
			Document: Document{ID: r.ID, Content: r.Content, Metadata: r.Metadata},
			Score:    r.Similarity,
		}
	}
	return res, nil
}

func (s *ChromemStore) Count(context.Context) (int, error) {
	return s.collection.Count(), nil
}

// Close is a no-op; the persistent db writes through on every add.
func (s *ChromemStore) Close() error { return nil }

var _ Store = (*ChromemStore)(nil)
