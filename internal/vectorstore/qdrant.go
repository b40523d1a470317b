package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fyrsmithlabs/fixplan/internal/logging"
	"github.com/fyrsmithlabs/fixplan/internal/telemetry"
)

const (
	payloadContent = "content"
	payloadDocID   = "doc_id"
)

// QdrantConfig configures the remote store.
type QdrantConfig struct {
	Host           string
	Port           int
	APIKey         string
	UseTLS         bool
	Collection     string
	VectorSize     int
	MaxMessageSize int
}

func (c *QdrantConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// QdrantStore is a Store over Qdrant's gRPC API. Document IDs are mapped to
// deterministic UUIDs; the original ID travels in the payload.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	cfg      QdrantConfig
	logger   *logging.Logger
}

// NewQdrantStore connects and creates the collection when missing.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, embedder Embedder, logger *logging.Logger) (*QdrantStore, error) {
	cfg.applyDefaults()
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder required", ErrInvalidConfig)
	}
	if cfg.VectorSize <= 0 {
		return nil, fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	if err := ValidateCollectionName(cfg.Collection); err != nil {
		return nil, err
	}
	if !cfg.UseTLS {
		logger.Warn(ctx, "qdrant connection is plaintext", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	s := &QdrantStore{client: client, embedder: embedder, cfg: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.cfg.Collection, err)
	}
	s.logger.Info(ctx, "created qdrant collection", zap.String("collection", s.cfg.Collection))
	return nil
}

// PointID maps a document ID to the UUID it is stored under.
func PointID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("fixplan:"+docID)).String()
}

func (s *QdrantStore) AddDocuments(ctx context.Context, docs []Document) (err error) {
	ctx, span := telemetry.Start(ctx, "vectorstore", "QdrantStore.AddDocuments",
		attribute.String("collection", s.cfg.Collection), attribute.Int("document_count", len(docs)))
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

	points := make([]*qdrant.PointStruct, len(docs))
	for i, d := range docs {
		payload := map[string]*qdrant.Value{
			payloadContent: qdrant.NewValueString(d.Content),
			payloadDocID:   qdrant.NewValueString(d.ID),
		}
		for k, v := range d.Metadata {
			payload[k] = qdrant.NewValueString(v)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(d.ID)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: payload,
		}
	}
	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

func (s *QdrantStore) Get(ctx context.Context, id string) (*Document, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(PointID(id))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d := fromPayload(points[0].GetPayload())
	return &d, nil
}

func (s *QdrantStore) Search(ctx context.Context, query string, k int, filters map[string]string) (res []SearchResult, err error) {
	ctx, span := telemetry.Start(ctx, "vectorstore", "QdrantStore.Search",
		attribute.String("collection", s.cfg.Collection), attribute.Int("k", k))
	defer func() { telemetry.End(span, err) }()

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}

	var filter *qdrant.Filter
	if len(filters) > 0 {
		filter = &qdrant.Filter{}
		for k, v := range filters {
			filter.Must = append(filter.Must, qdrant.NewMatchKeyword(k, v))
		}
	}
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", s.cfg.Collection, err)
	}
	res = make([]SearchResult, len(points))
	for i, p := range points {
		res[i] = SearchResult{Document: fromPayload(p.GetPayload()), Score: p.GetScore()}
	}
	return res, nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", s.cfg.Collection, err)
	}
	return int(n), nil
}

func (s *QdrantStore) Close() error { return s.client.Close() }

func fromPayload(payload map[string]*qdrant.Value) Document {
	d := Document{Metadata: map[string]string{}}
	for k, v := range payload {
		switch k {
		case payloadContent:
			d.Content = v.GetStringValue()
		case payloadDocID:
			d.ID = v.GetStringValue()
		default:
			d.Metadata[k] = v.GetStringValue()
		}
	}
	return d
}

var _ Store = (*QdrantStore)(nil)
