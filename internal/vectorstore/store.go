// Package vectorstore stores embedded documents for similarity search.
// ChromemStore (embedded, the default) and QdrantStore (remote) implement
// Store.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrEmptyDocuments = errors.New("empty or nil documents")
	ErrEmbedding      = errors.New("failed to generate embeddings")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConnection     = errors.New("vector store unavailable")
)

// Document is a piece of text with its metadata.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is a document with its similarity to the query.
type SearchResult struct {
	Document
	Score float32
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is a single collection of documents.
type Store interface {
	// AddDocuments embeds and stores docs, replacing any with the same ID.
	AddDocuments(ctx context.Context, docs []Document) error

	// Get returns the document with id or ErrNotFound.
	Get(ctx context.Context, id string) (*Document, error)

	// Search returns up to k documents most similar to query whose
	// metadata matches every entry of filters.
	Search(ctx context.Context, query string, k int, filters map[string]string) ([]SearchResult, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	Close() error
}

var collectionNameRe = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName accepts lowercase letters, digits and underscores.
func ValidateCollectionName(name string) error {
	if !collectionNameRe.MatchString(name) {
		return fmt.Errorf("%w: collection name %q must match %s", ErrInvalidConfig, name, collectionNameRe)
	}
	return nil
}

func validateDocs(docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("%w: document %d has no id", ErrEmptyDocuments, i)
		}
	}
	return nil
}

// Float reads a numeric metadata value, returning 0 when absent.
func (d Document) Float(key string) float64 {
	f, _ := strconv.ParseFloat(d.Metadata[key], 64)
	return f
}
