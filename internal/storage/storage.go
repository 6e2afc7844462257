// Package storage persists description records. Every store is append-only:
// records are never rewritten or removed once written.
package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bdougie/scenewatch/internal/models"
)

// Store defines the interface for persisting description records
type Store interface {
	// Append durably adds one record
	Append(ctx context.Context, rec models.DescriptionRecord) error

	// Records returns every record in append order
	Records(ctx context.Context) ([]models.DescriptionRecord, error)

	Close() error
}

// ErrSearchUnsupported is returned when no configured store keeps embeddings
var ErrSearchUnsupported = errors.New("no configured store supports similarity search")

// SearchResult is a record ranked by embedding similarity
type SearchResult struct {
	Record     models.DescriptionRecord `json:"record"`
	Similarity float64                  `json:"similarity"`
}

// Searcher ranks stored records by cosine similarity of their batch embedding
type Searcher interface {
	SearchSimilar(ctx context.Context, vec []float32, limit int) ([]SearchResult, error)
}

// Multi fans appends out to several stores. The primary store decides
// success; failures of the secondaries are only logged.
type Multi struct {
	primary     Store
	secondaries []Store
	logger      *slog.Logger
}

// NewMulti creates a fan-out store
func NewMulti(logger *slog.Logger, primary Store, secondaries ...Store) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{primary: primary, secondaries: secondaries, logger: logger}
}

// Append writes to the primary, then to each secondary
func (m *Multi) Append(ctx context.Context, rec models.DescriptionRecord) error {
	if err := m.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, s := range m.secondaries {
		if err := s.Append(ctx, rec); err != nil {
			m.logger.Warn("secondary store append failed", "record", rec.ID, "error", err)
		}
	}
	return nil
}

// Records reads from the primary
func (m *Multi) Records(ctx context.Context) ([]models.DescriptionRecord, error) {
	return m.primary.Records(ctx)
}

// SearchSimilar asks the first store, primary included, that can search
func (m *Multi) SearchSimilar(ctx context.Context, vec []float32, limit int) ([]SearchResult, error) {
	for _, s := range append([]Store{m.primary}, m.secondaries...) {
		if searcher, ok := s.(Searcher); ok {
			return searcher.SearchSimilar(ctx, vec, limit)
		}
	}
	return nil, ErrSearchUnsupported
}

// Close closes every store and joins their errors
func (m *Multi) Close() error {
	errs := []error{m.primary.Close()}
	for _, s := range m.secondaries {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
