package search

import (
	"context"

	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/store"

	"go.uber.org/zap"
)

const (
	BackendMeili    = "meilisearch"
	BackendPostgres = "postgres"
)

// ContentIndex is the write side of the primary search backend.
type ContentIndex interface {
	Searcher
	Healthy() bool
	IndexContent(docs []ContentDocument) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  ContentIndex
	fallback Searcher
	catalog  *catalog.Catalog
	log      *zap.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured.
func NewService(primary ContentIndex, fallback Searcher, cat *catalog.Catalog, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, catalog: cat, log: logger.Named("search")}
}

func (s *Service) primaryUp() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryUp() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: s.label(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		s.log.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: BackendPostgres}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendPostgres}
	}
	return Response{Results: s.label(results), Total: total, Query: q.Text, Backend: BackendPostgres}
}

// label fills titles from catalog labels, which only exist in the catalog.
func (s *Service) label(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	for i := range results {
		if s.catalog != nil {
			if entry, ok := s.catalog.Lookup(results[i].Key); ok && entry.Label != "" {
				results[i].Title = entry.Label
			}
		}
		if results[i].Title == "" {
			results[i].Title = results[i].Key
		}
	}
	return results
}

func (s *Service) document(record store.ContentRecord) ContentDocument {
	label := ""
	if s.catalog != nil {
		if entry, ok := s.catalog.Lookup(record.Key); ok {
			label = entry.Label
		}
	}
	return NewContentDocument(record, label)
}

// ContentChanged reindexes a record after publish or rollback
// (fire-and-forget to Meilisearch).
func (s *Service) ContentChanged(_ context.Context, change content.Change) error {
	if !s.primaryUp() {
		return nil
	}
	doc := s.document(change.Record)
	go func() {
		if err := s.primary.IndexContent([]ContentDocument{doc}); err != nil {
			s.log.Warn("index content", zap.String("content_key", doc.ContentKey), zap.Error(err))
		}
	}()
	return nil
}

// ReindexAll pushes every published record to Meilisearch. Called at startup.
func (s *Service) ReindexAll(records []store.ContentRecord) {
	if !s.primaryUp() || len(records) == 0 {
		return
	}
	docs := make([]ContentDocument, 0, len(records))
	for _, record := range records {
		docs = append(docs, s.document(record))
	}
	if err := s.primary.IndexContent(docs); err != nil {
		s.log.Warn("reindex content", zap.Error(err))
		return
	}
	s.log.Info("content reindexed", zap.Int("count", len(docs)))
}
