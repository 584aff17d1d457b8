package search

import (
	"context"
	"log"
	"time"

	"countersign/api/internal/store"
)

// auditStore is the Postgres fallback behind the facade.
type auditStore interface {
	SearchAuditEntries(ctx context.Context, text string, limit int) ([]store.AuditEntry, error)
}

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres audit table.
type Service struct {
	meili *Meili
	audit auditStore
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, audit auditStore) *Service {
	return &Service{meili: meili, audit: audit}
}

// Search tries Meilisearch if healthy, otherwise queries Postgres.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	entries, err := s.audit.SearchAuditEntries(ctx, q.Text, q.Limit)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results := make([]Result, 0, len(entries))
	for _, entry := range entries {
		if q.Bucket != "" && entry.SourceBucket != q.Bucket {
			continue
		}
		results = append(results, fromAuditEntry(entry))
	}
	return Response{Results: results, Total: len(results), Query: q.Text}
}

// IndexAuditEntry indexes one entry (fire-and-forget to Meilisearch).
func (s *Service) IndexAuditEntry(entry store.AuditEntry) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		indexed := Entry{
			ID:         entry.ID,
			Bucket:     entry.SourceBucket,
			Collection: entry.SourceCollection,
			Action:     entry.Action,
			ToStatus:   entry.ToStatus,
			Comment:    entry.Comment,
			Author:     entry.Author,
			CreatedAt:  entry.CreatedAt.Format(time.RFC3339),
		}
		if err := s.meili.IndexEntry(indexed); err != nil {
			log.Printf("search: index audit entry %s: %v", entry.ID, err)
		}
	}()
}

func fromAuditEntry(entry store.AuditEntry) Result {
	return Result{
		ID:         entry.ID,
		Bucket:     entry.SourceBucket,
		Collection: entry.SourceCollection,
		Action:     entry.Action,
		ToStatus:   entry.ToStatus,
		Comment:    entry.Comment,
		Author:     entry.Author,
		CreatedAt:  entry.CreatedAt.Format(time.RFC3339),
	}
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
