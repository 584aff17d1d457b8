package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxAudit = "countersign_audit"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the audit index.
// An unreachable server is tolerated; the health loop reconfigures once it
// comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxAudit,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxAudit, err)
	}

	index := m.client.Index(idxAudit)
	filterable := []interface{}{"bucket", "collection", "action", "author"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxAudit, err)
	}
	searchable := []string{"comment", "author", "collection"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxAudit, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether the last health check succeeded.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexEntry pushes one audit entry into the index.
func (m *Meili) IndexEntry(entry Entry) error {
	if _, err := m.client.Index(idxAudit).AddDocuments([]Entry{entry}, nil); err != nil {
		return fmt.Errorf("index audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// Search executes a full-text query over the audit index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	request := &meili.SearchRequest{Limit: int64(limit)}
	if q.Bucket != "" {
		request.Filter = fmt.Sprintf("bucket = %q", q.Bucket)
	}
	resp, err := m.client.Index(idxAudit).Search(q.Text, request)
	if err != nil {
		return nil, 0, fmt.Errorf("meilisearch query: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, Result{
			ID:         decodeString(hit, "id"),
			Bucket:     decodeString(hit, "bucket"),
			Collection: decodeString(hit, "collection"),
			Action:     decodeString(hit, "action"),
			ToStatus:   decodeString(hit, "toStatus"),
			Comment:    decodeString(hit, "comment"),
			Author:     decodeString(hit, "author"),
			CreatedAt:  decodeString(hit, "createdAt"),
		})
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
