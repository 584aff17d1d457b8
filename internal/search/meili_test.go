package search

import (
	"encoding/json"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
)

func TestDecodeString(t *testing.T) {
	hit := meili.Hit{
		"id":      json.RawMessage(`"audit_1"`),
		"comment": json.RawMessage(`"please review"`),
		"count":   json.RawMessage(`42`),
	}

	if got := decodeString(hit, "id"); got != "audit_1" {
		t.Errorf("id: got %q", got)
	}
	if got := decodeString(hit, "comment"); got != "please review" {
		t.Errorf("comment: got %q", got)
	}
	if got := decodeString(hit, "count"); got != "" {
		t.Errorf("non-string value must decode empty, got %q", got)
	}
	if got := decodeString(hit, "missing"); got != "" {
		t.Errorf("missing key must decode empty, got %q", got)
	}
}
