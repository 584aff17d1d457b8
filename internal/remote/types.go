package remote

import "encoding/json"

// Record is one document in a collection, as decoded from the store's JSON.
// Identity is the "id" field.
type Record map[string]any

// ID returns the record's id, or "" if it has none.
func (r Record) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Deleted reports whether the record is a deletion tombstone.
func (r Record) Deleted() bool {
	deleted, _ := r["deleted"].(bool)
	return deleted
}

// Collection is the metadata of a collection resource, including the
// review-workflow status and audit fields maintained by the signer plugin.
type Collection struct {
	ID                    string `json:"id"`
	LastModified          int64  `json:"last_modified"`
	Status                string `json:"status"`
	LastEditBy            string `json:"last_edit_by"`
	LastEditDate          string `json:"last_edit_date"`
	LastEditorComment     string `json:"last_editor_comment"`
	LastReviewRequestBy   string `json:"last_review_request_by"`
	LastReviewRequestDate string `json:"last_review_request_date"`
	LastReviewBy          string `json:"last_review_by"`
	LastReviewDate        string `json:"last_review_date"`
	LastReviewerComment   string `json:"last_reviewer_comment"`
	LastSignatureBy       string `json:"last_signature_by"`
	LastSignatureDate     string `json:"last_signature_date"`
}

// ServerInfo is the root endpoint payload: who we are and what the server
// supports.
type ServerInfo struct {
	URL          string                     `json:"url"`
	Capabilities map[string]json.RawMessage `json:"capabilities"`
	User         UserInfo                   `json:"user"`
}

// UserInfo identifies the authenticated user and the principals (user id,
// group URIs, system principals) the server resolved for it.
type UserInfo struct {
	ID         string   `json:"id"`
	Principals []string `json:"principals"`
}

// PermissionEntry is one row of the /permissions listing: a resource the
// user holds permissions on. Collection is empty for bucket-level entries.
type PermissionEntry struct {
	ResourceName string   `json:"resource_name"`
	Bucket       string   `json:"bucket_id"`
	Collection   string   `json:"collection_id"`
	Permissions  []string `json:"permissions"`
}

// HistoryEntry is one row of a bucket's history feed.
type HistoryEntry struct {
	ID           string `json:"id"`
	LastModified int64  `json:"last_modified"`
	Date         string `json:"date"`
	Action       string `json:"action"`
	ResourceName string `json:"resource_name"`
	Bucket       string `json:"bucket_id"`
	Collection   string `json:"collection_id"`
	RecordID     string `json:"record_id"`
	UserID       string `json:"user_id"`
}

// ListOptions narrows a records listing. Since of 0 means "from the
// beginning"; Fields limits the returned record bodies to the named fields
// (plus id/last_modified, which the server always includes).
type ListOptions struct {
	Since  int64
	Fields []string
}
