package signoff

import (
	"context"
	"fmt"
	"time"

	"countersign/api/internal/remote"
)

// Status is the editorial state of a source collection.
type Status string

const (
	StatusWorkInProgress Status = "work-in-progress"
	StatusToReview       Status = "to-review"
	StatusToSign         Status = "to-sign"
	StatusToRollback     Status = "to-rollback"
	StatusSigned         Status = "signed"
)

// ChangesSummary counts the records written on the source since the
// comparison copy was last brought up to date.
type ChangesSummary struct {
	Since   int64 `json:"since"`
	Added   int   `json:"added"`
	Removed int   `json:"removed"`
}

// SourceStatus is the tracked state of a workflow's source collection:
// its status, normalized audit fields (epoch milliseconds; nil when the
// server value is absent or unparseable), and the pending-change summaries
// relevant to the current status.
type SourceStatus struct {
	Status              Status  `json:"status"`
	LastModified        int64   `json:"lastModified"`
	LastEditBy          string  `json:"lastEditBy,omitempty"`
	LastEditDate        *int64  `json:"lastEditDate,omitempty"`
	LastEditorComment   string  `json:"lastEditorComment,omitempty"`
	LastReviewRequestBy string  `json:"lastReviewRequestBy,omitempty"`
	LastReviewRequestDate *int64 `json:"lastReviewRequestDate,omitempty"`
	LastReviewBy        string  `json:"lastReviewBy,omitempty"`
	LastReviewDate      *int64  `json:"lastReviewDate,omitempty"`
	LastReviewerComment string  `json:"lastReviewerComment,omitempty"`
	LastSignatureBy     string  `json:"lastSignatureBy,omitempty"`
	LastSignatureDate   *int64  `json:"lastSignatureDate,omitempty"`

	// ChangesOnSource compares source against destination (set while a
	// review is pending); ChangesOnPreview compares source against the
	// preview copy (set while work is in progress). Nil when not
	// applicable.
	ChangesOnSource  *ChangesSummary `json:"changesOnSource,omitempty"`
	ChangesOnPreview *ChangesSummary `json:"changesOnPreview,omitempty"`
}

// storeReader is the slice of the remote client the tracker needs.
type storeReader interface {
	GetCollection(ctx context.Context, bucket, collection string) (remote.Collection, error)
	ListRecords(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error)
	RecordsTimestamp(ctx context.Context, bucket, collection string) (*int64, error)
}

// Tracker reads a workflow's status and pending-change counts.
type Tracker struct {
	store storeReader
}

// NewTracker creates a tracker over the given store client.
func NewTracker(store storeReader) *Tracker {
	return &Tracker{store: store}
}

// Status fetches the source collection's metadata and, depending on its
// status, the summary of changes pending against the preview (while work is
// in progress) or the destination (while a review is pending). A signed
// workflow has nothing pending and gets no summary.
func (t *Tracker) Status(ctx context.Context, workflow *Workflow) (*SourceStatus, error) {
	coll, err := t.store.GetCollection(ctx, workflow.Source.Bucket, workflow.Source.Collection)
	if err != nil {
		return nil, fmt.Errorf("fetch source status: %w", err)
	}
	status := fromCollection(coll)

	switch status.Status {
	case StatusWorkInProgress:
		if workflow.Preview != nil {
			summary, err := t.summarize(ctx, workflow.Source, *workflow.Preview, coll.LastModified)
			if err != nil {
				return nil, err
			}
			status.ChangesOnPreview = summary
		}
	case StatusSigned:
		// Nothing pending.
	default:
		summary, err := t.summarize(ctx, workflow.Source, workflow.Destination, coll.LastModified)
		if err != nil {
			return nil, err
		}
		status.ChangesOnSource = summary
	}
	return status, nil
}

// summarize counts records written on the source since the target copy's
// records timestamp. The records timestamp only moves on record content
// changes, unlike the metadata timestamp bumped by every signature refresh;
// a target with no records yet falls back to the source's last_modified.
func (t *Tracker) summarize(ctx context.Context, source, target ResourceRef, fallback int64) (*ChangesSummary, error) {
	since, err := t.store.RecordsTimestamp(ctx, target.Bucket, target.Collection)
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s records timestamp: %w", target.Bucket, target.Collection, err)
	}
	cursor := fallback
	if since != nil {
		cursor = *since
	}

	records, err := t.store.ListRecords(ctx, source.Bucket, source.Collection, remote.ListOptions{
		Since:  cursor,
		Fields: []string{"deleted"},
	})
	if err != nil {
		return nil, fmt.Errorf("list changed records: %w", err)
	}

	summary := &ChangesSummary{Since: cursor}
	for _, record := range records {
		if record.Deleted() {
			summary.Removed++
		} else {
			summary.Added++
		}
	}
	return summary, nil
}

func fromCollection(coll remote.Collection) *SourceStatus {
	status := Status(coll.Status)
	if status == "" {
		status = StatusSigned
	}
	return &SourceStatus{
		Status:                status,
		LastModified:          coll.LastModified,
		LastEditBy:            coll.LastEditBy,
		LastEditDate:          parseDateMillis(coll.LastEditDate),
		LastEditorComment:     coll.LastEditorComment,
		LastReviewRequestBy:   coll.LastReviewRequestBy,
		LastReviewRequestDate: parseDateMillis(coll.LastReviewRequestDate),
		LastReviewBy:          coll.LastReviewBy,
		LastReviewDate:        parseDateMillis(coll.LastReviewDate),
		LastReviewerComment:   coll.LastReviewerComment,
		LastSignatureBy:       coll.LastSignatureBy,
		LastSignatureDate:     parseDateMillis(coll.LastSignatureDate),
	}
}

// parseDateMillis converts a server date string to epoch milliseconds.
// Absent or malformed values normalize to nil so downstream consumers never
// see NaN-like garbage.
func parseDateMillis(value string) *int64 {
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return nil
	}
	millis := parsed.UnixMilli()
	return &millis
}
