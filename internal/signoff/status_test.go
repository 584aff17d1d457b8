package signoff

import (
	"context"
	"errors"
	"testing"

	"countersign/api/internal/remote"
)

// fakeStore is shared by the tracker and engine tests.
type fakeStore struct {
	getCollectionFn    func(ctx context.Context, bucket, collection string) (remote.Collection, error)
	patchCollectionFn  func(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error)
	listRecordsFn      func(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error)
	recordsTimestampFn func(ctx context.Context, bucket, collection string) (*int64, error)
}

func (f *fakeStore) GetCollection(ctx context.Context, bucket, collection string) (remote.Collection, error) {
	if f.getCollectionFn != nil {
		return f.getCollectionFn(ctx, bucket, collection)
	}
	return remote.Collection{}, nil
}

func (f *fakeStore) PatchCollection(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error) {
	if f.patchCollectionFn != nil {
		return f.patchCollectionFn(ctx, bucket, collection, patch, ifUnmodifiedSince)
	}
	return remote.Collection{}, nil
}

func (f *fakeStore) ListRecords(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error) {
	if f.listRecordsFn != nil {
		return f.listRecordsFn(ctx, bucket, collection, opts)
	}
	return nil, nil
}

func (f *fakeStore) RecordsTimestamp(ctx context.Context, bucket, collection string) (*int64, error) {
	if f.recordsTimestampFn != nil {
		return f.recordsTimestampFn(ctx, bucket, collection)
	}
	return nil, nil
}

func testWorkflow() *Workflow {
	return &Workflow{
		Source:      ResourceRef{Bucket: "stage", Collection: "certs"},
		Preview:     &ResourceRef{Bucket: "preview", Collection: "certs"},
		Destination: ResourceRef{Bucket: "prod", Collection: "certs"},
	}
}

func TestTrackerWorkInProgressComparesAgainstPreview(t *testing.T) {
	ts := int64(1500)
	store := &fakeStore{
		getCollectionFn: func(_ context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{Status: "work-in-progress", LastModified: 2000}, nil
		},
		recordsTimestampFn: func(_ context.Context, bucket, collection string) (*int64, error) {
			if bucket != "preview" {
				t.Errorf("expected timestamp fetch on preview, got %s/%s", bucket, collection)
			}
			return &ts, nil
		},
		listRecordsFn: func(_ context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error) {
			if bucket != "stage" {
				t.Errorf("expected changed-records listing on source, got %s/%s", bucket, collection)
			}
			if opts.Since != ts {
				t.Errorf("expected since cursor %d, got %d", ts, opts.Since)
			}
			if len(opts.Fields) != 1 || opts.Fields[0] != "deleted" {
				t.Errorf("expected deletion-flags-only listing, got fields %v", opts.Fields)
			}
			return []remote.Record{
				{"id": "a"},
				{"id": "b", "deleted": true},
				{"id": "c"},
			}, nil
		},
	}

	status, err := NewTracker(store).Status(context.Background(), testWorkflow())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != StatusWorkInProgress {
		t.Errorf("expected work-in-progress, got %s", status.Status)
	}
	if status.ChangesOnSource != nil {
		t.Errorf("work-in-progress must not compare against destination, got %+v", status.ChangesOnSource)
	}
	summary := status.ChangesOnPreview
	if summary == nil {
		t.Fatal("expected a preview changes summary")
	}
	if summary.Since != ts || summary.Added != 2 || summary.Removed != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestTrackerToReviewComparesAgainstDestination(t *testing.T) {
	store := &fakeStore{
		getCollectionFn: func(_ context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{Status: "to-review", LastModified: 4200}, nil
		},
		recordsTimestampFn: func(_ context.Context, bucket, collection string) (*int64, error) {
			if bucket != "prod" {
				t.Errorf("expected timestamp fetch on destination, got %s/%s", bucket, collection)
			}
			// Destination never synced: fall back to source last_modified.
			return nil, nil
		},
		listRecordsFn: func(_ context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error) {
			if opts.Since != 4200 {
				t.Errorf("expected fallback cursor 4200, got %d", opts.Since)
			}
			return []remote.Record{{"id": "a"}}, nil
		},
	}

	status, err := NewTracker(store).Status(context.Background(), testWorkflow())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ChangesOnPreview != nil {
		t.Errorf("to-review must not compare against preview, got %+v", status.ChangesOnPreview)
	}
	if status.ChangesOnSource == nil || status.ChangesOnSource.Added != 1 {
		t.Errorf("unexpected destination summary: %+v", status.ChangesOnSource)
	}
}

func TestTrackerSignedHasNothingPending(t *testing.T) {
	store := &fakeStore{
		getCollectionFn: func(_ context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{Status: "signed"}, nil
		},
		recordsTimestampFn: func(_ context.Context, bucket, collection string) (*int64, error) {
			t.Error("signed status must not trigger a summary fetch")
			return nil, nil
		},
	}

	status, err := NewTracker(store).Status(context.Background(), testWorkflow())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ChangesOnSource != nil || status.ChangesOnPreview != nil {
		t.Errorf("signed status must carry no summaries: %+v", status)
	}
}

func TestTrackerWorkInProgressWithoutPreview(t *testing.T) {
	workflow := testWorkflow()
	workflow.Preview = nil
	store := &fakeStore{
		getCollectionFn: func(_ context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{Status: "work-in-progress"}, nil
		},
	}

	status, err := NewTracker(store).Status(context.Background(), workflow)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.ChangesOnPreview != nil || status.ChangesOnSource != nil {
		t.Errorf("no preview configured: expected no summaries, got %+v", status)
	}
}

func TestTrackerPropagatesFetchErrors(t *testing.T) {
	backendDown := errors.New("backend down")
	store := &fakeStore{
		getCollectionFn: func(_ context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{}, backendDown
		},
	}
	if _, err := NewTracker(store).Status(context.Background(), testWorkflow()); !errors.Is(err, backendDown) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

func TestTrackerNormalizesAuditDates(t *testing.T) {
	store := &fakeStore{
		getCollectionFn: func(_ context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{
				Status:            "signed",
				LastEditDate:      "2026-03-12T16:10:00.000Z",
				LastReviewDate:    "not a date",
				LastSignatureDate: "",
			}, nil
		},
	}

	status, err := NewTracker(store).Status(context.Background(), testWorkflow())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastEditDate == nil {
		t.Fatal("expected last edit date to parse")
	}
	if *status.LastEditDate != 1773331800000 {
		t.Errorf("unexpected epoch millis: %d", *status.LastEditDate)
	}
	if status.LastReviewDate != nil {
		t.Errorf("malformed date must normalize to nil, got %d", *status.LastReviewDate)
	}
	if status.LastSignatureDate != nil {
		t.Errorf("absent date must normalize to nil, got %d", *status.LastSignatureDate)
	}
}
