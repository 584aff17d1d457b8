package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"countersign/api/internal/config"
	"countersign/api/internal/remote"
	"countersign/api/internal/session"
	"countersign/api/internal/signoff"
	"countersign/api/internal/store"
)

type fakeClient struct {
	serverInfoFn       func(ctx context.Context) (remote.ServerInfo, error)
	getCollectionFn    func(ctx context.Context, bucket, collection string) (remote.Collection, error)
	patchCollectionFn  func(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error)
	listRecordsFn      func(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error)
	recordsTimestampFn func(ctx context.Context, bucket, collection string) (*int64, error)
	listPermissionsFn  func(ctx context.Context) ([]remote.PermissionEntry, error)
	listHistoryFn      func(ctx context.Context, bucket string, limit int) ([]remote.HistoryEntry, error)
}

func (f *fakeClient) ServerInfo(ctx context.Context) (remote.ServerInfo, error) {
	if f.serverInfoFn == nil {
		return remote.ServerInfo{}, nil
	}
	return f.serverInfoFn(ctx)
}

func (f *fakeClient) GetCollection(ctx context.Context, bucket, collection string) (remote.Collection, error) {
	if f.getCollectionFn == nil {
		return remote.Collection{}, nil
	}
	return f.getCollectionFn(ctx, bucket, collection)
}

func (f *fakeClient) PatchCollection(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error) {
	if f.patchCollectionFn == nil {
		return remote.Collection{}, nil
	}
	return f.patchCollectionFn(ctx, bucket, collection, patch, ifUnmodifiedSince)
}

func (f *fakeClient) ListRecords(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error) {
	if f.listRecordsFn == nil {
		return nil, nil
	}
	return f.listRecordsFn(ctx, bucket, collection, opts)
}

func (f *fakeClient) RecordsTimestamp(ctx context.Context, bucket, collection string) (*int64, error) {
	if f.recordsTimestampFn == nil {
		return nil, nil
	}
	return f.recordsTimestampFn(ctx, bucket, collection)
}

func (f *fakeClient) ListPermissions(ctx context.Context) ([]remote.PermissionEntry, error) {
	if f.listPermissionsFn == nil {
		return nil, nil
	}
	return f.listPermissionsFn(ctx)
}

func (f *fakeClient) ListHistory(ctx context.Context, bucket string, limit int) ([]remote.HistoryEntry, error) {
	if f.listHistoryFn == nil {
		return nil, nil
	}
	return f.listHistoryFn(ctx, bucket, limit)
}

type fakeAudit struct {
	entries []store.AuditEntry
}

func (f *fakeAudit) InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAudit) ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return f.entries, nil
}

func (f *fakeAudit) Ping(ctx context.Context) error { return nil }

func newTestService(t *testing.T, client *fakeClient, audit *fakeAudit) (*Service, *session.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	sessions := session.NewRedisStoreWithClient(rdb, time.Hour)

	cfg := config.Config{
		RemoteURL:     "http://store.test/v1",
		TokenSecret:   "test-secret",
		CredentialKey: "test-credential-key",
		SessionTTL:    time.Hour,
	}
	factory := func(server, authHeader string) storeClient { return client }
	return New(cfg, sessions, audit, nil, nil, factory), sessions
}

// signerInfo builds server info advertising one stage -> preview -> prod
// pipeline over the "certs" collection.
func signerInfo(user remote.UserInfo) remote.ServerInfo {
	capability := `{
		"resources": [{
			"source": {"bucket": "stage", "collection": "certs"},
			"preview": {"bucket": "preview", "collection": "certs"},
			"destination": {"bucket": "prod", "collection": "certs"}
		}],
		"to_review_enabled": true
	}`
	return remote.ServerInfo{
		URL:          "http://store.test/v1",
		Capabilities: map[string]json.RawMessage{"signer": json.RawMessage(capability)},
		User:         user,
	}
}

func reviewer() remote.UserInfo {
	return remote.UserInfo{
		ID:         "account:rita",
		Principals: []string{"account:rita", "/buckets/stage/groups/certs-reviewers"},
	}
}

func editor() remote.UserInfo {
	return remote.UserInfo{
		ID:         "account:ed",
		Principals: []string{"account:ed", "/buckets/stage/groups/certs-editors"},
	}
}

func editorPermissions() []remote.PermissionEntry {
	return []remote.PermissionEntry{{
		ResourceName: "collection",
		Bucket:       "stage",
		Collection:   "certs",
		Permissions:  []string{"read", "write"},
	}}
}

func TestLoginOpensSession(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})
	ctx := context.Background()

	sess, err := svc.Login(ctx, "", "ed", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if sess.UserID != "account:ed" || sess.Server != "http://store.test/v1" {
		t.Errorf("unexpected session: %+v", sess)
	}

	loaded, err := svc.SessionFromToken(ctx, sess.Token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	wantCredential := "Basic " + base64.StdEncoding.EncodeToString([]byte("ed:hunter2"))
	if loaded.Credential != wantCredential {
		t.Errorf("credential round-trip mismatch: %q", loaded.Credential)
	}
	if loaded.UserID != "account:ed" {
		t.Errorf("unexpected loaded session: %+v", loaded)
	}
}

func TestLoginRejectsAnonymous(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			// Kinto-style servers answer anonymous requests without a user.
			return remote.ServerInfo{URL: "http://store.test/v1"}, nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	_, err := svc.Login(context.Background(), "", "ed", "wrong")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected a 401 domain error, got %v", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})
	ctx := context.Background()

	sess, err := svc.Login(ctx, "", "ed", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if err := svc.Logout(ctx, sess); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, sess.Token); !IsStaleSession(err) {
		t.Errorf("expected a stale-session error after logout, got %v", err)
	}
}

func TestSignoffStatusWithoutCapability(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return remote.ServerInfo{URL: "http://store.test/v1", User: editor()}, nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	view, err := svc.SignoffStatus(context.Background(), testSession(), "stage", "certs")
	if err != nil {
		t.Fatalf("SignoffStatus failed: %v", err)
	}
	if view.Enabled {
		t.Error("expected sign-off to be disabled without the signer capability")
	}
}

func TestSignoffStatusLoadsView(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(reviewer()), nil
		},
		getCollectionFn: func(ctx context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{ID: "certs", LastModified: 1000, Status: "signed"}, nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	view, err := svc.SignoffStatus(context.Background(), testSession(), "stage", "certs")
	if err != nil {
		t.Fatalf("SignoffStatus failed: %v", err)
	}
	if !view.Enabled || view.Workflow == nil || view.Status == nil {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.Status.Status != signoff.StatusSigned {
		t.Errorf("unexpected status: %+v", view.Status)
	}
	if !view.CanReview {
		t.Error("expected the reviewer to be allowed to review")
	}
	if view.CanRequestReview {
		t.Error("reviewer without write permission should not request reviews")
	}
	if got := svc.StatusView().Get(); got != view {
		t.Error("expected the loaded view to be published")
	}
}

func TestSignoffStatusDiscardsStaleLoad(t *testing.T) {
	var sessions *session.RedisStore
	sess := testSession()
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(reviewer()), nil
		},
		getCollectionFn: func(ctx context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{ID: "certs", LastModified: 1000, Status: "signed"}, nil
		},
		listPermissionsFn: func(ctx context.Context) ([]remote.PermissionEntry, error) {
			// A server switch lands while this load is still in flight.
			if _, err := sessions.BumpGeneration(ctx, sess.TokenHash); err != nil {
				t.Fatalf("BumpGeneration failed: %v", err)
			}
			return nil, nil
		},
	}
	svc, redisStore := newTestService(t, client, &fakeAudit{})
	sessions = redisStore

	view, err := svc.SignoffStatus(context.Background(), sess, "stage", "certs")
	if err != nil {
		t.Fatalf("SignoffStatus failed: %v", err)
	}
	if view == nil || !view.Enabled {
		t.Fatalf("the caller still gets its result: %+v", view)
	}
	if got := svc.StatusView().Get(); got != nil {
		t.Errorf("stale load must not be published, got %+v", got)
	}
}

func TestSwitchServerInvalidatesStatusLoads(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
	}
	svc, sessions := newTestService(t, client, &fakeAudit{})
	ctx := context.Background()

	sess, err := svc.Login(ctx, "", "ed", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	before, err := sessions.Generation(ctx, sess.TokenHash)
	if err != nil {
		t.Fatalf("Generation failed: %v", err)
	}

	switched, err := svc.SwitchServer(ctx, sess, "http://other.test/v1")
	if err != nil {
		t.Fatalf("SwitchServer failed: %v", err)
	}
	if switched.Server != "http://other.test/v1" {
		t.Errorf("unexpected session after switch: %+v", switched)
	}
	after, err := sessions.Generation(ctx, sess.TokenHash)
	if err != nil {
		t.Fatalf("Generation failed: %v", err)
	}
	if after != before+1 {
		t.Errorf("expected the generation to move from %d, got %d", before, after)
	}
}

func TestSignoffDiffComparesPreviewAgainstSource(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
		listRecordsFn: func(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error) {
			switch bucket {
			case "preview":
				return []remote.Record{
					{"id": "a", "last_modified": 10, "value": 1},
					{"id": "b", "last_modified": 10, "value": 2},
				}, nil
			case "stage":
				return []remote.Record{
					{"id": "b", "last_modified": 20, "value": 3},
					{"id": "c", "last_modified": 20, "value": 4},
				}, nil
			}
			t.Errorf("unexpected records fetch from %s/%s", bucket, collection)
			return nil, nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	entries, err := svc.SignoffDiff(context.Background(), testSession(), "stage", "certs")
	if err != nil {
		t.Fatalf("SignoffDiff failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}
	got := map[string]string{}
	for _, entry := range entries {
		got[entry.ID] = string(entry.Type)
	}
	want := map[string]string{"a": "remove", "b": "update", "c": "add"}
	for id, kind := range want {
		if got[id] != kind {
			t.Errorf("record %s: got %q want %q", id, got[id], kind)
		}
	}
}

func TestSignoffDiffWithoutWorkflow(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	_, err := svc.SignoffDiff(context.Background(), testSession(), "stage", "unrelated")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected a 404 domain error, got %v", err)
	}
}

func TestActionRequestReview(t *testing.T) {
	sourceStatus := "work-in-progress"
	var patched map[string]any
	timestamp := int64(500)
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
		getCollectionFn: func(ctx context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{ID: "certs", LastModified: 1000, Status: sourceStatus}, nil
		},
		patchCollectionFn: func(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error) {
			if ifUnmodifiedSince != 1000 {
				t.Errorf("unexpected If-Match timestamp %d", ifUnmodifiedSince)
			}
			patched = patch
			sourceStatus = "to-review"
			return remote.Collection{ID: "certs", LastModified: 1001, Status: sourceStatus}, nil
		},
		recordsTimestampFn: func(ctx context.Context, bucket, collection string) (*int64, error) {
			return &timestamp, nil
		},
		listPermissionsFn: func(ctx context.Context) ([]remote.PermissionEntry, error) {
			return editorPermissions(), nil
		},
	}
	audit := &fakeAudit{}
	svc, _ := newTestService(t, client, audit)

	snapshot, err := svc.Action(context.Background(), testSession(), "stage", "certs", signoff.ActionRequestReview, "please review")
	if err != nil {
		t.Fatalf("Action failed: %v", err)
	}
	if snapshot.Notice != signoff.NoticeReviewRequested {
		t.Errorf("unexpected notice %q", snapshot.Notice)
	}
	if patched["status"] != "to-review" || patched["last_editor_comment"] != "please review" {
		t.Errorf("unexpected patch payload: %+v", patched)
	}
	if len(audit.entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audit.entries))
	}
	entry := audit.entries[0]
	if entry.Action != "request-review" || entry.FromStatus != "work-in-progress" || entry.ToStatus != "to-review" {
		t.Errorf("unexpected audit entry: %+v", entry)
	}
	if entry.Author != testSession().UserID || entry.SourceBucket != "stage" || entry.DestinationBucket != "prod" {
		t.Errorf("unexpected audit entry: %+v", entry)
	}
	if got := svc.Updates().Get(); got != snapshot {
		t.Error("expected the snapshot to be published")
	}
}

func TestActionApproveForbiddenForNonReviewer(t *testing.T) {
	timestamp := int64(500)
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
		getCollectionFn: func(ctx context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{ID: "certs", LastModified: 1000, Status: "to-review"}, nil
		},
		recordsTimestampFn: func(ctx context.Context, bucket, collection string) (*int64, error) {
			return &timestamp, nil
		},
		patchCollectionFn: func(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error) {
			t.Error("a forbidden action must not write")
			return remote.Collection{}, nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	_, err := svc.Action(context.Background(), testSession(), "stage", "certs", signoff.ActionApprove, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected a 403 domain error, got %v", err)
	}
}

func TestActionApproveBlocksSelfReview(t *testing.T) {
	user := reviewer()
	timestamp := int64(500)
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(user), nil
		},
		getCollectionFn: func(ctx context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{
				ID: "certs", LastModified: 1000, Status: "to-review",
				LastReviewRequestBy: user.ID,
			}, nil
		},
		recordsTimestampFn: func(ctx context.Context, bucket, collection string) (*int64, error) {
			return &timestamp, nil
		},
	}
	svc, _ := newTestService(t, client, &fakeAudit{})

	_, err := svc.Action(context.Background(), testSession(), "stage", "certs", signoff.ActionApprove, "")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected a 403 domain error, got %v", err)
	}
}

func TestActionPreconditionFailurePropagates(t *testing.T) {
	client := &fakeClient{
		serverInfoFn: func(ctx context.Context) (remote.ServerInfo, error) {
			return signerInfo(editor()), nil
		},
		getCollectionFn: func(ctx context.Context, bucket, collection string) (remote.Collection, error) {
			return remote.Collection{ID: "certs", LastModified: 1000, Status: "work-in-progress"}, nil
		},
		patchCollectionFn: func(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error) {
			return remote.Collection{}, remote.ErrPreconditionFailed
		},
		listPermissionsFn: func(ctx context.Context) ([]remote.PermissionEntry, error) {
			return editorPermissions(), nil
		},
	}
	audit := &fakeAudit{}
	svc, _ := newTestService(t, client, audit)

	_, err := svc.Action(context.Background(), testSession(), "stage", "certs", signoff.ActionRequestReview, "c")
	if !errors.Is(err, remote.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}
	if len(audit.entries) != 0 {
		t.Errorf("a failed write must not be audited: %+v", audit.entries)
	}
	if got := svc.Updates().Get(); got != nil {
		t.Errorf("a failed write must not publish a snapshot: %+v", got)
	}
}

func testSession() Session {
	return Session{
		Token:     "test-token",
		TokenHash: "test-token-hash",
		UserID:    "account:ed",
		Server:    "http://store.test/v1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}
