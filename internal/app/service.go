package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"countersign/api/internal/auth"
	"countersign/api/internal/config"
	"countersign/api/internal/diff"
	"countersign/api/internal/remote"
	"countersign/api/internal/search"
	"countersign/api/internal/session"
	"countersign/api/internal/signoff"
	"countersign/api/internal/store"
	"countersign/api/internal/util"
	"countersign/api/internal/watch"
)

// Session is an authenticated console session backed by a Redis entry.
type Session struct {
	Token      string
	TokenHash  string
	UserID     string
	Server     string
	Principals []string
	Credential string
	ExpiresAt  time.Time
}

// SignoffView is what the console renders for one collection: the resolved
// workflow, its tracked status, and which actions the current user may take.
type SignoffView struct {
	Enabled          bool                  `json:"enabled"`
	Workflow         *signoff.Workflow     `json:"workflow,omitempty"`
	Status           *signoff.SourceStatus `json:"status,omitempty"`
	CanReview        bool                  `json:"canReview"`
	CanRequestReview bool                  `json:"canRequestReview"`
}

// storeClient is the slice of the remote client the service consumes. It is
// an interface so tests can substitute a fake backend.
type storeClient interface {
	ServerInfo(ctx context.Context) (remote.ServerInfo, error)
	GetCollection(ctx context.Context, bucket, collection string) (remote.Collection, error)
	PatchCollection(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error)
	ListRecords(ctx context.Context, bucket, collection string, opts remote.ListOptions) ([]remote.Record, error)
	RecordsTimestamp(ctx context.Context, bucket, collection string) (*int64, error)
	ListPermissions(ctx context.Context) ([]remote.PermissionEntry, error)
	ListHistory(ctx context.Context, bucket string, limit int) ([]remote.HistoryEntry, error)
}

// ClientFactory builds a remote client for one server and credential. The
// returned client is what ties an action to the server that was current
// when the action started.
type ClientFactory func(server, authHeader string) storeClient

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, data session.Data) error
	Lookup(ctx context.Context, tokenHash string) (session.Data, error)
	Revoke(ctx context.Context, tokenHash string) error
	Generation(ctx context.Context, tokenHash string) (int64, error)
	BumpGeneration(ctx context.Context, tokenHash string) (int64, error)
	CacheServerInfo(ctx context.Context, tokenHash string, info remote.ServerInfo, ttl time.Duration) error
	CachedServerInfo(ctx context.Context, tokenHash string) (*remote.ServerInfo, error)
	Ping(ctx context.Context) error
}

type auditStore interface {
	InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error)
	Ping(ctx context.Context) error
}

const serverInfoTTL = 5 * time.Minute

type Service struct {
	cfg       config.Config
	sessions  sessionStore
	audit     auditStore
	search    *search.Service
	archive   signoff.Archiver
	credbox   *auth.CredentialBox
	newClient ClientFactory

	// updates carries action snapshots; statusView carries the latest
	// applied status load, guarded by the generation discard rule.
	updates    *watch.Observable[*signoff.Snapshot]
	statusView *watch.Observable[*SignoffView]
}

// New wires the service. archive may be nil when object storage is not
// configured; newClient may be nil to use the real HTTP client.
func New(cfg config.Config, sessions sessionStore, audit auditStore, searchService *search.Service, archive signoff.Archiver, newClient ClientFactory) *Service {
	if newClient == nil {
		newClient = func(server, authHeader string) storeClient {
			return remote.NewClient(server, authHeader, cfg.RemoteTimeout)
		}
	}
	return &Service{
		cfg:        cfg,
		sessions:   sessions,
		audit:      audit,
		search:     searchService,
		archive:    archive,
		credbox:    auth.NewCredentialBox(cfg.CredentialKey),
		newClient:  newClient,
		updates:    watch.New[*signoff.Snapshot](nil),
		statusView: watch.New[*SignoffView](nil),
	}
}

// Updates exposes the action snapshot stream for push transports.
func (s *Service) Updates() *watch.Observable[*signoff.Snapshot] {
	return s.updates
}

// StatusView exposes the latest applied status load.
func (s *Service) StatusView() *watch.Observable[*SignoffView] {
	return s.statusView
}

// Login verifies the credential against the record store and opens a
// console session. The credential is sealed before it is parked in Redis.
func (s *Service) Login(ctx context.Context, server, username, password string) (Session, error) {
	if server == "" {
		server = s.cfg.RemoteURL
	}
	authHeader := "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))

	client := s.newClient(server, authHeader)
	info, err := client.ServerInfo(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("verify credentials: %w", err)
	}
	if info.User.ID == "" {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Server did not authenticate the credentials", nil)
	}

	sealed, err := s.credbox.Seal(authHeader)
	if err != nil {
		return Session{}, fmt.Errorf("seal credential: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	claims := auth.Claims{
		Sub:    info.User.ID,
		Server: server,
		JTI:    util.NewID(""),
		Exp:    expiresAt.Unix(),
	}
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), claims)
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	tokenHash := auth.HashToken(token)

	data := session.Data{
		UserID:           info.User.ID,
		Server:           server,
		Principals:       info.User.Principals,
		SealedCredential: sealed,
		CreatedAt:        time.Now(),
	}
	if err := s.sessions.Save(ctx, tokenHash, data); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	if err := s.sessions.CacheServerInfo(ctx, tokenHash, info, serverInfoTTL); err != nil {
		log.Printf("app: cache server info: %v", err)
	}

	return Session{
		Token:      token,
		TokenHash:  tokenHash,
		UserID:     info.User.ID,
		Server:     server,
		Principals: info.User.Principals,
		Credential: authHeader,
		ExpiresAt:  expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token and loads its session.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	tokenHash := auth.HashToken(token)
	data, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	credential, err := s.credbox.Open(data.SealedCredential)
	if err != nil {
		return Session{}, fmt.Errorf("open session credential: %w", err)
	}
	return Session{
		Token:      token,
		TokenHash:  tokenHash,
		UserID:     data.UserID,
		Server:     data.Server,
		Principals: data.Principals,
		Credential: credential,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the session and its cached server state.
func (s *Service) Logout(ctx context.Context, sess Session) error {
	if sess.TokenHash == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, sess.TokenHash)
}

// SwitchServer re-points the session at another record store. The
// generation bump makes any in-flight load against the previous server come
// back stale and be discarded.
func (s *Service) SwitchServer(ctx context.Context, sess Session, server string) (Session, error) {
	client := s.newClient(server, sess.Credential)
	info, err := client.ServerInfo(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("verify credentials on %s: %w", server, err)
	}
	if info.User.ID == "" {
		return Session{}, domainError(401, "INVALID_CREDENTIALS", "Server did not authenticate the credentials", nil)
	}

	sealed, err := s.credbox.Seal(sess.Credential)
	if err != nil {
		return Session{}, fmt.Errorf("seal credential: %w", err)
	}
	data := session.Data{
		UserID:           info.User.ID,
		Server:           server,
		Principals:       info.User.Principals,
		SealedCredential: sealed,
		CreatedAt:        time.Now(),
	}
	if err := s.sessions.Save(ctx, sess.TokenHash, data); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}
	if _, err := s.sessions.BumpGeneration(ctx, sess.TokenHash); err != nil {
		return Session{}, fmt.Errorf("invalidate server state: %w", err)
	}
	if err := s.sessions.CacheServerInfo(ctx, sess.TokenHash, info, serverInfoTTL); err != nil {
		log.Printf("app: cache server info: %v", err)
	}

	sess.Server = server
	sess.UserID = info.User.ID
	sess.Principals = info.User.Principals
	return sess, nil
}

// serverInfo returns the session's server snapshot, from cache when fresh.
func (s *Service) serverInfo(ctx context.Context, sess Session, client storeClient) (remote.ServerInfo, error) {
	cached, err := s.sessions.CachedServerInfo(ctx, sess.TokenHash)
	if err != nil {
		log.Printf("app: read cached server info: %v", err)
	}
	if cached != nil {
		return *cached, nil
	}
	info, err := client.ServerInfo(ctx)
	if err != nil {
		return remote.ServerInfo{}, fmt.Errorf("fetch server info: %w", err)
	}
	if err := s.sessions.CacheServerInfo(ctx, sess.TokenHash, info, serverInfoTTL); err != nil {
		log.Printf("app: cache server info: %v", err)
	}
	return info, nil
}

// signerCapability extracts the sign-off capability from the server info.
// Nil means the server has no signer plugin and the workflow UI stays
// hidden.
func signerCapability(info remote.ServerInfo) *signoff.Capability {
	raw, ok := info.Capabilities["signer"]
	if !ok {
		return nil
	}
	var caps signoff.Capability
	if err := json.Unmarshal(raw, &caps); err != nil {
		log.Printf("app: malformed signer capability: %v", err)
		return nil
	}
	return &caps
}

// SignoffStatus resolves the workflow for the viewed collection and loads
// its status and the current user's allowed actions. The result is applied
// to the shared status view only if the session's server generation did not
// move while the load was in flight; a stale completion is returned to its
// caller but silently discarded from shared state.
func (s *Service) SignoffStatus(ctx context.Context, sess Session, bucket, collection string) (*SignoffView, error) {
	generation, err := s.sessions.Generation(ctx, sess.TokenHash)
	if err != nil {
		return nil, err
	}

	client := s.newClient(sess.Server, sess.Credential)
	info, err := s.serverInfo(ctx, sess, client)
	if err != nil {
		return nil, err
	}
	caps := signerCapability(info)
	workflow := signoff.Resolve(caps, bucket, collection)
	if workflow == nil {
		return &SignoffView{Enabled: false}, nil
	}

	status, err := signoff.NewTracker(client).Status(ctx, workflow)
	if err != nil {
		return nil, err
	}
	permissions, err := client.ListPermissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch permissions: %w", err)
	}

	user := info.User
	view := &SignoffView{
		Enabled:          true,
		Workflow:         workflow,
		Status:           status,
		CanReview:        signoff.CanReview(workflow, status, caps, &user),
		CanRequestReview: signoff.CanRequestReview(permissions, workflow, caps, &user, bucket, collection),
	}
	s.applyStatusView(ctx, sess, generation, view)
	return view, nil
}

// applyStatusView publishes a loaded view unless the session switched
// servers while the load was running (last request wins).
func (s *Service) applyStatusView(ctx context.Context, sess Session, generation int64, view *SignoffView) {
	current, err := s.sessions.Generation(ctx, sess.TokenHash)
	if err != nil {
		log.Printf("app: read session generation: %v", err)
		return
	}
	if current != generation {
		log.Printf("app: discarding stale status for %s (generation %d, now %d)",
			sess.Server, generation, current)
		return
	}
	s.statusView.Set(view)
}

// SignoffDiff computes the per-record change set between the workflow's
// comparison copy (preview when configured, destination otherwise) and the
// source.
func (s *Service) SignoffDiff(ctx context.Context, sess Session, bucket, collection string) ([]diff.Entry, error) {
	client := s.newClient(sess.Server, sess.Credential)
	info, err := s.serverInfo(ctx, sess, client)
	if err != nil {
		return nil, err
	}
	workflow := signoff.Resolve(signerCapability(info), bucket, collection)
	if workflow == nil {
		return nil, domainError(404, "SIGNOFF_NOT_CONFIGURED", "No sign-off workflow covers this collection", nil)
	}

	target := workflow.Destination
	if workflow.Preview != nil {
		target = *workflow.Preview
	}
	oldRecords, err := client.ListRecords(ctx, target.Bucket, target.Collection, remote.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s/%s records: %w", target.Bucket, target.Collection, err)
	}
	newRecords, err := client.ListRecords(ctx, workflow.Source.Bucket, workflow.Source.Collection, remote.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch source records: %w", err)
	}
	return diff.Compute(oldRecords, newRecords, nil), nil
}

// Action performs one workflow transition on behalf of the session's user,
// after checking the relevant authorization predicate.
func (s *Service) Action(ctx context.Context, sess Session, bucket, collection string, action signoff.Action, comment string) (*signoff.Snapshot, error) {
	client := s.newClient(sess.Server, sess.Credential)
	info, err := s.serverInfo(ctx, sess, client)
	if err != nil {
		return nil, err
	}
	caps := signerCapability(info)
	workflow := signoff.Resolve(caps, bucket, collection)
	if workflow == nil {
		return nil, domainError(404, "SIGNOFF_NOT_CONFIGURED", "No sign-off workflow covers this collection", nil)
	}

	if err := s.authorize(ctx, client, caps, workflow, info.User, action, bucket, collection); err != nil {
		return nil, err
	}

	recorder := &auditRecorder{store: s.audit, search: s.search}
	engine := signoff.NewEngine(client, recorder, s.archive, s.updates, sess.Server, sess.UserID)

	var snapshot *signoff.Snapshot
	switch action {
	case signoff.ActionRequestReview:
		snapshot, err = engine.RequestReview(ctx, workflow, comment)
	case signoff.ActionApprove:
		snapshot, err = engine.Approve(ctx, workflow)
	case signoff.ActionDecline:
		snapshot, err = engine.Decline(ctx, workflow, comment)
	case signoff.ActionRollback:
		snapshot, err = engine.Rollback(ctx, workflow, comment)
	default:
		return nil, domainError(400, "UNKNOWN_ACTION", "Unknown sign-off action", action)
	}
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// authorize applies the predicate matching the action: reviewers approve or
// decline, editors request reviews and roll back.
func (s *Service) authorize(ctx context.Context, client storeClient, caps *signoff.Capability, workflow *signoff.Workflow, user remote.UserInfo, action signoff.Action, bucket, collection string) error {
	switch action {
	case signoff.ActionApprove, signoff.ActionDecline:
		status, err := signoff.NewTracker(client).Status(ctx, workflow)
		if err != nil {
			return err
		}
		if !signoff.CanReview(workflow, status, caps, &user) {
			return domainError(403, "FORBIDDEN", "You are not allowed to review these changes", nil)
		}
	case signoff.ActionRequestReview, signoff.ActionRollback:
		permissions, err := client.ListPermissions(ctx)
		if err != nil {
			return fmt.Errorf("fetch permissions: %w", err)
		}
		if !signoff.CanRequestReview(permissions, workflow, caps, &user, bucket, collection) {
			return domainError(403, "FORBIDDEN", "You are not allowed to edit this collection", nil)
		}
	}
	return nil
}

// AuditLog lists recorded sign-off decisions.
func (s *Service) AuditLog(ctx context.Context, filter store.AuditFilter) ([]store.AuditEntry, error) {
	return s.audit.ListAuditEntries(ctx, filter)
}

// SearchAudit runs a free-text search over the decision history.
func (s *Service) SearchAudit(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

// History proxies the bucket's remote history feed for the timeline panel.
func (s *Service) History(ctx context.Context, sess Session, bucket string, limit int) ([]remote.HistoryEntry, error) {
	client := s.newClient(sess.Server, sess.Credential)
	entries, err := client.ListHistory(ctx, bucket, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return entries, nil
}

// Ping checks the audit database.
func (s *Service) Ping(ctx context.Context) error {
	return s.audit.Ping(ctx)
}

// PingSessions checks session storage.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// IsStaleSession reports whether the error means the caller should
// re-authenticate.
func IsStaleSession(err error) bool {
	return errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, auth.ErrInvalidToken) ||
		errors.Is(err, auth.ErrExpiredToken)
}

// auditRecorder persists engine actions and feeds the search index.
type auditRecorder struct {
	store  auditStore
	search *search.Service
}

func (r *auditRecorder) RecordAction(ctx context.Context, server string, workflow *signoff.Workflow, action signoff.Action, from, to signoff.Status, comment, author string) error {
	if r.store == nil {
		return nil
	}
	entry := store.AuditEntry{
		ID:                    util.NewID("audit"),
		Server:                server,
		SourceBucket:          workflow.Source.Bucket,
		SourceCollection:      workflow.Source.Collection,
		DestinationBucket:     workflow.Destination.Bucket,
		DestinationCollection: workflow.Destination.Collection,
		Action:                string(action),
		FromStatus:            string(from),
		ToStatus:              string(to),
		Comment:               comment,
		Author:                author,
		CreatedAt:             time.Now(),
	}
	if err := r.store.InsertAuditEntry(ctx, entry); err != nil {
		return err
	}
	if r.search != nil {
		r.search.IndexAuditEntry(entry)
	}
	return nil
}
