package signoff

import (
	"context"
	"fmt"
	"log"

	"countersign/api/internal/remote"
	"countersign/api/internal/watch"
)

// Action names one workflow transition, as recorded in the audit log.
type Action string

const (
	ActionRequestReview Action = "request-review"
	ActionApprove       Action = "approve"
	ActionDecline       Action = "decline"
	ActionRollback      Action = "rollback"
)

// Notices returned to the console for its toast layer.
const (
	NoticeReviewRequested    = "Review requested."
	NoticeSignatureRequested = "Signature requested."
	NoticeChangesDeclined    = "Changes declined."
	NoticeChangesRolledBack  = "Changes were rolled back."
)

// TransitionError reports an action invoked from a status it is not legal
// in. No write has happened when it is returned.
type TransitionError struct {
	Action Action
	From   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("signoff: cannot %s from status %q", e.Action, e.From)
}

// Snapshot is one consistent view of a workflow after an action: the fresh
// status and the records it was fetched together with, plus the success
// notice for the console.
type Snapshot struct {
	Workflow *Workflow       `json:"workflow"`
	Status   *SourceStatus   `json:"status"`
	Records  []remote.Record `json:"records"`
	Notice   string          `json:"notice"`
}

// storeWriter is the slice of the remote client the engine needs.
type storeWriter interface {
	storeReader
	PatchCollection(ctx context.Context, bucket, collection string, patch map[string]any, ifUnmodifiedSince int64) (remote.Collection, error)
}

// AuditRecorder persists one entry per completed workflow action.
type AuditRecorder interface {
	RecordAction(ctx context.Context, server string, workflow *Workflow, action Action, from, to Status, comment, author string) error
}

// Archiver retains a copy of an approved change set.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, workflow *Workflow, snapshot *Snapshot) error
}

// Engine performs the four workflow transitions. Every action is one
// conditional write of the source collection's metadata followed, strictly
// in order, by a records refetch and a status refetch forming the snapshot
// published to subscribers. A failed write leaves no client-side state
// behind.
type Engine struct {
	store   storeWriter
	tracker *Tracker
	audit   AuditRecorder
	archive Archiver
	updates *watch.Observable[*Snapshot]
	server  string
	author  string
}

// NewEngine creates an engine acting as the given author against one store
// client. audit, archive, and updates may be nil when the corresponding
// side channel is not configured.
func NewEngine(store storeWriter, audit AuditRecorder, archive Archiver, updates *watch.Observable[*Snapshot], server, author string) *Engine {
	return &Engine{
		store:   store,
		tracker: NewTracker(store),
		audit:   audit,
		archive: archive,
		updates: updates,
		server:  server,
		author:  author,
	}
}

// RequestReview moves a work-in-progress workflow to to-review, attaching
// the editor's comment.
func (e *Engine) RequestReview(ctx context.Context, workflow *Workflow, comment string) (*Snapshot, error) {
	return e.transition(ctx, workflow, ActionRequestReview, transition{
		from:         []Status{StatusWorkInProgress},
		to:           StatusToReview,
		commentField: "last_editor_comment",
		comment:      comment,
		notice:       NoticeReviewRequested,
	})
}

// Approve moves a to-review workflow to to-sign. The backend signer resolves
// to-sign back to signed on its own; the engine does not wait for that.
func (e *Engine) Approve(ctx context.Context, workflow *Workflow) (*Snapshot, error) {
	return e.transition(ctx, workflow, ActionApprove, transition{
		from:         []Status{StatusToReview},
		to:           StatusToSign,
		commentField: "last_reviewer_comment",
		comment:      "",
		notice:       NoticeSignatureRequested,
	})
}

// Decline sends a to-review workflow back to work-in-progress with the
// reviewer's comment.
func (e *Engine) Decline(ctx context.Context, workflow *Workflow, comment string) (*Snapshot, error) {
	return e.transition(ctx, workflow, ActionDecline, transition{
		from:         []Status{StatusToReview},
		to:           StatusWorkInProgress,
		commentField: "last_reviewer_comment",
		comment:      comment,
		notice:       NoticeChangesDeclined,
	})
}

// Rollback discards pending work by moving the workflow to to-rollback,
// which the backend resolves by restoring the signed copy.
func (e *Engine) Rollback(ctx context.Context, workflow *Workflow, comment string) (*Snapshot, error) {
	return e.transition(ctx, workflow, ActionRollback, transition{
		from:         []Status{StatusWorkInProgress, StatusToReview},
		to:           StatusToRollback,
		commentField: "last_editor_comment",
		comment:      comment,
		notice:       NoticeChangesRolledBack,
	})
}

type transition struct {
	from         []Status
	to           Status
	commentField string
	comment      string
	notice       string
}

func (e *Engine) transition(ctx context.Context, workflow *Workflow, action Action, tr transition) (*Snapshot, error) {
	source := workflow.Source
	coll, err := e.store.GetCollection(ctx, source.Bucket, source.Collection)
	if err != nil {
		return nil, fmt.Errorf("fetch source before %s: %w", action, err)
	}
	current := Status(coll.Status)
	if !statusIn(current, tr.from) {
		return nil, &TransitionError{Action: action, From: current}
	}

	patch := map[string]any{
		"status":        string(tr.to),
		tr.commentField: tr.comment,
	}
	if _, err := e.store.PatchCollection(ctx, source.Bucket, source.Collection, patch, coll.LastModified); err != nil {
		return nil, fmt.Errorf("write %s: %w", action, err)
	}

	// The write succeeded; refetch records first, then status, so the
	// published snapshot never pairs a fresh status with a stale diff.
	records, err := e.store.ListRecords(ctx, source.Bucket, source.Collection, remote.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("refresh records after %s: %w", action, err)
	}
	status, err := e.tracker.Status(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("refresh status after %s: %w", action, err)
	}

	snapshot := &Snapshot{Workflow: workflow, Status: status, Records: records, Notice: tr.notice}
	if e.updates != nil {
		e.updates.Set(snapshot)
	}
	if e.audit != nil {
		if err := e.audit.RecordAction(ctx, e.server, workflow, action, current, tr.to, tr.comment, e.author); err != nil {
			log.Printf("signoff: record audit entry: %v", err)
		}
	}
	if action == ActionApprove && e.archive != nil {
		if err := e.archive.ArchiveSnapshot(ctx, workflow, snapshot); err != nil {
			log.Printf("signoff: archive approved snapshot: %v", err)
		}
	}
	return snapshot, nil
}

func statusIn(status Status, set []Status) bool {
	for _, candidate := range set {
		if status == candidate {
			return true
		}
	}
	return false
}
