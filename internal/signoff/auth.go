package signoff

import (
	"fmt"
	"strings"

	"countersign/api/internal/remote"
)

// GroupKey selects which configured group a membership check targets.
type GroupKey string

const (
	GroupEditors   GroupKey = "editors_group"
	GroupReviewers GroupKey = "reviewers_group"
)

// IsMember reports whether the user belongs to the workflow's editors or
// reviewers group. The effective group name is the workflow's per-pipeline
// override if set, else the capability-wide name, else the built-in
// template; a {collection_id} placeholder is replaced with the source
// collection id. Membership is a principal check against
// /buckets/{bid}/groups/{group}. Missing user or workflow means false,
// never an error.
func IsMember(key GroupKey, workflow *Workflow, caps *Capability, user *remote.UserInfo) bool {
	if workflow == nil || user == nil || user.ID == "" {
		return false
	}
	group := groupName(key, workflow, caps)
	group = strings.ReplaceAll(group, "{collection_id}", workflow.Source.Collection)
	principal := fmt.Sprintf("/buckets/%s/groups/%s", workflow.Source.Bucket, group)
	for _, candidate := range user.Principals {
		if candidate == principal {
			return true
		}
	}
	return false
}

func groupName(key GroupKey, workflow *Workflow, caps *Capability) string {
	switch key {
	case GroupEditors:
		if workflow.EditorsGroup != nil {
			return *workflow.EditorsGroup
		}
		if caps != nil && caps.EditorsGroup != "" {
			return caps.EditorsGroup
		}
		return defaultEditorsGroup
	case GroupReviewers:
		if workflow.ReviewersGroup != nil {
			return *workflow.ReviewersGroup
		}
		if caps != nil && caps.ReviewersGroup != "" {
			return caps.ReviewersGroup
		}
		return defaultReviewersGroup
	}
	return ""
}

// CanReview reports whether the user may approve or decline the pending
// review. Reviewers-group membership is always required. On top of that the
// user must not be the one who requested the review, unless the self-review
// rule is disabled for this workflow (per-pipeline override, matched to the
// resolved pipeline) or capability-wide.
func CanReview(workflow *Workflow, status *SourceStatus, caps *Capability, user *remote.UserInfo) bool {
	if workflow == nil || user == nil {
		return false
	}
	if !IsMember(GroupReviewers, workflow, caps, user) {
		return false
	}
	if !toReviewEnabled(workflow, caps) {
		return true
	}
	return status == nil || status.LastReviewRequestBy != user.ID
}

// CanRequestReview reports whether the user may request a review: write
// permission on the collection (directly or inherited from its bucket) and
// editors-group membership.
func CanRequestReview(permissions []remote.PermissionEntry, workflow *Workflow, caps *Capability, user *remote.UserInfo, bucket, collection string) bool {
	if workflow == nil || user == nil {
		return false
	}
	if !canWrite(permissions, bucket, collection) {
		return false
	}
	return IsMember(GroupEditors, workflow, caps, user)
}

func canWrite(permissions []remote.PermissionEntry, bucket, collection string) bool {
	for _, entry := range permissions {
		if entry.Bucket != bucket {
			continue
		}
		bucketWide := entry.ResourceName == "bucket" && entry.Collection == ""
		if !bucketWide && entry.Collection != collection {
			continue
		}
		for _, permission := range entry.Permissions {
			if permission == "write" {
				return true
			}
		}
	}
	return false
}

// toReviewEnabled resolves the self-review rule for a workflow: the
// pipeline-level override wins over the capability-wide flag.
func toReviewEnabled(workflow *Workflow, caps *Capability) bool {
	if workflow.ToReviewEnabled != nil {
		return *workflow.ToReviewEnabled
	}
	if caps != nil {
		return caps.ToReviewEnabled
	}
	return true
}
