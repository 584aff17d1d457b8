// Package signoff implements the review/sign-off workflow: resolving which
// source/preview/destination pipeline applies to a collection, tracking its
// editorial status and pending changes, gating actions on group membership,
// and driving the status transitions themselves.
package signoff

// ResourceRef names a collection within a bucket. An empty Collection in
// capability configuration means the entry covers the bucket as a whole.
type ResourceRef struct {
	Bucket     string `json:"bucket"`
	Collection string `json:"collection,omitempty"`
}

func (r ResourceRef) matches(bucket, collection string) bool {
	return r.Bucket == bucket && (r.Collection == "" || r.Collection == collection)
}

// ResourceConfig is one configured review pipeline as advertised by the
// server, with optional per-pipeline overrides of the capability-wide group
// names and self-review rule.
type ResourceConfig struct {
	Source          ResourceRef  `json:"source"`
	Preview         *ResourceRef `json:"preview,omitempty"`
	Destination     ResourceRef  `json:"destination"`
	ToReviewEnabled *bool        `json:"to_review_enabled,omitempty"`
	EditorsGroup    *string      `json:"editors_group,omitempty"`
	ReviewersGroup  *string      `json:"reviewers_group,omitempty"`
}

// Capability is the server-advertised sign-off configuration.
type Capability struct {
	Resources       []ResourceConfig `json:"resources"`
	ToReviewEnabled bool             `json:"to_review_enabled"`
	EditorsGroup    string           `json:"editors_group"`
	ReviewersGroup  string           `json:"reviewers_group"`
}

// Group name templates used when the capability does not configure any.
// The {collection_id} placeholder is replaced at membership-check time.
const (
	defaultEditorsGroup   = "{collection_id}-editors"
	defaultReviewersGroup = "{collection_id}-reviewers"
)

// Workflow is a resolved pipeline for one viewed collection: every
// collection name is concrete, and the per-pipeline overrides of the
// matched configuration entry are carried along for the predicates.
type Workflow struct {
	Source          ResourceRef  `json:"source"`
	Preview         *ResourceRef `json:"preview,omitempty"`
	Destination     ResourceRef  `json:"destination"`
	ToReviewEnabled *bool        `json:"-"`
	EditorsGroup    *string      `json:"-"`
	ReviewersGroup  *string      `json:"-"`
}

// Resolve determines which configured pipeline applies to the viewed
// (bucket, collection) pair. The pair may match by source, preview, or
// destination; bucket-wide entries (no collection name on the source) match
// any collection in their bucket and yield a derived workflow with every
// collection name filled in from the view. Nil means sign-off does not
// apply here; that is an expected outcome, not an error. The capability
// configuration is never mutated.
func Resolve(caps *Capability, bucket, collection string) *Workflow {
	if caps == nil {
		return nil
	}
	for i := range caps.Resources {
		resource := &caps.Resources[i]
		matched := resource.Source.matches(bucket, collection) ||
			resource.Destination.matches(bucket, collection) ||
			(resource.Preview != nil && resource.Preview.matches(bucket, collection))
		if !matched {
			continue
		}

		workflow := &Workflow{
			Source:          resource.Source,
			Destination:     resource.Destination,
			ToReviewEnabled: resource.ToReviewEnabled,
			EditorsGroup:    resource.EditorsGroup,
			ReviewersGroup:  resource.ReviewersGroup,
		}
		if resource.Preview != nil {
			preview := *resource.Preview
			workflow.Preview = &preview
		}
		if resource.Source.Collection == "" {
			workflow.Source.Collection = collection
			workflow.Destination.Collection = collection
			if workflow.Preview != nil {
				workflow.Preview.Collection = collection
			}
		}
		return workflow
	}
	return nil
}
