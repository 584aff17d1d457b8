package store

import "time"

// AuditEntry records one completed sign-off action: who moved which
// collection between which statuses, with the comment attached to the
// transition.
type AuditEntry struct {
	ID                    string
	Server                string
	SourceBucket          string
	SourceCollection      string
	DestinationBucket     string
	DestinationCollection string
	Action                string
	FromStatus            string
	ToStatus              string
	Comment               string
	Author                string
	CreatedAt             time.Time
}

// AuditFilter narrows an audit listing; zero values mean "any".
type AuditFilter struct {
	Bucket     string
	Collection string
	Action     string
	Author     string
	Limit      int
}
