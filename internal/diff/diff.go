// Package diff computes per-record change sets between two copies of a
// collection. It is pure: same inputs, same output, no I/O.
package diff

import (
	"reflect"
	"sort"

	"countersign/api/internal/remote"
)

// ChangeType classifies one entry of a change set.
type ChangeType string

const (
	// ChangeAdd means the record exists only in the new copy.
	ChangeAdd ChangeType = "add"
	// ChangeRemove means the record exists only in the old copy.
	ChangeRemove ChangeType = "remove"
	// ChangeUpdate means the record differs in a meaningful field.
	ChangeUpdate ChangeType = "update"
	// ChangeEmptyUpdate means the copies differ only in the
	// default-ignored fields (write timestamp, schema version).
	ChangeEmptyUpdate ChangeType = "empty_update"
)

// DefaultIgnoredFields are the fields excluded from meaningful-change
// comparison unless the caller overrides them: the write timestamp and the
// schema version, both bumped by the server without editorial intent.
var DefaultIgnoredFields = []string{"last_modified", "schema"}

// Entry is one classified record change. Source is the old copy, Target the
// new one; add entries have no source, remove entries no target. Update and
// empty_update entries carry the original, unstripped records for display.
type Entry struct {
	ID     string        `json:"id"`
	Type   ChangeType    `json:"changeType"`
	Source remote.Record `json:"source,omitempty"`
	Target remote.Record `json:"target,omitempty"`
}

// Compute classifies the differences between two record lists, matching
// records by id. The ignore list decides which fields count as a difference
// at all: nil means DefaultIgnoredFields, an empty slice compares every
// field. Records that differ only in default-ignored fields classify as
// empty_update, anything more as update. Unchanged records are omitted and
// the result is sorted ascending by id. Duplicate ids within one list are
// not defended against; the first match wins.
func Compute(old, new []remote.Record, ignore []string) []Entry {
	if ignore == nil {
		ignore = DefaultIgnoredFields
	}

	oldByID := indexByID(old)
	newByID := indexByID(new)

	entries := make([]Entry, 0)
	for id, oldRec := range oldByID {
		newRec, ok := newByID[id]
		if !ok {
			entries = append(entries, Entry{ID: id, Type: ChangeRemove, Source: oldRec})
			continue
		}
		if reflect.DeepEqual(strip(oldRec, ignore), strip(newRec, ignore)) {
			continue
		}
		kind := ChangeUpdate
		if reflect.DeepEqual(strip(oldRec, DefaultIgnoredFields), strip(newRec, DefaultIgnoredFields)) {
			kind = ChangeEmptyUpdate
		}
		entries = append(entries, Entry{ID: id, Type: kind, Source: oldRec, Target: newRec})
	}
	for id, newRec := range newByID {
		if _, ok := oldByID[id]; !ok {
			entries = append(entries, Entry{ID: id, Type: ChangeAdd, Target: newRec})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func indexByID(records []remote.Record) map[string]remote.Record {
	byID := make(map[string]remote.Record, len(records))
	for _, record := range records {
		id := record.ID()
		if _, seen := byID[id]; seen {
			continue
		}
		byID[id] = record
	}
	return byID
}

// strip returns a copy of the record without the ignored top-level fields.
func strip(record remote.Record, ignore []string) remote.Record {
	if len(ignore) == 0 {
		return record
	}
	stripped := make(remote.Record, len(record))
	for key, value := range record {
		stripped[key] = value
	}
	for _, field := range ignore {
		delete(stripped, field)
	}
	return stripped
}
