package domain

import "fmt"

// ChangeKind names what happened to an event.
type ChangeKind string

const (
	Inserted ChangeKind = "inserted"
	Updated  ChangeKind = "updated"
	Deleted  ChangeKind = "deleted"
	// Refresh means the receiver must discard what it knows and re-fetch everything.
	Refresh ChangeKind = "refresh"
)

// ChangeRecord is the id-only invalidation signal fanned out to subscribers.
// The wire form is {"type":"inserted","id":"..."}.
type ChangeRecord struct {
	Kind    ChangeKind `json:"type"`
	EventID string     `json:"id,omitempty"`
}

// RefreshRecord is the record that asks every receiver to resynchronize.
func RefreshRecord() ChangeRecord {
	return ChangeRecord{Kind: Refresh}
}

// Validate checks that the id is present exactly when the kind requires one.
func (r ChangeRecord) Validate() error {
	switch r.Kind {
	case Inserted, Updated, Deleted:
		if r.EventID == "" {
			return fmt.Errorf("%s record without event id", r.Kind)
		}
	case Refresh:
		if r.EventID != "" {
			return fmt.Errorf("refresh record must not carry an event id")
		}
	default:
		return fmt.Errorf("unknown change kind %q", r.Kind)
	}
	return nil
}

func (r ChangeRecord) String() string {
	if r.EventID == "" {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + r.EventID
}
