package bug

import (
	"time"

	"github.com/bugsync/bugsync/internal/types"
)

// EventKind identifies what happened to a bug.
type EventKind int

const (
	// EventCreated fires when an entity receives remote data for the first time.
	EventCreated EventKind = iota
	// EventUpdated fires once per distinct timestamp of new sub-records.
	EventUpdated
	// EventAnnotated fires when a local-only annotation changes (star,
	// unread, last viewed).
	EventAnnotated
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventAnnotated:
		return "annotated"
	default:
		return "unknown"
	}
}

// Update carries the sub-records that share one timestamp, so a timeline can
// render an incremental change without reloading the whole bug.
type Update struct {
	When        time.Time
	Comments    []types.Comment
	Attachments []types.Attachment
	History     []types.HistoryEntry
}

// Event is delivered to listeners after a mutation has been persisted.
type Event struct {
	Kind   EventKind
	BugID  int
	Update *Update // set for EventUpdated only
}

// Listener receives bug events. It is called outside the entity lock and
// must not block for long.
type Listener func(Event)
