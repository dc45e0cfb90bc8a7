package reconcile

import (
	"encoding/json"
	"time"
)

// State is the sync state of one locally cached key
type State string

const (
	// StateClean means the local value matches the last known server version.
	StateClean State = "clean"
	// StateDirty means the key was edited locally and awaits a push.
	StateDirty State = "dirty"
	// StateSyncing means a push for the key is in flight.
	StateSyncing State = "syncing"
	// StateConflicted means both sides changed the key and the local winner
	// could not be written back yet.
	StateConflicted State = "conflicted"
)

// Entry is the local copy of one data key plus its sync bookkeeping
type Entry struct {
	DataKey           string          `json:"dataKey"`
	Value             json.RawMessage `json:"value"`
	State             State           `json:"state"`
	LastSyncedVersion int             `json:"lastSyncedVersion"`
	// UpdatedAt is the local edit time of a dirty entry, or the server's
	// updatedAt of a clean one.
	UpdatedAt time.Time `json:"updatedAt"`

	// rev counts local edits so a push can tell whether the key was edited
	// again while it was in flight.
	rev int
}

func (e *Entry) pending() bool {
	return e.State == StateDirty || e.State == StateConflicted
}

func (e Entry) clone() Entry {
	if e.Value != nil {
		e.Value = append(json.RawMessage(nil), e.Value...)
	}
	return e
}
