// internal/types/ids.go
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type EntryID string
type SnapshotID string
type WindowID string
type RequestID string

// NewEntryID returns a time-ordered story entry identifier.
func NewEntryID() EntryID {
	return EntryID(newOrderedID())
}

// NewSnapshotID returns a time-ordered snapshot identifier.
func NewSnapshotID() SnapshotID {
	return SnapshotID(newOrderedID())
}

// NewWindowID joins parts into a window key, e.g. "telegram:42".
func NewWindowID(parts ...string) WindowID {
	return WindowID(strings.Join(parts, ":"))
}

// NewRequestID derives a request id from the window and a monotonic generation
// counter. The random suffix keeps ids unique across process restarts.
func NewRequestID(window WindowID, generation uint64) RequestID {
	return RequestID(fmt.Sprintf("%s#%d-%s", window, generation, uuid.New().String()[:8]))
}

// Prefix returns the part of the window id before the first colon.
func (w WindowID) Prefix() string {
	prefix, _, _ := strings.Cut(string(w), ":")
	return prefix
}

func newOrderedID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
