package timeline

import (
	"sync"

	"github.com/user/storyloom/internal/types"
)

// AllowedSet is the set of snapshot ids a window may rewind to: exactly those
// referenced by live story entries of that window.
type AllowedSet struct {
	mu  sync.RWMutex
	ids map[types.SnapshotID]struct{}
}

// NewAllowedSet returns an empty set.
func NewAllowedSet() *AllowedSet {
	return &AllowedSet{ids: make(map[types.SnapshotID]struct{})}
}

// Recompute rebuilds the set from the story log.
func (a *AllowedSet) Recompute(story []types.StoryEntry, window types.WindowID) {
	ids := AllowedSnapshotIDs(story, window)
	a.mu.Lock()
	a.ids = ids
	a.mu.Unlock()
}

// Contains reports whether id may be rewound to.
func (a *AllowedSet) Contains(id types.SnapshotID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ids[id]
	return ok
}

// Len returns the set size.
func (a *AllowedSet) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.ids)
}

// AllowedSnapshotIDs scans story for snapshot references in window.
func AllowedSnapshotIDs(story []types.StoryEntry, window types.WindowID) map[types.SnapshotID]struct{} {
	ids := make(map[types.SnapshotID]struct{})
	for _, e := range story {
		if e.SnapshotID == "" || e.Meta.WindowID != window {
			continue
		}
		ids[e.SnapshotID] = struct{}{}
	}
	return ids
}

// Rewindable returns the snapshots in allowed, newest first.
func (t *Timeline) Rewindable(allowed *AllowedSet) []types.Snapshot {
	var out []types.Snapshot
	for _, s := range t.List() {
		if allowed.Contains(s.ID) {
			out = append(out, s)
		}
	}
	return out
}
