package world

import (
	"github.com/user/storyloom/internal/types"
)

// Event is the closed set of notifications the store broadcasts.
type Event interface {
	// Path is the legacy path string, e.g. "story:append".
	Path() string
	isEvent()
}

// StoryAppended is emitted once per appended entry.
type StoryAppended struct {
	Entry types.StoryEntry
}

// StoryUpdated is emitted when an entry is rewritten in place.
type StoryUpdated struct {
	Entry types.StoryEntry
}

// StoryTrimmed is emitted when entries are cut from the end of the log.
type StoryTrimmed struct {
	Anchor    types.EntryID
	Inclusive bool
	Removed   []types.EntryID
}

// StateReset is emitted when the whole tree is replaced.
type StateReset struct{}

// SectionChanged covers mutations of collaborator-owned sections.
type SectionChanged struct {
	Section string
}

func (StoryAppended) Path() string    { return "story:append" }
func (StoryUpdated) Path() string     { return "story:update" }
func (StoryTrimmed) Path() string     { return "story:trim" }
func (StateReset) Path() string       { return "state:reset" }
func (e SectionChanged) Path() string { return "state:" + e.Section }

func (StoryAppended) isEvent()  {}
func (StoryUpdated) isEvent()   {}
func (StoryTrimmed) isEvent()   {}
func (StateReset) isEvent()     {}
func (SectionChanged) isEvent() {}

// TouchesStory reports whether the event changed the story log.
func TouchesStory(ev Event) bool {
	switch ev.(type) {
	case StoryAppended, StoryUpdated, StoryTrimmed, StateReset:
		return true
	}
	return false
}
