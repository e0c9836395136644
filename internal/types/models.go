// internal/types/models.go
package types

import (
	"time"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleSystem Role = "system"
)

// Channel routes whether a committed reply feeds the memory summary.
type Channel string

const (
	ChannelStory  Channel = "story"
	ChannelWechat Channel = "wechat"
	ChannelMoment Channel = "moment"
)

// Summarized reports whether replies on this channel are pushed into memory.
// The empty channel is treated as story.
func (c Channel) Summarized() bool {
	return c == "" || c == ChannelStory
}

type SnapshotKind string

const (
	KindReply   SnapshotKind = "ai_reply"
	KindSidecar SnapshotKind = "ai_sidecar"
	KindManual  SnapshotKind = "manual"
)

// Meta is the attribute bag attached to every story entry. The core branches
// on the flags; renderers own their visual meaning.
type Meta struct {
	WindowID     WindowID       `json:"windowId,omitempty"`
	Narrator     bool           `json:"narrator,omitempty"`
	Placeholder  bool           `json:"placeholder,omitempty"`
	Loading      bool           `json:"loading,omitempty"`
	Error        bool           `json:"error,omitempty"`
	Opening      bool           `json:"opening,omitempty"`
	SystemInput  bool           `json:"systemInput,omitempty"`
	Edited       bool           `json:"edited,omitempty"`
	SegmentIndex int            `json:"segmentIndex,omitempty"`
	SegmentTotal int            `json:"segmentTotal,omitempty"`
	ResendFor    EntryID        `json:"resendFor,omitempty"`
	RequestID    RequestID      `json:"requestId,omitempty"`
	Channel      Channel        `json:"channel,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

type StoryEntry struct {
	ID         EntryID    `json:"id"`
	Role       Role       `json:"role"`
	Text       string     `json:"text"`
	Meta       Meta       `json:"meta"`
	Time       time.Time  `json:"time"`
	SnapshotID SnapshotID `json:"snapshotId,omitempty"`
}

// WorldState is the canonical state tree. Story is owned by the core; every
// other section belongs to a collaborator and is opaque here.
type WorldState struct {
	Story    []StoryEntry   `json:"story"`
	Sections map[string]any `json:"sections"`
}

// DefaultSections returns the sections every world state must carry.
func DefaultSections() map[string]any {
	return map[string]any{
		"phone": map[string]any{
			"wallet": map[string]any{"balance": 0.0},
			"chats":  map[string]any{},
		},
		"flags":     map[string]any{},
		"relations": map[string]any{},
	}
}

// DefaultWorldState returns an empty story with default sections.
func DefaultWorldState() *WorldState {
	return &WorldState{
		Story:    []StoryEntry{},
		Sections: DefaultSections(),
	}
}

// MemoryState is the exportable content of the memory subsystem.
type MemoryState struct {
	Short map[WindowID][]string `json:"short"`
	Long  map[WindowID][]string `json:"long"`
	Rules []string              `json:"rules"`
}

// Snapshot is an immutable checkpoint. Callers must not mutate World or Memory.
type Snapshot struct {
	ID            SnapshotID   `json:"id"`
	Label         string       `json:"label"`
	CreatedAt     time.Time    `json:"createdAt"`
	Kind          SnapshotKind `json:"kind"`
	WindowID      WindowID     `json:"windowId,omitempty"`
	NarratorModel string       `json:"narratorModelUsed,omitempty"`
	World         *WorldState  `json:"world"`
	Memory        MemoryState  `json:"memory"`
}
