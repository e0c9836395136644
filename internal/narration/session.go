package narration

import (
	"github.com/user/storyloom/internal/types"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusAborted   Status = "aborted"
)

// Session tracks one attempt to obtain a reply in a window. It is owned by the
// controller and never handed out.
type Session struct {
	WindowID          types.WindowID
	RequestID         types.RequestID
	Generation        uint64
	Status            Status
	PlaceholderID     types.EntryID
	UserEntryID       types.EntryID
	Text              string
	Channel           types.Channel
	CountRound        bool
	NarratorModel     string
	PrevNarratorModel string

	modelOverride bool
	// settling is set once a response has been accepted for this session;
	// from then on Cancel leaves it alone.
	settling bool
	token    *CancelToken
}

// CycleOptions configures one narrator cycle.
type CycleOptions struct {
	// UserEntryID is the user turn a failed attempt offers to resend.
	UserEntryID types.EntryID
	RewriteHint string
	UserIntent  string
	Channel     types.Channel
	// Uncounted marks continue and plain retry attempts, which are stored
	// as sidecar snapshots.
	Uncounted bool
	// Model overrides the narrator model for this attempt only.
	Model       string
	SystemInput bool
}
