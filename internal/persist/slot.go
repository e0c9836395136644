// Package persist stores save slots: the world tree, memory and snapshot
// timeline of one window.
package persist

import (
	"errors"
	"time"

	"github.com/user/storyloom/internal/types"
)

var ErrSlotNotFound = errors.New("save slot not found")

// Slot is everything needed to resume a window.
type Slot struct {
	Window    types.WindowID    `json:"window"`
	Model     string            `json:"model,omitempty"`
	World     *types.WorldState `json:"world"`
	Memory    types.MemoryState `json:"memory"`
	Snapshots []types.Snapshot  `json:"snapshots"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// SlotInfo summarises a stored slot.
type SlotInfo struct {
	Window    types.WindowID
	Model     string
	Snapshots int
	UpdatedAt time.Time
}
