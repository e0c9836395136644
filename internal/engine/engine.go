// Package engine bundles the per-window narrative core and keeps one bundle
// per window in a lazily populated pool.
package engine

import (
	"sync/atomic"
	"time"

	"github.com/user/storyloom/internal/memory"
	"github.com/user/storyloom/internal/narration"
	"github.com/user/storyloom/internal/persist"
	"github.com/user/storyloom/internal/timeline"
	"github.com/user/storyloom/internal/types"
	"github.com/user/storyloom/internal/world"
)

// Engine is an isolated store, timeline, memory and controller for one window.
type Engine struct {
	Window     types.WindowID
	Store      *world.Store
	Timeline   *timeline.Timeline
	Memory     *memory.Memory
	Controller *narration.Controller

	dirty atomic.Bool
	unsub func()
}

func (e *Engine) watch() {
	e.unsub = e.Store.Subscribe(func(world.Event) { e.dirty.Store(true) })
}

// Dirty reports whether the store changed since the last save or restore.
func (e *Engine) Dirty() bool { return e.dirty.Load() }

func (e *Engine) markClean() { e.dirty.Store(false) }

// Slot captures the engine's persistent state.
func (e *Engine) Slot() *persist.Slot {
	return &persist.Slot{
		Window:    e.Window,
		Model:     e.Controller.Model(),
		World:     e.Store.Snapshot(),
		Memory:    e.Memory.Export(),
		Snapshots: e.Timeline.Export(),
		UpdatedAt: time.Now(),
	}
}

// Restore loads slot into the engine. Pending sessions are cancelled first.
// Placeholders saved while a request was in flight have no session to settle
// them after a reload, so they are failed with a resend offer and the engine
// stays dirty until the settled story is saved.
func (e *Engine) Restore(slot *persist.Slot) {
	e.Controller.Cancel(narration.ReasonUnload)
	e.Store.Initialize(slot.World)
	e.Memory.Import(slot.Memory)
	e.Timeline.Load(slot.Snapshots)
	if slot.Model != "" {
		e.Controller.SetModel(slot.Model)
	}
	e.markClean()
	e.settleOrphans()
}

func (e *Engine) settleOrphans() {
	story := e.Store.Story()
	lastUser := make(map[types.WindowID]types.EntryID)
	for _, entry := range story {
		if entry.Role == types.RoleUser {
			lastUser[entry.Meta.WindowID] = entry.ID
			continue
		}
		if !entry.Meta.Placeholder && !entry.Meta.Loading {
			continue
		}
		resendFor := lastUser[entry.Meta.WindowID]
		// The entry was read from the current story, so it exists.
		_ = e.Store.EditStory(entry.ID, narration.FailureText, func(m *types.Meta) {
			m.Placeholder = false
			m.Loading = false
			m.Narrator = false
			m.Error = true
			m.ResendFor = resendFor
		})
	}
}

// Close cancels pending sessions and detaches the dirty tracker.
func (e *Engine) Close() {
	e.Controller.Close()
	if e.unsub != nil {
		e.unsub()
	}
}
