// Package timeline keeps a bounded ring of restorable checkpoints of the world
// tree and memory.
package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/storyloom/internal/types"
)

// DefaultLimit is the number of snapshots kept before the oldest is evicted.
const DefaultLimit = 30

// OverflowNotice is sent to the notifier when a snapshot is evicted.
const OverflowNotice = "最早的存档已被覆盖。"

var (
	ErrEmpty    = errors.New("timeline is empty")
	ErrNotFound = errors.New("snapshot not found")
)

// WorldSource is the part of the world store the timeline clones and restores.
type WorldSource interface {
	Snapshot() *types.WorldState
	Replace(*types.WorldState)
}

// MemorySource is the part of the memory subsystem the timeline clones and restores.
type MemorySource interface {
	Export() types.MemoryState
	Import(types.MemoryState)
}

// SaveOptions tags a snapshot. A zero ID gets a fresh one.
type SaveOptions struct {
	ID            types.SnapshotID
	Kind          types.SnapshotKind
	WindowID      types.WindowID
	NarratorModel string
}

// Timeline stores snapshots oldest first.
type Timeline struct {
	mu       sync.Mutex
	world    WorldSource
	memory   MemorySource
	notifier types.Notifier
	limit    int
	snaps    []*types.Snapshot
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithLimit sets the ring size. Values below 1 are ignored.
func WithLimit(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.limit = n
		}
	}
}

// WithNotifier sets the receiver of overflow notices.
func WithNotifier(n types.Notifier) Option {
	return func(t *Timeline) { t.notifier = n }
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Timeline) { t.logger = l }
}

// New creates an empty timeline over the given sources.
func New(world WorldSource, memory MemorySource, opts ...Option) *Timeline {
	t := &Timeline{
		world:  world,
		memory: memory,
		limit:  DefaultLimit,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Save clones the world and memory into a new snapshot and returns its id.
func (t *Timeline) Save(label string, opts SaveOptions) types.SnapshotID {
	snap := &types.Snapshot{
		ID:            opts.ID,
		Label:         label,
		CreatedAt:     t.now(),
		Kind:          opts.Kind,
		WindowID:      opts.WindowID,
		NarratorModel: opts.NarratorModel,
		World:         t.world.Snapshot(),
	}
	if snap.ID == "" {
		snap.ID = types.NewSnapshotID()
	}
	if snap.Kind == "" {
		snap.Kind = types.KindManual
	}
	if t.memory != nil {
		snap.Memory = t.memory.Export().Clone()
	}

	t.mu.Lock()
	t.snaps = append(t.snaps, snap)
	var evicted []*types.Snapshot
	for len(t.snaps) > t.limit {
		evicted = append(evicted, t.snaps[0])
		t.snaps[0] = nil
		t.snaps = t.snaps[1:]
	}
	t.mu.Unlock()

	for _, old := range evicted {
		t.logger.Info("snapshot evicted", "snapshot_id", string(old.ID), "window", string(old.WindowID), "limit", t.limit)
		if t.notifier != nil {
			t.notifier.Notify(opts.WindowID, OverflowNotice)
		}
	}
	return snap.ID
}

// Restore replaces the live world and memory with the snapshot's clones.
// The empty id restores the most recent snapshot.
func (t *Timeline) Restore(id types.SnapshotID) error {
	t.mu.Lock()
	if len(t.snaps) == 0 {
		t.mu.Unlock()
		return ErrEmpty
	}
	var snap *types.Snapshot
	if id == "" {
		snap = t.snaps[len(t.snaps)-1]
	} else if i := t.indexOf(id); i >= 0 {
		snap = t.snaps[i]
	}
	t.mu.Unlock()

	if snap == nil {
		return fmt.Errorf("restore %s: %w", id, ErrNotFound)
	}
	t.world.Replace(snap.World)
	if t.memory != nil {
		t.memory.Import(snap.Memory.Clone())
	}
	return nil
}

// DropAfter removes every snapshot newer than id.
func (t *Timeline) DropAfter(id types.SnapshotID) error {
	return t.truncate(id, false)
}

// DropFrom removes id and every snapshot newer than it.
func (t *Timeline) DropFrom(id types.SnapshotID) error {
	return t.truncate(id, true)
}

func (t *Timeline) truncate(id types.SnapshotID, inclusive bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.indexOf(id)
	if i < 0 {
		return fmt.Errorf("drop after %s: %w", id, ErrNotFound)
	}
	cut := i + 1
	if inclusive {
		cut = i
	}
	clear(t.snaps[cut:])
	t.snaps = t.snaps[:cut]
	return nil
}

// DropNewerThan removes snapshots created strictly after ts and returns how
// many were dropped.
func (t *Timeline) DropNewerThan(ts time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.snaps[:0]
	dropped := 0
	for _, s := range t.snaps {
		if s.CreatedAt.After(ts) {
			dropped++
			continue
		}
		kept = append(kept, s)
	}
	clear(t.snaps[len(kept):])
	t.snaps = kept
	return dropped
}

// List returns snapshot values newest first.
func (t *Timeline) List() []types.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Snapshot, 0, len(t.snaps))
	for i := len(t.snaps) - 1; i >= 0; i-- {
		out = append(out, *t.snaps[i])
	}
	return out
}

// FindByID returns the snapshot with the given id.
func (t *Timeline) FindByID(id types.SnapshotID) (types.Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexOf(id); i >= 0 {
		return *t.snaps[i], true
	}
	return types.Snapshot{}, false
}

// Len returns the number of stored snapshots.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.snaps)
}

// Export returns the snapshots oldest first for persistence.
func (t *Timeline) Export() []types.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Snapshot, len(t.snaps))
	for i, s := range t.snaps {
		out[i] = *s
	}
	return out
}

// Load replaces the timeline with persisted snapshots (oldest first), keeping
// only the newest limit entries.
func (t *Timeline) Load(snaps []types.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(snaps) > t.limit {
		snaps = snaps[len(snaps)-t.limit:]
	}
	t.snaps = make([]*types.Snapshot, len(snaps))
	for i := range snaps {
		s := snaps[i]
		t.snaps[i] = &s
	}
}

func (t *Timeline) indexOf(id types.SnapshotID) int {
	for i := len(t.snaps) - 1; i >= 0; i-- {
		if t.snaps[i].ID == id {
			return i
		}
	}
	return -1
}
