// Package world holds the canonical state tree of a narrative window and the
// synchronous notification channel renderers subscribe to.
package world

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/storyloom/internal/types"
)

// ErrEntryNotFound is returned when a story entry id is not in the log.
var ErrEntryNotFound = errors.New("story entry not found")

// Listener receives every emission. Listeners run synchronously inside the
// emitting call and must not call back into Update or the story mutators;
// reads (Get, Story, Entry) are safe.
type Listener func(Event)

type subscription struct {
	id uint64
	fn Listener
}

// Store is a single-writer state tree. Every mutation goes through Update (or
// one of the story helpers built on it) so emission always follows the
// post-mutation state.
type Store struct {
	mu    sync.RWMutex
	state *types.WorldState

	// emitMu serialises mutate+emit pairs so listeners observe emissions in
	// mutation order.
	emitMu sync.Mutex

	lmu       sync.Mutex
	listeners []subscription
	nextID    uint64

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the timestamp source for new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store holding the default world state.
func New(opts ...Option) *Store {
	s := &Store{
		state:  types.DefaultWorldState(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize replaces the live tree with state merged over defaults, or resets
// to defaults when state is nil. Missing sections are filled in; the story
// slice is taken wholesale.
func (s *Store) Initialize(state *types.WorldState) {
	next := types.DefaultWorldState()
	if state != nil {
		in := state.Clone()
		if in.Story != nil {
			next.Story = in.Story
		}
		for name, section := range in.Sections {
			if section == nil {
				continue
			}
			next.Sections[name] = fillMissing(section, next.Sections[name])
		}
	}
	s.Update(func(w *types.WorldState) {
		*w = *next
	}, StateReset{})
}

// fillMissing keeps every key of value and adds defaults the value lacks.
// Non-map values replace the default outright.
func fillMissing(value, def any) any {
	vm, ok := value.(map[string]any)
	if !ok {
		return value
	}
	dm, ok := def.(map[string]any)
	if !ok {
		return value
	}
	for k, dv := range dm {
		if cur, exists := vm[k]; !exists || cur == nil {
			vm[k] = types.CloneValue(dv)
		} else {
			vm[k] = fillMissing(cur, dv)
		}
	}
	return vm
}

// Get returns a deep copy of the value at path. The empty path returns the
// whole tree. Missing keys yield (nil, false).
func (s *Store) Get(path string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return resolve(s.state, path)
}

// Story returns a copy of the story log.
func (s *Store) Story() []types.StoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.CloneStory(s.state.Story)
}

// Entry returns a copy of the entry with the given id.
func (s *Store) Entry(id types.EntryID) (types.StoryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexOf(s.state.Story, id); i >= 0 {
		return s.state.Story[i].Clone(), true
	}
	return types.StoryEntry{}, false
}

// Snapshot returns a deep copy of the whole tree.
func (s *Store) Snapshot() *types.WorldState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Replace swaps in a copy of state without merging defaults. Used when
// restoring checkpoints, which were taken from an initialized tree.
func (s *Store) Replace(state *types.WorldState) {
	next := state.Clone()
	if next == nil {
		next = types.DefaultWorldState()
	}
	s.Update(func(w *types.WorldState) {
		*w = *next
	}, StateReset{})
}

// Update runs mutate against the live tree and broadcasts ev to every
// listener before returning. Panics inside mutate are not recovered.
func (s *Store) Update(mutate func(*types.WorldState), ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	mutate(s.state)
	s.mu.Unlock()

	s.emit(ev)
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, subscription{id: id, fn: l})
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, sub := range s.listeners {
			if sub.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) emit(ev Event) {
	s.lmu.Lock()
	subs := append([]subscription(nil), s.listeners...)
	s.lmu.Unlock()

	for _, sub := range subs {
		s.dispatch(sub, ev)
	}
}

func (s *Store) dispatch(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("store listener panicked", "path", ev.Path(), "listener", sub.id, "panic", fmt.Sprint(r))
		}
	}()
	sub.fn(ev)
}

// AppendStory appends a single entry and returns it.
func (s *Store) AppendStory(role types.Role, text string, meta types.Meta) []types.StoryEntry {
	return s.appendEntries(role, []string{text}, meta, false)
}

// AppendSegments appends one entry per segment, tagging each with
// segmentIndex/segmentTotal.
func (s *Store) AppendSegments(role types.Role, segments []string, meta types.Meta) []types.StoryEntry {
	if len(segments) == 0 {
		return nil
	}
	return s.appendEntries(role, segments, meta, len(segments) > 1)
}

func (s *Store) appendEntries(role types.Role, texts []string, meta types.Meta, segmented bool) []types.StoryEntry {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	now := s.now()
	entries := make([]types.StoryEntry, len(texts))
	for i, text := range texts {
		m := meta
		if meta.Extra != nil {
			m.Extra = types.CloneValue(meta.Extra).(map[string]any)
		}
		if segmented {
			m.SegmentIndex = i
			m.SegmentTotal = len(texts)
		}
		entries[i] = types.StoryEntry{
			ID:   types.NewEntryID(),
			Role: role,
			Text: text,
			Meta: m,
			Time: now,
		}
	}

	s.mu.Lock()
	for _, e := range entries {
		s.state.Story = append(s.state.Story, e.Clone())
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.emit(StoryAppended{Entry: e.Clone()})
	}
	return entries
}

// EditStory replaces the text of the entry and applies patch to its meta.
func (s *Store) EditStory(id types.EntryID, text string, patch func(*types.Meta)) error {
	return s.modifyEntry(id, func(e *types.StoryEntry) {
		e.Text = text
		if patch != nil {
			patch(&e.Meta)
		}
	})
}

// AttachSnapshot sets the snapshot back-reference of an entry.
func (s *Store) AttachSnapshot(id types.EntryID, snapshotID types.SnapshotID) error {
	return s.modifyEntry(id, func(e *types.StoryEntry) {
		e.SnapshotID = snapshotID
	})
}

func (s *Store) modifyEntry(id types.EntryID, fn func(*types.StoryEntry)) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	i := indexOf(s.state.Story, id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("edit %s: %w", id, ErrEntryNotFound)
	}
	fn(&s.state.Story[i])
	updated := s.state.Story[i].Clone()
	s.mu.Unlock()

	s.emit(StoryUpdated{Entry: updated})
	return nil
}

// TrimStoryAfter removes every entry strictly after id.
func (s *Store) TrimStoryAfter(id types.EntryID) error {
	return s.trim(id, false)
}

// TrimStoryFrom removes id and every entry after it.
func (s *Store) TrimStoryFrom(id types.EntryID) error {
	return s.trim(id, true)
}

func (s *Store) trim(id types.EntryID, inclusive bool) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	i := indexOf(s.state.Story, id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("trim %s: %w", id, ErrEntryNotFound)
	}
	cut := i + 1
	if inclusive {
		cut = i
	}
	var removed []types.EntryID
	for _, e := range s.state.Story[cut:] {
		removed = append(removed, e.ID)
	}
	s.state.Story = s.state.Story[:cut:cut]
	s.mu.Unlock()

	s.emit(StoryTrimmed{Anchor: id, Inclusive: inclusive, Removed: removed})
	return nil
}

func indexOf(story []types.StoryEntry, id types.EntryID) int {
	for i := len(story) - 1; i >= 0; i-- {
		if story[i].ID == id {
			return i
		}
	}
	return -1
}
