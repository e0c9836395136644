// internal/types/clone.go
package types

// Clone returns a deep copy of the entry.
func (e StoryEntry) Clone() StoryEntry {
	out := e
	if e.Meta.Extra != nil {
		out.Meta.Extra = cloneMap(e.Meta.Extra)
	}
	return out
}

// CloneStory deep-copies a story slice. A nil input yields an empty slice.
func CloneStory(story []StoryEntry) []StoryEntry {
	out := make([]StoryEntry, len(story))
	for i, e := range story {
		out[i] = e.Clone()
	}
	return out
}

// Clone returns a deep copy of the world state.
func (w *WorldState) Clone() *WorldState {
	if w == nil {
		return nil
	}
	return &WorldState{
		Story:    CloneStory(w.Story),
		Sections: cloneMap(w.Sections),
	}
}

// Clone returns a deep copy of the memory state.
func (m MemoryState) Clone() MemoryState {
	return MemoryState{
		Short: cloneLines(m.Short),
		Long:  cloneLines(m.Long),
		Rules: append([]string(nil), m.Rules...),
	}
}

func cloneLines(in map[WindowID][]string) map[WindowID][]string {
	out := make(map[WindowID][]string, len(in))
	for k, v := range in {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
// Other reference types are copied by reference.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = CloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}
