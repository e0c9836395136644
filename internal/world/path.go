package world

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/user/storyloom/internal/types"
)

// resolve walks a dot path. "story" addresses the log; any other head names a
// section. Values are deep-copied so callers cannot reach the live tree.
func resolve(state *types.WorldState, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return state.Clone(), true
	}
	parts := strings.Split(path, ".")
	if parts[0] == "story" {
		return resolveStory(state.Story, parts[1:])
	}
	if parts[0] == "sections" {
		parts = parts[1:]
		if len(parts) == 0 {
			return types.CloneValue(state.Sections), true
		}
	}
	section, ok := state.Sections[parts[0]]
	if !ok {
		return nil, false
	}
	v, ok := walk(section, parts[1:])
	if !ok {
		return nil, false
	}
	return types.CloneValue(v), true
}

func resolveStory(story []types.StoryEntry, rest []string) (any, bool) {
	if len(rest) == 0 {
		return types.CloneStory(story), true
	}
	i, err := strconv.Atoi(rest[0])
	if err != nil || i < 0 || i >= len(story) {
		return nil, false
	}
	entry := story[i].Clone()
	if len(rest) == 1 {
		return entry, true
	}
	// Field access goes through the JSON shape so paths match the wire names
	// renderers already use (meta.windowId, snapshotId, ...).
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, false
	}
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, false
	}
	return walk(generic, rest[1:])
}

func walk(v any, parts []string) (any, bool) {
	cur := v
	for _, p := range parts {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
