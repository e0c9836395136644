package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ExportFile writes slot as indented JSON, atomically.
func ExportFile(path string, slot *Slot) error {
	data, err := json.MarshalIndent(slot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal slot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp export: %w", err)
	}
	return nil
}

// ImportFile reads a slot written by ExportFile.
func ImportFile(path string) (*Slot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	var slot Slot
	if err := json.Unmarshal(data, &slot); err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	if slot.Window == "" {
		return nil, fmt.Errorf("parse export: missing window")
	}
	return &slot, nil
}
