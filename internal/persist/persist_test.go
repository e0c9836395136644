package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/storyloom/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "slots.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSlot(window types.WindowID) *Slot {
	world := types.DefaultWorldState()
	world.Story = []types.StoryEntry{
		{ID: "e1", Role: types.RoleUser, Text: "hello", Meta: types.Meta{WindowID: window}, Time: time.Now()},
		{ID: "e2", Role: types.RoleSystem, Text: "hi there", Meta: types.Meta{WindowID: window, Narrator: true}, SnapshotID: "s1"},
	}
	return &Slot{
		Window: window,
		Model:  "gpt-4o-mini",
		World:  world,
		Memory: types.MemoryState{
			Short: map[types.WindowID][]string{window: {"> hello", "hi there"}},
			Long:  map[types.WindowID][]string{},
			Rules: []string{"no magic"},
		},
		Snapshots: []types.Snapshot{
			{ID: "s0", Label: "start", Kind: types.KindManual, WindowID: window, CreatedAt: time.Now().Add(-time.Minute), World: types.DefaultWorldState()},
			{ID: "s1", Label: "hi there", Kind: types.KindReply, WindowID: window, CreatedAt: time.Now(), World: world.Clone()},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.Save(ctx, sampleSlot("cli:default")); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "cli:default")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "gpt-4o-mini" || len(got.World.Story) != 2 || got.World.Story[1].SnapshotID != "s1" {
		t.Errorf("unexpected world %+v", got)
	}
	if got.Memory.Short["cli:default"][1] != "hi there" || got.Memory.Rules[0] != "no magic" {
		t.Errorf("unexpected memory %+v", got.Memory)
	}
	if len(got.Snapshots) != 2 || got.Snapshots[0].ID != "s0" || got.Snapshots[1].Kind != types.KindReply {
		t.Errorf("snapshots lost their order: %+v", got.Snapshots)
	}
	if _, ok := got.World.Sections["phone"]; !ok {
		t.Error("sections not persisted")
	}
}

func TestSaveReplacesSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	slot := sampleSlot("w")
	if err := s.Save(ctx, slot); err != nil {
		t.Fatal(err)
	}
	slot.Snapshots = slot.Snapshots[:1]
	if err := s.Save(ctx, slot); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Snapshots) != 1 {
		t.Errorf("expected 1 snapshot after resave, got %d", len(got.Snapshots))
	}
}

func TestLoadMissing(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(context.Background(), "nope"); !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("expected ErrSlotNotFound, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	older := sampleSlot("a")
	older.UpdatedAt = time.Now().Add(-time.Hour)
	if err := s.Save(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, sampleSlot("b")); err != nil {
		t.Fatal(err)
	}

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 2 || infos[0].Window != "b" || infos[0].Snapshots != 2 {
		t.Errorf("unexpected list %+v", infos)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "a"); !errors.Is(err, ErrSlotNotFound) {
		t.Errorf("expected ErrSlotNotFound on second delete, got %v", err)
	}
	infos, _ = s.List(ctx)
	if len(infos) != 1 {
		t.Errorf("expected 1 slot left, got %d", len(infos))
	}
}

func TestExportImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exports", "w.json")
	if err := ExportFile(path, sampleSlot("w")); err != nil {
		t.Fatal(err)
	}
	got, err := ImportFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Window != "w" || len(got.Snapshots) != 2 {
		t.Errorf("unexpected import %+v", got)
	}

	if _, err := ImportFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
