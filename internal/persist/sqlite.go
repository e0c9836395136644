package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/storyloom/internal/types"
)

// Store persists slots in a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA foreign_keys = ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS slots (
			window_id   TEXT    PRIMARY KEY,
			model       TEXT    NOT NULL DEFAULT '',
			world_json  TEXT    NOT NULL,
			memory_json TEXT    NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS snapshots (
			window_id     TEXT    NOT NULL,
			seq           INTEGER NOT NULL,
			id            TEXT    NOT NULL,
			kind          TEXT    NOT NULL,
			label         TEXT    NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			snapshot_json TEXT    NOT NULL,
			PRIMARY KEY (window_id, seq),
			FOREIGN KEY (window_id) REFERENCES slots(window_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_snapshots_id ON snapshots(id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the slot for slot.Window, snapshots included.
func (s *Store) Save(ctx context.Context, slot *Slot) error {
	if slot.Window == "" {
		return fmt.Errorf("save slot: window is required")
	}
	world, err := json.Marshal(slot.World)
	if err != nil {
		return fmt.Errorf("marshal world: %w", err)
	}
	mem, err := json.Marshal(slot.Memory)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}
	updated := slot.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO slots (window_id, model, world_json, memory_json, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(window_id) DO UPDATE SET
			model = excluded.model,
			world_json = excluded.world_json,
			memory_json = excluded.memory_json,
			updated_at = excluded.updated_at`,
		string(slot.Window), slot.Model, string(world), string(mem), updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert slot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE window_id = ?`, string(slot.Window)); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	for i, snap := range slot.Snapshots {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", snap.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots (window_id, seq, id, kind, label, created_at, snapshot_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(slot.Window), i, string(snap.ID), string(snap.Kind), snap.Label, snap.CreatedAt.UnixMilli(), string(data),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// Load returns the slot for window, or ErrSlotNotFound.
func (s *Store) Load(ctx context.Context, window types.WindowID) (*Slot, error) {
	var (
		model, worldJSON, memJSON string
		updated                   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT model, world_json, memory_json, updated_at FROM slots WHERE window_id = ?`,
		string(window),
	).Scan(&model, &worldJSON, &memJSON, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s: %w", window, ErrSlotNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", window, err)
	}

	slot := &Slot{Window: window, Model: model, UpdatedAt: time.UnixMilli(updated)}
	if err := json.Unmarshal([]byte(worldJSON), &slot.World); err != nil {
		return nil, fmt.Errorf("decode world: %w", err)
	}
	if err := json.Unmarshal([]byte(memJSON), &slot.Memory); err != nil {
		return nil, fmt.Errorf("decode memory: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot_json FROM snapshots WHERE window_id = ? ORDER BY seq`,
		string(window),
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		var snap types.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		slot.Snapshots = append(slot.Snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return slot, nil
}

// List returns every slot, most recently updated first.
func (s *Store) List(ctx context.Context) ([]SlotInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.window_id, s.model, s.updated_at, COUNT(n.id)
		FROM slots s
		LEFT JOIN snapshots n ON n.window_id = s.window_id
		GROUP BY s.window_id
		ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []SlotInfo
	for rows.Next() {
		var (
			info    SlotInfo
			window  string
			updated int64
		)
		if err := rows.Scan(&window, &info.Model, &updated, &info.Snapshots); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		info.Window = types.WindowID(window)
		info.UpdatedAt = time.UnixMilli(updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the slot and its snapshots.
func (s *Store) Delete(ctx context.Context, window types.WindowID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE window_id = ?`, string(window))
	if err != nil {
		return fmt.Errorf("delete %s: %w", window, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete %s: %w", window, ErrSlotNotFound)
	}
	return nil
}
