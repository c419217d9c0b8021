// Package session persists the workspace snapshot under a fixed key, next to a small flag
// that tells startup whether the snapshot is worth loading at all.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/kv"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/persistence/snapshot"
	"github.com/CuteLeaf/BuildingMomo-sub000/internal/workspace"
)

const (
	SnapshotKey = "workspace_snapshot"
	FlagKey     = "has_unsaved_session"
)

type Repo struct {
	kv  kv.Store
	log *slog.Logger
}

func New(store kv.Store, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{kv: store, log: logger.With("component", "session")}
}

// HasSession reads only the flag.
func (r *Repo) HasSession(ctx context.Context) (bool, error) {
	v, err := r.kv.Get(ctx, FlagKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return string(v) == "1", nil
}

// Load returns the persisted snapshot. ok is false when there is no session, or when the
// stored snapshot was written under another schema version; the latter is logged, not
// returned as an error.
func (r *Repo) Load(ctx context.Context) (snap workspace.Snapshot, ok bool, err error) {
	has, err := r.HasSession(ctx)
	if err != nil {
		return snap, false, fmt.Errorf("read session flag: %w", err)
	}
	if !has {
		return snap, false, nil
	}
	b, err := r.kv.Get(ctx, SnapshotKey)
	if errors.Is(err, kv.ErrNotFound) {
		r.log.Warn("session flag set but snapshot missing")
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("read snapshot: %w", err)
	}
	snap, h, err := snapshot.Unmarshal(b, workspace.SchemaVersion)
	if errors.Is(err, snapshot.ErrVersionMismatch) {
		r.log.Warn("discarding snapshot from another schema version",
			"version", h.Version, "want", workspace.SchemaVersion)
		return workspace.Snapshot{}, false, nil
	}
	if err != nil {
		return workspace.Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// SaveEncoded writes an already encoded snapshot and updates the flag.
func (r *Repo) SaveEncoded(ctx context.Context, b []byte, schemes int) error {
	if err := r.kv.Put(ctx, SnapshotKey, b); err != nil {
		return err
	}
	flag := "0"
	if schemes > 0 {
		flag = "1"
	}
	return r.kv.Put(ctx, FlagKey, []byte(flag))
}

// Save encodes and writes snap.
func (r *Repo) Save(ctx context.Context, snap *workspace.Snapshot) (int, error) {
	b, err := snapshot.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := r.SaveEncoded(ctx, b, len(snap.Editor.Schemes)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Raw returns the stored snapshot bytes.
func (r *Repo) Raw(ctx context.Context) ([]byte, error) {
	return r.kv.Get(ctx, SnapshotKey)
}

// Clear removes both keys.
func (r *Repo) Clear(ctx context.Context) error {
	if err := r.kv.Delete(ctx, FlagKey); err != nil {
		return err
	}
	return r.kv.Delete(ctx, SnapshotKey)
}
