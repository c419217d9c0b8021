// Package kv is the durable key-value store behind the session repository. All drivers are
// safe for concurrent use.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Driver string
	// Path is the sqlite file or badger directory.
	Path string
	// DSN is the postgres connection string.
	DSN        string
	SyncWrites bool
	Logger     *slog.Logger
}

// Open selects a driver; an empty driver means sqlite.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return OpenSQLite(cfg.Path)
	case DriverBadger:
		return OpenBadger(BadgerConfig{Path: cfg.Path, SyncWrites: cfg.SyncWrites, Logger: cfg.Logger})
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kv: unknown driver %q", cfg.Driver)
	}
}
