// Package store persists the identifier of the position the keeper manages.
package store

import (
	"context"
	"errors"
	"fmt"

	"lp-hedge-bot/position"
)

var ErrCorrupt = errors.New("corrupt position record")

// Store is a single-record position id store. Load reports ok=false when no
// position has been saved yet.
type Store interface {
	Load(ctx context.Context) (id position.ID, ok bool, err error)
	Save(ctx context.Context, id position.ID) error
	Close() error
}

type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Open selects a backend by name.
func Open(backend Backend, path string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path), nil
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
