package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lp-hedge-bot/position"
)

// FileStore keeps the id as a plain decimal integer in a text file.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) (position.ID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return 0, false, nil
	}
	id, err := position.ParseID(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return id, true, nil
}

// Save replaces the file through a rename so a crash never leaves a torn id.
func (s *FileStore) Save(ctx context.Context, id position.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == 0 {
		return fmt.Errorf("%w: zero", position.ErrInvalidID)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".position-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id.String() + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write id: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync id: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
