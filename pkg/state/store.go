package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCorrupted marks a store that exists but cannot be decoded. Callers must
// treat it as fatal: silently discarding unreadable state would re-issue
// reboots and lose in-flight tracking.
var ErrCorrupted = errors.New("state: store corrupted")

// Store persists the global watchdog state between invocations.
type Store interface {
	// Load reads the persisted state. A store that has never been written
	// yields an empty GlobalState, not an error.
	Load(ctx context.Context) (GlobalState, error)
	// Save replaces the persisted state with the provided snapshot.
	Save(ctx context.Context, global GlobalState) error
}

// FileStore keeps the state as a single JSON document on local disk.
type FileStore struct {
	path string
}

// NewFileStore constructs a file-backed store at the provided path.
func NewFileStore(path string) (*FileStore, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, errors.New("state file path must not be empty")
	}
	return &FileStore{path: cleaned}, nil
}

// Load implements Store. A missing file is a valid empty state.
func (s *FileStore) Load(ctx context.Context) (GlobalState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(GlobalState), nil
		}
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}

	var global GlobalState
	if err := json.Unmarshal(payload, &global); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupted, s.path, err)
	}
	if global == nil {
		global = make(GlobalState)
	}
	return global, nil
}

// Save implements Store. The document is written to a temporary file in the
// same directory and renamed into place so a crash mid-write leaves the prior
// good file untouched.
func (s *FileStore) Save(ctx context.Context, global GlobalState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(global, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	payload = append(payload, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file %s: %w", s.path, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
