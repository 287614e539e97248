package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/ports"
)

var _ ports.CredentialStore = (*FileStore)(nil)

// FileStore persists the credential as a JSON document on disk. Writes go to
// a temp file in the same directory and are renamed into place, so a reader
// sees either the old or the new document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a file store writing to path
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path returns the credential file location
func (s *FileStore) Path() string {
	return s.path
}

// Get reads the credential file
func (s *FileStore) Get(ctx context.Context) (*core.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read credential file: %v", core.ErrStoreOperationFailed, err)
	}

	var cred core.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("%w: decode credential file: %v", core.ErrStoreOperationFailed, err)
	}
	if !cred.Usable() {
		return nil, nil
	}
	return &cred, nil
}

// Set atomically replaces the credential file
func (s *FileStore) Set(ctx context.Context, cred core.Credential) error {
	raw, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode credential: %v", core.ErrStoreOperationFailed, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create dir: %v", core.ErrStoreOperationFailed, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", core.ErrStoreOperationFailed, err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: chmod temp file: %v", core.ErrStoreOperationFailed, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", core.ErrStoreOperationFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp file: %v", core.ErrStoreOperationFailed, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", core.ErrStoreOperationFailed, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: rename temp file: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// Clear removes the credential file
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove credential file: %v", core.ErrStoreOperationFailed, err)
	}
	return nil
}
