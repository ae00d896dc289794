package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrUnsupportedVersion = errors.New("unsupported store schema version")

// FileStore reads and writes the canonical store document at a path
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the canonical location
func (f *FileStore) Path() string {
	return f.path
}

// Load decodes the document, migrating older schema versions. A missing file
// is an empty store.
func (f *FileStore) Load() (*Store, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read store %s: %w", f.path, err)
	}

	doc, err := decodeDocument(data)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", f.path, err)
	}

	return FromDocument(doc)
}

// Save writes the store atomically: a temp file in the same directory is renamed over the target
func (f *FileStore) Save(s *Store) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	return WriteFileAtomic(f.path, data)
}

// Encode serializes a store deterministically
func Encode(s *Store) ([]byte, error) {
	data, err := json.MarshalIndent(s.Document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode store: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFileAtomic replaces path with data without exposing a partial file
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
