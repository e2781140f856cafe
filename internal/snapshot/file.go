package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend keeps one file per entry under a per-owner directory.
// This is the default backend: no external service required.
type FileBackend struct {
	basePath string
}

// NewFileBackend creates the base directory if missing.
func NewFileBackend(basePath string) (*FileBackend, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("snapshot base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileBackend{basePath: basePath}, nil
}

func (f *FileBackend) Put(owner, key string, value []byte) error {
	dir := filepath.Join(f.basePath, safeName(owner))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create owner dir: %w", err)
	}
	target := filepath.Join(dir, safeName(key))
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("write snapshot entry: %w", err)
	}
	return os.Rename(tmp, target)
}

func (f *FileBackend) Get(owner, key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, safeName(owner), safeName(key)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FileBackend) Delete(owner, key string) error {
	err := os.Remove(filepath.Join(f.basePath, safeName(owner), safeName(key)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *FileBackend) Clear(owner string) error {
	dir := filepath.Join(f.basePath, safeName(owner))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(dir)
}

func (f *FileBackend) Close() error {
	return nil
}

func safeName(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return "_"
	}
	return name
}
