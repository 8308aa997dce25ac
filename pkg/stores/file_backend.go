package stores

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileBackend keeps state in a local JSON file next to a lock file.
type FileBackend struct {
	*lockFileBackend
}

// NewFileBackend returns a backend storing state at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{lockFileBackend: newLockFileBackend(string(BackendFile), localFS{}, path, false)}
}

// Close is a no-op.
func (b *FileBackend) Close() error {
	return nil
}

type localFS struct{}

func (localFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// WriteFile writes to a temporary file in the same directory and renames
// it over name.
func (localFS) WriteFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(name), filepath.Base(name)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, name)
}

func (localFS) CreateExclusive(name string, data []byte) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return f.Close()
}

func (localFS) Remove(name string) error {
	return os.Remove(name)
}

func (localFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
