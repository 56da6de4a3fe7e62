// Package snapshot captures the state of a single file before an action
// overwrites it, in a form that can be stored inside a receipt and restored
// later by a different process.
package snapshot

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File is the serialisable state of one path.
type File struct {
	Path     string      `json:"path"`
	Existed  bool        `json:"existed"`
	Contents []byte      `json:"contents,omitempty"`
	Mode     fs.FileMode `json:"mode,omitempty"`
}

// Capture records the current state of path. A missing path is captured as
// Existed=false so that Restore removes whatever is there later.
func Capture(path string) (File, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return File{Path: path}, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return File{}, fmt.Errorf("snapshot %s: not a regular file (%s)", path, info.Mode().Type())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return File{Path: path, Existed: true, Contents: data, Mode: info.Mode().Perm()}, nil
}

// Restore puts the captured state back. Restoring a file that never existed
// removes it; an already-missing file is not an error.
func (f File) Restore() error {
	if !f.Existed {
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("restore %s: %w", f.Path, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("restore %s: %w", f.Path, err)
	}
	if err := WriteAtomic(f.Path, f.Contents, f.Mode); err != nil {
		return fmt.Errorf("restore %s: %w", f.Path, err)
	}
	return nil
}

// Matches reports whether the captured file existed with exactly data.
func (f File) Matches(data []byte) bool {
	return f.Existed && bytes.Equal(f.Contents, data)
}

// WriteAtomic writes data to a temporary sibling of path and renames it into
// place, so readers never observe a partially written file.
func WriteAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

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
	if err := os.Chmod(tmpPath, mode); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
