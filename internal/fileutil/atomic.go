// Package fileutil replaces settings files without ever exposing a partly
// written file to readers or to the watchers of its directory.
package fileutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrClosed is returned when a PendingFile is used after Commit or Abort.
var ErrClosed = errors.New("pending file already closed")

// PendingFile collects the new contents of a target path in a hidden
// sibling file. The target is untouched until Commit.
type PendingFile struct {
	target string
	perm   os.FileMode
	tmp    *os.File
	closed bool
}

// Create starts a replacement of path, creating missing parent directories.
func Create(path string, perm os.FileMode) (*PendingFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &PendingFile{target: path, perm: perm, tmp: tmp}, nil
}

// Write appends p to the pending contents.
func (f *PendingFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}
	return f.tmp.Write(p)
}

// Commit flushes the pending contents and renames them over the target.
// On any failure the target keeps its previous contents and the temp file
// is removed.
func (f *PendingFile) Commit() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	tmpPath := f.tmp.Name()

	err := f.tmp.Sync()
	if cerr := f.tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmpPath, f.perm)
	}
	if err == nil {
		err = os.Rename(tmpPath, f.target)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", f.target, err)
	}

	syncDir(filepath.Dir(f.target))
	return nil
}

// Abort discards the pending contents. It is a no-op after Commit, so it
// can be deferred right after Create.
func (f *PendingFile) Abort() {
	if f.closed {
		return
	}
	f.closed = true
	f.tmp.Close()
	os.Remove(f.tmp.Name())
}

// syncDir makes the rename durable. Not every platform can sync a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// WriteFile replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	f, err := Create(path, perm)
	if err != nil {
		return err
	}
	defer f.Abort()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Commit()
}

// WriteYAML replaces path with the YAML encoding of v. Nothing is written
// when v fails to encode.
func WriteYAML(path string, v any, perm os.FileMode) error {
	f, err := Create(path, perm)
	if err != nil {
		return err
	}
	defer f.Abort()

	enc := yaml.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Commit()
}
