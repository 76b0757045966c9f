// Package storage persists JSON documents to disk.
//
// Every write replaces the whole document: the payload is written to a
// temporary sibling and renamed over the target, so readers observe either
// the previous or the next version, never a partial file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound is returned by Load when the document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned by Load when the document is not valid JSON.
	ErrCorrupt = errors.New("corrupt document")
)

// Document is a single JSON file on disk.
type Document struct {
	path string
	lock *FileLock
}

// Open returns a handle on the document at path. The file is not touched
// until Load or Save is called.
func Open(path string) *Document {
	return &Document{
		path: path,
		lock: NewFileLock(path),
	}
}

// Path returns the document's file path.
func (d *Document) Path() string {
	return d.path
}

// Exists reports whether the document file is present.
func (d *Document) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// Load decodes the document into v.
func (d *Document) Load(v any) error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", d.path, err)
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorrupt, d.path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, d.path, err)
	}
	return nil
}

// Save encodes v and atomically replaces the document with it.
func (d *Document) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := d.lock.Lock(); err != nil {
		return err
	}
	defer d.lock.Unlock()

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Remove deletes the document. A missing document is not an error.
func (d *Document) Remove() error {
	if err := d.lock.Lock(); err != nil {
		return err
	}
	defer d.lock.Unlock()

	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", d.path, err)
	}
	return nil
}
