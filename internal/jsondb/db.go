// Package jsondb implements a simple database of JSON documents, backed by
// the filesystem.
//
// It supports two operations: Read() and Write(). Their signatures mirror
// those of json.Unmarshal() and json.Marshal():
//
//	err := db.Write("my-string", "octopus")
//
//	var v string
//	exists, err := db.Read("my-string", &v)
//
// Documents are stored as `<name>.json` in the database directory. Writes
// replace the whole document atomically, so readers never see a partially
// written document.
package jsondb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type JSONDatabase struct {
	dir  string
	perm os.FileMode
}

// New creates a new JSONDatabase in dir. Each document is saved with the
// permissions set in perm.
func New(dir string, perm os.FileMode) *JSONDatabase {
	return &JSONDatabase{dir, perm}
}

// Read reads the value of document name into v. Returns false if the
// document does not exist.
func (db *JSONDatabase) Read(name string, document interface{}) (bool, error) {
	f, err := os.Open(filepath.Join(db.dir, name+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("error accessing db file %s: %w", name, err)
	}
	defer f.Close()

	err = json.NewDecoder(f).Decode(document)
	if err != nil {
		return false, fmt.Errorf("error reading db file %s: %w", name, err)
	}

	return true, nil
}

// List returns the names of all documents in the database.
func (db *JSONDatabase) List() ([]string, error) {
	entries, err := os.ReadDir(db.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	names := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}

	return names, nil
}

// Write writes document as name into the database, overwriting any
// previous document with the same name.
func (db *JSONDatabase) Write(name string, document interface{}) error {
	return writeFileAtomically(db.dir, name+".json", db.perm, func(f *os.File) error {
		return json.NewEncoder(f).Encode(document)
	})
}

// Delete removes document name. Deleting a document that does not exist
// is not an error.
func (db *JSONDatabase) Delete(name string) error {
	err := os.Remove(filepath.Join(db.dir, name+".json"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error deleting db file %s: %w", name, err)
	}
	return nil
}

// writeFileAtomically creates or replaces the file at dir/filename. The
// contents are produced by write, which receives a temporary file in dir.
// The file only appears under its final name once write succeeded and the
// data has been synced.
func writeFileAtomically(dir, filename string, mode os.FileMode, write func(f *os.File) error) error {
	tmpfile, err := os.CreateTemp(dir, "."+filename+"-*.tmp")
	if err != nil {
		return err
	}

	// Make sure the tempfile is removed on error. Errors are ignored
	// because the file is gone after a successful rename.
	defer func() {
		_ = os.Remove(tmpfile.Name())
	}()

	err = write(tmpfile)
	if err != nil {
		tmpfile.Close()
		return err
	}

	err = tmpfile.Chmod(mode)
	if err != nil {
		tmpfile.Close()
		return err
	}

	err = tmpfile.Sync()
	if err != nil {
		tmpfile.Close()
		return err
	}

	err = tmpfile.Close()
	if err != nil {
		return err
	}

	return os.Rename(tmpfile.Name(), filepath.Join(dir, filename))
}
