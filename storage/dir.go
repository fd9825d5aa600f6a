package storage

import (
	"fmt"
	"os"
)

// Dir is a browser user data directory.
type Dir struct {
	Dir    string
	remove bool
}

// Make uses dir as the data directory, or creates a temporary one in tmpDir
// when dir is empty. Only temporary directories are removed by Cleanup.
func (d *Dir) Make(tmpDir, dir string) error {
	if dir != "" {
		d.Dir = dir
		return nil
	}

	var err error
	if d.Dir, err = os.MkdirTemp(tmpDir, "cchrome-data-*"); err != nil {
		return fmt.Errorf("creating a temporary data directory: %w", err)
	}
	d.remove = true

	return nil
}

// Cleanup removes the directory if it was created by Make.
func (d *Dir) Cleanup() error {
	if !d.remove {
		return nil
	}
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing data directory %q: %w", d.Dir, err)
	}
	return nil
}
