// Package sink persists rendered exports to a local directory, a GCS bucket
// or a BigQuery table.
package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes exports into a directory. Files appear atomically: text is
// written to a temp file in the same directory and renamed into place.
type FileSink struct {
	dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir %q: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Path returns where filename is stored.
func (s *FileSink) Path(filename string) string {
	return filepath.Join(s.dir, filepath.Base(filename))
}

func (s *FileSink) Save(ctx context.Context, filename, text, mimeType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validFilename(filename); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+filename+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filename, err)
	}
	if err := os.Rename(tmpName, s.Path(filename)); err != nil {
		return fmt.Errorf("rename %s: %w", filename, err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }

func validFilename(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid export filename %q", name)
	}
	return nil
}
