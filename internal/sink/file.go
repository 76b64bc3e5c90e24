package sink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shaunagostinho/fixbridge/internal/config"
)

// File writes the latest fix as JSON to the configured runtime path. The
// file is replaced by rename, so readers never see a partial write.
type File struct {
	cfg *config.Store
}

// NewFile returns a runtime file sink. Path and the enable toggle are read
// from cfg on every write.
func NewFile(cfg *config.Store) *File {
	return &File{cfg: cfg}
}

func (f *File) Write(_ context.Context, fix Fix) error {
	c := f.cfg.Load()
	if !c.WriteRuntimeFile {
		return nil
	}
	path := c.RuntimeFilePath
	if path == "" {
		path = config.DefaultRuntimePath()
	}
	data, err := fix.JSON()
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
