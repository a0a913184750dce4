package periphmgr

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SysfsAccessor reads and writes kernel sysfs attributes, locally or on a
// remote board. Paths are relative to the sysfs root.
type SysfsAccessor interface {
	ReadAttribute(ctx context.Context, relPath string) (string, error)
	WriteAttribute(ctx context.Context, relPath, value string) error
	Close() error
}

type localSysfs struct {
	root string
}

// NewLocalSysfs accesses sysfs on the local kernel. An empty root defaults
// to /sys; tests point it at a scratch directory.
func NewLocalSysfs(root string) SysfsAccessor {
	if root == "" {
		root = "/sys"
	}
	return &localSysfs{root: root}
}

func (s *localSysfs) ReadAttribute(_ context.Context, relPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, relPath))
	if err != nil {
		return "", errors.Wrapf(err, "read sysfs attribute %s", relPath)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *localSysfs) WriteAttribute(_ context.Context, relPath, value string) error {
	if err := os.WriteFile(filepath.Join(s.root, relPath), []byte(value), 0o644); err != nil {
		return errors.Wrapf(err, "write sysfs attribute %s", relPath)
	}
	return nil
}

func (s *localSysfs) Close() error { return nil }
