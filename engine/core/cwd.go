package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// OutputRoot is the absolute path to a study's output tree, the root all
// artifact paths (specs/, programs/, datasets/, qc/, validation/,
// pipeline_state.json) are resolved against. File operations go through
// fs so the State and Spec Managers can be exercised against an
// afero.MemMapFs in tests instead of the real filesystem.
type OutputRoot struct {
	fs   afero.Fs
	path string
}

// NewOutputRoot resolves path to an absolute directory on the real
// filesystem, creating it if missing. An empty path resolves to the
// process working directory.
func NewOutputRoot(path string) (*OutputRoot, error) {
	return NewOutputRootFS(afero.NewOsFs(), path)
}

// NewOutputRootFS is NewOutputRoot against an arbitrary afero.Fs — tests
// pass afero.NewMemMapFs() to exercise the State/Spec Managers without
// touching disk.
func NewOutputRootFS(fs afero.Fs, path string) (*OutputRoot, error) {
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return &OutputRoot{fs: fs, path: cwd}, nil
	}
	absPath := path
	if !filepath.IsAbs(path) {
		var err error
		absPath, err = filepath.Abs(path)
		if err != nil {
			return nil, err
		}
	}
	if err := fs.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output root %q: %w", absPath, err)
	}
	return &OutputRoot{fs: fs, path: absPath}, nil
}

// Fs returns the backing filesystem, for callers (state.Manager,
// specs.Manager) that need to read/write artifacts through it directly.
func (o *OutputRoot) Fs() afero.Fs {
	if o == nil || o.fs == nil {
		return afero.NewOsFs()
	}
	return o.fs
}

// Path returns the resolved absolute directory.
func (o *OutputRoot) Path() string {
	if o == nil {
		return ""
	}
	return o.path
}

// Join resolves path relative to the output root, creating parent
// directories so the caller may write to the result immediately.
func (o *OutputRoot) Join(elem ...string) (string, error) {
	if o == nil || o.path == "" {
		return "", errors.New("output root is not set")
	}
	full := filepath.Join(append([]string{o.path}, elem...)...)
	if err := o.Fs().MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory for %q: %w", full, err)
	}
	return full, nil
}

// JoinExisting resolves path relative to the output root and verifies the
// target already exists, for reading previously produced artifacts.
func (o *OutputRoot) JoinExisting(elem ...string) (string, error) {
	full, err := o.Join(elem...)
	if err != nil {
		return "", err
	}
	if _, err := o.Fs().Stat(full); err != nil {
		return "", fmt.Errorf("artifact not found at %q: %w", full, err)
	}
	return full, nil
}

func (o *OutputRoot) Validate() error {
	if o == nil || o.path == "" {
		return errors.New("output root not set")
	}
	return nil
}
