// Package local stores roster artifacts as CSV files on the local filesystem.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/roster-crawler/internal/roster"
	"github.com/JakeFAU/roster-crawler/internal/storage/csvcodec"
)

// Config captures the parameters for the local artifact store.
type Config struct {
	// BaseDir is the root directory where artifacts will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// ArtifactStore writes one CSV per task under BaseDir.
type ArtifactStore struct {
	baseDir string
}

// New creates a new local filesystem-backed artifact store.
func New(cfg Config) (*ArtifactStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &ArtifactStore{baseDir: cfg.BaseDir}, nil
}

// Path returns the file an artifact for task is stored in.
func (s *ArtifactStore) Path(task roster.CoarseTaskID) (string, error) {
	fullPath := filepath.Join(s.baseDir, csvcodec.FileName(task))
	cleanBaseDir := filepath.Clean(s.baseDir)
	if !strings.HasPrefix(filepath.Clean(fullPath), cleanBaseDir+string(filepath.Separator)) ||
		strings.ContainsAny(task.Team, `/\`) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// Write encodes the artifact and atomically replaces its file.
func (s *ArtifactStore) Write(_ context.Context, artifact roster.Artifact) error {
	path, err := s.Path(artifact.Task)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := csvcodec.Encode(&buf, artifact); err != nil {
		return fmt.Errorf("encode artifact %s: %w", artifact.Task, err)
	}

	tmp, err := os.CreateTemp(s.baseDir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Read decodes the artifact for task, or returns roster.ErrNotFound.
func (s *ArtifactStore) Read(_ context.Context, task roster.CoarseTaskID) (roster.Artifact, error) {
	path, err := s.Path(task)
	if err != nil {
		return roster.Artifact{}, err
	}
	// #nosec G304 -- path is confined to baseDir by Path.
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return roster.Artifact{}, fmt.Errorf("artifact %s: %w", task, roster.ErrNotFound)
	}
	if err != nil {
		return roster.Artifact{}, fmt.Errorf("open artifact %s: %w", task, err)
	}
	defer f.Close()

	artifact, err := csvcodec.Decode(f, task)
	if err != nil {
		return roster.Artifact{}, fmt.Errorf("decode artifact %s: %w", task, err)
	}
	return artifact, nil
}

// Exists reports whether an artifact file is present for task.
func (s *ArtifactStore) Exists(_ context.Context, task roster.CoarseTaskID) (bool, error) {
	path, err := s.Path(task)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat artifact %s: %w", task, err)
	}
}
