// Package file keeps the fact cache and completion ledger as JSON documents
// on local disk. Writes go to a temp file that is renamed into place, so a
// crash never leaves a half-written document behind.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

const (
	factsFile  = "facts.json"
	ledgerFile = "ledger.json"
	// formatVersion is bumped when the document layout changes.
	formatVersion = 1
)

// Config captures the parameters for the file state store.
type Config struct {
	// Dir holds facts.json and ledger.json.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Store implements roster.FactBackend and roster.LedgerBackend.
type Store struct {
	dir string
}

type factsDocument struct {
	Version int                                    `json:"version"`
	Facts   map[roster.FineTaskID]roster.FactValue `json:"facts"`
}

type ledgerDocument struct {
	Version int      `json:"version"`
	Tasks   []string `json:"tasks"`
}

// New creates the state directory if needed and verifies it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create state directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat state directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("state path %s is not a directory", cfg.Dir)
	}

	probe, err := os.CreateTemp(cfg.Dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("state directory is not writable: %w", err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}
	return &Store{dir: cfg.Dir}, nil
}

// LoadFacts reads facts.json. A missing file loads as empty.
func (s *Store) LoadFacts(_ context.Context) (map[roster.FineTaskID]roster.FactValue, error) {
	var doc factsDocument
	found, err := s.read(factsFile, &doc)
	if err != nil || !found {
		return map[roster.FineTaskID]roster.FactValue{}, err
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%s: unsupported version %d: %w", factsFile, doc.Version, roster.ErrCorruptState)
	}
	for id, value := range doc.Facts {
		if !value.Valid() {
			return nil, fmt.Errorf("%s: entry %q has state %q: %w", factsFile, id, value.State, roster.ErrCorruptState)
		}
	}
	if doc.Facts == nil {
		doc.Facts = map[roster.FineTaskID]roster.FactValue{}
	}
	return doc.Facts, nil
}

// SaveFacts atomically replaces facts.json.
func (s *Store) SaveFacts(_ context.Context, facts map[roster.FineTaskID]roster.FactValue) error {
	return s.write(factsFile, factsDocument{Version: formatVersion, Facts: facts})
}

// LoadLedger reads ledger.json. A missing file loads as empty.
func (s *Store) LoadLedger(_ context.Context) ([]roster.CoarseTaskID, error) {
	var doc ledgerDocument
	found, err := s.read(ledgerFile, &doc)
	if err != nil || !found {
		return nil, err
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%s: unsupported version %d: %w", ledgerFile, doc.Version, roster.ErrCorruptState)
	}
	tasks := make([]roster.CoarseTaskID, 0, len(doc.Tasks))
	for _, raw := range doc.Tasks {
		task, err := roster.ParseCoarseTaskID(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", ledgerFile, err, roster.ErrCorruptState)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// SaveLedger atomically replaces ledger.json. Tasks are written sorted.
func (s *Store) SaveLedger(_ context.Context, tasks []roster.CoarseTaskID) error {
	sorted := append([]roster.CoarseTaskID(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })
	doc := ledgerDocument{Version: formatVersion, Tasks: make([]string, 0, len(sorted))}
	for _, task := range sorted {
		doc.Tasks = append(doc.Tasks, task.String())
	}
	return s.write(ledgerFile, doc)
}

func (s *Store) read(name string, into any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("decode %s: %w: %w", name, err, roster.ErrCorruptState)
	}
	return true, nil
}

func (s *Store) write(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
