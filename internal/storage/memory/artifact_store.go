// Package memory stores roster artifacts in-memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

// ArtifactStore keeps deep copies of artifacts keyed by task.
type ArtifactStore struct {
	mu       sync.RWMutex
	data     map[roster.CoarseTaskID]roster.Artifact
	writes   map[roster.CoarseTaskID]int
	writeErr error
}

// NewArtifactStore creates an empty store.
func NewArtifactStore() *ArtifactStore {
	return &ArtifactStore{
		data:   make(map[roster.CoarseTaskID]roster.Artifact),
		writes: make(map[roster.CoarseTaskID]int),
	}
}

// Write stores a copy of the artifact, replacing any previous one.
func (s *ArtifactStore) Write(_ context.Context, artifact roster.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data[artifact.Task] = clone(artifact)
	s.writes[artifact.Task]++
	return nil
}

// Read returns a copy of the stored artifact or roster.ErrNotFound.
func (s *ArtifactStore) Read(_ context.Context, task roster.CoarseTaskID) (roster.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.data[task]
	if !ok {
		return roster.Artifact{}, fmt.Errorf("artifact %s: %w", task, roster.ErrNotFound)
	}
	return clone(artifact), nil
}

// Exists reports whether an artifact is stored for task.
func (s *ArtifactStore) Exists(_ context.Context, task roster.CoarseTaskID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[task]
	return ok, nil
}

// Delete removes the artifact for task.
func (s *ArtifactStore) Delete(task roster.CoarseTaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, task)
}

// Writes returns how many times task was written.
func (s *ArtifactStore) Writes(task roster.CoarseTaskID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[task]
}

// SetWriteError makes subsequent writes fail with err (nil clears it).
func (s *ArtifactStore) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func clone(a roster.Artifact) roster.Artifact {
	out := roster.Artifact{
		Task:    a.Task,
		Columns: append([]string(nil), a.Columns...),
		Rows:    make([]roster.Row, len(a.Rows)),
	}
	for i, row := range a.Rows {
		row.Values = append([]string(nil), row.Values...)
		out.Rows[i] = row
	}
	return out
}
