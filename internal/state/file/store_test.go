package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roster-crawler/internal/roster"
	"github.com/JakeFAU/roster-crawler/internal/state/file"
)

func newStore(t *testing.T) (*file.Store, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "state")
	store, err := file.New(file.Config{Dir: dir})
	require.NoError(t, err)
	return store, dir
}

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		_, dir := newStore(t)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("MissingDir", func(t *testing.T) {
		_, err := file.New(file.Config{})
		assert.EqualError(t, err, "state directory is required")
	})
	t.Run("PathIsAFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
		_, err := file.New(file.Config{Dir: path})
		assert.ErrorContains(t, err, "is not a directory")
	})
}

func TestMissingFilesLoadEmpty(t *testing.T) {
	store, _ := newStore(t)

	facts, err := store.LoadFacts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, facts)

	tasks, err := store.LoadLedger(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRoundTrip(t *testing.T) {
	store, dir := newStore(t)
	ctx := context.Background()

	facts := map[roster.FineTaskID]roster.FactValue{
		"/players/M/MahoPa00.htm": roster.Present("Whitehouse (TX)"),
		"/players/K/KelcTr00.htm": roster.Absent(),
	}
	require.NoError(t, store.SaveFacts(ctx, facts))
	got, err := store.LoadFacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, facts, got)

	require.NoError(t, store.SaveLedger(ctx, []roster.CoarseTaskID{{Team: "kan", Year: 2020}, {Team: "buf", Year: 2019}}))
	tasks, err := store.LoadLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, []roster.CoarseTaskID{{Team: "buf", Year: 2019}, {Team: "kan", Year: 2020}}, tasks)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"facts.json", "ledger.json"}, names, "no temp files are left behind")
}

func TestCorruptDocuments(t *testing.T) {
	cases := map[string]struct {
		file    string
		content string
		load    func(*file.Store) error
	}{
		"facts not json": {
			file: "facts.json", content: "{not json",
			load: func(s *file.Store) error { _, err := s.LoadFacts(context.Background()); return err },
		},
		"facts unknown state": {
			file: "facts.json", content: `{"version":1,"facts":{"a":{"state":"maybe"}}}`,
			load: func(s *file.Store) error { _, err := s.LoadFacts(context.Background()); return err },
		},
		"facts wrong version": {
			file: "facts.json", content: `{"version":9,"facts":{}}`,
			load: func(s *file.Store) error { _, err := s.LoadFacts(context.Background()); return err },
		},
		"ledger bad entry": {
			file: "ledger.json", content: `{"version":1,"tasks":["kan-2019"]}`,
			load: func(s *file.Store) error { _, err := s.LoadLedger(context.Background()); return err },
		},
		"ledger truncated": {
			file: "ledger.json", content: `{"version":1,"tasks":["kan/2019"`,
			load: func(s *file.Store) error { _, err := s.LoadLedger(context.Background()); return err },
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store, dir := newStore(t)
			require.NoError(t, os.WriteFile(filepath.Join(dir, tc.file), []byte(tc.content), 0o600))
			assert.ErrorIs(t, tc.load(store), roster.ErrCorruptState)
		})
	}
}
