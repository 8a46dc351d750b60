package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roster-crawler/internal/roster"
)

func TestArtifactStoreCopiesData(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	task := roster.CoarseTaskID{Team: "kan", Year: 2019}
	artifact := roster.Artifact{
		Task:    task,
		Columns: []string{"Player", "Pos"},
		Rows:    []roster.Row{{Name: "Patrick Mahomes", Player: "/players/M/MahoPa00.htm", Values: []string{"Patrick Mahomes", "QB"}}},
	}
	require.NoError(t, store.Write(context.Background(), artifact))
	artifact.Rows[0].Values[1] = "WR"
	artifact.Columns[0] = "Name"

	got, err := store.Read(context.Background(), task)
	require.NoError(t, err)
	require.Equal(t, "QB", got.Rows[0].Values[1])
	require.Equal(t, "Player", got.Columns[0])
	require.Equal(t, 1, store.Writes(task))
}

func TestArtifactStoreMissingAndErrors(t *testing.T) {
	t.Parallel()

	store := NewArtifactStore()
	task := roster.CoarseTaskID{Team: "buf", Year: 2020}

	_, err := store.Read(context.Background(), task)
	require.ErrorIs(t, err, roster.ErrNotFound)
	ok, err := store.Exists(context.Background(), task)
	require.NoError(t, err)
	require.False(t, ok)

	store.SetWriteError(errors.New("quota"))
	require.EqualError(t, store.Write(context.Background(), roster.Artifact{Task: task}), "quota")
	store.SetWriteError(nil)
	require.NoError(t, store.Write(context.Background(), roster.Artifact{Task: task}))

	store.Delete(task)
	ok, err = store.Exists(context.Background(), task)
	require.NoError(t, err)
	require.False(t, ok)
}
