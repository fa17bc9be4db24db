package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStoreSavesAndResumesLatest(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenCheckpointStore(filepath.Join(dir, "run.db"))
	require.NoError(t, err)
	defer store.Close()

	_, _, _, ok, err := store.LoadLatest()
	require.NoError(t, err)
	assert.False(t, ok, "a fresh store has no checkpoint to resume from")

	require.NoError(t, store.SaveIteration(1, 10.0, []float64{0.1, 0.2}))
	require.NoError(t, store.SaveIteration(2, 8.5, []float64{0.15, 0.22}))

	iter, objective, weights, ok, err := store.LoadLatest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, iter)
	assert.InDelta(t, 8.5, objective, 1e-9)
	assert.Equal(t, []float64{0.15, 0.22}, weights)
}
