package model

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

func buildTinyModel() *Model {
	lexicon := symtab.New()
	lexicon.Add("dogs")
	lexicon.Add("bark")

	tags := symtab.New()
	tags.Add("N")
	tags.Add("V")

	idx := features.New()
	idx.Observe("w", "dogs", symtab.NONE, 2, true, false)
	idx.Observe(features.TransType, "", 2, 3, false, true)
	idx.Close()
	idx.Compact()

	weights := make([]float64, idx.NumActiveFeatures())
	idx.AssignWeights(weights)
	for i := range weights {
		weights[i] = float64(i) + 0.5
	}

	return &Model{Lexicon: lexicon, Tags: tags, Attributes: idx, Weights: weights, MaxSize: 2}
}

func TestSaveLoadModelDirectoryRoundTrip(t *testing.T) {
	m := buildTinyModel()
	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, m.MaxSize, loaded.MaxSize)
	assert.Equal(t, len(m.Weights), len(loaded.Weights))
	assert.Equal(t, m.Lexicon.Size(), loaded.Lexicon.Size())
	assert.Equal(t, m.Tags.Size(), loaded.Tags.Size())
}

func TestLoadRejectsNFeaturesMismatch(t *testing.T) {
	m := buildTinyModel()
	dir := t.TempDir()
	require.NoError(t, m.Save(dir))

	// Corrupt the info file's nfeatures count.
	infoPath := filepath.Join(dir, infoFile)
	content := []byte(fmt.Sprintf("# info\nnattributes = 1\nnfeatures = %d\nmax_size = %d\n", len(m.Weights)+5, m.MaxSize))
	require.NoError(t, os.WriteFile(infoPath, content, 0644))

	_, err := Load(dir)
	require.Error(t, err)
}
