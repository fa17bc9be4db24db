package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoNLLReaderSplitsOnBlankLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.conll")
	content := "Dogs NNS O\nbark VBP O\n\nCats NNS O\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	r, err := NewCoNLLReader(path, []string{"word", "pos", "label"})
	require.NoError(t, err)

	s1, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"Dogs", "bark"}, s1.Words)
	assert.Equal(t, []string{"NNS", "VBP"}, s1.POS)
	assert.Equal(t, []string{"O", "O"}, s1.Entities)

	s2, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"Cats"}, s2.Words)

	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoNLLReaderResetRewinds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.conll")
	require.NoError(t, os.WriteFile(path, []byte("a N\nb N\n"), 0644))

	r, err := NewCoNLLReader(path, []string{"word", "pos"})
	require.NoError(t, err)

	_, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, r.Reset())
	s, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, s.Words)
}

func TestCoNLLReaderRejectsTooFewColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.conll")
	require.NoError(t, os.WriteFile(path, []byte("onlyword\n"), 0644))

	r, err := NewCoNLLReader(path, []string{"word", "pos", "label"})
	require.NoError(t, err)

	_, _, err = r.Next()
	require.Error(t, err)
}

func TestTaggedTokenRoundTripsThroughWriter(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(inPath, []byte("dogs/N bark/V\n"), 0644))

	r, err := NewTaggedTokenReader(inPath)
	require.NoError(t, err)
	sent, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"dogs", "bark"}, sent.Words)
	assert.Equal(t, []string{"N", "V"}, sent.Entities)

	sent.Predicted = []string{"N", "N"}

	outPath := filepath.Join(dir, "out.txt")
	w, err := NewTaggedTokenWriter(outPath)
	require.NoError(t, err)
	require.NoError(t, w.WritePreface("tagged output"))
	require.NoError(t, w.Write(sent))
	require.NoError(t, w.Close())

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "# tagged output\ndogs/N bark/N\n", string(out))
}

func TestTaggedTokenReaderRejectsMissingSeparator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(path, []byte("dogsN bark/V\n"), 0644))

	r, err := NewTaggedTokenReader(path)
	require.NoError(t, err)
	_, _, err = r.Next()
	require.Error(t, err)
}

func TestParquetWriterReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.parquet")

	w, err := NewParquetWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(&Sentence{
		Words:     []string{"dogs", "bark"},
		POS:       []string{"NNS", "VBP"},
		Predicted: []string{"N", "V"},
	}))
	require.NoError(t, w.Write(&Sentence{
		Words:     []string{"cats"},
		POS:       []string{"NNS"},
		Predicted: []string{"N"},
	}))
	require.NoError(t, w.Close())

	r, err := NewParquetReader(path)
	require.NoError(t, err)

	s1, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"dogs", "bark"}, s1.Words)
	assert.Equal(t, []string{"N", "V"}, s1.Entities)

	s2, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"cats"}, s2.Words)

	_, ok, err = r.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}
