package features

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab/crftagger/pkg/symtab"
)

func TestObserveAndFillContext(t *testing.T) {
	idx := New()
	idx.Observe("w", "dog", symtab.NONE, 5, true, true)
	idx.Observe("w", "dog", symtab.NONE, 5, true, true)
	idx.Close()

	ctx := &Context{Prev: symtab.NONE, Curr: 5}
	idx.FillContext("w", "dog", ctx)
	require.Len(t, ctx.Features, 1)
	// With prev == NONE, includeTrans and includeState both count the same
	// (NONE, 5) feature, so each Observe call adds 2.
	assert.Equal(t, 4, ctx.Features[0].Freq)

	empty := &Context{}
	idx.FillContext("w", "unseen", empty)
	assert.Len(t, empty.Features, 0)
}

func TestAttributeCutoffZeroesBelowThreshold(t *testing.T) {
	idx := New()
	idx.Observe("w", "rare", symtab.NONE, 3, true, false)
	idx.Observe("w", "common", symtab.NONE, 4, true, false)
	idx.Observe("w", "common", symtab.NONE, 4, true, false)
	idx.Observe("w", "common", symtab.NONE, 4, true, false)
	idx.Close()

	idx.ApplyAttributeCutoff(2)

	ctx := &Context{}
	idx.FillContext("w", "rare", ctx)
	assert.Len(t, ctx.Features, 0, "entries below the cutoff must not fill a context")

	ctx2 := &Context{}
	idx.FillContext("w", "common", ctx2)
	assert.Len(t, ctx2.Features, 1)
}

func TestFeatureCutoffScopedByType(t *testing.T) {
	idx := New()
	idx.Observe("w", "a", symtab.NONE, 1, true, false)
	idx.Observe("pos", "NN", symtab.NONE, 1, true, false)
	idx.Close()

	// threshold 2 for type "w" zeros its single-count feature; "pos" keeps
	// its own count because defaultFreq < 0 leaves other types untouched.
	idx.ApplyFeatureCutoff("w", 2, -1)

	ctxW := &Context{}
	idx.FillContext("w", "a", ctxW)
	assert.Len(t, ctxW.Features, 0)

	ctxPOS := &Context{}
	idx.FillContext("pos", "NN", ctxPOS)
	assert.Len(t, ctxPOS.Features, 1)
}

func TestCompactRenumbersByDescendingFrequency(t *testing.T) {
	idx := New()
	idx.Observe("w", "rare", symtab.NONE, 1, true, false)
	idx.Observe("w", "common", symtab.NONE, 2, true, false)
	idx.Observe("w", "common", symtab.NONE, 2, true, false)
	idx.Close()

	idx.Compact()
	require.Len(t, idx.order, 2)
	assert.Equal(t, "common", idx.order[0].value, "higher aggregate freq sorts first")
	assert.Equal(t, int32(1), idx.order[0].id)
	assert.Equal(t, int32(2), idx.order[1].id)
}

func TestAssignWeightsAndGradientRoundTrip(t *testing.T) {
	idx := New()
	idx.Observe("w", "dog", symtab.NONE, 5, true, false)
	idx.Observe("w", "cat", symtab.NONE, 6, true, false)
	idx.Close()
	idx.Compact()

	n := idx.NumActiveFeatures()
	require.Equal(t, 2, n)
	vec := make([]float64, n)
	idx.AssignWeights(vec)

	vec[0], vec[1] = 0.5, -0.25
	assert.InDelta(t, 0.25+0.0625, idx.SumLambdaSq(vec), 1e-9)

	grad := make([]float64, n)
	idx.AccumulateGradient(grad, vec, 1.0)
	// freq - expectation(0) - lambda/sigma2
	assert.InDelta(t, 1.0-0.5, grad[0], 1e-9)
	assert.InDelta(t, 1.0-(-0.25), grad[1], 1e-9)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := New()
	idx.Observe("w", "dog", symtab.NONE, 5, true, false)
	idx.Observe("trans", "", 5, 6, false, true)
	idx.Close()
	idx.Compact()

	vec := make([]float64, idx.NumActiveFeatures())
	idx.AssignWeights(vec)
	for i := range vec {
		vec[i] = float64(i) + 0.1
	}

	dir := t.TempDir()
	attrPath := filepath.Join(dir, "attributes")
	featPath := filepath.Join(dir, "features")
	require.NoError(t, idx.Save(attrPath, featPath, vec))

	loaded, loadedVec, err := Load(attrPath, featPath)
	require.NoError(t, err)
	assert.Equal(t, len(vec), len(loadedVec))

	ctx := &Context{}
	loaded.FillContext("w", "dog", ctx)
	require.Len(t, ctx.Features, 1)
	assert.Equal(t, 1, ctx.Features[0].Freq)
	assert.InDelta(t, vec[ctx.Features[0].Lambda], loadedVec[ctx.Features[0].Lambda], 1e-9)
}
