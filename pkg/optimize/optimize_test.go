package optimize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lab/crftagger/pkg/crf"
	"github.com/lab/crftagger/pkg/decode"
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

// labels for the POS toy corpus shared by scenarios 2-4: N=2, V=3.
const (
	posN = symtab.ID(2)
	posV = symtab.ID(3)
)

// observePOSCorpus feeds idx one occurrence of "dogs/N bark/V" and one of
// "cats/N run/V" (spec §8 scenario 2), using the w, pw, and trans
// generators only.
func observePOSCorpus(idx *features.Index) {
	idx.Observe("w", "dogs", symtab.NONE, posN, true, false)
	idx.Observe("w", "bark", symtab.NONE, posV, true, false)
	idx.Observe("pw", "dogs", posN, posV, true, false)
	idx.Observe(features.TransType, "", posN, posV, false, true)

	idx.Observe("w", "cats", symtab.NONE, posN, true, false)
	idx.Observe("w", "run", symtab.NONE, posV, true, false)
	idx.Observe("pw", "cats", posN, posV, true, false)
	idx.Observe(features.TransType, "", posN, posV, false, true)
}

// posContext fills a context for word at position i (prevWord is "" at
// i == 0), mirroring what featuregen.Set.Fill would produce for the w,
// pw, trans generator combination.
func posContext(idx *features.Index, word, prevWord string, i int) features.Context {
	ctx := features.Context{}
	idx.FillContext("w", word, &ctx)
	if prevWord != "" {
		idx.FillContext("pw", prevWord, &ctx)
	}
	if i > 0 {
		idx.FillContext(features.TransType, "", &ctx)
	}
	return ctx
}

// setPOSGold records the gold (prev, curr) pair on each position of the
// POS training instances; every sentence in the corpus is tagged "N V".
func setPOSGold(instances []features.Instance) {
	for _, inst := range instances {
		inst[0].Prev, inst[0].Curr = symtab.SENTINEL, posN
		inst[1].Prev, inst[1].Curr = posN, posV
	}
}

// buildPOSModel builds the scenario 2 corpus (no cutoff) as a fresh,
// independent Model each call.
func buildPOSModel() *Model {
	idx := features.New()
	observePOSCorpus(idx)
	idx.Close()
	idx.Compact()

	instances := []features.Instance{
		{posContext(idx, "dogs", "", 0), posContext(idx, "bark", "dogs", 1)},
		{posContext(idx, "cats", "", 0), posContext(idx, "run", "cats", 1)},
	}
	setPOSGold(instances)

	return &Model{
		Index:     idx,
		Engine:    crf.NewEngine(2, 2),
		Instances: instances,
		Sigma2:    1.0,
	}
}

func TestScenario2POSTinySetLearnsTransitionPattern(t *testing.T) {
	model := buildPOSModel()
	result := RunLBFGS(model, LBFGSConfig{NIterations: 200, HistorySize: 10, Epsilon: 1e-8, Delta: 1e-10})

	dec := decode.NewDecoder(2)
	idx := model.Index

	dogsBark := []features.Context{posContext(idx, "dogs", "", 0), posContext(idx, "bark", "dogs", 1)}
	assert.Equal(t, []int{0, 1}, dec.Decode(dogsBark, result.Weights), "dogs bark -> N V")

	catsBark := []features.Context{posContext(idx, "cats", "", 0), posContext(idx, "bark", "cats", 1)}
	assert.Equal(t, []int{0, 1}, dec.Decode(catsBark, result.Weights), "cats bark -> N V")

	barkCats := []features.Context{posContext(idx, "bark", "", 0), posContext(idx, "cats", "bark", 1)}
	assert.Equal(t, []int{1, 0}, dec.Decode(barkCats, result.Weights), "bark cats -> V N")
}

func TestScenario3FrequencyCutoffPrunesRareFeature(t *testing.T) {
	idx := features.New()
	for i := 0; i < 10; i++ {
		observePOSCorpus(idx)
	}
	// One noisy extra observation: "dogs" mislabeled V, seen only once.
	idx.Observe("w", "dogs", symtab.NONE, posV, true, false)
	idx.Close()

	idx.ApplyFeatureCutoff("", 2, 2)

	var dogsAttr features.Context
	idx.FillContext("w", "dogs", &dogsAttr)
	require.NotEmpty(t, dogsAttr.Features)
	var sawN bool
	for _, f := range dogsAttr.Features {
		assert.NotEqual(t, posV, f.Curr, "the (w=dogs, NONE->V) feature observed only once must be pruned below cutoff 2")
		if f.Curr == posN {
			sawN = true
		}
	}
	assert.True(t, sawN, "the (w=dogs, NONE->N) feature observed 10 times must survive the cutoff")

	idx.Compact()

	var instances []features.Instance
	for i := 0; i < 10; i++ {
		instances = append(instances,
			features.Instance{posContext(idx, "dogs", "", 0), posContext(idx, "bark", "dogs", 1)},
			features.Instance{posContext(idx, "cats", "", 0), posContext(idx, "run", "cats", 1)},
		)
	}
	setPOSGold(instances)

	model := &Model{Index: idx, Engine: crf.NewEngine(2, 2), Instances: instances, Sigma2: 1.0}
	result := RunLBFGS(model, LBFGSConfig{NIterations: 200, HistorySize: 10, Epsilon: 1e-8, Delta: 1e-10})

	dec := decode.NewDecoder(2)
	dogsAlone := []features.Context{posContext(idx, "dogs", "", 0)}
	assert.Equal(t, []int{0}, dec.Decode(dogsAlone, result.Weights), "dogs alone -> N once (w=dogs, NONE->V) is pruned")
}

func TestScenario4SGDAgreesWithLBFGSWithinOnePercent(t *testing.T) {
	lbfgsResult := RunLBFGS(buildPOSModel(), LBFGSConfig{NIterations: 200, HistorySize: 10, Epsilon: 1e-8, Delta: 1e-10})
	lbfgsLoss := lbfgsResult.Objectives[len(lbfgsResult.Objectives)-1]

	sgdModel := buildPOSModel()
	rng := rand.New(rand.NewSource(7))
	sgdResult := RunSGD(sgdModel, SGDConfig{LambdaReg: 1.0, Epochs: 100, Period: 5, Delta: 1e-6, CalibSamples: 2}, rng)
	sgdLoss := sgdResult.Losses[len(sgdResult.Losses)-1]

	rel := math.Abs(sgdLoss-lbfgsLoss) / math.Abs(lbfgsLoss)
	assert.Less(t, rel, 0.01, "SGD objective %.6f must be within 1%% of the L-BFGS optimum %.6f", sgdLoss, lbfgsLoss)
}

// buildToyModel is the spec §8 end-to-end scenario 1: labels {A=2,B=3},
// lexicon {x,y}, one sentence "x y" with gold "A B", only the w and
// trans generators enabled.
func buildToyModel() (*Model, []float64) {
	idx := features.New()
	idx.Observe("w", "x", symtab.SENTINEL, 2, true, false)
	idx.Observe("w", "y", 2, 3, true, false)
	idx.Observe(features.TransType, "", 2, 3, false, true)
	idx.Close()
	idx.Compact()

	// Weights are left unbound: RunLBFGS and RunSGD call AssignWeights
	// themselves; a test that evaluates vec directly binds it first.
	vec := make([]float64, idx.NumActiveFeatures())

	ctx0 := features.Context{Prev: symtab.SENTINEL, Curr: 2}
	idx.FillContext("w", "x", &ctx0)
	ctx1 := features.Context{Prev: 2, Curr: 3}
	idx.FillContext("w", "y", &ctx1)
	idx.FillContext(features.TransType, "", &ctx1)

	instance := features.Instance{ctx0, ctx1}
	model := &Model{
		Index:     idx,
		Engine:    crf.NewEngine(2, 2),
		Instances: []features.Instance{instance},
		Sigma2:    1.0,
	}
	return model, vec
}

func TestFiniteDifferenceGradientMatchesAccumulateGradient(t *testing.T) {
	model, vec := buildToyModel()
	model.Index.AssignWeights(vec)
	for i := range vec {
		vec[i] = 0.3 * float64(i+1)
	}

	loss, grad := model.Evaluate(vec)
	require.Len(t, grad, len(vec))

	const h = 1e-4
	for k := range vec {
		perturbed := make([]float64, len(vec))
		copy(perturbed, vec)
		perturbed[k] += h
		lossPlus, _ := model.Evaluate(perturbed)
		fd := (lossPlus - loss) / h
		assert.InDelta(t, grad[k], fd, 1e-2, "feature %d finite-difference mismatch", k)
	}
}

func TestLBFGSMonotoneDescent(t *testing.T) {
	model, _ := buildToyModel()
	result := RunLBFGS(model, LBFGSConfig{NIterations: 50, HistorySize: 10, Epsilon: 1e-6, Delta: 1e-7})

	require.NotEmpty(t, result.Objectives)
	for i := 1; i < len(result.Objectives); i++ {
		assert.LessOrEqual(t, result.Objectives[i], result.Objectives[i-1]+1e-9)
	}
}

func TestLBFGSFitsToyExampleTransition(t *testing.T) {
	model, _ := buildToyModel()
	result := RunLBFGS(model, LBFGSConfig{NIterations: 50, HistorySize: 10, Epsilon: 1e-8, Delta: 1e-9})

	// After fitting, the gold transition A->B should score higher than
	// B->A under the cached trans entry's weights.
	trans := model.Index.TransFeatures()
	require.NotEmpty(t, trans)
	var scoreAB float64
	for _, f := range trans {
		if f.Lambda >= 0 {
			scoreAB += result.Weights[f.Lambda]
		}
	}
	assert.Greater(t, scoreAB, 0.0)
}

func TestSGDReachesLowLossOnToyExample(t *testing.T) {
	model, _ := buildToyModel()
	rng := rand.New(rand.NewSource(42))
	result := RunSGD(model, SGDConfig{LambdaReg: 1.0, Epochs: 100, Period: 5, Delta: 1e-4, CalibSamples: 1}, rng)

	require.NotEmpty(t, result.Losses)
	assert.Less(t, result.Losses[len(result.Losses)-1], result.Losses[0]+1e-6)
}
