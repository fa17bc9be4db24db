package optimize

import (
	"math"
	"math/rand"

	"github.com/lab/crftagger/pkg/crf"
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

// SGDConfig controls the online driver (spec §4.E).
type SGDConfig struct {
	LambdaReg    float64 // L2 strength, 1/sigma2
	Epochs       int
	Period       int // how many epochs back the convergence check compares against
	Delta        float64
	CalibSamples int

	// Progress, if set, is called after each completed epoch with the
	// current weight vector -- the live-progress monitor's and checkpoint
	// store's only hook into the optimizer loop. The weights slice is
	// reused across calls and must not be retained past the call.
	Progress func(epoch int, objective float64, weights []float64)

	// InitialWeights, if non-nil, seeds the optimizer instead of the zero
	// vector -- used to resume a crashed run from its last checkpoint.
	InitialWeights []float64
}

// SGDResult mirrors LBFGSResult: final weights plus a per-epoch loss
// trace for diagnostics and the live-progress monitor.
type SGDResult struct {
	Weights []float64
	Losses  []float64
	Epochs  int
}

// CalibrateLearningRate probes up to 20 trials of one-epoch SGD (fixed,
// non-decaying eta per trial) on a random subsample of at most
// cfg.CalibSamples instances, doubling eta while each trial's loss
// improves on the previous trial's; after the first regression it runs
// one more trial at half the original eta and stops. Returns the eta
// that achieved the lowest loss.
func CalibrateLearningRate(m *Model, cfg SGDConfig, rng *rand.Rand) float64 {
	sample := randomSubsample(m.Instances, cfg.CalibSamples, rng)

	const initialEta = 0.1
	eta := initialEta
	bestEta := eta
	bestLoss := math.Inf(1)
	prevLoss := math.Inf(1)

	for trial := 0; trial < 20; trial++ {
		w := make([]float64, m.Index.NumActiveFeatures())
		fixedSchedule := func(int) float64 { return eta }
		runSGDEpoch(m, sample, w, fixedSchedule, cfg.LambdaReg, rng, 0)
		loss, _ := m.Evaluate(w)

		if loss < bestLoss {
			bestLoss = loss
			bestEta = eta
		}
		if trial > 0 && loss >= prevLoss {
			eta = initialEta / 2
			w2 := make([]float64, m.Index.NumActiveFeatures())
			fixedSchedule2 := func(int) float64 { return eta }
			runSGDEpoch(m, sample, w2, fixedSchedule2, cfg.LambdaReg, rng, 0)
			loss2, _ := m.Evaluate(w2)
			if loss2 < bestLoss {
				bestLoss = loss2
				bestEta = eta
			}
			break
		}
		prevLoss = loss
		eta *= 2
	}
	return bestEta
}

// RunSGD trains m.Index's weight vector with the calibrated learning
// rate and exponential decay scheme of spec §4.E, stopping when the
// relative improvement over the last cfg.Period epochs drops below
// cfg.Delta.
func RunSGD(m *Model, cfg SGDConfig, rng *rand.Rand) *SGDResult {
	n := m.Index.NumActiveFeatures()
	w := make([]float64, n)
	m.Index.AssignWeights(w)
	if len(cfg.InitialWeights) == n {
		copy(w, cfg.InitialWeights)
	}

	// cfg.LambdaReg weighs the L2 term of the whole-corpus objective that
	// Evaluate reports; each example's decay step carries 1/len(m.Instances)
	// of it, so one epoch applies the regularizer exactly once.
	if len(m.Instances) > 0 {
		cfg.LambdaReg /= float64(len(m.Instances))
	}

	eta0 := CalibrateLearningRate(m, cfg, rng)
	t0 := 1.0 / (cfg.LambdaReg * eta0)

	schedule := func(t int) float64 {
		return 1.0 / (cfg.LambdaReg * (t0 + float64(t)))
	}

	best := make([]float64, n)
	copy(best, w)
	bestLoss := math.Inf(1)

	result := &SGDResult{}
	step := 0
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		step = runSGDEpoch(m, m.Instances, w, schedule, cfg.LambdaReg, rng, step)
		loss, _ := m.Evaluate(w)
		result.Losses = append(result.Losses, loss)
		result.Epochs = epoch + 1
		if cfg.Progress != nil {
			cfg.Progress(result.Epochs, loss, w)
		}

		if !isFinite(loss) {
			continue // numerical guard: reported, but best weights untouched
		}
		if loss < bestLoss {
			bestLoss = loss
			copy(best, w)
		}

		if converged(result.Losses, cfg.Period, cfg.Delta) {
			break
		}
	}

	result.Weights = best
	return result
}

func converged(losses []float64, period int, delta float64) bool {
	if len(losses) <= period {
		return false
	}
	prior := losses[len(losses)-1-period]
	current := losses[len(losses)-1]
	if prior == 0 {
		return false
	}
	rel := math.Abs(prior-current) / math.Abs(prior)
	return rel < delta
}

// runSGDEpoch runs one online pass over instances (shuffled), applying
// the decay-d update scheme, and returns the step counter advanced by
// len(instances) for the caller's schedule.
func runSGDEpoch(m *Model, instances []features.Instance, w []float64, schedule func(int) float64, lambdaReg float64, rng *rand.Rand, step int) int {
	order := rng.Perm(len(instances))
	d := 1.0

	for _, idx := range order {
		instance := instances[idx]
		n := len(instance)
		if n == 0 {
			continue
		}

		m.Engine.Reset(n)
		for i := 0; i < n; i++ {
			m.Engine.ComputePsi(i, &instance[i], w, d)
		}
		m.Engine.Forward(n)
		m.Engine.Backward(n)
		m.Engine.ComputeMarginals(n)

		eta := schedule(step)
		for i := 0; i < n; i++ {
			ctx := instance[i]
			for _, f := range ctx.Features {
				if f.Lambda < 0 {
					continue
				}
				c := crf.LabelIndex(f.Curr)
				if f.Prev == symtab.NONE {
					if f.Curr == ctx.Curr {
						w[f.Lambda] += eta / d
					}
					w[f.Lambda] -= (eta / d) * m.Engine.StateMarginal(i, c)
				} else if f.Prev == ctx.Prev && f.Curr == ctx.Curr {
					w[f.Lambda] += eta / d
				}
			}
		}
		for _, f := range m.Index.TransFeatures() {
			if f.Lambda < 0 {
				continue
			}
			p := crf.LabelIndex(f.Prev)
			c := crf.LabelIndex(f.Curr)
			w[f.Lambda] -= (eta / d) * m.Engine.TransMarginal(p, c)
		}

		d *= 1 - eta*lambdaReg
		step++
	}

	for i := range w {
		w[i] *= d
	}
	return step
}
