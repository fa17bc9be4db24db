// Package optimize implements the two optimizer drivers (spec §4.E):
// batch L-BFGS and online SGD with learning-rate calibration and
// exponential weight decay. Both minimize the regularized negative
// log-likelihood using the forward-backward engine in pkg/crf and the
// gradient/expectation bookkeeping in pkg/features.
package optimize

import (
	"math"
	"math/rand"

	"github.com/lab/crftagger/pkg/crf"
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

// Model bundles everything one training run's optimizer needs: the
// attributes index (owns Feature.lambda slots), the reusable
// forward-backward engine, and the training instances built in pass 3.
type Model struct {
	Index     *features.Index
	Engine    *crf.Engine
	Instances []features.Instance
	Sigma2    float64
}

// goldScore sums lambda over the features active at each position that
// match that position's gold (prev, curr) pair -- the log-potential of
// the gold path, before subtracting log Z.
func goldScore(instance features.Instance, vec []float64, decay float64) float64 {
	var score float64
	for _, ctx := range instance {
		for _, f := range ctx.Features {
			if f.Lambda < 0 {
				continue
			}
			if f.Curr != ctx.Curr {
				continue
			}
			if f.Prev == ctx.Prev || f.Prev == symtab.NONE {
				score += vec[f.Lambda] * decay
			}
		}
	}
	return score
}

// Evaluate runs the forward-backward engine over every instance with the
// given weight vector (no decay -- this is the batch L-BFGS path),
// returning the regularized negative log-likelihood and its gradient.
// The gradient returned is already negated from features.AccumulateGradient's
// raw (freq - expectation - lambda/sigma2) convention, so it is the
// gradient of the negative log-likelihood being minimized; the L-BFGS
// driver steps along its negation.
func (m *Model) Evaluate(vec []float64) (float64, []float64) {
	m.Index.ZeroExpectations()

	var nll float64
	for _, instance := range m.Instances {
		n := len(instance)
		if n == 0 {
			continue
		}
		m.Engine.Reset(n)
		for i := 0; i < n; i++ {
			m.Engine.ComputePsi(i, &instance[i], vec, 1.0)
		}
		logZ := m.Engine.Forward(n)
		m.Engine.Backward(n)
		m.Engine.AccumulateExpectations(instance)
		nll += logZ - goldScore(instance, vec, 1.0)
	}

	invSigma2 := 1.0 / m.Sigma2
	nll += m.Index.SumLambdaSq(vec) / (2 * m.Sigma2)

	raw := make([]float64, len(vec))
	m.Index.AccumulateGradient(raw, vec, invSigma2)
	grad := make([]float64, len(vec))
	for i, g := range raw {
		grad[i] = -g
	}
	return nll, grad
}

// randomSubsample returns up to n instances chosen without replacement.
func randomSubsample(instances []features.Instance, n int, rng *rand.Rand) []features.Instance {
	if n >= len(instances) {
		return instances
	}
	idx := rng.Perm(len(instances))[:n]
	out := make([]features.Instance, n)
	for i, j := range idx {
		out[i] = instances[j]
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
