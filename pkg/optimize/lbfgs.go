package optimize

import "math"

// LBFGSConfig controls the batch optimizer (spec §4.E).
type LBFGSConfig struct {
	NIterations int
	HistorySize int
	Epsilon     float64 // gradient-norm convergence tolerance
	Delta       float64 // relative objective-improvement tolerance

	// Progress, if set, is called after each completed iteration with the
	// new objective, gradient norm, and current weight vector -- the
	// live-progress monitor's and checkpoint store's only hook into the
	// optimizer loop. The weights slice is the optimizer's working vector
	// and must not be retained past the call.
	Progress func(iteration int, objective, gradNorm float64, weights []float64)

	// InitialWeights, if non-nil, seeds the optimizer instead of the zero
	// vector -- used to resume a crashed run from its last checkpoint.
	InitialWeights []float64
}

// LBFGSResult reports the fitted weights and the per-iteration objective
// trace, so callers (tests, the live-progress monitor) can check the
// monotone-descent property.
type LBFGSResult struct {
	Weights    []float64
	Objectives []float64
	Iterations int
}

type lbfgsHistory struct {
	s, y []float64 // s_k = x_{k+1}-x_k, y_k = g_{k+1}-g_k
	rho  float64
}

// RunLBFGS fits m.Index's weight vector by limited-memory BFGS with a
// backtracking line search, history length cfg.HistorySize, and the
// standard two-loop recursion for the search direction.
func RunLBFGS(m *Model, cfg LBFGSConfig) *LBFGSResult {
	n := m.Index.NumActiveFeatures()
	w := make([]float64, n)
	m.Index.AssignWeights(w)
	if len(cfg.InitialWeights) == n {
		copy(w, cfg.InitialWeights)
	}

	loss, grad := m.Evaluate(w)
	result := &LBFGSResult{Objectives: []float64{loss}}

	var history []lbfgsHistory

	for iter := 0; iter < cfg.NIterations; iter++ {
		if gradNorm(grad) < cfg.Epsilon {
			break
		}

		direction := twoLoopRecursion(grad, history)
		step, newW, newLoss, newGrad := backtrackingLineSearch(m, w, loss, grad, direction)

		s := make([]float64, n)
		y := make([]float64, n)
		for i := range s {
			s[i] = newW[i] - w[i]
			y[i] = newGrad[i] - grad[i]
		}
		rho := dot(y, s)
		if rho > 1e-12 {
			history = append(history, lbfgsHistory{s: s, y: y, rho: 1.0 / rho})
			if len(history) > cfg.HistorySize {
				history = history[1:]
			}
		}

		improvement := loss - newLoss
		relImprovement := improvement / math.Max(1.0, math.Abs(loss))

		w, loss, grad = newW, newLoss, newGrad
		result.Objectives = append(result.Objectives, loss)
		result.Iterations = iter + 1
		if cfg.Progress != nil {
			cfg.Progress(result.Iterations, loss, gradNorm(grad), w)
		}

		if step == 0 {
			break
		}
		if relImprovement < cfg.Delta && relImprovement >= 0 {
			break
		}
	}

	result.Weights = w
	return result
}

// twoLoopRecursion computes the L-BFGS search direction (negative,
// already scaled) from the gradient and the stored curvature pairs.
func twoLoopRecursion(grad []float64, history []lbfgsHistory) []float64 {
	q := make([]float64, len(grad))
	copy(q, grad)

	alphas := make([]float64, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		h := history[i]
		alphas[i] = h.rho * dot(h.s, q)
		axpy(-alphas[i], h.y, q)
	}

	gamma := 1.0
	if len(history) > 0 {
		last := history[len(history)-1]
		yy := dot(last.y, last.y)
		if yy > 1e-12 {
			gamma = dot(last.s, last.y) / yy
		}
	}
	for i := range q {
		q[i] *= gamma
	}

	for i := 0; i < len(history); i++ {
		h := history[i]
		beta := h.rho * dot(h.y, q)
		axpy(alphas[i]-beta, h.s, q)
	}

	direction := make([]float64, len(q))
	for i := range q {
		direction[i] = -q[i]
	}
	return direction
}

// backtrackingLineSearch enforces the Armijo sufficient-decrease
// condition, halving the step on failure -- a simplified stand-in for
// More-Thuente. It returns the first step satisfying sufficient decrease;
// after 20 failed trials it returns step 0 and the unchanged weights.
func backtrackingLineSearch(m *Model, w []float64, loss float64, grad, direction []float64) (float64, []float64, float64, []float64) {
	const c1 = 1e-4
	gd := dot(grad, direction)

	step := 1.0
	for trial := 0; trial < 20; trial++ {
		candidate := make([]float64, len(w))
		for i := range w {
			candidate[i] = w[i] + step*direction[i]
		}
		newLoss, newGrad := m.Evaluate(candidate)
		if isFinite(newLoss) && newLoss <= loss+c1*step*gd {
			return step, candidate, newLoss, newGrad
		}
		step *= 0.5
	}

	// Line search exhausted: stay put rather than take a bad step.
	loss2, grad2 := m.Evaluate(w)
	return 0, w, loss2, grad2
}

func gradNorm(g []float64) float64 {
	var sum float64
	for _, v := range g {
		sum += v * v
	}
	return math.Sqrt(sum)
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func axpy(alpha float64, x []float64, y []float64) {
	for i := range y {
		y[i] += alpha * x[i]
	}
}
