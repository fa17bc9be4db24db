// Package crf implements the forward-backward engine (spec §4.D): given a
// sentence's feature activations and the current weight vector, it
// computes scaled alpha/beta, the partition function, and the state and
// transition marginals the optimizer drivers consume.
package crf

import (
	"math"

	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

const sentinelRow = 0

// epsilon is not referenced by the underflow guard: scaleFor tests the
// column sum against zero directly.
const epsilon = 1e-300

func labelIndex(id symtab.ID) int { return int(id) - 2 }

// LabelIndex exposes the dense real-label index (id - 2) other packages
// (the SGD driver, the decoder) need to read Engine buffers by label id.
func LabelIndex(id symtab.ID) int { return labelIndex(id) }

func prevRow(id symtab.ID) int {
	if id == symtab.SENTINEL {
		return sentinelRow
	}
	return labelIndex(id) + 1
}

// Engine owns the reusable psi/alpha/beta/scale/marginal buffers, sized
// once for the longest sentence seen during the symbol-table pass and
// reused across every sentence and every optimizer evaluation.
type Engine struct {
	numLabels int

	psi   [][][]float64 // [i][prevRow][curr], prevRow 0 = SENTINEL, 1..numLabels = real prev
	alpha [][]float64   // [i][curr]
	beta  [][]float64   // [i][curr]
	scale []float64     // [i]

	stateMarginal [][]float64 // [i][curr]
	transMarginal [][]float64 // [prev][curr], accumulated across the whole sentence
}

func NewEngine(maxLen, numLabels int) *Engine {
	e := &Engine{numLabels: numLabels}
	e.psi = make([][][]float64, maxLen)
	e.alpha = make([][]float64, maxLen)
	e.beta = make([][]float64, maxLen)
	e.scale = make([]float64, maxLen)
	e.stateMarginal = make([][]float64, maxLen)
	for i := 0; i < maxLen; i++ {
		e.psi[i] = make([][]float64, numLabels+1)
		for p := range e.psi[i] {
			e.psi[i][p] = make([]float64, numLabels)
		}
		e.alpha[i] = make([]float64, numLabels)
		e.beta[i] = make([]float64, numLabels)
		e.stateMarginal[i] = make([]float64, numLabels)
	}
	e.transMarginal = make([][]float64, numLabels)
	for p := range e.transMarginal {
		e.transMarginal[p] = make([]float64, numLabels)
	}
	return e
}

// Reset zeros only the first n rows of psi/alpha/beta/scale/stateMarginal
// plus the full transMarginal matrix, per the reset contract: later rows
// may hold stale data from a longer previous sentence and must not be
// touched.
func (e *Engine) Reset(n int) {
	for i := 0; i < n; i++ {
		for p := range e.psi[i] {
			row := e.psi[i][p]
			for c := range row {
				row[c] = 0
			}
		}
		for c := 0; c < e.numLabels; c++ {
			e.alpha[i][c] = 0
			e.beta[i][c] = 0
			e.stateMarginal[i][c] = 0
		}
		e.scale[i] = 0
	}
	for p := range e.transMarginal {
		row := e.transMarginal[p]
		for c := range row {
			row[c] = 0
		}
	}
}

// ComputePsi fills psi[i] from the active features at this position. A
// state feature (Prev == NONE) broadcasts lambda into every real prev row
// plus the SENTINEL row (needed at i == 0). decay is the SGD global decay
// scalar d; pass 1 for L-BFGS, which applies no decay.
func (e *Engine) ComputePsi(i int, ctx *features.Context, vec []float64, decay float64) {
	psi := e.psi[i]
	for p := range psi {
		row := psi[p]
		for c := range row {
			row[c] = 0
		}
	}
	for _, f := range ctx.Features {
		if f.Lambda < 0 {
			continue
		}
		lambda := vec[f.Lambda] * decay
		c := labelIndex(f.Curr)
		if f.Prev == symtab.NONE {
			for p := 0; p <= e.numLabels; p++ {
				psi[p][c] += lambda
			}
		} else {
			psi[prevRow(f.Prev)][c] += lambda
		}
	}
	for p := range psi {
		row := psi[p]
		for c := range row {
			row[c] = math.Exp(row[c])
		}
	}
}

// Forward runs the scaled forward recurrence over positions [0, n) and
// returns log Z = -Sum(log scale[i]).
func (e *Engine) Forward(n int) float64 {
	psi0 := e.psi[0][sentinelRow]
	sum := 0.0
	for c := 0; c < e.numLabels; c++ {
		e.alpha[0][c] = psi0[c]
		sum += e.alpha[0][c]
	}
	e.scale[0] = scaleFor(sum)
	for c := 0; c < e.numLabels; c++ {
		e.alpha[0][c] *= e.scale[0]
	}

	for i := 1; i < n; i++ {
		prevAlpha := e.alpha[i-1]
		psi := e.psi[i]
		sum = 0.0
		for c := 0; c < e.numLabels; c++ {
			var acc float64
			for p := 0; p < e.numLabels; p++ {
				acc += prevAlpha[p] * psi[p+1][c]
			}
			e.alpha[i][c] = acc
			sum += acc
		}
		e.scale[i] = scaleFor(sum)
		for c := 0; c < e.numLabels; c++ {
			e.alpha[i][c] *= e.scale[i]
		}
	}

	var logZ float64
	for i := 0; i < n; i++ {
		logZ -= math.Log(e.scale[i])
	}
	return logZ
}

// scaleFor returns 1/sum, or the literal 1.0 (no scaling applied at that
// position) when the column sum has underflowed to zero or its inverse is
// not finite, so NaN never propagates. The 1.0 is deliberate, not a tuned
// constant.
func scaleFor(sum float64) float64 {
	if sum <= 0 {
		return 1.0
	}
	s := 1.0 / sum
	if math.IsInf(s, 0) || math.IsNaN(s) {
		return 1.0
	}
	return s
}

// Backward runs the scaled backward recurrence over positions [0, n).
func (e *Engine) Backward(n int) {
	for c := 0; c < e.numLabels; c++ {
		e.beta[n-1][c] = e.scale[n-1]
	}
	for i := n - 2; i >= 0; i-- {
		psiNext := e.psi[i+1]
		betaNext := e.beta[i+1]
		for c := 0; c < e.numLabels; c++ {
			var acc float64
			row := psiNext[c+1]
			for next := 0; next < e.numLabels; next++ {
				acc += betaNext[next] * row[next]
			}
			e.beta[i][c] = acc * e.scale[i]
		}
	}
}

// ComputeMarginals fills stateMarginal[i][*] for every position and
// accumulates transMarginal[*][*] over positions [1, n). Call after
// Forward and Backward have both run for this sentence.
func (e *Engine) ComputeMarginals(n int) {
	for i := 0; i < n; i++ {
		inv := 1.0 / e.scale[i]
		for c := 0; c < e.numLabels; c++ {
			e.stateMarginal[i][c] = e.alpha[i][c] * e.beta[i][c] * inv
		}
	}
	for i := 1; i < n; i++ {
		prevAlpha := e.alpha[i-1]
		psi := e.psi[i]
		beta := e.beta[i]
		for p := 0; p < e.numLabels; p++ {
			row := e.transMarginal[p]
			psiRow := psi[p+1]
			for c := 0; c < e.numLabels; c++ {
				row[c] += prevAlpha[p] * psiRow[c] * beta[c]
			}
		}
	}
}

func (e *Engine) StateMarginal(i, curr int) float64 { return e.stateMarginal[i][curr] }
func (e *Engine) TransMarginal(prev, curr int) float64 { return e.transMarginal[prev][curr] }

// AccumulateExpectations adds this sentence's contribution to every
// active feature's expectation accumulator. Must run after Forward and
// Backward; does not require ComputeMarginals (it reads alpha/beta/psi
// directly, per spec §4.D's per-feature formula).
func (e *Engine) AccumulateExpectations(instance features.Instance) {
	n := len(instance)
	for i := 0; i < n; i++ {
		for _, f := range instance[i].Features {
			if f.Lambda < 0 {
				continue
			}
			c := labelIndex(f.Curr)
			if f.Prev == symtab.NONE {
				f.Expectation += e.alpha[i][c] * e.beta[i][c] / e.scale[i]
				continue
			}
			var alphaPrev float64
			if i == 0 {
				alphaPrev = 1
			} else {
				alphaPrev = e.alpha[i-1][prevRow(f.Prev)-1]
			}
			f.Expectation += alphaPrev * e.psi[i][prevRow(f.Prev)][c] * e.beta[i][c]
		}
	}
}

// ForwardNoScale computes log Z the unscaled way, recomputing psi[0]'s
// sentinel row contribution directly. Used only by the scaled/unscaled
// log Z agreement test; it recomputes forward without normalizing at
// each step and is not sized for long sentences (risk of overflow is
// accepted there deliberately).
func (e *Engine) ForwardNoScale(n int) float64 {
	alpha := make([]float64, e.numLabels)
	psi0 := e.psi[0][sentinelRow]
	copy(alpha, psi0)

	for i := 1; i < n; i++ {
		next := make([]float64, e.numLabels)
		psi := e.psi[i]
		for c := 0; c < e.numLabels; c++ {
			var acc float64
			for p := 0; p < e.numLabels; p++ {
				acc += alpha[p] * psi[p+1][c]
			}
			next[c] = acc
		}
		alpha = next
	}

	var sum float64
	for _, v := range alpha {
		sum += v
	}
	return math.Log(sum)
}
