// Package decode implements the Viterbi decoder (spec §4.F): the
// arg-max label sequence under the current weights, using an
// arena-allocated lattice.
package decode

import (
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/symtab"
)

const sentinelRow = 0

func labelIndex(id symtab.ID) int { return int(id) - 2 }

func prevRow(id symtab.ID) int {
	if id == symtab.SENTINEL {
		return sentinelRow
	}
	return labelIndex(id) + 1
}

// Decoder holds the reusable score matrix and lattice arena for one
// tagging run; Decode may be called repeatedly, once per sentence.
type Decoder struct {
	numLabels int
	dist      [][]float64 // [prevRow][curr], prevRow 0 = SENTINEL
	arena     *arena
}

func NewDecoder(numLabels int) *Decoder {
	d := &Decoder{numLabels: numLabels, arena: newArena()}
	d.dist = make([][]float64, numLabels+1)
	for p := range d.dist {
		d.dist[p] = make([]float64, numLabels)
	}
	return d
}

// fillDist zeros the score matrix and accumulates lambda over ctx's
// active features, broadcasting state features (prev == NONE) into
// every prev row including the SENTINEL row.
func (d *Decoder) fillDist(ctx *features.Context, vec []float64) {
	for p := range d.dist {
		row := d.dist[p]
		for c := range row {
			row[c] = 0
		}
	}
	for _, f := range ctx.Features {
		if f.Lambda < 0 {
			continue
		}
		lambda := vec[f.Lambda]
		c := labelIndex(f.Curr)
		if f.Prev == symtab.NONE {
			for p := 0; p <= d.numLabels; p++ {
				d.dist[p][c] += lambda
			}
		} else {
			d.dist[prevRow(f.Prev)][c] += lambda
		}
	}
}

// Decode returns the best label sequence (dense real-label indices, i.e.
// crf.LabelIndex convention) for the sentence described by contexts,
// one per position, already filled via a featuregen Set's Fill method.
// Ties are broken by lowest label id at every choice point.
func (d *Decoder) Decode(contexts []features.Context, vec []float64) []int {
	n := len(contexts)
	if n == 0 {
		return nil
	}
	d.arena.reset()

	prevNodes := make([]*Node, d.numLabels)
	for i := 0; i < n; i++ {
		d.fillDist(&contexts[i], vec)
		curNodes := make([]*Node, d.numLabels)

		for c := 0; c < d.numLabels; c++ {
			var bestScore float64
			var bestBack *Node
			found := false

			if i == 0 {
				bestScore = d.dist[sentinelRow][c]
				found = true
			} else {
				for p := 0; p < d.numLabels; p++ {
					if prevNodes[p] == nil {
						continue
					}
					score := prevNodes[p].Score + d.dist[p+1][c]
					if !found || score > bestScore {
						bestScore = score
						bestBack = prevNodes[p]
						found = true
					}
				}
			}

			node := d.arena.alloc()
			node.Label = c
			node.Score = bestScore
			node.Back = bestBack
			curNodes[c] = node
		}
		prevNodes = curNodes
	}

	var best *Node
	for c := 0; c < d.numLabels; c++ {
		if prevNodes[c] == nil {
			continue
		}
		if best == nil || prevNodes[c].Score > best.Score {
			best = prevNodes[c]
		}
	}

	seq := make([]int, n)
	node := best
	for i := n - 1; i >= 0; i-- {
		seq[i] = node.Label
		node = node.Back
	}
	return seq
}
