package sparsity

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-prune/internal/metrics"
)

// MaskNM computes the structured N:M keep-mask for a weight slice. The flat
// row-major data is split into consecutive groups of m elements; within each
// group the n largest-magnitude weights are kept (mask true) and the rest are
// pruned. On equal magnitude the lower index wins, matching a stable top-k.
//
// The total element count must be divisible by m, which holds for the layer
// shapes in this repository whenever the innermost weight axis is a multiple
// of m.
func MaskNM(w []float32, n, m int) ([]bool, error) {
	if m <= 0 || n <= 0 || n >= m {
		return nil, fmt.Errorf("invalid prune rate %d:%d (need 0 < n < m)", n, m)
	}
	if len(w)%m != 0 {
		return nil, fmt.Errorf("weight size %d not divisible by group size %d", len(w), m)
	}

	mask := make([]bool, len(w))
	for g := 0; g < len(w); g += m {
		group := w[g : g+m]
		// n selection passes; strict > keeps the first index on ties.
		for pick := 0; pick < n; pick++ {
			best := -1
			var bestAbs float64
			for i, v := range group {
				if mask[g+i] {
					continue
				}
				abs := math.Abs(float64(v))
				if best < 0 || abs > bestAbs {
					best = i
					bestAbs = abs
				}
			}
			mask[g+best] = true
		}
	}

	metrics.MasksComputedTotal.Inc()
	metrics.WeightsPrunedTotal.Add(float64(len(w) - len(w)/m*n))
	return mask, nil
}

// Apply zeroes the pruned elements, returning a new slice. w is unchanged.
func Apply(w []float32, mask []bool) []float32 {
	out := make([]float32, len(w))
	for i, keep := range mask {
		if keep {
			out[i] = w[i]
		}
	}
	return out
}

// Ratio is the fraction of weights pruned by the mask.
func Ratio(mask []bool) float64 {
	if len(mask) == 0 {
		return 0
	}
	return 1 - Density(mask)
}

// Density is the fraction of weights the mask keeps, n/m for an N:M mask.
func Density(mask []bool) float64 {
	if len(mask) == 0 {
		return 0
	}
	kept := 0
	for _, keep := range mask {
		if keep {
			kept++
		}
	}
	return float64(kept) / float64(len(mask))
}
