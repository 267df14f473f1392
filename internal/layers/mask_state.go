package layers

import (
	"github.com/23skdu/longbow-prune/internal/metrics"
	"github.com/23skdu/longbow-prune/internal/sparsity"
)

// maskState owns the pruning-mask lifecycle shared by every sparse layer.
// Whether a forward pass refreshes the mask depends on the mode: training
// recomputes from the live weights every time, materialize only on first use,
// and the shot modes stop refreshing once the shot budget is spent.
type maskState struct {
	hp      sparsity.HParams
	mask    []bool
	updates int
}

func (s *maskState) needsUpdate() bool {
	switch s.hp.Mode {
	case sparsity.ModeTraining:
		return true
	case sparsity.ModeMaterialize:
		return s.mask == nil
	case sparsity.ModeOneShot, sparsity.ModeFewShot:
		return s.updates < s.hp.Shots()
	default:
		return false
	}
}

// maskedWeights returns the weights a forward pass should use. At inference
// the input slice is returned untouched; otherwise the mask is refreshed if
// due and a pruned copy is returned.
func (s *maskState) maskedWeights(layer string, w []float32) ([]float32, error) {
	if !s.hp.Enabled() {
		return w, nil
	}
	if s.needsUpdate() {
		mask, err := sparsity.MaskNM(w, s.hp.N(), s.hp.M())
		if err != nil {
			return nil, err
		}
		s.mask = mask
		s.updates++
		metrics.RecordMask(layer, sparsity.Ratio(mask))
	}
	if s.mask == nil {
		return w, nil
	}
	return sparsity.Apply(w, s.mask), nil
}
