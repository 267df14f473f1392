package layers

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-prune/internal/metrics"
	"github.com/23skdu/longbow-prune/internal/sparsity"
	"github.com/23skdu/longbow-prune/internal/tensor"
)

// Linear is a bias-free linear layer [..., input_dims] -> [..., output_dims]
// with the same pruning-mask lifecycle as the attention projections. It also
// carries the shot modes: with ModeOneShot or ModeFewShot the mask stops
// tracking the weights once the shot budget is used up.
type Linear struct {
	Name       string
	InputDims  int
	OutputDims int
	Sparsity   sparsity.HParams

	w     *tensor.Tensor // [input_dims, output_dims]
	state maskState
}

func (l *Linear) name() string {
	if l.Name != "" {
		return l.Name
	}
	return "linear"
}

// Init validates the configuration and draws weights from a fan-in scaled
// normal, deterministic per seed.
func (l *Linear) Init(seed int64) error {
	if l.InputDims <= 0 {
		return fmt.Errorf("linear %s: invalid input_dims: %d (must be positive)", l.name(), l.InputDims)
	}
	if l.OutputDims <= 0 {
		return fmt.Errorf("linear %s: invalid output_dims: %d (must be positive)", l.name(), l.OutputDims)
	}
	if err := l.Sparsity.Validate(); err != nil {
		return fmt.Errorf("linear %s: %w", l.name(), err)
	}
	rng := rand.New(rand.NewSource(seed))
	stddev := math.Sqrt(1.0 / float64(l.InputDims))
	l.w = tensor.RandNormal(rng, l.name()+".w", stddev, l.InputDims, l.OutputDims)
	l.state = maskState{hp: l.Sparsity}
	return nil
}

// SetWeights replaces the weights. The shape must be
// [input_dims, output_dims].
func (l *Linear) SetWeights(w *tensor.Tensor) error {
	if !dimsEqual(w.Dims(), []int{l.InputDims, l.OutputDims}) {
		return fmt.Errorf("linear %s: weight shape %v, want [%d %d]", l.name(), w.Dims(), l.InputDims, l.OutputDims)
	}
	l.w = w
	return nil
}

// Weights returns the dense (unmasked) weights.
func (l *Linear) Weights() *tensor.Tensor { return l.w }

// Mask returns the flat keep-mask from the most recent forward pass.
func (l *Linear) Mask() []bool { return l.state.mask }

// MaskUpdateCount reports how many times the mask has been recomputed.
func (l *Linear) MaskUpdateCount() int { return l.state.updates }

// Apply projects the last input axis through the weights.
func (l *Linear) Apply(in *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	defer func() { metrics.RecordProjection(l.name(), time.Since(start)) }()

	if l.w == nil {
		return nil, fmt.Errorf("linear %s: not initialized", l.name())
	}
	d, o := l.InputDims, l.OutputDims
	dims := in.Dims()
	if len(dims) < 1 || dims[len(dims)-1] != d {
		return nil, fmt.Errorf("linear %s: input shape %v, want [..., %d]", l.name(), dims, d)
	}
	w, err := l.state.maskedWeights(l.name(), l.w.Data())
	if err != nil {
		return nil, fmt.Errorf("linear %s: %w", l.name(), err)
	}

	batch := in.NumElements() / d
	x := in.Data()
	out := make([]float32, batch*o)
	for b := 0; b < batch; b++ {
		for i := 0; i < d; i++ {
			xv := x[b*d+i]
			row := w[i*o : (i+1)*o]
			for j := 0; j < o; j++ {
				out[b*o+j] += xv * row[j]
			}
		}
	}
	outDims := append(append([]int(nil), dims[:len(dims)-1]...), o)
	return tensor.FromSlice(l.name()+".out", out, outDims...)
}
