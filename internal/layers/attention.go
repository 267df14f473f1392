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

// AttentionProjection is the per-head linear projection of a multi-head
// attention block, with optional structured N:M weight pruning.
//
// As an input projection it maps [..., input_dim] to [..., num_heads,
// dim_per_head]; as an output projection it maps [..., num_heads,
// dim_per_head] back to [..., input_dim]. AttentionCombineDims stores the
// head axes flattened into one, UseNHDShape stores the output-projection
// weight as [N, H, D] instead of [D, N, H]. Neither changes the math, only
// the declared weight shape.
type AttentionProjection struct {
	Name                 string
	InputDim             int
	NumHeads             int
	DimPerHead           int
	IsOutputProjection   bool
	UseNHDShape          bool
	AttentionCombineDims bool
	UseBias              bool
	Sparsity             sparsity.HParams

	w     *tensor.Tensor
	b     *tensor.Tensor
	state maskState
}

func (p *AttentionProjection) name() string {
	if p.Name != "" {
		return p.Name
	}
	return "attn_proj"
}

func (p *AttentionProjection) validate() error {
	if p.InputDim <= 0 {
		return fmt.Errorf("invalid input_dim: %d (must be positive)", p.InputDim)
	}
	if p.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", p.NumHeads)
	}
	if p.DimPerHead <= 0 {
		return fmt.Errorf("invalid dim_per_head: %d (must be positive)", p.DimPerHead)
	}
	return p.Sparsity.Validate()
}

// WeightDims returns the declared weight shape for the configuration.
func (p *AttentionProjection) WeightDims() []int {
	n, h, d := p.NumHeads, p.DimPerHead, p.InputDim
	if p.IsOutputProjection && p.UseNHDShape {
		if p.AttentionCombineDims {
			return []int{n * h, d}
		}
		return []int{n, h, d}
	}
	if p.AttentionCombineDims {
		return []int{d, n * h}
	}
	return []int{d, n, h}
}

// BiasDims returns the declared bias shape for the configuration.
func (p *AttentionProjection) BiasDims() []int {
	if p.IsOutputProjection {
		return []int{p.InputDim}
	}
	if p.AttentionCombineDims {
		return []int{p.NumHeads * p.DimPerHead}
	}
	return []int{p.NumHeads, p.DimPerHead}
}

// Init validates the configuration and creates the layer variables: weights
// drawn from a fan-in scaled normal, bias (when enabled) at zero. The same
// seed always produces the same weights, so a dense and a sparse layer built
// from one seed start identical.
func (p *AttentionProjection) Init(seed int64) error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("attention projection %s: %w", p.name(), err)
	}
	fanIn := p.InputDim
	if p.IsOutputProjection {
		fanIn = p.NumHeads * p.DimPerHead
	}
	rng := rand.New(rand.NewSource(seed))
	stddev := math.Sqrt(1.0 / float64(fanIn))
	p.w = tensor.RandNormal(rng, p.name()+".w", stddev, p.WeightDims()...)
	if p.UseBias {
		p.b = tensor.New(p.name()+".b", p.BiasDims()...)
	}
	p.state = maskState{hp: p.Sparsity}
	return nil
}

// SetWeights replaces the layer weights. The shape must match WeightDims.
func (p *AttentionProjection) SetWeights(w *tensor.Tensor) error {
	if !dimsEqual(w.Dims(), p.WeightDims()) {
		return fmt.Errorf("attention projection %s: weight shape %v, want %v", p.name(), w.Dims(), p.WeightDims())
	}
	p.w = w
	return nil
}

// SetBias replaces the layer bias. The shape must match BiasDims.
func (p *AttentionProjection) SetBias(b *tensor.Tensor) error {
	if !dimsEqual(b.Dims(), p.BiasDims()) {
		return fmt.Errorf("attention projection %s: bias shape %v, want %v", p.name(), b.Dims(), p.BiasDims())
	}
	p.b = b
	return nil
}

// Weights returns the dense (unmasked) layer weights.
func (p *AttentionProjection) Weights() *tensor.Tensor { return p.w }

// Mask returns the flat keep-mask from the most recent forward pass, or nil
// when no mask has been computed (inference mode, or no pass yet).
func (p *AttentionProjection) Mask() []bool { return p.state.mask }

// Apply runs the projection. Input projections take [..., input_dim] and
// return [..., num_heads, dim_per_head]; output projections take
// [..., num_heads, dim_per_head] (or [..., num_heads*dim_per_head] with
// combined dims) and return [..., input_dim].
func (p *AttentionProjection) Apply(in *tensor.Tensor) (*tensor.Tensor, error) {
	start := time.Now()
	defer func() { metrics.RecordProjection(p.name(), time.Since(start)) }()

	if p.w == nil {
		return nil, fmt.Errorf("attention projection %s: not initialized", p.name())
	}
	w, err := p.state.maskedWeights(p.name(), p.w.Data())
	if err != nil {
		return nil, fmt.Errorf("attention projection %s: %w", p.name(), err)
	}
	if p.IsOutputProjection {
		return p.applyOutput(in, w)
	}
	return p.applyInput(in, w)
}

func (p *AttentionProjection) applyInput(in *tensor.Tensor, w []float32) (*tensor.Tensor, error) {
	d, nh := p.InputDim, p.NumHeads*p.DimPerHead
	dims := in.Dims()
	if len(dims) < 1 || dims[len(dims)-1] != d {
		return nil, fmt.Errorf("attention projection %s: input shape %v, want [..., %d]", p.name(), dims, d)
	}
	batch := in.NumElements() / d
	x := in.Data()
	out := make([]float32, batch*nh)
	for b := 0; b < batch; b++ {
		for i := 0; i < d; i++ {
			xv := x[b*d+i]
			row := w[i*nh : (i+1)*nh]
			for j := 0; j < nh; j++ {
				out[b*nh+j] += xv * row[j]
			}
		}
		if p.b != nil {
			bias := p.b.Data()
			for j := 0; j < nh; j++ {
				out[b*nh+j] += bias[j]
			}
		}
	}
	outDims := append(append([]int(nil), dims[:len(dims)-1]...), p.NumHeads, p.DimPerHead)
	return tensor.FromSlice(p.name()+".out", out, outDims...)
}

func (p *AttentionProjection) applyOutput(in *tensor.Tensor, w []float32) (*tensor.Tensor, error) {
	d, n, h := p.InputDim, p.NumHeads, p.DimPerHead
	nh := n * h
	dims := in.Dims()
	var batchDims []int
	switch {
	case p.AttentionCombineDims && len(dims) >= 1 && dims[len(dims)-1] == nh:
		batchDims = dims[:len(dims)-1]
	case !p.AttentionCombineDims && len(dims) >= 2 && dims[len(dims)-2] == n && dims[len(dims)-1] == h:
		batchDims = dims[:len(dims)-2]
	default:
		return nil, fmt.Errorf("attention projection %s: input shape %v, want [..., %d, %d]", p.name(), dims, n, h)
	}
	batch := in.NumElements() / nh
	x := in.Data()
	out := make([]float32, batch*d)
	for b := 0; b < batch; b++ {
		for j := 0; j < nh; j++ {
			xv := x[b*nh+j]
			if p.UseNHDShape {
				row := w[j*d : (j+1)*d]
				for i := 0; i < d; i++ {
					out[b*d+i] += xv * row[i]
				}
			} else {
				for i := 0; i < d; i++ {
					out[b*d+i] += xv * w[i*nh+j]
				}
			}
		}
		if p.b != nil {
			bias := p.b.Data()
			for i := 0; i < d; i++ {
				out[b*d+i] += bias[i]
			}
		}
	}
	outDims := append(append([]int(nil), batchDims...), d)
	return tensor.FromSlice(p.name()+".out", out, outDims...)
}

func dimsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
