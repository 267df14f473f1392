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

// CombinedQKVProjection projects [..., input_dim] into query, key and value
// head representations with a single fused weight of shape
// [3, input_dim, num_heads, dim_per_head] ([3, input_dim,
// num_heads*dim_per_head] with combined dims). Pruning masks span the whole
// fused weight, so the N:M groups run across q, k and v identically to three
// stacked single projections.
type CombinedQKVProjection struct {
	Name                 string
	InputDim             int
	NumHeads             int
	DimPerHead           int
	AttentionCombineDims bool
	UseBias              bool
	Sparsity             sparsity.HParams

	w     *tensor.Tensor
	b     *tensor.Tensor
	state maskState
}

func (p *CombinedQKVProjection) name() string {
	if p.Name != "" {
		return p.Name
	}
	return "qkv_proj"
}

func (p *CombinedQKVProjection) validate() error {
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

// WeightDims returns the declared fused weight shape.
func (p *CombinedQKVProjection) WeightDims() []int {
	if p.AttentionCombineDims {
		return []int{3, p.InputDim, p.NumHeads * p.DimPerHead}
	}
	return []int{3, p.InputDim, p.NumHeads, p.DimPerHead}
}

// BiasDims returns the declared fused bias shape.
func (p *CombinedQKVProjection) BiasDims() []int {
	if p.AttentionCombineDims {
		return []int{3, p.NumHeads * p.DimPerHead}
	}
	return []int{3, p.NumHeads, p.DimPerHead}
}

// Init validates the configuration and creates the fused variables, weights
// from a fan-in scaled normal and bias at zero. Deterministic per seed.
func (p *CombinedQKVProjection) Init(seed int64) error {
	if err := p.validate(); err != nil {
		return fmt.Errorf("qkv projection %s: %w", p.name(), err)
	}
	rng := rand.New(rand.NewSource(seed))
	stddev := math.Sqrt(1.0 / float64(p.InputDim))
	p.w = tensor.RandNormal(rng, p.name()+".w", stddev, p.WeightDims()...)
	if p.UseBias {
		p.b = tensor.New(p.name()+".b", p.BiasDims()...)
	}
	p.state = maskState{hp: p.Sparsity}
	return nil
}

// SetWeights replaces the fused weights. The shape must match WeightDims.
func (p *CombinedQKVProjection) SetWeights(w *tensor.Tensor) error {
	if !dimsEqual(w.Dims(), p.WeightDims()) {
		return fmt.Errorf("qkv projection %s: weight shape %v, want %v", p.name(), w.Dims(), p.WeightDims())
	}
	p.w = w
	return nil
}

// SetBias replaces the fused bias. The shape must match BiasDims.
func (p *CombinedQKVProjection) SetBias(b *tensor.Tensor) error {
	if !dimsEqual(b.Dims(), p.BiasDims()) {
		return fmt.Errorf("qkv projection %s: bias shape %v, want %v", p.name(), b.Dims(), p.BiasDims())
	}
	p.b = b
	return nil
}

// Weights returns the dense (unmasked) fused weights.
func (p *CombinedQKVProjection) Weights() *tensor.Tensor { return p.w }

// Mask returns the flat keep-mask over the fused weight from the most recent
// forward pass, or nil when none has been computed.
func (p *CombinedQKVProjection) Mask() []bool { return p.state.mask }

// Apply projects [..., input_dim] and returns the query, key and value
// tensors, each shaped [..., num_heads, dim_per_head].
func (p *CombinedQKVProjection) Apply(in *tensor.Tensor) (q, k, v *tensor.Tensor, err error) {
	start := time.Now()
	defer func() { metrics.RecordProjection(p.name(), time.Since(start)) }()

	if p.w == nil {
		return nil, nil, nil, fmt.Errorf("qkv projection %s: not initialized", p.name())
	}
	d, nh := p.InputDim, p.NumHeads*p.DimPerHead
	dims := in.Dims()
	if len(dims) < 1 || dims[len(dims)-1] != d {
		return nil, nil, nil, fmt.Errorf("qkv projection %s: input shape %v, want [..., %d]", p.name(), dims, d)
	}
	w, err := p.state.maskedWeights(p.name(), p.w.Data())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("qkv projection %s: %w", p.name(), err)
	}

	batch := in.NumElements() / d
	x := in.Data()
	outDims := append(append([]int(nil), dims[:len(dims)-1]...), p.NumHeads, p.DimPerHead)
	outs := make([]*tensor.Tensor, 3)
	for s := 0; s < 3; s++ {
		out := make([]float32, batch*nh)
		ws := w[s*d*nh : (s+1)*d*nh]
		for b := 0; b < batch; b++ {
			for i := 0; i < d; i++ {
				xv := x[b*d+i]
				row := ws[i*nh : (i+1)*nh]
				for j := 0; j < nh; j++ {
					out[b*nh+j] += xv * row[j]
				}
			}
			if p.b != nil {
				bias := p.b.Data()[s*nh : (s+1)*nh]
				for j := 0; j < nh; j++ {
					out[b*nh+j] += bias[j]
				}
			}
		}
		outs[s], err = tensor.FromSlice(p.name()+".out", out, outDims...)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return outs[0], outs[1], outs[2], nil
}
