package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense row-major float32 tensor. All layer math in this
// repository runs on the flat backing slice; dims/strides exist for shape
// bookkeeping and indexed access in tests and tools.
type Tensor struct {
	data    []float32
	dims    []int
	strides []int
	name    string
}

func computeStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func numElements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// New allocates a zero-filled tensor.
func New(name string, dims ...int) *Tensor {
	return &Tensor{
		data:    make([]float32, numElements(dims)),
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
		name:    name,
	}
}

// FromSlice wraps an existing backing slice. The slice is not copied.
func FromSlice(name string, data []float32, dims ...int) (*Tensor, error) {
	if len(data) != numElements(dims) {
		return nil, fmt.Errorf("tensor %s: data length %d does not match dims %v", name, len(data), dims)
	}
	return &Tensor{
		data:    data,
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
		name:    name,
	}, nil
}

// Ones returns a tensor filled with 1.0.
func Ones(name string, dims ...int) *Tensor {
	t := New(name, dims...)
	for i := range t.data {
		t.data[i] = 1
	}
	return t
}

// RandNormal fills a new tensor with draws from N(0, stddev^2) using rng.
// Callers that need two tensors with identical values use two rngs seeded
// with the same value.
func RandNormal(rng *rand.Rand, name string, stddev float64, dims ...int) *Tensor {
	t := New(name, dims...)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64() * stddev)
	}
	return t
}

func (t *Tensor) Dims() []int      { return t.dims }
func (t *Tensor) Strides() []int   { return t.strides }
func (t *Tensor) Data() []float32  { return t.data }
func (t *Tensor) Name() string     { return t.name }
func (t *Tensor) NumElements() int { return len(t.data) }
func (t *Tensor) Rank() int        { return len(t.dims) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.dims[i] }

// Clone returns a deep copy sharing nothing with t.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	out, _ := FromSlice(t.name, data, t.dims...)
	return out
}

// Reshape returns a view over the same backing data with new dims.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	if numElements(dims) != len(t.data) {
		return nil, fmt.Errorf("tensor %s: cannot reshape %v to %v", t.name, t.dims, dims)
	}
	return &Tensor{
		data:    t.data,
		dims:    append([]int(nil), dims...),
		strides: computeStrides(dims),
		name:    t.name,
	}, nil
}

func (t *Tensor) offset(idx []int) int {
	off := 0
	for i, x := range idx {
		off += x * t.strides[i]
	}
	return off
}

// At reads the element at a full multi-index.
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set writes the element at a full multi-index.
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// MatMul computes A * B^T. A: [M, K], B: [N, K]. Out: [M, N].
// Reference kernel, used by the sparse Linear layer and in tests.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("matmul: want rank-2 operands, got %v x %v", a.dims, b.dims)
	}
	if a.dims[1] != b.dims[1] {
		return nil, fmt.Errorf("matmul: inner dim mismatch %v x %v", a.dims, b.dims)
	}
	m, n, k := a.dims[0], b.dims[0], a.dims[1]
	out := New("", m, n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for l := 0; l < k; l++ {
				sum += a.data[i*k+l] * b.data[j*k+l]
			}
			out.data[i*n+j] = sum
		}
	}
	return out, nil
}

// Stats summarizes a tensor's values. NaN/Inf counts feed the
// numerical-instability metric in callers.
type Stats struct {
	Max   float32
	Min   float32
	Mean  float32
	Std   float32
	RMS   float32
	Zeros int
	NaNs  int
	Infs  int
}

// ComputeStats scans data once for range, moments and pathology counts.
func ComputeStats(data []float32) Stats {
	var s Stats
	if len(data) == 0 {
		return s
	}
	s.Max = data[0]
	s.Min = data[0]
	var sum, sumSq float64
	for _, v := range data {
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		if v == 0 {
			s.Zeros++
		}
		if math.IsNaN(float64(v)) {
			s.NaNs++
		}
		if math.IsInf(float64(v), 0) {
			s.Infs++
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	n := float64(len(data))
	mean := sum / n
	s.Mean = float32(mean)
	s.RMS = float32(math.Sqrt(sumSq / n))
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	s.Std = float32(math.Sqrt(variance))
	return s
}
