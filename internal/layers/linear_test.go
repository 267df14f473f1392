package layers

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-prune/internal/sparsity"
	"github.com/23skdu/longbow-prune/internal/tensor"
)

func linearWith(t *testing.T, hp sparsity.HParams) *Linear {
	t.Helper()
	l := &Linear{InputDims: 1, OutputDims: 4, Sparsity: hp}
	if err := l.Init(1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	w, err := tensor.FromSlice("w", []float32{1, 2, 3, 4}, 1, 4)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	if err := l.SetWeights(w); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	return l
}

func TestLinearSparseForward(t *testing.T) {
	l := linearWith(t, sparsity.HParams{Mode: sparsity.ModeTraining, PruneRate: [2]int{2, 4}})
	out, err := l.Apply(tensor.Ones("in", 1, 1))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []float32{0, 0, 3, 4}
	if diff := cmp.Diff(want, out.Data()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestLinearInferenceIsDense(t *testing.T) {
	l := linearWith(t, sparsity.HParams{PruneRate: [2]int{2, 4}})
	out, err := l.Apply(tensor.Ones("in", 1, 1))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []float32{1, 2, 3, 4}
	if diff := cmp.Diff(want, out.Data()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
	if l.Mask() != nil {
		t.Error("inference mode must not compute a mask")
	}
}

func setLinearWeights(t *testing.T, l *Linear, vals []float32) {
	t.Helper()
	w, err := tensor.FromSlice("w", vals, l.InputDims, l.OutputDims)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	if err := l.SetWeights(w); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
}

func TestLinearOneShotFreezesAfterOneUpdate(t *testing.T) {
	l := linearWith(t, sparsity.HParams{Mode: sparsity.ModeOneShot, PruneRate: [2]int{2, 4}})
	if _, err := l.Apply(tensor.Ones("in", 1, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := append([]bool(nil), l.Mask()...)
	if l.MaskUpdateCount() != 1 {
		t.Fatalf("update count = %d, want 1", l.MaskUpdateCount())
	}

	setLinearWeights(t, l, []float32{9, 8, 0, 0})
	if _, err := l.Apply(tensor.Ones("in", 1, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if l.MaskUpdateCount() != 1 {
		t.Errorf("update count = %d, want 1 after freeze", l.MaskUpdateCount())
	}
	if diff := cmp.Diff(first, l.Mask()); diff != "" {
		t.Errorf("oneshot mask changed (-first +second):\n%s", diff)
	}
}

func TestLinearFewShotBudget(t *testing.T) {
	l := linearWith(t, sparsity.HParams{
		Mode:      sparsity.ModeFewShot,
		PruneRate: [2]int{2, 4},
		NumShots:  2,
	})
	for i := 0; i < 2; i++ {
		if _, err := l.Apply(tensor.Ones("in", 1, 1)); err != nil {
			t.Fatalf("Apply %d: %v", i, err)
		}
	}
	if l.MaskUpdateCount() != 2 {
		t.Fatalf("update count = %d, want 2", l.MaskUpdateCount())
	}

	// The second update tracked the rewritten weights.
	setLinearWeights(t, l, []float32{9, 8, 0, 0})
	if _, err := l.Apply(tensor.Ones("in", 1, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if l.MaskUpdateCount() != 2 {
		t.Errorf("update count = %d, want 2 after budget spent", l.MaskUpdateCount())
	}
}

func TestLinearTrainingRecomputesEveryPass(t *testing.T) {
	l := linearWith(t, sparsity.HParams{Mode: sparsity.ModeTraining, PruneRate: [2]int{2, 4}})
	if _, err := l.Apply(tensor.Ones("in", 1, 1)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	setLinearWeights(t, l, []float32{9, 8, 0, 0})
	out, err := l.Apply(tensor.Ones("in", 1, 1))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if l.MaskUpdateCount() != 2 {
		t.Errorf("update count = %d, want 2", l.MaskUpdateCount())
	}
	want := []float32{9, 8, 0, 0}
	if diff := cmp.Diff(want, out.Data()); diff != "" {
		t.Errorf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestLinearBatchedInput(t *testing.T) {
	l := &Linear{InputDims: 2, OutputDims: 2}
	if err := l.Init(1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	w, _ := tensor.FromSlice("w", []float32{1, 0, 0, 1}, 2, 2)
	if err := l.SetWeights(w); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	in, _ := tensor.FromSlice("in", []float32{1, 2, 3, 4, 5, 6}, 3, 2)
	out, err := l.Apply(in)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Identity weights: output equals input.
	allClose(t, out.Data(), in.Data(), 0)
	if !dimsEqual(out.Dims(), []int{3, 2}) {
		t.Errorf("output dims %v", out.Dims())
	}
}
