package layers

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-prune/internal/sparsity"
	"github.com/23skdu/longbow-prune/internal/tensor"
)

// Fixed projection weight [input_dim=2, num_heads=2, dim_per_head=4] with
// known 2:4 pruning behavior per head row.
func fixedProjWeights(t *testing.T) *tensor.Tensor {
	t.Helper()
	w, err := tensor.FromSlice("w", []float32{
		1, 2, 3, 4,
		-3, -4, 1, 2,

		3, 1, -4, 2,
		-3, 1, 2, -4,
	}, 2, 2, 4)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return w
}

func sparsityModes() []sparsity.Mode {
	return []sparsity.Mode{
		sparsity.ModeInference,
		sparsity.ModeMaterialize,
		sparsity.ModeTraining,
	}
}

func TestAttentionProjectionSparse(t *testing.T) {
	for _, mode := range sparsityModes() {
		t.Run(mode.String(), func(t *testing.T) {
			p := &AttentionProjection{
				Name:       "attn_proj",
				InputDim:   2,
				NumHeads:   2,
				DimPerHead: 4,
				UseBias:    true,
				Sparsity: sparsity.HParams{
					Type:      sparsity.TypeStructuredNM,
					Mode:      mode,
					PruneRate: [2]int{2, 4},
				},
			}
			if err := p.Init(1); err != nil {
				t.Fatalf("Init: %v", err)
			}
			if err := p.SetWeights(fixedProjWeights(t)); err != nil {
				t.Fatalf("SetWeights: %v", err)
			}

			out, err := p.Apply(tensor.Ones("in", 1, 1, 2))
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if diff := cmp.Diff([]int{1, 1, 2, 4}, out.Dims()); diff != "" {
				t.Fatalf("output shape (-want +got):\n%s", diff)
			}

			if mode != sparsity.ModeInference {
				wantMask := []bool{
					false, false, true, true,
					true, true, false, false,

					true, false, true, false,
					true, false, false, true,
				}
				if diff := cmp.Diff(wantMask, p.Mask()); diff != "" {
					t.Errorf("mask mismatch (-want +got):\n%s", diff)
				}
				wantOut := []float32{3, 0, -1, 4, -6, -4, 0, -4}
				if diff := cmp.Diff(wantOut, out.Data()); diff != "" {
					t.Errorf("sparse output mismatch (-want +got):\n%s", diff)
				}
			} else {
				if p.Mask() != nil {
					t.Error("inference mode must not compute a mask")
				}
				wantOut := []float32{4, 3, -1, 6, -6, -3, 3, -2}
				if diff := cmp.Diff(wantOut, out.Data()); diff != "" {
					t.Errorf("dense output mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestAttentionProjectionMaterializeFreezesMask(t *testing.T) {
	p := &AttentionProjection{
		InputDim:   2,
		NumHeads:   2,
		DimPerHead: 4,
		Sparsity: sparsity.HParams{
			Mode:      sparsity.ModeMaterialize,
			PruneRate: [2]int{2, 4},
		},
	}
	if err := p.Init(1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.SetWeights(fixedProjWeights(t)); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	if _, err := p.Apply(tensor.Ones("in", 1, 2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := append([]bool(nil), p.Mask()...)

	// Rewrite the weights so a fresh mask would differ; the materialized
	// mask must survive.
	flipped := fixedProjWeights(t)
	for i, v := range flipped.Data() {
		flipped.Data()[i] = -v * 10
	}
	flipped.Data()[0] = 100 // now the largest magnitude of the first group
	if err := p.SetWeights(flipped); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	if _, err := p.Apply(tensor.Ones("in", 1, 2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if diff := cmp.Diff(first, p.Mask()); diff != "" {
		t.Errorf("materialize must not refresh the mask (-first +second):\n%s", diff)
	}
}

func TestAttentionProjectionTrainingTracksWeights(t *testing.T) {
	p := &AttentionProjection{
		InputDim:   2,
		NumHeads:   2,
		DimPerHead: 4,
		Sparsity: sparsity.HParams{
			Mode:      sparsity.ModeTraining,
			PruneRate: [2]int{2, 4},
		},
	}
	if err := p.Init(1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.SetWeights(fixedProjWeights(t)); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	if _, err := p.Apply(tensor.Ones("in", 1, 2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if p.Mask()[0] {
		t.Fatal("element 0 of the first group should start pruned")
	}

	w := fixedProjWeights(t)
	w.Data()[0] = 100
	if err := p.SetWeights(w); err != nil {
		t.Fatalf("SetWeights: %v", err)
	}
	if _, err := p.Apply(tensor.Ones("in", 1, 2)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !p.Mask()[0] {
		t.Error("training mode should recompute the mask from the live weights")
	}
}

func TestAttentionProjectionRejectsUnstructured(t *testing.T) {
	p := &AttentionProjection{
		InputDim:   2,
		NumHeads:   2,
		DimPerHead: 4,
		Sparsity: sparsity.HParams{
			Type:      sparsity.TypeUnstructured,
			Mode:      sparsity.ModeTraining,
			PruneRate: [2]int{2, 4},
		},
	}
	if err := p.Init(1); err == nil {
		t.Error("expected unstructured sparsity to be rejected")
	}
}

func TestAttentionProjectionShapeErrors(t *testing.T) {
	p := &AttentionProjection{InputDim: 4, NumHeads: 2, DimPerHead: 2}
	if err := p.Init(1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := p.Apply(tensor.Ones("in", 1, 3)); err == nil {
		t.Error("expected input shape error")
	}
	if err := p.SetWeights(tensor.New("w", 4, 4)); err == nil {
		t.Error("expected weight shape error")
	}
	if err := p.SetBias(tensor.New("b", 5)); err == nil {
		t.Error("expected bias shape error")
	}
}

func allClose(t *testing.T, got, want []float32, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: %d vs %d", len(got), len(want))
	}
	for i := range got {
		if diff := math.Abs(float64(got[i] - want[i])); diff > tol {
			t.Fatalf("mismatch at %d: got %f, want %f (diff %g)", i, got[i], want[i], diff)
		}
	}
}
