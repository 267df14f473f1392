package sparsity

import "fmt"

// Type selects the pruning scheme.
type Type int

const (
	// TypeStructuredNM keeps N of every M consecutive weights by magnitude.
	TypeStructuredNM Type = iota
	// TypeUnstructured is recognized but not implemented.
	TypeUnstructured
)

func (t Type) String() string {
	switch t {
	case TypeStructuredNM:
		return "structured_nm"
	case TypeUnstructured:
		return "unstructured"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Mode controls when (and whether) the pruning mask is computed and applied.
type Mode int

const (
	// ModeInference leaves weights dense. No mask is computed.
	ModeInference Mode = iota
	// ModeTraining recomputes the mask from the current weights on every
	// forward pass.
	ModeTraining
	// ModeMaterialize computes the mask once, on the first forward pass,
	// and reuses it afterwards.
	ModeMaterialize
	// ModeOneShot updates the mask exactly once, then freezes it.
	ModeOneShot
	// ModeFewShot updates the mask for the first NumShots passes.
	ModeFewShot
)

func (m Mode) String() string {
	switch m {
	case ModeInference:
		return "inference"
	case ModeTraining:
		return "training"
	case ModeMaterialize:
		return "materialize"
	case ModeOneShot:
		return "oneshot"
	case ModeFewShot:
		return "fewshot"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps a mode name (as used by the CLI and service) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "inference":
		return ModeInference, nil
	case "training":
		return ModeTraining, nil
	case "materialize":
		return ModeMaterialize, nil
	case "oneshot":
		return ModeOneShot, nil
	case "fewshot":
		return ModeFewShot, nil
	default:
		return 0, fmt.Errorf("unknown sparsity mode: %q", s)
	}
}

// HParams carries the sparsification policy for one layer. The zero value
// means structured N:M at inference, i.e. a plain dense layer.
type HParams struct {
	Type      Type
	Mode      Mode
	PruneRate [2]int // (N, M): keep N of every M weights
	NumShots  int    // used by ModeFewShot; ModeOneShot implies 1
}

// Enabled reports whether any masking happens at all.
func (h HParams) Enabled() bool {
	return h.Mode != ModeInference
}

// N returns the keep count of the N:M rate.
func (h HParams) N() int { return h.PruneRate[0] }

// M returns the group size of the N:M rate.
func (h HParams) M() int { return h.PruneRate[1] }

// Shots returns the number of mask updates allowed in shot modes.
func (h HParams) Shots() int {
	if h.Mode == ModeOneShot {
		return 1
	}
	return h.NumShots
}

func (h HParams) Validate() error {
	if !h.Enabled() {
		return nil
	}
	if h.Type == TypeUnstructured {
		return fmt.Errorf("unstructured sparsity is not currently supported")
	}
	if h.Type != TypeStructuredNM {
		return fmt.Errorf("unknown sparsity type: %v", h.Type)
	}
	n, m := h.N(), h.M()
	if m <= 0 {
		return fmt.Errorf("invalid prune rate group size: %d (must be positive)", m)
	}
	if n <= 0 || n >= m {
		return fmt.Errorf("invalid prune rate %d:%d (need 0 < n < m)", n, m)
	}
	if h.Mode == ModeFewShot && h.NumShots <= 0 {
		return fmt.Errorf("invalid num_shots: %d (must be positive for fewshot)", h.NumShots)
	}
	return nil
}
