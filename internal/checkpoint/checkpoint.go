package checkpoint

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-prune/internal/metrics"
	"github.com/23skdu/longbow-prune/internal/tensor"
)

// Layer checkpoints are single-record Arrow IPC streams with one float32
// column for the flat weights and one boolean column for the keep-mask.
// Tensor name and dims travel in the schema metadata so a checkpoint is
// self-describing.

const (
	metaTensorKey = "tensor"
	metaDimsKey   = "dims"
)

func dimsString(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseDims(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	dims := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid dims metadata %q: %w", s, err)
		}
		dims[i] = d
	}
	return dims, nil
}

// Write serializes one layer's weights and mask. A nil mask is stored as
// all-true (fully dense).
func Write(w io.Writer, weights *tensor.Tensor, mask []bool) error {
	if weights == nil {
		return fmt.Errorf("checkpoint: nil weights")
	}
	if mask != nil && len(mask) != weights.NumElements() {
		return fmt.Errorf("checkpoint: mask length %d does not match weights %d", len(mask), weights.NumElements())
	}
	if mask == nil {
		mask = make([]bool, weights.NumElements())
		for i := range mask {
			mask[i] = true
		}
	}

	md := arrow.NewMetadata(
		[]string{metaTensorKey, metaDimsKey},
		[]string{weights.Name(), dimsString(weights.Dims())},
	)
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "weight", Type: arrow.PrimitiveTypes.Float32},
		{Name: "mask", Type: arrow.FixedWidthTypes.Boolean},
	}, &md)

	mem := memory.NewGoAllocator()
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()
	bldr.Field(0).(*array.Float32Builder).AppendValues(weights.Data(), nil)
	bldr.Field(1).(*array.BooleanBuilder).AppendValues(mask, nil)
	rec := bldr.NewRecord()
	defer rec.Release()

	wr := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := wr.Write(rec); err != nil {
		wr.Close()
		return fmt.Errorf("checkpoint: writing record: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing writer: %w", err)
	}
	metrics.CheckpointBytesWritten.Add(float64(weights.NumElements() * 4))
	return nil
}

// Read deserializes a layer checkpoint back into weights and mask.
func Read(r io.Reader) (*tensor.Tensor, []bool, error) {
	rd, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: opening reader: %w", err)
	}
	defer rd.Release()

	if !rd.Next() {
		if err := rd.Err(); err != nil {
			return nil, nil, fmt.Errorf("checkpoint: reading record: %w", err)
		}
		return nil, nil, fmt.Errorf("checkpoint: empty stream")
	}
	rec := rd.Record()

	schema := rd.Schema()
	md := schema.Metadata()
	name := ""
	if idx := md.FindKey(metaTensorKey); idx >= 0 {
		name = md.Values()[idx]
	}
	idx := md.FindKey(metaDimsKey)
	if idx < 0 {
		return nil, nil, fmt.Errorf("checkpoint: missing dims metadata")
	}
	dims, err := parseDims(md.Values()[idx])
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}

	wcol, ok := rec.Column(0).(*array.Float32)
	if !ok {
		return nil, nil, fmt.Errorf("checkpoint: weight column is %T, want float32", rec.Column(0))
	}
	mcol, ok := rec.Column(1).(*array.Boolean)
	if !ok {
		return nil, nil, fmt.Errorf("checkpoint: mask column is %T, want boolean", rec.Column(1))
	}

	data := make([]float32, wcol.Len())
	copy(data, wcol.Float32Values())
	mask := make([]bool, mcol.Len())
	for i := range mask {
		mask[i] = mcol.Value(i)
	}

	weights, err := tensor.FromSlice(name, data, dims...)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}
	if len(mask) != weights.NumElements() {
		return nil, nil, fmt.Errorf("checkpoint: mask length %d does not match weights %d", len(mask), weights.NumElements())
	}
	return weights, mask, nil
}

// WriteFile writes a layer checkpoint to path.
func WriteFile(path string, weights *tensor.Tensor, mask []bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	return Write(f, weights, mask)
}

// ReadFile reads a layer checkpoint from path.
func ReadFile(path string) (*tensor.Tensor, []bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer f.Close()
	return Read(f)
}
