package metrics

import (
	"testing"
	"time"
)

func TestRecordMask(t *testing.T) {
	// Gauges and counters are registered at init; verify the helpers accept
	// normal values without panicking.
	RecordMask("qkv", 0.5)
	RecordMask("qkv", 0.0)
	RecordMask("out_proj", 0.75)
}

func TestRecordProjection(t *testing.T) {
	RecordProjection("attn_proj", 2*time.Millisecond)
	RecordProjection("attn_proj", 10*time.Millisecond)
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("w", 2, 0)
	RecordNumericalInstability("w", 0, 1)
	RecordNumericalInstability("w", 0, 0) // no-op, must not register empty labels
}

func TestRecordPruneRequest(t *testing.T) {
	RecordPruneRequest("ok", 1024, 5*time.Millisecond)
	RecordPruneRequest("invalid", 0, time.Millisecond)
}
