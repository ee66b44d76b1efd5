package audit

// ============================================================================
// Audit record definitions
// Responsibility: record kinds, the on-disk record shape and the Sink contract
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an audit record
type Kind string

const (
	KindConflict Kind = "conflict" // one resolved Conflict
	KindCost     Kind = "cost"     // CostEntry committed by a cycle
	KindHealth   Kind = "health"   // HealthCheckResult batch
	KindCycle    Kind = "cycle"    // per-cycle summary
	KindGate     Kind = "gate"     // health or budget gate tripped
	KindError    Kind = "error"    // phase-level error
	KindState    Kind = "state"    // orchestrator status transition
)

// Entry is what callers hand to a Sink. Payload is marshalled to JSON.
type Entry struct {
	Kind    Kind
	Cycle   int64
	Payload any
}

// Record is one persisted audit line
type Record struct {
	Seq       uint64          `json:"seq"`       // monotonically increasing
	Kind      Kind            `json:"kind"`      // record kind
	Cycle     int64           `json:"cycle"`     // cycle number, 0 outside a cycle
	Timestamp time.Time       `json:"timestamp"` // append time (UTC)
	Payload   json.RawMessage `json:"payload"`   // kind-specific body
	Checksum  uint32          `json:"checksum"`  // CRC32 over the fields above
}

// Decode unmarshals the payload into v
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("audit: decode %s payload at seq=%d: %w", r.Kind, r.Seq, err)
	}
	return nil
}

// Sink is an append-only audit destination. Append returns only once the
// record is durable; callers treat an error as "not audited".
type Sink interface {
	Append(ctx context.Context, entry Entry) error
	Close() error
}

// Handler processes records during Replay
type Handler func(rec Record) error

var (
	// ErrChecksumMismatch indicates a record whose checksum does not match its content
	ErrChecksumMismatch = errors.New("audit: checksum mismatch")

	// ErrCorruptedLog indicates a line that cannot be parsed
	ErrCorruptedLog = errors.New("audit: log is corrupted")

	// ErrSequenceGap indicates a missing or repeated sequence number
	ErrSequenceGap = errors.New("audit: sequence gap")

	// ErrSinkClosed indicates an append after Close
	ErrSinkClosed = errors.New("audit: sink closed")
)

// ChecksumError carries the failing record details
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("audit: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError points at an unparseable line
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("audit: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedLog
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
