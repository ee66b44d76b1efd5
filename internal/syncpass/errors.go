// Package syncpass implements the two directional sync passes of a cycle:
// Downstream (authority → worker fleet) and Upstream (worker fleet →
// authority). Field- and record-level failures are isolated and returned in
// the pass result; only a failure that prevents the whole pass is returned as
// an error.
package syncpass

import (
	"errors"
	"fmt"
	"log/slog"
)

var log = slog.Default()

// Phase names one sync pass
type Phase string

const (
	PhaseDownstream Phase = "downstream"
	PhaseUpstream   Phase = "upstream"
)

var (
	// ErrNoMapping means a record has no entry in the mapping table
	ErrNoMapping = errors.New("syncpass: no mapping")
	// ErrNotRegistered means a mapped worker is unknown to the fleet
	ErrNotRegistered = errors.New("syncpass: worker not registered with fleet")
)

// FieldError is a field- or record-level failure. Field is empty when the
// whole record failed.
type FieldError struct {
	Phase    Phase
	WorkerID string
	TaskID   string
	Field    string
	Err      error
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: worker %s task %s: %v", e.Phase, e.WorkerID, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s: worker %s task %s field %s: %v", e.Phase, e.WorkerID, e.TaskID, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
