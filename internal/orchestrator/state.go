package orchestrator

// ============================================================================
// Orchestrator state machine
// Responsibility: the explicit transition table and the sentinel errors of
// the cycle loop
// ============================================================================

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

var (
	// ErrInvalidTransition is returned for a status change the table does not allow
	ErrInvalidTransition = errors.New("orchestrator: invalid state transition")

	// ErrMaxConsecutiveErrors is returned by Run and RunCycle once the number of
	// consecutive failed cycles reaches max_retries
	ErrMaxConsecutiveErrors = errors.New("orchestrator: max consecutive errors exceeded")

	// ErrNotRunning is returned by RunCycle after the loop reached stopped or error
	ErrNotRunning = errors.New("orchestrator: not running")

	// ErrPhasePanic wraps a recovered panic inside a cycle phase
	ErrPhasePanic = errors.New("orchestrator: phase panicked")
)

// transitions lists the allowed targets for every status. stopped and error
// are terminal within one process lifetime.
var transitions = map[types.OrchestratorStatus][]types.OrchestratorStatus{
	types.StatusInitializing: {types.StatusRunning, types.StatusPaused, types.StatusStopped},
	types.StatusRunning:      {types.StatusPaused, types.StatusStopped, types.StatusError},
	types.StatusPaused:       {types.StatusRunning, types.StatusStopped, types.StatusError},
	types.StatusError:        {},
	types.StatusStopped:      {},
}

// CanTransition reports whether from → to is in the transition table
func CanTransition(from, to types.OrchestratorStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to types.OrchestratorStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// transitionEvent is the audit payload of a status change
type transitionEvent struct {
	From   types.OrchestratorStatus `json:"from"`
	To     types.OrchestratorStatus `json:"to"`
	Reason string                   `json:"reason,omitempty"`
}

// gateEvent is the audit payload of a tripped health or budget gate
type gateEvent struct {
	Gate        string  `json:"gate"`
	Reason      string  `json:"reason"`
	PausedUntil string  `json:"paused_until"`
	Cumulative  float64 `json:"cumulative,omitempty"`
	Projected   float64 `json:"projected,omitempty"`
	Limit       float64 `json:"limit,omitempty"`
}

// phaseError is the audit payload of a phase-level failure
type phaseError struct {
	Phase string `json:"phase"`
	Error string `json:"error"`
}
