// ============================================================================
// fleetsync Worker Fleet Client
// ============================================================================
//
// Package: internal/fleet
// File: client.go
// Purpose: Abstraction over the worker fleet's parameter store and control
//          plane.
//
// Implementations:
//   - Fleet: in-memory fleet (demo, tests)
//   - GRPCClient: remote fleet over gRPC (structpb messages, no generated stubs)
//
// ============================================================================

package fleet

import (
	"context"
	"errors"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// ErrWorkerNotFound is returned for operations on an unknown worker.
var ErrWorkerNotFound = errors.New("fleet: worker not found")

// Client defines the operations the sync engine performs on the fleet.
type Client interface {
	// ListWorkers returns the ids of all registered workers.
	ListWorkers(ctx context.Context) ([]string, error)

	// GetState returns the worker's current snapshot, or nil if the worker
	// has not reported one yet.
	GetState(ctx context.Context, workerID string) (*types.WorkerSnapshot, error)

	// SetField writes one dot-path parameter on the worker.
	SetField(ctx context.Context, workerID, path string, value any) error

	// Stop asks the worker to stop its current task.
	Stop(ctx context.Context, workerID, reason string) error

	// SetPriority overrides the worker's scheduling priority.
	SetPriority(ctx context.Context, workerID, priority string) error

	// UpdateConfig merges keys into the worker's configuration.
	UpdateConfig(ctx context.Context, workerID string, config map[string]any) error

	// Ping checks that the fleet control plane is reachable.
	Ping(ctx context.Context) error
}
