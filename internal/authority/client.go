// Package authority is the boundary to the authority system, whose task
// records are binding. The sync engine only reads updates and writes back
// individual fields through Client.
package authority

import (
	"context"
	"errors"

	"github.com/ChuLiYu/fleetsync/pkg/types"
)

// ErrTaskNotFound is returned when a push targets an unknown task.
var ErrTaskNotFound = errors.New("authority: task not found")

// Client is the authority system as seen by the sync engine.
//
// Writes made through PushUpdate do not advance a task's updated_at, so
// values written back by the engine are not fetched again as authority
// changes on the next cycle.
type Client interface {
	// FetchUpdates returns tasks the watermark admits, ordered by
	// (updated_at, task_id), at most limit entries (limit <= 0 means no
	// bound).
	FetchUpdates(ctx context.Context, after types.Watermark, limit int) ([]types.TaskUpdate, error)

	// PushUpdate sets one dot-path field on a task's data.
	PushUpdate(ctx context.Context, taskID, path string, value any) error

	// Ping checks reachability.
	Ping(ctx context.Context) error
}
