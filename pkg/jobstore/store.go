package jobstore

import (
	"context"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// Query filters List. Zero fields match everything.
type Query struct {
	ContentID string
	Status    wire.JobStatus
	SinceMs   int64
	Limit     int
}

// Store persists publish jobs. The hub saves every upsert so job history
// survives restarts; clients never touch the store directly.
type Store interface {
	Save(ctx context.Context, job wire.Job) error
	Get(ctx context.Context, jobID string) (wire.Job, bool, error)
	List(ctx context.Context, q Query) ([]wire.Job, error)
	Delete(ctx context.Context, jobID string) error
	Close() error
}
