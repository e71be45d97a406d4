// Package persistence provides a pluggable snapshot Store the
// Coordinator, Scheduler, and Workflow Engine are not required to use
// at runtime (the registries they own are the source of truth) but
// that a deployment can wire in for crash recovery or audit. Every
// record is addressed by a
// kind (agent, task, workflow, schedule) and an id, and stored as an
// opaque JSON blob so the Store never needs to know the shape of
// pkg/api/v1's types.
package persistence

import (
	"context"
	"time"
)

// Kinds of record a Store holds. Callers use these as the kind argument
// to Save/Load/List/Delete.
const (
	KindAgent    = "agent"
	KindTask     = "task"
	KindWorkflow = "workflow"
	KindSchedule = "schedule"
)

// Record is one stored snapshot.
type Record struct {
	Kind      string
	ID        string
	Data      []byte
	UpdatedAt time.Time
}

// Store is the pluggable persistence interface.
type Store interface {
	// Save upserts data under (kind, id).
	Save(ctx context.Context, kind, id string, data []byte) error
	// Load returns the record at (kind, id), or a NotFound AppError
	// (internal/common/errors) when there is none.
	Load(ctx context.Context, kind, id string) (*Record, error)
	// List returns every record of the given kind.
	List(ctx context.Context, kind string) ([]*Record, error)
	// Delete removes the record at (kind, id). Deleting a record that
	// doesn't exist is not an error.
	Delete(ctx context.Context, kind, id string) error
	// Close releases any underlying resources (connections, files).
	Close() error
}
