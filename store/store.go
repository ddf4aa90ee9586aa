// Package store persists photos, AI metadata and the processing queue.
// Two backends implement the same interface: an embedded SQLite database
// for single-host deployments and Postgres with pgvector for shared ones.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shelbyklein/targetvision-sub000/config"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a queue transition finds the item in a
	// state the transition does not start from.
	ErrConflict = errors.New("conflicting queue state")
)

// Photo is the externally-owned photo record metadata is generated for.
type Photo struct {
	ID       string
	ImageURL string
	Title    string
	Filename string
	Keywords []string
}

// Metadata is the AI-generated record for one photo. At most one exists per
// photo; reprocessing overwrites in place and preserves CreatedAt.
type Metadata struct {
	PhotoID        string
	Description    string
	Keywords       []string
	Provider       string
	Model          string
	Prompt         string
	LatencySeconds float64
	Vector         []float32
	VectorModel    string
	Approved       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Photo *Photo // joined photo fields, set by Corpus
}

// Status is the processing state of a queued photo. A photo with no queue
// row is not queued at all.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// QueueItem tracks one photo through the pipeline.
type QueueItem struct {
	PhotoID   string
	Status    Status
	Priority  int
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence surface the pipeline runs against. Queue
// transitions are conditional on the current status so concurrent workers
// cannot skip states; a transition from the wrong state returns ErrConflict.
type Store interface {
	// InsertPhotos registers photos in batches, ignoring ids already
	// present, and reports how many rows were inserted.
	InsertPhotos(ctx context.Context, photos []Photo, batchSize int) (int, error)
	Photo(ctx context.Context, id string) (*Photo, error)

	// UpsertMetadata writes the record for m.PhotoID, replacing any
	// existing one. CreatedAt and UpdatedAt are filled in on m.
	UpsertMetadata(ctx context.Context, m *Metadata) error
	Metadata(ctx context.Context, photoID string) (*Metadata, error)
	// Corpus bulk-reads every metadata record joined with its photo.
	// Vectors are omitted unless withVectors is set.
	Corpus(ctx context.Context, withVectors bool) ([]*Metadata, error)
	// DeleteMetadata removes the record and the queue row, returning the
	// photo to the not-queued state.
	DeleteMetadata(ctx context.Context, photoID string) error
	SetApproved(ctx context.Context, photoID string, approved bool) error

	// Enqueue adds a pending queue row, a no-op if the photo is already
	// queued in any state.
	Enqueue(ctx context.Context, photoID string, priority int) error
	QueueItem(ctx context.Context, photoID string) (*QueueItem, error)
	// MarkProcessing claims a single pending item.
	MarkProcessing(ctx context.Context, photoID string) error
	// ClaimPending atomically moves up to limit pending items to
	// processing, highest priority first, oldest first within a priority.
	ClaimPending(ctx context.Context, limit int) ([]string, error)
	MarkCompleted(ctx context.Context, photoID string) error
	// MarkFailed records the error, increments the attempt count and
	// leaves the item failed.
	MarkFailed(ctx context.Context, photoID string, lastError string) error
	// Requeue returns a failed or completed item to pending so it can be
	// processed again.
	Requeue(ctx context.Context, photoID string) error
	// ResetFailed returns every failed item to pending and reports how
	// many were reset.
	ResetFailed(ctx context.Context) (int, error)
	QueueCounts(ctx context.Context) (map[Status]int, error)

	Close() error
}

// Open selects a backend from the configured driver.
func Open(ctx context.Context, cfg config.StoreConfig, dims int) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, dims)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
