// Package glucosync is the offline-first data layer for a glucose tracking
// client. Readings are written to a local SQLite store first and mirrored to
// the backend by a sync engine that drains an outbound queue, pulls remote
// state, and resolves conflicts in the backend's favor.
package glucosync

import (
	"context"
	"time"

	"github.com/dgarrido/glucosync/glucose"
	"github.com/dgarrido/glucosync/storage/sqlite"
	"github.com/dgarrido/glucosync/transport/httptransport"
)

// LocalStore is the persistence surface the engine drives. *sqlite.Store is
// the production implementation.
type LocalStore interface {
	AddReading(ctx context.Context, r *glucose.Reading) error
	SafeAddReadingWithQueueItem(ctx context.Context, r *glucose.Reading, item *sqlite.QueueItem) error
	UpdateReading(ctx context.Context, localID string, u sqlite.ReadingUpdate) error
	MarkSynced(ctx context.Context, localID string, backendID int64) error
	DeleteReading(ctx context.Context, localID string) error

	ReadingByLocalID(ctx context.Context, localID string) (*glucose.Reading, error)
	ReadingByBackendID(ctx context.Context, backendID int64) (*glucose.Reading, error)
	AllReadings(ctx context.Context, order sqlite.Order, limit int) ([]*glucose.Reading, error)
	UnsyncedReadings(ctx context.Context) ([]*glucose.Reading, error)
	ClearReadings(ctx context.Context) error
	ClearAllData(ctx context.Context) error

	Enqueue(ctx context.Context, item *sqlite.QueueItem) error
	QueueItems(ctx context.Context) ([]*sqlite.QueueItem, error)
	QueueItemByReading(ctx context.Context, readingLocalID string) (*sqlite.QueueItem, error)
	RecordQueueFailure(ctx context.Context, id string, lastError string) (int, error)
	RemoveQueueItem(ctx context.Context, id string) error
	QueueLen(ctx context.Context) (int, error)
}

// Backend is the remote API surface the engine syncs against.
// *httptransport.Client is the production implementation.
type Backend interface {
	CreateReading(ctx context.Context, r *glucose.Reading) (*glucose.RemoteReading, error)
	UpdateReading(ctx context.Context, backendID int64, r *glucose.Reading) (*glucose.RemoteReading, error)
	DeleteReading(ctx context.Context, backendID int64) error
	ShareAppointment(ctx context.Context, appointmentID string) error
	MyReadings(ctx context.Context) ([]glucose.RemoteReading, error)
	LatestReading(ctx context.Context) (*glucose.RemoteReading, error)
}

var (
	_ LocalStore = (*sqlite.Store)(nil)
	_ Backend    = (*httptransport.Client)(nil)
)

// SweepResult reports the outcome of one pass over the outbound queue.
type SweepResult struct {
	// Attempted counts queue items the sweep actually tried to send.
	Attempted int
	// Succeeded counts items pushed and removed from the queue.
	Succeeded int
	// Failed counts items that errored, whether or not they were kept
	// for another attempt.
	Failed int
	// DeadLettered counts failed items dropped from the queue for good,
	// either after exhausting their retry budget or on a terminal error.
	DeadLettered int
	// RetryAfter is the suggested wait before the next sweep, derived from
	// the retry policy and the most-retried item still in the queue. Zero
	// when nothing is waiting on a retry.
	RetryAfter time.Duration
}

// FetchResult reports the outcome of one pull from the backend.
type FetchResult struct {
	// Fetched counts remote records processed.
	Fetched int
	// Added counts remote records inserted as new local readings.
	Added int
	// Merged counts remote records reconciled into existing local readings.
	Merged int
}
