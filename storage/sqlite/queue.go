package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/dgarrido/glucosync/errors"
)

// QueueOperation is the kind of outbound operation a queue item carries.
type QueueOperation string

const (
	OpCreate QueueOperation = "create"
	OpUpdate QueueOperation = "update"
	OpDelete QueueOperation = "delete"
	OpShare  QueueOperation = "share"
)

// QueueItem is a pending outbound sync operation. Items are processed in
// non-decreasing EnqueuedAt order; RetryCount only grows until the item is
// removed, either on success or when it is dead-lettered.
type QueueItem struct {
	ID             string
	Operation      QueueOperation
	ReadingLocalID string
	// Payload carries opaque data for non-reading operations, e.g. the
	// appointment id for a share action.
	Payload    string
	EnqueuedAt time.Time
	RetryCount int
	LastError  string
}

const queueColumns = `id, operation, reading_local_id, payload, enqueued_at, retry_count, last_error`

func prepareQueueItem(item *QueueItem) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
}

func insertQueueItem(ctx context.Context, q queryer, item *QueueItem) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Operation), item.ReadingLocalID, item.Payload,
		item.EnqueuedAt, item.RetryCount, item.LastError)
	return err
}

// Enqueue adds a pending operation to the sync queue.
func (s *Store) Enqueue(ctx context.Context, item *QueueItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	prepareQueueItem(item)
	if err := insertQueueItem(ctx, s.db, item); err != nil {
		return classify(syncErrors.OpEnqueue, err)
	}
	return nil
}

// QueueItems returns all pending operations in FIFO order by enqueue
// timestamp. Rowid breaks ties so items enqueued within the same tick keep
// their insertion order.
func (s *Store) QueueItems(ctx context.Context) ([]*QueueItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		ORDER BY enqueued_at ASC, rowid ASC`)
	if err != nil {
		return nil, classify(syncErrors.OpQueue, err)
	}
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		var item QueueItem
		var op string
		if err := rows.Scan(&item.ID, &op, &item.ReadingLocalID, &item.Payload,
			&item.EnqueuedAt, &item.RetryCount, &item.LastError); err != nil {
			return nil, classify(syncErrors.OpQueue, err)
		}
		item.Operation = QueueOperation(op)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(syncErrors.OpQueue, err)
	}
	return items, nil
}

// QueueItemByReading returns the pending item for a reading, if any.
func (s *Store) QueueItemByReading(ctx context.Context, readingLocalID string) (*QueueItem, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM sync_queue
		WHERE reading_local_id = ? ORDER BY enqueued_at ASC LIMIT 1`, readingLocalID)

	var item QueueItem
	var op string
	err := row.Scan(&item.ID, &op, &item.ReadingLocalID, &item.Payload,
		&item.EnqueuedAt, &item.RetryCount, &item.LastError)
	if err == sql.ErrNoRows {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpQueue, fmt.Errorf("no queue item for reading %s", readingLocalID))
	}
	if err != nil {
		return nil, classify(syncErrors.OpQueue, err)
	}
	item.Operation = QueueOperation(op)
	return &item, nil
}

// RecordQueueFailure increments a queue item's retry counter and records the
// diagnostic, returning the new count so the caller can apply the
// dead-letter limit.
func (s *Store) RecordQueueFailure(ctx context.Context, id string, lastError string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, lastError, id)
	if err != nil {
		return 0, classify(syncErrors.OpQueue, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, syncErrors.NewNotFoundError(syncErrors.OpQueue, fmt.Errorf("queue item %s not found", id))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM sync_queue WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, classify(syncErrors.OpQueue, err)
	}
	return count, nil
}

// RemoveQueueItem removes an item, either after a successful sync or when it
// is dead-lettered.
func (s *Store) RemoveQueueItem(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return classify(syncErrors.OpQueue, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFoundError(syncErrors.OpQueue, fmt.Errorf("queue item %s not found", id))
	}
	return nil
}

// QueueLen returns the number of pending operations.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count); err != nil {
		return 0, classify(syncErrors.OpQueue, err)
	}
	return count, nil
}
