package glucosync

import (
	"context"
	"strconv"

	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/storage/sqlite"
)

// SyncPendingReadings drains the outbound queue in enqueue order. At most
// one sweep runs at a time; concurrent callers block and share the in-flight
// sweep's result instead of issuing their own network calls.
//
// Per item: success removes it from the queue, a transient failure bumps its
// retry count (dead-lettering it once the budget is spent), and a terminal
// failure dead-letters it immediately. An authentication failure stops the
// sweep where it stands without charging the current item's budget, and
// halts the session until re-authentication.
func (e *Engine) SyncPendingReadings(ctx context.Context) (*SweepResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	v, err, _ := e.flight.Do("push", func() (any, error) {
		return e.pushSweep(ctx)
	})
	result, _ := v.(*SweepResult)
	if result == nil {
		result = &SweepResult{}
	}
	return result, err
}

func (e *Engine) pushSweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	log := e.logger.WithOperation("push")

	if e.session.Halted() {
		return result, ErrSyncHalted
	}

	items, err := e.store.QueueItems(ctx)
	if err != nil {
		return result, err
	}
	if len(items) == 0 {
		return result, nil
	}
	log.Debug("sweeping outbound queue", "pending", len(items))

	mostRetried := 0
	for _, item := range items {
		result.Attempted++

		err := e.pushItem(ctx, item)
		if err == nil {
			if rmErr := e.store.RemoveQueueItem(ctx, item.ID); rmErr != nil {
				return result, rmErr
			}
			result.Succeeded++
			e.session.MarkReachable()
			continue
		}

		if syncErrors.IsAuth(err) {
			// Stop without touching this item's retry count: the
			// failure is the session's, not the item's.
			result.Attempted--
			e.session.Halt()
			log.Warn("sweep halted by authentication failure", "item", item.ID)
			return result, err
		}

		result.Failed++

		if syncErrors.IsTerminal(err) {
			// The backend rejected the payload itself; retrying the
			// same bytes can never succeed.
			if rmErr := e.store.RemoveQueueItem(ctx, item.ID); rmErr != nil {
				return result, rmErr
			}
			result.DeadLettered++
			log.Warn("queue item dead-lettered on terminal error",
				"item", item.ID, "op", string(item.Operation), "error", err)
			continue
		}

		if syncErrors.KindOf(err) == syncErrors.KindNetwork {
			e.session.MarkUnreachable()
		}

		count, recErr := e.store.RecordQueueFailure(ctx, item.ID, err.Error())
		if recErr != nil {
			return result, recErr
		}
		if count >= e.options.MaxRetries {
			if rmErr := e.store.RemoveQueueItem(ctx, item.ID); rmErr != nil {
				return result, rmErr
			}
			result.DeadLettered++
			log.Warn("queue item dead-lettered after retry budget",
				"item", item.ID, "op", string(item.Operation), "retries", count)
		} else {
			if count > mostRetried {
				mostRetried = count
			}
			log.Debug("queue item kept for retry",
				"item", item.ID, "retries", count, "error", err)
		}
	}

	if mostRetried > 0 {
		result.RetryAfter = e.options.Retry.Delay(mostRetried)
	}
	return result, nil
}

// pushItem performs one queue item's network operation and records the
// outcome on the reading. It does not touch the queue; the sweep owns item
// lifecycle. A nil return for an orphaned item (its reading is gone) lets
// the sweep drop it like a success.
func (e *Engine) pushItem(ctx context.Context, item *sqlite.QueueItem) error {
	switch item.Operation {
	case sqlite.OpCreate, sqlite.OpUpdate:
		r, err := e.store.ReadingByLocalID(ctx, item.ReadingLocalID)
		if syncErrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		if r.BackendID == 0 {
			remote, err := e.backend.CreateReading(ctx, r)
			if err != nil {
				return err
			}
			return e.store.MarkSynced(ctx, r.LocalID, remote.ID)
		}
		if _, err := e.backend.UpdateReading(ctx, r.BackendID, r); err != nil {
			return err
		}
		return e.store.MarkSynced(ctx, r.LocalID, r.BackendID)

	case sqlite.OpDelete:
		backendID, err := strconv.ParseInt(item.Payload, 10, 64)
		if err != nil {
			return syncErrors.NewValidationError(syncErrors.OpDelete, err)
		}
		return e.backend.DeleteReading(ctx, backendID)

	case sqlite.OpShare:
		return e.backend.ShareAppointment(ctx, item.Payload)

	default:
		return syncErrors.NewValidationError(syncErrors.OpPush,
			&unknownOperationError{op: string(item.Operation)})
	}
}

type unknownOperationError struct{ op string }

func (e *unknownOperationError) Error() string {
	return "unknown queue operation " + strconv.Quote(e.op)
}
