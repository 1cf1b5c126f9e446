package glucosync

import (
	"context"
	"time"

	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/glucose"
	"github.com/dgarrido/glucosync/storage/sqlite"
)

// FetchFromBackend pulls the user's readings from the backend and merges
// them into the local store. Remote records matched by backend id are
// reconciled through the configured resolver; unmatched ones are inserted as
// new synced readings. Local-only readings are never touched and nothing is
// ever deleted on pull, so an empty remote list leaves the store as it was.
//
// Like the push sweep, at most one pull runs at a time and concurrent
// callers share the in-flight result.
func (e *Engine) FetchFromBackend(ctx context.Context) (*FetchResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	v, err, _ := e.flight.Do("pull", func() (any, error) {
		return e.pullSweep(ctx)
	})
	result, _ := v.(*FetchResult)
	if result == nil {
		result = &FetchResult{}
	}
	return result, err
}

func (e *Engine) pullSweep(ctx context.Context) (*FetchResult, error) {
	result := &FetchResult{}
	log := e.logger.WithOperation("pull")

	if e.session.Halted() {
		return result, ErrSyncHalted
	}

	remote, err := e.backend.MyReadings(ctx)
	if err != nil {
		if syncErrors.IsAuth(err) {
			e.session.Halt()
		}
		if syncErrors.KindOf(err) == syncErrors.KindNetwork {
			e.session.MarkUnreachable()
		}
		return result, err
	}
	e.session.MarkReachable()

	for i := range remote {
		rr := &remote[i]

		local, err := e.store.ReadingByBackendID(ctx, rr.ID)
		switch {
		case err == nil:
			merged := e.options.Resolver.Resolve(local, rr)
			if err := e.store.UpdateReading(ctx, local.LocalID, updateFromReading(merged)); err != nil {
				return result, err
			}
			result.Merged++

		case syncErrors.IsNotFound(err):
			r := glucose.FromRemote(*rr)
			if err := e.store.AddReading(ctx, &r); err != nil {
				return result, err
			}
			result.Added++

		default:
			return result, err
		}
		result.Fetched++
	}

	if result.Fetched > 0 {
		log.Info("pull merged remote readings",
			"fetched", result.Fetched, "added", result.Added, "merged", result.Merged)
	}
	return result, nil
}

// updateFromReading turns a fully resolved reading into the store's partial
// update form, with every field set.
func updateFromReading(r *glucose.Reading) sqlite.ReadingUpdate {
	value := r.Value
	units := r.Units
	mealContext := r.MealContext
	clinicalTime := r.Time
	notes := r.Notes
	synced := r.Synced
	localOnly := r.LocalOnly
	backendID := r.BackendID
	return sqlite.ReadingUpdate{
		Value:       &value,
		Units:       &units,
		MealContext: &mealContext,
		Time:        &clinicalTime,
		Notes:       &notes,
		Synced:      &synced,
		LocalOnly:   &localOnly,
		BackendID:   &backendID,
	}
}

// SyncResult aggregates one full bidirectional sync.
type SyncResult struct {
	Push      *SweepResult
	Pull      *FetchResult
	StartTime time.Time
	Duration  time.Duration
	// Errors collects per-direction failures. A full sync keeps going
	// after a failed push so a reachable backend can still be pulled.
	Errors []error
}

// Sync performs a full sync: push the outbound queue first so local writes
// reach the backend, then pull so the merged canonical state lands locally.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
	}()

	push, err := e.SyncPendingReadings(ctx)
	result.Push = push
	if err != nil {
		result.Errors = append(result.Errors, err)
	}

	pull, err := e.FetchFromBackend(ctx)
	result.Pull = pull
	if err != nil {
		result.Errors = append(result.Errors, err)
	}

	return result, nil
}
