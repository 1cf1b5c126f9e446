package glucosync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dgarrido/glucosync/backoff"
	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/glucose"
	"github.com/dgarrido/glucosync/logging"
	"github.com/dgarrido/glucosync/storage/sqlite"
)

var (
	// ErrEngineClosed is returned by operations on a closed engine.
	ErrEngineClosed = errors.New("sync engine is closed")

	// ErrSyncHalted is returned by sweeps while the session is halted
	// pending re-authentication.
	ErrSyncHalted = errors.New("sync halted pending re-authentication")
)

// Options configures an Engine. The zero value is usable; New fills in
// defaults for anything left unset.
type Options struct {
	// MaxRetries is the per-item retry budget. An item whose retry count
	// reaches this value is dead-lettered.
	MaxRetries int
	// Retry shapes SweepResult.RetryAfter, the wait suggested before the
	// next sweep when failed items are still queued.
	Retry backoff.Policy
	// SyncInterval is the period between automatic full syncs.
	SyncInterval time.Duration
	// BackgroundTimeout bounds detached syncs: the best-effort push after
	// a local write and each auto-sync tick.
	BackgroundTimeout time.Duration
	// ReachabilityWindow is how long a backend reachability observation
	// stays fresh.
	ReachabilityWindow time.Duration
	// Resolver reconciles pulled records with local ones. Defaults to
	// RemoteWinsResolver.
	Resolver ConflictResolver
	// DisableImmediatePush turns off the best-effort push kicked off after
	// every local write. Queue items then wait for an explicit or
	// automatic sweep.
	DisableImmediatePush bool
	// Logger for engine events. Defaults to the package logger.
	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.Retry == (backoff.Policy{}) {
		o.Retry = backoff.Default()
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = 5 * time.Minute
	}
	if o.BackgroundTimeout <= 0 {
		o.BackgroundTimeout = 30 * time.Second
	}
	if o.ReachabilityWindow <= 0 {
		o.ReachabilityWindow = 30 * time.Second
	}
	if o.Resolver == nil {
		o.Resolver = RemoteWinsResolver{}
	}
	if o.Logger == nil {
		o.Logger = logging.Default().WithComponent("engine")
	}
}

// Engine coordinates the local store and the backend: local writes enqueue
// outbound operations, push sweeps drain the queue, pull sweeps merge remote
// state. At most one push and one pull run at a time; concurrent callers of
// the same direction share the in-flight sweep's result.
type Engine struct {
	store   LocalStore
	backend Backend
	options Options
	session *SessionState
	logger  *logging.Logger

	flight singleflight.Group

	mu           sync.RWMutex
	autoSyncStop chan struct{}
	closed       bool
	background   sync.WaitGroup
}

// New builds an Engine on top of a local store and a backend client.
func New(store LocalStore, backend Backend, opts Options) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	opts.setDefaults()
	return &Engine{
		store:   store,
		backend: backend,
		options: opts,
		session: NewSessionState(opts.ReachabilityWindow),
		logger:  opts.Logger,
	}, nil
}

// Session exposes the engine's session state.
func (e *Engine) Session() *SessionState { return e.session }

func (e *Engine) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	return nil
}

// ReadingInput carries the caller-supplied fields of a new reading.
type ReadingInput struct {
	UserID      int64
	Value       float64
	Units       glucose.Units
	MealContext glucose.MealContext
	Time        time.Time
	Notes       string
}

// AddReading validates and stores a reading locally, enqueues its create
// operation in the same transaction, and kicks off a best-effort push in the
// background. The returned reading is immediately visible to local queries
// whatever the network does.
//
// Optional fields get sensible defaults before validation: empty Units means
// mg/dL, an empty MealContext means random, and a zero Time means now —
// recording "a reading taken just now" needs only a value. Value itself is
// always validated. A full store is pruned once and the write retried, so
// the call fails only for a non-quota reason or when pruning frees nothing.
func (e *Engine) AddReading(ctx context.Context, in ReadingInput) (*glucose.Reading, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	r := &glucose.Reading{
		UserID:      in.UserID,
		Value:       in.Value,
		Units:       in.Units,
		MealContext: in.MealContext,
		Time:        in.Time,
		Notes:       in.Notes,
		LocalOnly:   true,
	}
	if r.Units == "" {
		r.Units = glucose.UnitsMgdL
	}
	if r.MealContext == "" {
		r.MealContext = glucose.ContextRandom
	}
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	item := &sqlite.QueueItem{Operation: sqlite.OpCreate}
	if err := e.store.SafeAddReadingWithQueueItem(ctx, r, item); err != nil {
		return nil, err
	}
	e.logger.WithOperation("add").Info("reading stored locally",
		"local_id", r.LocalID, "status", string(r.Status))

	e.pushSoon()
	return r, nil
}

// UpdateReading applies a partial edit to a local reading. The reading is
// marked unsynced again and an update operation is enqueued unless one is
// already pending for it, then a background push is attempted.
func (e *Engine) UpdateReading(ctx context.Context, localID string, u sqlite.ReadingUpdate) (*glucose.Reading, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}

	// Edits always dirty the record, whatever the caller passed.
	dirty := false
	u.Synced = &dirty
	if err := e.store.UpdateReading(ctx, localID, u); err != nil {
		return nil, err
	}

	if _, err := e.store.QueueItemByReading(ctx, localID); syncErrors.IsNotFound(err) {
		item := &sqlite.QueueItem{Operation: sqlite.OpUpdate, ReadingLocalID: localID}
		if err := e.store.Enqueue(ctx, item); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	e.pushSoon()
	return e.store.ReadingByLocalID(ctx, localID)
}

// DeleteReading removes a reading locally. If the backend knows the reading,
// a delete operation is enqueued so the removal propagates; a reading that
// never synced just disappears along with any pending queue item.
func (e *Engine) DeleteReading(ctx context.Context, localID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}

	r, err := e.store.ReadingByLocalID(ctx, localID)
	if err != nil {
		return err
	}

	if item, err := e.store.QueueItemByReading(ctx, localID); err == nil {
		if err := e.store.RemoveQueueItem(ctx, item.ID); err != nil {
			return err
		}
	} else if !syncErrors.IsNotFound(err) {
		return err
	}

	if err := e.store.DeleteReading(ctx, localID); err != nil {
		return err
	}

	if r.BackendID != 0 {
		item := &sqlite.QueueItem{
			Operation: sqlite.OpDelete,
			Payload:   strconv.FormatInt(r.BackendID, 10),
		}
		if err := e.store.Enqueue(ctx, item); err != nil {
			return err
		}
		e.pushSoon()
	}
	return nil
}

// ShareAppointment enqueues a share action for an appointment and attempts
// to push it right away.
func (e *Engine) ShareAppointment(ctx context.Context, appointmentID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if appointmentID == "" {
		return syncErrors.NewValidationError(syncErrors.OpShare, errors.New("appointment id is empty"))
	}
	item := &sqlite.QueueItem{Operation: sqlite.OpShare, Payload: appointmentID}
	if err := e.store.Enqueue(ctx, item); err != nil {
		return err
	}
	e.pushSoon()
	return nil
}

// Readings returns all local readings, most recent clinical time first.
func (e *Engine) Readings(ctx context.Context) ([]*glucose.Reading, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.AllReadings(ctx, sqlite.OrderDesc, 0)
}

// Reading returns one local reading by its device-generated id.
func (e *Engine) Reading(ctx context.Context, localID string) (*glucose.Reading, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.ReadingByLocalID(ctx, localID)
}

// PendingCount reports how many outbound operations are waiting in the queue.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	return e.store.QueueLen(ctx)
}

// ClearAllReadings wipes the local readings collection. The sync queue and
// appointment cache are untouched.
func (e *Engine) ClearAllReadings(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	return e.store.ClearReadings(ctx)
}

// HandleLogout halts syncing and wipes all locally cached data. The session
// stays halted until ResumeSync is called after a fresh login.
func (e *Engine) HandleLogout(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.session.Halt()
	e.session.InvalidateReachability()
	return e.store.ClearAllData(ctx)
}

// ResumeSync lifts an auth halt after the caller has re-authenticated.
func (e *Engine) ResumeSync() {
	e.session.Resume()
}

// pushSoon starts a detached best-effort push sweep. Failures are expected
// while offline and only logged; the queue keeps the operations safe.
func (e *Engine) pushSoon() {
	if e.options.DisableImmediatePush {
		return
	}
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	e.background.Add(1)
	e.mu.RUnlock()

	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.options.BackgroundTimeout)
		defer cancel()
		if _, err := e.SyncPendingReadings(ctx); err != nil {
			e.logger.WithOperation("push").Debug("background push failed", "error", err)
		}
	}()
}

// StartAutoSync begins periodic full syncs at the configured interval. Ticks
// are skipped while the session is halted.
func (e *Engine) StartAutoSync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.autoSyncStop != nil {
		return errors.New("auto sync is already running")
	}

	e.autoSyncStop = make(chan struct{})
	stop := e.autoSyncStop

	go func() {
		ticker := time.NewTicker(e.options.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if e.session.Halted() {
					continue
				}
				go func() {
					syncCtx, cancel := context.WithTimeout(context.Background(), e.options.BackgroundTimeout)
					defer cancel()
					if result, err := e.Sync(syncCtx); err != nil {
						e.logger.WithOperation("sync").Warn("auto sync failed", "error", err)
					} else if len(result.Errors) > 0 {
						e.logger.WithOperation("sync").Warn("auto sync finished with errors",
							"errors", len(result.Errors))
					}
				}()
			}
		}
	}()

	return nil
}

// StopAutoSync stops the periodic syncs started by StartAutoSync.
func (e *Engine) StopAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.autoSyncStop == nil {
		return errors.New("auto sync is not running")
	}
	close(e.autoSyncStop)
	e.autoSyncStop = nil
	return nil
}

// Close stops auto sync and waits for detached background pushes to finish.
// The store and backend client are owned by the caller and stay open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.autoSyncStop != nil {
		close(e.autoSyncStop)
		e.autoSyncStop = nil
	}
	e.mu.Unlock()

	e.background.Wait()
	return nil
}
