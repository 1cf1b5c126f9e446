package glucosync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dgarrido/glucosync/backoff"
	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/glucose"
	"github.com/dgarrido/glucosync/storage/sqlite"
)

func newTestEngine(t *testing.T, backend Backend, mutate ...func(*Options)) (*Engine, *sqlite.Store) {
	t.Helper()

	store, err := sqlite.New(sqlite.DefaultConfig(filepath.Join(t.TempDir(), "glucosync_test.db")))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := Options{DisableImmediatePush: true, ReachabilityWindow: time.Minute}
	for _, m := range mutate {
		m(&opts)
	}
	eng, err := New(store, backend, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, store
}

func addTestReading(t *testing.T, eng *Engine, value float64, notes string) *glucose.Reading {
	t.Helper()
	r, err := eng.AddReading(context.Background(), ReadingInput{
		UserID:      1,
		Value:       value,
		Units:       glucose.UnitsMgdL,
		MealContext: glucose.ContextFasting,
		Time:        time.Now(),
		Notes:       notes,
	})
	if err != nil {
		t.Fatalf("add reading: %v", err)
	}
	return r
}

func testNetworkErr() error {
	return syncErrors.NewNetworkError(syncErrors.OpTransport, errors.New("connection refused"))
}

func testServerErr() error {
	return syncErrors.NewServerError(syncErrors.OpTransport, errors.New("internal server error"))
}

func testAuthErr() error {
	return syncErrors.NewAuthError(syncErrors.OpTransport, errors.New("token expired"))
}

func testValidationErr() error {
	return syncErrors.NewValidationError(syncErrors.OpTransport, errors.New("glucose_level out of range"))
}

func TestAddReadingStoresLocallyBeforeAnyNetwork(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testNetworkErr())
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 105, "offline entry")

	got, err := store.ReadingByLocalID(ctx, r.LocalID)
	if err != nil {
		t.Fatalf("reading not persisted: %v", err)
	}
	if got.Synced {
		t.Error("fresh reading should not be marked synced")
	}
	if !got.LocalOnly {
		t.Error("fresh reading should be local-only")
	}

	items, err := store.QueueItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("queue length = %d, want 1", len(items))
	}
	if items[0].Operation != sqlite.OpCreate {
		t.Errorf("queued operation = %q, want create", items[0].Operation)
	}
	if items[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 before any sweep", items[0].RetryCount)
	}
}

func TestAddReadingRecoversFromFullStore(t *testing.T) {
	ctx := context.Background()

	cfg := sqlite.DefaultConfig(filepath.Join(t.TempDir(), "glucosync_test.db"))
	cfg.MaxReadings = 1
	store, err := sqlite.New(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// Fill the store to its cap with a record old enough to be prunable.
	stale := &glucose.Reading{
		Value:       90,
		Units:       glucose.UnitsMgdL,
		MealContext: glucose.ContextFasting,
		Time:        time.Now().AddDate(0, 0, -100),
	}
	if err := store.AddReading(ctx, stale); err != nil {
		t.Fatalf("seed reading: %v", err)
	}

	eng, err := New(store, &mockBackend{}, Options{DisableImmediatePush: true})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	// The user's write must survive a full store when pruning can free
	// space: one prune-and-retry cycle, invisible to the caller.
	r, err := eng.AddReading(ctx, ReadingInput{Value: 118, Notes: "after the store filled up"})
	if err != nil {
		t.Fatalf("add on full store: %v", err)
	}

	if _, err := store.ReadingByLocalID(ctx, stale.LocalID); !syncErrors.IsNotFound(err) {
		t.Errorf("stale reading should have been pruned, got %v", err)
	}
	got, err := store.ReadingByLocalID(ctx, r.LocalID)
	if err != nil {
		t.Fatalf("new reading not persisted: %v", err)
	}
	if got.Synced {
		t.Error("recovered write should still be unsynced")
	}
	if n, _ := store.QueueLen(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1 create item for the recovered write", n)
	}
}

func TestAddReadingDefaultsOptionalFields(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, &mockBackend{})

	before := time.Now()
	r, err := eng.AddReading(ctx, ReadingInput{Value: 104})
	if err != nil {
		t.Fatalf("add with only a value: %v", err)
	}

	if r.Units != glucose.UnitsMgdL {
		t.Errorf("units = %q, want mg/dL default", r.Units)
	}
	if r.MealContext != glucose.ContextRandom {
		t.Errorf("meal context = %q, want random default", r.MealContext)
	}
	if r.Time.Before(before) || r.Time.After(time.Now()) {
		t.Errorf("time = %v, want defaulted to now", r.Time)
	}

	// Defaults never paper over a bad value.
	if _, err := eng.AddReading(ctx, ReadingInput{Value: -5}); !syncErrors.IsKind(err, syncErrors.KindValidation) {
		t.Errorf("negative value error = %v, want validation kind", err)
	}
}

func TestPushSweepDrainsQueueInOrder(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "first")
	addTestReading(t, eng, 110, "second")
	addTestReading(t, eng, 120, "third")

	result, err := eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Succeeded != 3 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 3 succeeded", result)
	}

	levels := backend.createdLevels()
	want := []int{100, 110, 120}
	if len(levels) != len(want) {
		t.Fatalf("pushed %d readings, want %d", len(levels), len(want))
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("push order[%d] = %d, want %d", i, levels[i], want[i])
		}
	}

	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("queue length after sweep = %d, want 0", n)
	}
	for _, r := range mustReadings(t, eng) {
		if !r.Synced || r.BackendID == 0 {
			t.Errorf("reading %s not marked synced after sweep", r.LocalID)
		}
	}
}

func TestConcurrentSweepsShareOneFlight(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{createGate: make(chan struct{})}
	eng, _ := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "")

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.SyncPendingReadings(ctx)
		}(i)
	}

	// Let the callers pile up behind the gated network call, then open it.
	time.Sleep(50 * time.Millisecond)
	close(backend.createGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := backend.callCount("create"); n != 1 {
		t.Errorf("backend saw %d create calls, want exactly 1", n)
	}
}

func TestConcurrentPullsShareOneFlight(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{listGate: make(chan struct{})}
	backend.setRemote(glucose.RemoteReading{
		ID: 11, UserID: 1, GlucoseLevel: 101, ReadingType: "random",
		CreatedAt: "02/01/2026 08:00:00",
	})
	eng, _ := newTestEngine(t, backend)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.FetchFromBackend(ctx)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(backend.listGate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := backend.callCount("list"); n != 1 {
		t.Errorf("backend saw %d list calls, want exactly 1", n)
	}
}

func TestConcurrentFullSyncsShareBothFlights(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{
		createGate: make(chan struct{}),
		listGate:   make(chan struct{}),
	}
	eng, _ := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	results := make([]*SyncResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = eng.Sync(ctx)
		}(i)
	}

	// Both callers stack up behind the push flight, then behind the pull
	// flight, each phase released separately.
	time.Sleep(50 * time.Millisecond)
	close(backend.createGate)
	time.Sleep(50 * time.Millisecond)
	close(backend.listGate)
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if len(results[i].Errors) != 0 {
			t.Errorf("caller %d sync errors: %v", i, results[i].Errors)
		}
	}
	if n := backend.callCount("create"); n != 1 {
		t.Errorf("backend saw %d create calls, want exactly 1", n)
	}
	if n := backend.callCount("list"); n != 1 {
		t.Errorf("backend saw %d list calls, want exactly 1", n)
	}
}

func TestSweepSuggestsRetryDelay(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testServerErr())
	policy := backoff.Policy{Base: 100 * time.Millisecond, Max: time.Second}
	eng, _ := newTestEngine(t, backend, func(o *Options) { o.Retry = policy })

	addTestReading(t, eng, 100, "")

	result, err := eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if want := policy.Delay(1); result.RetryAfter != want {
		t.Errorf("RetryAfter after first failure = %v, want %v", result.RetryAfter, want)
	}

	result, err = eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if want := policy.Delay(2); result.RetryAfter != want {
		t.Errorf("RetryAfter after second failure = %v, want %v", result.RetryAfter, want)
	}

	// A clean sweep suggests nothing.
	backend.setFail(nil)
	result, err = eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("clean sweep: %v", err)
	}
	if result.RetryAfter != 0 {
		t.Errorf("RetryAfter after success = %v, want 0", result.RetryAfter)
	}
}

func TestPullMergeRemoteWins(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 95, "local")
	if err := store.MarkSynced(ctx, r.LocalID, 7); err != nil {
		t.Fatal(err)
	}

	backend.setRemote(glucose.RemoteReading{
		ID:           7,
		UserID:       1,
		GlucoseLevel: 120,
		ReadingType:  "after_meal",
		CreatedAt:    "21/12/2025 15:30:45",
		Notes:        "remote",
	})

	result, err := eng.FetchFromBackend(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Fetched != 1 || result.Merged != 1 || result.Added != 0 {
		t.Fatalf("result = %+v, want 1 fetched and merged", result)
	}

	got, err := store.ReadingByBackendID(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 120 {
		t.Errorf("value = %v, want remote 120", got.Value)
	}
	if got.Notes != "remote" {
		t.Errorf("notes = %q, want remote copy", got.Notes)
	}
	if got.MealContext != glucose.ContextAfterMeal {
		t.Errorf("meal context = %q, want after_meal", got.MealContext)
	}
	if !got.Synced {
		t.Error("merged reading should be synced")
	}
	if got.LocalID != r.LocalID {
		t.Error("merge must keep the local identity")
	}
}

func TestPullEmptyRemoteLeavesStoreIntact(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	synced := addTestReading(t, eng, 100, "synced one")
	if err := store.MarkSynced(ctx, synced.LocalID, 3); err != nil {
		t.Fatal(err)
	}
	localOnly := addTestReading(t, eng, 140, "never pushed")

	result, err := eng.FetchFromBackend(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Fetched != 0 {
		t.Fatalf("fetched = %d, want 0", result.Fetched)
	}

	readings := mustReadings(t, eng)
	if len(readings) != 2 {
		t.Fatalf("got %d readings after empty pull, want 2", len(readings))
	}
	if _, err := store.ReadingByLocalID(ctx, localOnly.LocalID); err != nil {
		t.Errorf("local-only reading gone after empty pull: %v", err)
	}
}

func TestPullInsertsUnknownRemoteReadings(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setRemote(glucose.RemoteReading{
		ID:           42,
		UserID:       1,
		GlucoseLevel: 88,
		ReadingType:  "bedtime",
		CreatedAt:    "01/03/2026 22:10:00",
		Notes:        "from another device",
	})
	eng, store := newTestEngine(t, backend)

	result, err := eng.FetchFromBackend(ctx)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if result.Added != 1 || result.Merged != 0 {
		t.Fatalf("result = %+v, want 1 added", result)
	}

	got, err := store.ReadingByBackendID(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced || got.LocalOnly {
		t.Error("pulled reading should arrive synced and not local-only")
	}
	if got.LocalID == "" {
		t.Error("pulled reading needs a local id")
	}
	if got.Time.IsZero() {
		t.Error("parseable created_at should become the clinical time")
	}
}

func TestDeadLetterAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testServerErr())
	eng, store := newTestEngine(t, backend, func(o *Options) { o.MaxRetries = 2 })

	r := addTestReading(t, eng, 100, "doomed")

	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	items, err := store.QueueItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("after first sweep: %d items, want 1", len(items))
	}
	if items[0].RetryCount != 1 {
		t.Fatalf("retry count after first sweep = %d, want 1", items[0].RetryCount)
	}

	result, err := eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Fatalf("dead-lettered = %d, want 1", result.DeadLettered)
	}
	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0 after dead-letter", n)
	}

	// The reading itself survives, still unsynced.
	got, err := store.ReadingByLocalID(ctx, r.LocalID)
	if err != nil {
		t.Fatalf("reading lost with its queue item: %v", err)
	}
	if got.Synced {
		t.Error("dead-lettered reading must stay unsynced")
	}
}

func TestAuthFailureHaltsSweepWithoutChargingRetries(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testAuthErr())
	eng, store := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "")
	addTestReading(t, eng, 110, "")

	_, err := eng.SyncPendingReadings(ctx)
	if !syncErrors.IsAuth(err) {
		t.Fatalf("sweep error = %v, want auth", err)
	}

	items, err := store.QueueItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("queue length = %d, want both items kept", len(items))
	}
	for _, item := range items {
		if item.RetryCount != 0 {
			t.Errorf("item %s retry count = %d, auth failures must not consume budget",
				item.ID, item.RetryCount)
		}
	}
	if !eng.Session().Halted() {
		t.Error("session should be halted after auth failure")
	}

	// Only the first item reached the network; the halt stopped the rest,
	// and a halted engine must not touch the network at all.
	if n := backend.callCount("create"); n != 1 {
		t.Errorf("backend saw %d calls, want 1", n)
	}
	if _, err := eng.SyncPendingReadings(ctx); !errors.Is(err, ErrSyncHalted) {
		t.Fatalf("halted sweep error = %v, want ErrSyncHalted", err)
	}
	if n := backend.callCount("create"); n != 1 {
		t.Errorf("halted sweep hit the network: %d calls", n)
	}
}

func TestResumeSyncLiftsAuthHalt(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testAuthErr())
	eng, store := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "")
	if _, err := eng.SyncPendingReadings(ctx); !syncErrors.IsAuth(err) {
		t.Fatalf("expected auth failure, got %v", err)
	}

	backend.setFail(nil)
	eng.ResumeSync()

	result, err := eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("sweep after resume: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("succeeded = %d, want 1", result.Succeeded)
	}
	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("queue not drained after resume")
	}
}

func TestValidationFailureDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testValidationErr())
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 100, "rejected payload")

	result, err := eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 || result.DeadLettered != 1 {
		t.Fatalf("result = %+v, want immediate dead-letter", result)
	}
	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("rejected item should not wait for a retry budget")
	}
	if got, err := store.ReadingByLocalID(ctx, r.LocalID); err != nil || got.Synced {
		t.Errorf("reading should survive unsynced, got %v err %v", got, err)
	}
}

func TestOfflineAddThenRecovery(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	backend.setFail(testNetworkErr())
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 132, "written while offline")

	// Offline sweep fails but keeps the item.
	result, err := eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("offline sweep: %v", err)
	}
	if result.Failed != 1 || result.DeadLettered != 0 {
		t.Fatalf("offline result = %+v", result)
	}
	if reachable, known := eng.Session().BackendReachable(); known && reachable {
		t.Error("backend should not look reachable after a network failure")
	}

	// Network comes back.
	backend.setFail(nil)
	result, err = eng.SyncPendingReadings(ctx)
	if err != nil {
		t.Fatalf("recovery sweep: %v", err)
	}
	if result.Succeeded != 1 {
		t.Fatalf("recovery result = %+v, want 1 success", result)
	}

	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("queue length = %d after recovery, want 0", n)
	}
	got, err := store.ReadingByLocalID(ctx, r.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced || got.BackendID == 0 {
		t.Errorf("reading should be synced with a backend id, got synced=%v id=%d",
			got.Synced, got.BackendID)
	}
	if reachable, known := eng.Session().BackendReachable(); !known || !reachable {
		t.Error("backend should look reachable after a successful push")
	}
}

func TestUpdateReadingCoalescesQueueItems(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 100, "")

	newValue := 150.0
	if _, err := eng.UpdateReading(ctx, r.LocalID, sqlite.ReadingUpdate{Value: &newValue}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	newValue = 160
	updated, err := eng.UpdateReading(ctx, r.LocalID, sqlite.ReadingUpdate{Value: &newValue})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if updated.Value != 160 || updated.Synced {
		t.Errorf("updated reading = value %v synced %v, want 160 unsynced", updated.Value, updated.Synced)
	}
	// The pending create already covers both edits.
	if n, _ := store.QueueLen(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1 coalesced item", n)
	}
}

func TestUpdateAfterSyncEnqueuesUpdateOperation(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 100, "")
	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatal(err)
	}

	notes := "edited after sync"
	if _, err := eng.UpdateReading(ctx, r.LocalID, sqlite.ReadingUpdate{Notes: &notes}); err != nil {
		t.Fatal(err)
	}

	items, err := store.QueueItems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Operation != sqlite.OpUpdate {
		t.Fatalf("queue = %+v, want one update item", items)
	}

	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatal(err)
	}
	if n := backend.callCount("update"); n != 1 {
		t.Errorf("backend saw %d update calls, want 1", n)
	}
	got, err := store.ReadingByLocalID(ctx, r.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced {
		t.Error("reading should be synced again after the update pushed")
	}
}

func TestDeleteReadingPropagatesToBackend(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 100, "")
	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatal(err)
	}
	synced, err := store.ReadingByLocalID(ctx, r.LocalID)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.DeleteReading(ctx, r.LocalID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.ReadingByLocalID(ctx, r.LocalID); !syncErrors.IsNotFound(err) {
		t.Errorf("reading still readable after delete: %v", err)
	}

	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatal(err)
	}
	backend.mu.Lock()
	deleted := append([]int64(nil), backend.deleted...)
	backend.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != synced.BackendID {
		t.Errorf("backend deletions = %v, want [%d]", deleted, synced.BackendID)
	}
}

func TestDeleteLocalOnlyReadingSkipsBackend(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	r := addTestReading(t, eng, 100, "never synced")
	if err := eng.DeleteReading(ctx, r.LocalID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("queue length = %d, want 0: nothing to tell the backend", n)
	}
	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatal(err)
	}
	if n := backend.callCount("create") + backend.callCount("delete"); n != 0 {
		t.Errorf("backend saw %d calls for a purely local delete", n)
	}
}

func TestShareAppointmentGoesThroughQueue(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	if err := eng.ShareAppointment(ctx, "appt-99"); err != nil {
		t.Fatalf("share: %v", err)
	}
	if n, _ := store.QueueLen(ctx); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	if _, err := eng.SyncPendingReadings(ctx); err != nil {
		t.Fatal(err)
	}
	backend.mu.Lock()
	shared := append([]string(nil), backend.shared...)
	backend.mu.Unlock()
	if len(shared) != 1 || shared[0] != "appt-99" {
		t.Errorf("shared = %v, want [appt-99]", shared)
	}
}

func TestSyncPushesBeforePull(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, _ := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "")

	result, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("sync errors: %v", result.Errors)
	}
	if result.Push == nil || result.Push.Succeeded != 1 {
		t.Errorf("push result = %+v", result.Push)
	}
	if result.Pull == nil {
		t.Fatal("pull result missing")
	}

	backend.mu.Lock()
	calls := append([]string(nil), backend.calls...)
	backend.mu.Unlock()
	if len(calls) < 2 || calls[0] != "create" || calls[len(calls)-1] != "list" {
		t.Errorf("call order = %v, want create before list", calls)
	}
}

func TestHandleLogoutHaltsAndWipes(t *testing.T) {
	ctx := context.Background()
	backend := &mockBackend{}
	eng, store := newTestEngine(t, backend)

	addTestReading(t, eng, 100, "")
	if err := eng.HandleLogout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if !eng.Session().Halted() {
		t.Error("session should be halted after logout")
	}
	if readings, err := store.AllReadings(ctx, sqlite.OrderAsc, 0); err != nil || len(readings) != 0 {
		t.Errorf("readings after logout = %d (%v), want none", len(readings), err)
	}
	if n, _ := store.QueueLen(ctx); n != 0 {
		t.Errorf("queue after logout = %d, want 0", n)
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t, &mockBackend{})

	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}

	if _, err := eng.AddReading(ctx, ReadingInput{Value: 100}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("AddReading on closed engine: %v", err)
	}
	if _, err := eng.SyncPendingReadings(ctx); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("SyncPendingReadings on closed engine: %v", err)
	}
	if _, err := eng.FetchFromBackend(ctx); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("FetchFromBackend on closed engine: %v", err)
	}
}

func mustReadings(t *testing.T, eng *Engine) []*glucose.Reading {
	t.Helper()
	readings, err := eng.Readings(context.Background())
	if err != nil {
		t.Fatalf("readings: %v", err)
	}
	return readings
}
