package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/dgarrido/glucosync/errors"
	"github.com/dgarrido/glucosync/glucose"
)

// Order selects ascending or descending clinical-time ordering for queries.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

const readingColumns = `local_id, backend_id, user_id, value, units, meal_context,
	clinical_time, notes, status, synced, local_only, local_stored_at`

// prepareReading fills in generated fields before an insert.
func (s *Store) prepareReading(r *glucose.Reading) {
	if r.LocalID == "" {
		r.LocalID = uuid.New().String()
	}
	if r.Status == "" {
		r.Status = glucose.DeriveStatus(r.Value, r.Units)
	}
	if r.LocalStoredAt.IsZero() {
		r.LocalStoredAt = time.Now()
	}
}

// checkSoftQuota enforces the optional MaxReadings cap, raising the same
// quota-exceeded kind as a full database.
func (s *Store) checkSoftQuota(ctx context.Context, q queryer, adding int) error {
	if s.maxReadings <= 0 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings`).Scan(&count); err != nil {
		return classify(syncErrors.OpAdd, err)
	}
	if count+adding > s.maxReadings {
		return syncErrors.NewQuotaError(syncErrors.OpAdd,
			fmt.Errorf("readings collection at capacity (%d of %d)", count, s.maxReadings))
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertReading(ctx context.Context, q queryer, r *glucose.Reading) error {
	backendID := sql.NullInt64{Int64: r.BackendID, Valid: r.BackendID != 0}
	_, err := q.ExecContext(ctx, `
		INSERT INTO readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.LocalID, backendID, r.UserID, r.Value, string(r.Units), string(r.MealContext),
		r.Time, r.Notes, string(r.Status), r.Synced, r.LocalOnly, r.LocalStoredAt)
	return err
}

// AddReading inserts a reading, assigning a local id when absent. Duplicate
// identities fail with a constraint error; a full store fails with a
// quota-exceeded error.
func (s *Store) AddReading(ctx context.Context, r *glucose.Reading) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.prepareReading(r)

	if err := s.checkSoftQuota(ctx, s.db, 1); err != nil {
		return err
	}
	if err := insertReading(ctx, s.db, r); err != nil {
		return classify(syncErrors.OpAdd, err)
	}
	return nil
}

// SafeAddReading is AddReading with quota-exceeded resilience: on a quota
// failure it applies the retention window once and retries the insert exactly
// one additional time. A second failure propagates. Calling this on a full
// store may therefore delete old data as a side effect.
func (s *Store) SafeAddReading(ctx context.Context, r *glucose.Reading) error {
	err := s.AddReading(ctx, r)
	if err == nil || !syncErrors.IsQuotaExceeded(err) {
		return err
	}

	if pruneErr := s.HandleQuotaExceeded(ctx); pruneErr != nil {
		return pruneErr
	}
	return s.AddReading(ctx, r)
}

// SafeAddReadingWithQueueItem is AddReadingWithQueueItem with quota recovery:
// when the transactional insert hits the quota, old data is pruned once and
// the whole transaction retried once. A quota error from the retry means
// pruning freed nothing and the store is genuinely full.
func (s *Store) SafeAddReadingWithQueueItem(ctx context.Context, r *glucose.Reading, item *QueueItem) error {
	err := s.AddReadingWithQueueItem(ctx, r, item)
	if err == nil || !syncErrors.IsQuotaExceeded(err) {
		return err
	}

	if pruneErr := s.HandleQuotaExceeded(ctx); pruneErr != nil {
		return pruneErr
	}
	return s.AddReadingWithQueueItem(ctx, r, item)
}

// AddReadingWithQueueItem inserts a reading and its outbound queue item in a
// single transaction, so a local write and its pending sync operation are
// created atomically or not at all.
func (s *Store) AddReadingWithQueueItem(ctx context.Context, r *glucose.Reading, item *QueueItem) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.prepareReading(r)
	prepareQueueItem(item)
	item.ReadingLocalID = r.LocalID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(syncErrors.OpAdd, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.checkSoftQuota(ctx, tx, 1); err != nil {
		return err
	}
	if err = insertReading(ctx, tx, r); err != nil {
		return classify(syncErrors.OpAdd, err)
	}
	if err = insertQueueItem(ctx, tx, item); err != nil {
		return classify(syncErrors.OpEnqueue, err)
	}

	if err = tx.Commit(); err != nil {
		return classify(syncErrors.OpAdd, err)
	}
	return nil
}

// ReadingUpdate names the fields UpdateReading may change. Nil pointers
// leave the stored value untouched.
type ReadingUpdate struct {
	Value       *float64
	Units       *glucose.Units
	MealContext *glucose.MealContext
	Time        *time.Time
	Notes       *string
	Synced      *bool
	LocalOnly   *bool
	BackendID   *int64
}

// UpdateReading applies partial fields to a reading. Status is re-derived
// when value or units change. Fails with a not-found error when the id does
// not exist.
func (s *Store) UpdateReading(ctx context.Context, localID string, u ReadingUpdate) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	current, err := s.ReadingByLocalID(ctx, localID)
	if err != nil {
		return err
	}

	if u.Value != nil {
		current.Value = *u.Value
	}
	if u.Units != nil {
		current.Units = *u.Units
	}
	if u.MealContext != nil {
		current.MealContext = *u.MealContext
	}
	if u.Time != nil {
		current.Time = *u.Time
	}
	if u.Notes != nil {
		current.Notes = *u.Notes
	}
	if u.Synced != nil {
		current.Synced = *u.Synced
	}
	if u.LocalOnly != nil {
		current.LocalOnly = *u.LocalOnly
	}
	if u.BackendID != nil {
		current.BackendID = *u.BackendID
	}
	current.Status = glucose.DeriveStatus(current.Value, current.Units)

	backendID := sql.NullInt64{Int64: current.BackendID, Valid: current.BackendID != 0}
	res, err := s.db.ExecContext(ctx, `
		UPDATE readings SET backend_id = ?, value = ?, units = ?, meal_context = ?,
			clinical_time = ?, notes = ?, status = ?, synced = ?, local_only = ?
		WHERE local_id = ?`,
		backendID, current.Value, string(current.Units), string(current.MealContext),
		current.Time, current.Notes, string(current.Status), current.Synced, current.LocalOnly,
		localID)
	if err != nil {
		return classify(syncErrors.OpUpdate, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFoundError(syncErrors.OpUpdate, fmt.Errorf("reading %s not found", localID))
	}
	return nil
}

// MarkSynced records a successful push: the reading gains its backend id and
// leaves the local-only state.
func (s *Store) MarkSynced(ctx context.Context, localID string, backendID int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE readings SET backend_id = ?, synced = 1, local_only = 0 WHERE local_id = ?`,
		backendID, localID)
	if err != nil {
		return classify(syncErrors.OpUpdate, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFoundError(syncErrors.OpUpdate, fmt.Errorf("reading %s not found", localID))
	}
	return nil
}

// DeleteReading removes a reading by local id.
func (s *Store) DeleteReading(ctx context.Context, localID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM readings WHERE local_id = ?`, localID)
	if err != nil {
		return classify(syncErrors.OpDelete, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncErrors.NewNotFoundError(syncErrors.OpDelete, fmt.Errorf("reading %s not found", localID))
	}
	return nil
}

// BulkAddReadings inserts records in a single transaction, all or nothing.
// Used for batched pull merges and seed scenarios.
func (s *Store) BulkAddReadings(ctx context.Context, readings []*glucose.Reading) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(syncErrors.OpBulkAdd, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = s.checkSoftQuota(ctx, tx, len(readings)); err != nil {
		return err
	}
	for _, r := range readings {
		s.prepareReading(r)
		if err = insertReading(ctx, tx, r); err != nil {
			return classify(syncErrors.OpBulkAdd, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(syncErrors.OpBulkAdd, err)
	}
	return nil
}

// ClearReadings wipes the readings collection only, leaving the queue and
// the appointment cache alone.
func (s *Store) ClearReadings(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM readings`); err != nil {
		return classify(syncErrors.OpDelete, err)
	}
	return nil
}

// ReadingByLocalID fetches one reading by its device-generated id.
func (s *Store) ReadingByLocalID(ctx context.Context, localID string) (*glucose.Reading, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE local_id = ?`, localID)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpQuery, fmt.Errorf("reading %s not found", localID))
	}
	if err != nil {
		return nil, classify(syncErrors.OpQuery, err)
	}
	return r, nil
}

// ReadingByBackendID fetches one reading by its server-assigned id.
func (s *Store) ReadingByBackendID(ctx context.Context, backendID int64) (*glucose.Reading, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+readingColumns+` FROM readings WHERE backend_id = ?`, backendID)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, syncErrors.NewNotFoundError(syncErrors.OpQuery, fmt.Errorf("reading with backend id %d not found", backendID))
	}
	if err != nil {
		return nil, classify(syncErrors.OpQuery, err)
	}
	return r, nil
}

// AllReadings returns readings ordered by clinical time. limit <= 0 means no
// limit.
func (s *Store) AllReadings(ctx context.Context, order Order, limit int) ([]*glucose.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings ORDER BY clinical_time ` + string(order)
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryReadings(ctx, query, args...)
}

// ReadingsInRange returns readings whose clinical time falls in [from, to),
// ascending.
func (s *Store) ReadingsInRange(ctx context.Context, from, to time.Time) ([]*glucose.Reading, error) {
	return s.queryReadings(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE clinical_time >= ? AND clinical_time < ?
		ORDER BY clinical_time ASC`, from, to)
}

// ReadingsByUser returns a user's readings ordered by clinical time
// ascending.
func (s *Store) ReadingsByUser(ctx context.Context, userID int64) ([]*glucose.Reading, error) {
	return s.queryReadings(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE user_id = ? ORDER BY clinical_time ASC`, userID)
}

// UnsyncedReadings returns readings not yet accepted by the backend.
func (s *Store) UnsyncedReadings(ctx context.Context) ([]*glucose.Reading, error) {
	return s.queryReadings(ctx, `
		SELECT `+readingColumns+` FROM readings
		WHERE synced = 0 ORDER BY clinical_time ASC`)
}

func (s *Store) queryReadings(ctx context.Context, query string, args ...any) ([]*glucose.Reading, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(syncErrors.OpQuery, err)
	}
	defer rows.Close()

	var readings []*glucose.Reading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, classify(syncErrors.OpQuery, err)
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(syncErrors.OpQuery, err)
	}
	return readings, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanReading(sc scanner) (*glucose.Reading, error) {
	var (
		r         glucose.Reading
		backendID sql.NullInt64
		units     string
		context   string
		status    string
	)
	if err := sc.Scan(&r.LocalID, &backendID, &r.UserID, &r.Value, &units, &context,
		&r.Time, &r.Notes, &status, &r.Synced, &r.LocalOnly, &r.LocalStoredAt); err != nil {
		return nil, err
	}
	if backendID.Valid {
		r.BackendID = backendID.Int64
	}
	r.Units = glucose.Units(units)
	r.MealContext = glucose.MealContext(context)
	r.Status = glucose.Status(status)
	return &r, nil
}
