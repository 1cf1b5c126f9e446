package sqlite

import (
	"context"
	"database/sql"
	"time"

	syncErrors "github.com/dgarrido/glucosync/errors"
)

// Appointment is cached server state for an appointment. The backend owns
// the record; the cache only mirrors the last-seen copy for offline display
// and for share actions enqueued against it.
type Appointment struct {
	ID          int64
	UserID      int64
	ScheduledAt time.Time
	Status      string
	// Data holds the raw server payload for fields the client does not model.
	Data     string
	CachedAt time.Time
}

// PutAppointment inserts or refreshes a cached appointment.
func (s *Store) PutAppointment(ctx context.Context, a *Appointment) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if a.CachedAt.IsZero() {
		a.CachedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, user_id, scheduled_at, status, data, cached_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			scheduled_at = excluded.scheduled_at,
			status = excluded.status,
			data = excluded.data,
			cached_at = excluded.cached_at`,
		a.ID, a.UserID, a.ScheduledAt, a.Status, a.Data, a.CachedAt)
	if err != nil {
		return classify(syncErrors.OpAdd, err)
	}
	return nil
}

// Appointments returns the cached appointments ordered by schedule time.
func (s *Store) Appointments(ctx context.Context) ([]*Appointment, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, scheduled_at, status, data, cached_at
		FROM appointments ORDER BY scheduled_at ASC`)
	if err != nil {
		return nil, classify(syncErrors.OpQuery, err)
	}
	defer rows.Close()

	var appointments []*Appointment
	for rows.Next() {
		var a Appointment
		var scheduledAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &scheduledAt, &a.Status, &a.Data, &a.CachedAt); err != nil {
			return nil, classify(syncErrors.OpQuery, err)
		}
		if scheduledAt.Valid {
			a.ScheduledAt = scheduledAt.Time
		}
		appointments = append(appointments, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(syncErrors.OpQuery, err)
	}
	return appointments, nil
}
