package glucosync

import (
	"github.com/dgarrido/glucosync/glucose"
)

// ConflictResolver reconciles a local reading with the remote record that
// shares its backend id. Resolve returns the reading that should be stored
// locally; it must not mutate its inputs.
type ConflictResolver interface {
	Resolve(local *glucose.Reading, remote *glucose.RemoteReading) *glucose.Reading
}

// RemoteWinsResolver overwrites every conflicting field with the backend's
// value. The backend is the source of truth: a device that edited a reading
// offline loses that edit if the server copy changed too.
type RemoteWinsResolver struct{}

func (RemoteWinsResolver) Resolve(local *glucose.Reading, remote *glucose.RemoteReading) *glucose.Reading {
	merged := *local
	merged.BackendID = remote.ID
	merged.Value = float64(remote.GlucoseLevel)
	merged.Units = glucose.UnitsMgdL
	merged.MealContext = glucose.MealContext(remote.ReadingType)
	merged.Notes = remote.Notes
	merged.Status = glucose.DeriveStatus(merged.Value, merged.Units)
	merged.Synced = true
	merged.LocalOnly = false
	// The backend date format is unreliable; keep the local clinical time
	// rather than guessing when the remote one does not parse.
	if t, ok := glucose.ParseBackendDate(remote.CreatedAt); ok {
		merged.Time = t
	}
	return &merged
}

var _ ConflictResolver = RemoteWinsResolver{}
