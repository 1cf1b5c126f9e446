// Package glucose defines the domain model for glucose readings as known to
// the device, together with the wire representation used by the backend API.
package glucose

import (
	"fmt"
	"math"
	"time"

	syncErrors "github.com/dgarrido/glucosync/errors"
)

// Units is the measurement unit of a reading value.
type Units string

const (
	UnitsMgdL  Units = "mg/dL"
	UnitsMmolL Units = "mmol/L"
)

// mmolToMgdl is the conversion factor between mmol/L and mg/dL.
const mmolToMgdl = 18.0182

// MealContext is the clinical category of a reading, mapped to the backend's
// reading_type enum on the wire.
type MealContext string

const (
	ContextFasting    MealContext = "fasting"
	ContextBeforeMeal MealContext = "before_meal"
	ContextAfterMeal  MealContext = "after_meal"
	ContextBedtime    MealContext = "bedtime"
	ContextRandom     MealContext = "random"
)

// Status is the derived clinical category of a reading value.
type Status string

const (
	StatusLow    Status = "low"
	StatusNormal Status = "normal"
	StatusHigh   Status = "high"
)

// Clinical bands in mg/dL used to derive Status.
const (
	lowThresholdMgdl  = 70.0
	highThresholdMgdl = 180.0
)

// Reading is a glucose measurement as known to the device.
//
// Identity is the locally generated LocalID; BackendID is assigned once the
// server has accepted the record. Two invariants hold across the data layer:
// Synced implies a non-zero BackendID, and LocalOnly implies not Synced.
type Reading struct {
	LocalID   string
	BackendID int64
	UserID    int64

	Value       float64
	Units       Units
	MealContext MealContext
	// Time is the clinical timestamp, distinct from LocalStoredAt.
	Time   time.Time
	Notes  string
	Status Status

	Synced        bool
	LocalOnly     bool
	LocalStoredAt time.Time
}

// Validate checks the required fields for a new reading.
func (r *Reading) Validate() error {
	if r.Value <= 0 {
		return syncErrors.NewValidationError(syncErrors.OpAdd, fmt.Errorf("value must be positive, got %v", r.Value))
	}
	switch r.Units {
	case UnitsMgdL, UnitsMmolL:
	default:
		return syncErrors.NewValidationError(syncErrors.OpAdd, fmt.Errorf("unknown units %q", r.Units))
	}
	switch r.MealContext {
	case ContextFasting, ContextBeforeMeal, ContextAfterMeal, ContextBedtime, ContextRandom:
	default:
		return syncErrors.NewValidationError(syncErrors.OpAdd, fmt.Errorf("unknown meal context %q", r.MealContext))
	}
	if r.Time.IsZero() {
		return syncErrors.NewValidationError(syncErrors.OpAdd, fmt.Errorf("clinical time is required"))
	}
	return nil
}

// MgdL returns the reading value normalized to mg/dL.
func (r *Reading) MgdL() float64 {
	if r.Units == UnitsMmolL {
		return r.Value * mmolToMgdl
	}
	return r.Value
}

// DeriveStatus classifies a value into the clinical bands.
func DeriveStatus(value float64, units Units) Status {
	mgdl := value
	if units == UnitsMmolL {
		mgdl = value * mmolToMgdl
	}
	switch {
	case mgdl < lowThresholdMgdl:
		return StatusLow
	case mgdl > highThresholdMgdl:
		return StatusHigh
	default:
		return StatusNormal
	}
}

// RemoteReading is the backend's wire representation of a reading.
type RemoteReading struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"user_id"`
	GlucoseLevel int    `json:"glucose_level"`
	ReadingType  string `json:"reading_type"`
	CreatedAt    string `json:"created_at"`
	Notes        string `json:"notes"`
}

// RemoteReadingList is the envelope returned by the list endpoints.
type RemoteReadingList struct {
	Readings []RemoteReading `json:"readings"`
}

// WireLevel returns the integer glucose_level to send on the wire. The
// backend stores mg/dL integers only, so mmol/L values are converted first.
func (r *Reading) WireLevel() int {
	return int(math.Round(r.MgdL()))
}

// FromRemote builds a local reading from a remote record. The result is
// marked synced and not local-only; when created_at carries no parseable
// server timestamp the clinical time is left zero for the caller to decide,
// never defaulted to "now".
func FromRemote(rr RemoteReading) Reading {
	local := Reading{
		BackendID:   rr.ID,
		UserID:      rr.UserID,
		Value:       float64(rr.GlucoseLevel),
		Units:       UnitsMgdL,
		MealContext: MealContext(rr.ReadingType),
		Notes:       rr.Notes,
		Status:      DeriveStatus(float64(rr.GlucoseLevel), UnitsMgdL),
		Synced:      true,
		LocalOnly:   false,
	}
	if t, ok := ParseBackendDate(rr.CreatedAt); ok {
		local.Time = t
	}
	return local
}
