/*
store.go - Persistence and collaborator interfaces

KEY INTERFACES:
  Store:          Obligation persistence with (unit, period) uniqueness
  AssessmentStore: Special assessment persistence
  Directory:      Read-only view of the unit/resident directory
  ConfigProvider: Active billing configuration

UNIQUENESS:
  InsertObligation MUST reject a second obligation for the same
  (unit, month, year) with ErrDuplicateObligation. The generator relies on
  this to resolve concurrent "ensure next" calls.

OPTIMISTIC LOCKING:
  UpdateObligation persists only if the stored Version equals the caller's
  Version, then increments it. A mismatch yields ErrConcurrentModification.
  This is what makes one settlement win when two race on one obligation.

ALLOCATION TRAIL:
  AdvancePayments and ForwardAllocations are append-only. Stores persist
  entries they have not seen and never remove existing ones.

IMPLEMENTATIONS:
  - store/sqlite: SQLite
  - ledger/store: in-memory, for tests
*/
package ledger

import (
	"context"
	"time"
)

// ObligationFilter narrows ListObligations. Empty States means all.
type ObligationFilter struct {
	States []State
}

func (f ObligationFilter) Matches(s State) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, want := range f.States {
		if want == s {
			return true
		}
	}
	return false
}

// Store handles persistence of obligations.
type Store interface {
	// InsertObligation persists a new obligation. Returns
	// ErrDuplicateObligation if (unit, period) is taken.
	InsertObligation(ctx context.Context, ob Obligation) error

	// UpdateObligation persists ob if the stored version matches ob.Version.
	// Returns the new version.
	UpdateObligation(ctx context.Context, ob Obligation) (int, error)

	// GetObligation returns ErrObligationNotFound when missing.
	GetObligation(ctx context.Context, id ObligationID) (*Obligation, error)

	// FindObligation returns nil, nil when (unit, period) has no obligation.
	FindObligation(ctx context.Context, unitID UnitID, period Period) (*Obligation, error)

	// LatestObligation returns the obligation with the greatest (year, month),
	// or nil, nil when the unit has none.
	LatestObligation(ctx context.Context, unitID UnitID) (*Obligation, error)

	// ListObligations returns a unit's obligations ordered by period ascending.
	ListObligations(ctx context.Context, unitID UnitID, filter ObligationFilter) ([]Obligation, error)

	// ListOpenDueBefore returns pending/partial obligations of every unit
	// whose due date is before t.
	ListOpenDueBefore(ctx context.Context, t time.Time) ([]Obligation, error)
}

// TxStore wraps Store with transaction support.
// If fn returns an error every write made through the passed Store is
// rolled back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// AssessmentStore persists special assessments.
type AssessmentStore interface {
	InsertAssessment(ctx context.Context, a Assessment) error
	UpdateAssessment(ctx context.Context, a Assessment) (int, error)
	GetAssessment(ctx context.Context, id AssessmentID) (*Assessment, error)
}

// Directory is the read-only view of the housing-unit directory.
type Directory interface {
	// Unit returns ErrUnitNotFound when missing.
	Unit(ctx context.Context, id UnitID) (*Unit, error)

	// ResidentForUnit returns nil when the unit is vacant.
	ResidentForUnit(ctx context.Context, id UnitID) (*ResidentID, error)
}

// ConfigProvider supplies the active billing configuration.
type ConfigProvider interface {
	ActiveConfig(ctx context.Context) (BillingConfig, error)
}

// StaticConfig is a ConfigProvider that always returns the same snapshot.
type StaticConfig BillingConfig

func (c StaticConfig) ActiveConfig(context.Context) (BillingConfig, error) {
	return BillingConfig(c), nil
}
