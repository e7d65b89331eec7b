/*
Package ledger provides the recurring maintenance billing engine.

PURPOSE:
  Tracks one monthly maintenance obligation per housing unit and period,
  settles tendered payments against them, charges late surcharges, and
  carries surplus forward into later periods, generating those periods on
  demand.

KEY CONCEPTS IN THIS FILE (types.go):
  - Obligation: a unit's bill for one month, with its payment state
  - State: the obligation lifecycle (pending → partial → paid / overdue)
  - AllocationEntry: audit record of surplus moved between periods
  - BillingConfig: the configuration snapshot every operation runs against

LIFECYCLE:
  pending ──settle(short)──▶ partial ──settle(rest)──▶ paid
     │                          │
     └──settle(exact/more)──────┴────────────────────▶ paid / paid_with_surplus
  pending/partial ──past due + grace──▶ overdue (still settleable)
  any non-paid ──admin──▶ cancelled

  Paid obligations are history: only their allocation trail may grow.

SEE ALSO:
  - generator.go: creating obligations
  - settlement.go: single settlement
  - batch.go: all-or-nothing multi settlement
  - allocator.go: surplus forwarding
  - surcharge.go: late fee step function
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UnitID string
type ResidentID string
type ObligationID string

// SystemActor is recorded when no user identity is available.
const SystemActor = "system"

// =============================================================================
// STATE
// =============================================================================

type State string

const (
	StatePending         State = "pending"
	StatePartial         State = "partial"
	StatePaid            State = "paid"
	StatePaidWithSurplus State = "paid_with_surplus"
	StateOverdue         State = "overdue"
	StateCancelled       State = "cancelled"
)

// IsPaid reports whether the state is a terminal paid state.
func (s State) IsPaid() bool { return s == StatePaid || s == StatePaidWithSurplus }

// IsOpen reports whether the obligation still accepts settlement.
func (s State) IsOpen() bool {
	return s == StatePending || s == StatePartial || s == StateOverdue
}

func (s State) Valid() bool {
	switch s {
	case StatePending, StatePartial, StatePaid, StatePaidWithSurplus, StateOverdue, StateCancelled:
		return true
	}
	return false
}

// =============================================================================
// OBLIGATION
// =============================================================================

// AllocationEntry records surplus moved between two periods of a unit.
// Period and CounterpartID name the other side: on the receiving obligation
// they point at the settled source, on the source at the receiver.
type AllocationEntry struct {
	Period        Period
	Amount        Money
	AppliedAt     time.Time
	CounterpartID ObligationID
}

type Obligation struct {
	ID         ObligationID
	UnitID     UnitID
	ResidentID *ResidentID
	Period     Period

	AmountDue   Money // base fee copied at creation, never recomputed
	AmountPaid  Money
	Surplus     Money
	ExtraAmount Money // late surcharge charged at settlement
	ExtraReason string

	PeriodStart time.Time
	PeriodEnd   time.Time
	DueDate     time.Time

	State            State
	PaymentMethod    *string
	PaymentReference *string
	PaidAt           *time.Time

	AdvancePayments    []AllocationEntry // surplus this obligation pushed forward
	ForwardAllocations []AllocationEntry // surplus received from earlier periods

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped by every persisted update; stores reject stale writes.
	Version int
}

// Outstanding is what is still owed excluding any surcharge.
func (o *Obligation) Outstanding() Money {
	return o.AmountDue.Sub(o.AmountPaid).Max(ZeroMoney())
}

// AllocationFrom returns the forward allocation received from source, if any.
func (o *Obligation) AllocationFrom(source ObligationID) (AllocationEntry, bool) {
	for _, e := range o.ForwardAllocations {
		if e.CounterpartID == source {
			return e, true
		}
	}
	return AllocationEntry{}, false
}

// hasAdvanceTo reports whether an advance to target is already recorded.
func (o *Obligation) hasAdvanceTo(target ObligationID) bool {
	for _, e := range o.AdvancePayments {
		if e.CounterpartID == target {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (o Obligation) Clone() Obligation {
	c := o
	if o.ResidentID != nil {
		r := *o.ResidentID
		c.ResidentID = &r
	}
	if o.PaymentMethod != nil {
		m := *o.PaymentMethod
		c.PaymentMethod = &m
	}
	if o.PaymentReference != nil {
		r := *o.PaymentReference
		c.PaymentReference = &r
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	c.AdvancePayments = append([]AllocationEntry(nil), o.AdvancePayments...)
	c.ForwardAllocations = append([]AllocationEntry(nil), o.ForwardAllocations...)
	return c
}

// =============================================================================
// COLLABORATOR DATA
// =============================================================================

// Unit is the slice of the housing-unit directory the ledger needs.
type Unit struct {
	ID          UnitID
	Label       string
	FeeOverride *Money
}

// BillingConfig is the active billing configuration. It is passed by value
// into every engine call so a fee change only affects obligations generated
// afterwards.
type BillingConfig struct {
	DefaultFee       Money
	SurchargePercent decimal.Decimal
	GracePeriodDays  int

	// MaxLookahead bounds how many future periods one surplus allocation
	// may touch.
	MaxLookahead int

	UpdatedAt time.Time
	UpdatedBy string
}

// DefaultMaxLookahead is used when a config leaves MaxLookahead unset.
const DefaultMaxLookahead = 24

// Lookahead returns MaxLookahead or its default.
func (c BillingConfig) Lookahead() int {
	if c.MaxLookahead <= 0 {
		return DefaultMaxLookahead
	}
	return c.MaxLookahead
}

// FeeFor returns the unit's fee override, falling back to the default fee.
func (c BillingConfig) FeeFor(u *Unit) Money {
	if u != nil && u.FeeOverride != nil {
		return *u.FeeOverride
	}
	return c.DefaultFee
}
