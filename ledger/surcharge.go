package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SURCHARGE CALCULATOR - Late fee step function
// =============================================================================

// DaysPerSurchargeBlock is the length of one surcharge step.
const DaysPerSurchargeBlock = 30

// SurchargeReason labels ExtraAmount when a late fee applies.
const SurchargeReason = "late surcharge"

// Lateness describes how far past its due date an obligation is.
type Lateness struct {
	Days   int
	Months int
}

// LatenessAt returns the lateness of an obligation due at dueDate as of asOf.
// Any started day counts as a full day and any started 30-day block counts
// as a full month.
func LatenessAt(dueDate, asOf time.Time) Lateness {
	if !asOf.After(dueDate) {
		return Lateness{}
	}
	late := asOf.Sub(dueDate)
	days := int(late / (24 * time.Hour))
	if late%(24*time.Hour) != 0 {
		days++
	}
	months := days / DaysPerSurchargeBlock
	if days%DaysPerSurchargeBlock != 0 {
		months++
	}
	return Lateness{Days: days, Months: months}
}

// Surcharge returns the late fee owed on ob if it were settled at asOf.
// One day late already costs a full month's surcharge; every further 30
// days adds another.
func Surcharge(ob *Obligation, asOf time.Time, cfg BillingConfig) Money {
	if ob.State.IsPaid() || ob.State == StateCancelled {
		return ZeroMoney()
	}
	l := LatenessAt(ob.DueDate, asOf)
	if l.Months == 0 || !cfg.SurchargePercent.IsPositive() {
		return ZeroMoney()
	}
	return ob.AmountDue.
		Percent(cfg.SurchargePercent).
		Mul(decimal.NewFromInt(int64(l.Months))).
		Cents()
}
