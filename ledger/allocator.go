/*
allocator.go - Forward application of settlement surplus

PURPOSE:
  When a settlement overpays and the payer asks for the surplus to be
  carried forward, the allocator walks the unit's following periods and
  pays them down in order, creating periods that do not exist yet.

ALGORITHM:
  remaining = surplus, cursor = source period + 1
  while remaining > 0 and periods walked < MaxLookahead:
      target  = obligation for (unit, cursor), created if absent
      applied = min(remaining, target.AmountDue - target.AmountPaid)
      record applied on target, persist target
      remaining -= applied, cursor++

  Each target persist is its own unit of atomicity. The walk for one unit
  is strictly sequential; different units are independent.

RETRIES:
  Every forward entry names the source obligation. Re-running an
  allocation for the same source skips periods that already hold an entry
  from it and deducts what they received, so a retry after a crash never
  applies money twice. Service.ForwardSurplus is that re-run.

  A period written concurrently is re-read and retried a bounded number of
  times. On any other failure the walk stops, but the periods credited so
  far are still recorded on the source before the error is returned.

  The walk stops at a period whose fee is zero.

OUTCOMES:
  fully_applied:     remaining reached zero
  partially_applied: cap reached after applying something
  limit_exceeded:    cap reached with nothing applied
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type AllocationOutcome string

const (
	AllocationFullyApplied     AllocationOutcome = "fully_applied"
	AllocationPartiallyApplied AllocationOutcome = "partially_applied"
	AllocationLimitExceeded    AllocationOutcome = "limit_exceeded"
)

type AllocateInput struct {
	UnitID   UnitID
	Amount   Money
	From     Period
	SourceID ObligationID
	Actor    string
}

// Allocation is the share of surplus one period received.
type Allocation struct {
	ObligationID ObligationID
	Period       Period
	Amount       Money
	State        State
}

type AllocationResult struct {
	UnitID         UnitID
	Outcome        AllocationOutcome
	Allocations    []Allocation
	TotalApplied   Money
	Remaining      Money
	PeriodsTouched int
	PeriodsWalked  int
}

// Err returns an *AllocationLimitError unless the surplus was fully applied.
func (r *AllocationResult) Err() error {
	if r.Outcome == AllocationFullyApplied {
		return nil
	}
	return &AllocationLimitError{UnitID: r.UnitID, Remaining: r.Remaining, Periods: r.PeriodsWalked}
}

type Allocator struct {
	Store     Store
	Generator *Generator
	Clock     Clock
	Logger    *slog.Logger
}

func NewAllocator(store Store, gen *Generator, clock Clock, logger *slog.Logger) *Allocator {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{Store: store, Generator: gen, Clock: clock, Logger: logger}
}

// maxApplyAttempts bounds how often one period is re-read and re-applied
// after losing a version race.
const maxApplyAttempts = 3

// Allocate carries in.Amount forward from in.From. Store failures abort the
// walk and are returned alongside what was applied so far; hitting the
// lookahead cap is reported through the result, not as an error. Whatever was
// applied before a failure is still mirrored onto the source, so a later call
// with the same SourceID resumes where this one stopped.
func (a *Allocator) Allocate(ctx context.Context, in AllocateInput, cfg BillingConfig) (*AllocationResult, error) {
	res := &AllocationResult{UnitID: in.UnitID, TotalApplied: ZeroMoney(), Remaining: in.Amount}
	if in.Amount.IsNegative() {
		res.finish()
		return res, fmt.Errorf("%w: negative allocation %s", ErrInvalidAmount, in.Amount)
	}

	// trail is every period holding money from this source, including
	// periods credited by an earlier attempt.
	var trail []Allocation

	limit := cfg.Lookahead()
	cursor := in.From.Next()
	walked := 0
	var walkErr error
	for ; res.Remaining.IsPositive() && walked < limit; walked++ {
		period := cursor
		cursor = cursor.Next()

		target, err := a.Generator.ObligationFor(ctx, in.UnitID, period, cfg, in.Actor)
		if err != nil {
			walkErr = fmt.Errorf("resolve period %s: %w", period, err)
			break
		}
		if !target.AmountDue.IsPositive() {
			// a zero-fee period absorbs nothing; creating more of them
			// would only fill the ledger with empty rows
			a.Logger.Warn("surplus walk stopped at zero-fee period",
				"unit_id", in.UnitID, "period", period.String())
			walked++
			break
		}

		applied, updated, prior, err := a.applyWithRetry(ctx, target, res.Remaining, in)
		if err != nil {
			walkErr = err
			break
		}
		if prior != nil {
			res.Remaining = res.Remaining.Sub(prior.Amount).Max(ZeroMoney())
			trail = append(trail, *prior)
			continue
		}
		if updated == nil {
			continue
		}

		res.Remaining = res.Remaining.Sub(applied)
		res.TotalApplied = res.TotalApplied.Add(applied)
		res.PeriodsTouched++
		alloc := Allocation{
			ObligationID: updated.ID,
			Period:       updated.Period,
			Amount:       applied,
			State:        updated.State,
		}
		res.Allocations = append(res.Allocations, alloc)
		trail = append(trail, alloc)
	}

	res.PeriodsWalked = walked
	res.finish()

	if in.SourceID != "" && len(trail) > 0 {
		if err := a.recordAdvances(ctx, in.SourceID, trail); err != nil {
			if walkErr != nil {
				return res, errors.Join(walkErr, err)
			}
			return res, err
		}
	}
	if walkErr != nil {
		return res, walkErr
	}

	if res.Outcome != AllocationFullyApplied {
		a.Logger.Warn("surplus not fully applied",
			"unit_id", in.UnitID, "source_id", in.SourceID, "remaining", res.Remaining.String(),
			"periods", walked, "outcome", res.Outcome)
	}
	return res, nil
}

// finish derives the outcome from what was applied.
func (r *AllocationResult) finish() {
	switch {
	case !r.Remaining.IsPositive():
		r.Outcome = AllocationFullyApplied
	case r.TotalApplied.IsPositive():
		r.Outcome = AllocationPartiallyApplied
	default:
		r.Outcome = AllocationLimitExceeded
	}
}

// applyWithRetry credits one period. It returns prior when the period already
// holds money from in.SourceID, and a nil obligation when the period has no
// capacity or is cancelled. A lost version race re-reads the period and
// tries again.
func (a *Allocator) applyWithRetry(ctx context.Context, target *Obligation, remaining Money, in AllocateInput) (Money, *Obligation, *Allocation, error) {
	for attempt := 1; ; attempt++ {
		if target.State == StateCancelled {
			return ZeroMoney(), nil, nil, nil
		}
		if in.SourceID != "" {
			if entry, ok := target.AllocationFrom(in.SourceID); ok {
				return ZeroMoney(), nil, &Allocation{
					ObligationID: target.ID,
					Period:       target.Period,
					Amount:       entry.Amount,
					State:        target.State,
				}, nil
			}
		}
		capacity := target.Outstanding()
		if !capacity.IsPositive() {
			return ZeroMoney(), nil, nil, nil
		}
		applied := remaining.Min(capacity)

		updated, err := a.apply(ctx, target, applied, in)
		if err == nil {
			return applied, updated, nil, nil
		}
		if !errors.Is(err, ErrConcurrentModification) || attempt >= maxApplyAttempts {
			return ZeroMoney(), nil, nil, err
		}
		a.Logger.Debug("surplus target changed concurrently, retrying",
			"obligation_id", target.ID, "period", target.Period.String(), "attempt", attempt)
		fresh, gerr := a.Store.GetObligation(ctx, target.ID)
		if gerr != nil {
			return ZeroMoney(), nil, nil, fmt.Errorf("reload %s: %w", target.Period, gerr)
		}
		target = fresh
	}
}

func (a *Allocator) apply(ctx context.Context, target *Obligation, applied Money, in AllocateInput) (*Obligation, error) {
	now := a.Clock()
	t := target.Clone()
	t.AmountPaid = t.AmountPaid.Add(applied)
	t.ForwardAllocations = append(t.ForwardAllocations, AllocationEntry{
		Period:        in.From,
		Amount:        applied,
		AppliedAt:     now,
		CounterpartID: in.SourceID,
	})
	if t.AmountPaid.GreaterThanOrEqual(t.AmountDue) {
		t.State = StatePaid
	} else {
		t.State = StatePartial
	}
	if t.PaidAt == nil {
		t.PaidAt = &now
	}
	t.UpdatedAt = now

	version, err := a.Store.UpdateObligation(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("apply surplus to %s: %w", t.Period, err)
	}
	t.Version = version
	return &t, nil
}

// recordAdvances mirrors the applied amounts onto the source obligation.
// Paid obligations only ever grow this trail.
func (a *Allocator) recordAdvances(ctx context.Context, sourceID ObligationID, allocs []Allocation) error {
	for attempt := 1; ; attempt++ {
		err := a.writeAdvances(ctx, sourceID, allocs)
		if err == nil || !errors.Is(err, ErrConcurrentModification) || attempt >= maxApplyAttempts {
			return err
		}
	}
}

func (a *Allocator) writeAdvances(ctx context.Context, sourceID ObligationID, allocs []Allocation) error {
	src, err := a.Store.GetObligation(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("load allocation source: %w", err)
	}
	s := src.Clone()
	now := a.Clock()
	added := false
	for _, al := range allocs {
		if s.hasAdvanceTo(al.ObligationID) {
			continue
		}
		s.AdvancePayments = append(s.AdvancePayments, AllocationEntry{
			Period:        al.Period,
			Amount:        al.Amount,
			AppliedAt:     now,
			CounterpartID: al.ObligationID,
		})
		added = true
	}
	if !added {
		return nil
	}
	s.UpdatedAt = now
	if _, err := a.Store.UpdateObligation(ctx, s); err != nil {
		return fmt.Errorf("record advance payments: %w", err)
	}
	return nil
}
