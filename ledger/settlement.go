/*
settlement.go - Settling a tendered amount against one obligation

FLOW:
  1. surcharge = Surcharge(ob, now)
  2. totalDue  = AmountDue + surcharge
  3. paid      = AmountPaid + tendered
  4. surplus   = max(0, paid - totalDue)
  5. state     = paid_with_surplus | paid | partial
  6. persist (optimistic version check)
  7. forward surplus when asked
  8. publish ObligationSettled when a paid state was reached

CONCURRENCY:
  Two settlements racing on one obligation both read version N; the store
  accepts only the first write. The loser re-reads: if the winner paid the
  obligation the loser gets ErrAlreadySettled, otherwise
  ErrConcurrentModification and may retry.

POST-SETTLEMENT:
  Publishing is best effort. A publish failure, or the next obligation
  failing to generate later, is logged and counted; the settlement stands.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

type SettleInput struct {
	ObligationID   ObligationID
	Tendered       Money
	Method         string
	Reference      *string
	ForwardSurplus bool
	Actor          string
}

type SettlementResult struct {
	Obligation Obligation
	Surcharge  Money
	TotalDue   Money
	Surplus    Money

	// Allocation is set when surplus was forwarded. AllocationErr carries a
	// store failure or the lookahead cap; the settlement itself succeeded.
	Allocation    *AllocationResult
	AllocationErr error
}

// tenderSplit is how a tender lands on an amount owed. Shared by obligation
// and assessment settlement.
type tenderSplit struct {
	Paid     Money
	Surplus  Money
	Complete bool
}

func splitTender(owed, alreadyPaid, tendered Money) tenderSplit {
	paid := alreadyPaid.Add(tendered)
	return tenderSplit{
		Paid:     paid,
		Surplus:  paid.Sub(owed).Max(ZeroMoney()),
		Complete: paid.GreaterThanOrEqual(owed),
	}
}

type SettlementEngine struct {
	Store     TxStore
	Allocator *Allocator
	Events    Publisher
	Metrics   Metrics
	Clock     Clock
	Logger    *slog.Logger
}

// checkSettleable rejects obligations that may not take a payment.
func checkSettleable(ob *Obligation) error {
	switch {
	case ob.State.IsPaid():
		return &AlreadySettledError{ObligationID: ob.ID, State: ob.State}
	case ob.State == StateCancelled:
		return fmt.Errorf("%w: %s", ErrObligationCancelled, ob.ID)
	}
	return nil
}

// applyTender computes the settled copy of ob. It does not persist.
func applyTender(ob *Obligation, tendered Money, method string, reference *string, now time.Time, cfg BillingConfig) (Obligation, Money, Money) {
	surcharge := Surcharge(ob, now, cfg)
	totalDue := ob.AmountDue.Add(surcharge)
	split := splitTender(totalDue, ob.AmountPaid, tendered)

	s := ob.Clone()
	s.AmountPaid = split.Paid
	s.ExtraAmount = surcharge
	s.ExtraReason = ""
	if surcharge.IsPositive() {
		s.ExtraReason = SurchargeReason
	}
	s.Surplus = split.Surplus
	s.PaidAt = &now
	m := method
	s.PaymentMethod = &m
	s.PaymentReference = nil
	if reference != nil {
		r := *reference
		s.PaymentReference = &r
	}
	switch {
	case split.Complete && split.Surplus.IsPositive():
		s.State = StatePaidWithSurplus
	case split.Complete:
		s.State = StatePaid
	default:
		s.State = StatePartial
	}
	s.UpdatedAt = now
	return s, surcharge, totalDue
}

// Settle applies in.Tendered to one obligation.
func (e *SettlementEngine) Settle(ctx context.Context, in SettleInput, cfg BillingConfig) (*SettlementResult, error) {
	if in.Tendered.IsNegative() {
		return nil, fmt.Errorf("%w: tendered %s", ErrInvalidAmount, in.Tendered)
	}

	ob, err := e.Store.GetObligation(ctx, in.ObligationID)
	if err != nil {
		return nil, err
	}
	if err := checkSettleable(ob); err != nil {
		e.Metrics.SettlementRecorded(OutcomeRejected)
		return nil, err
	}

	now := e.Clock()
	settled, surcharge, totalDue := applyTender(ob, in.Tendered, in.Method, in.Reference, now, cfg)

	version, err := e.Store.UpdateObligation(ctx, settled)
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			e.Metrics.SettlementRecorded(OutcomeRejected)
			return nil, e.resolveConflict(ctx, in.ObligationID, err)
		}
		return nil, fmt.Errorf("persist settlement: %w", err)
	}
	settled.Version = version
	e.Metrics.SettlementRecorded(string(settled.State))

	e.Logger.Info("obligation settled",
		"obligation_id", settled.ID,
		"unit_id", settled.UnitID,
		"period", settled.Period.String(),
		"tendered", in.Tendered.String(),
		"surcharge", surcharge.String(),
		"state", settled.State,
		"surplus", settled.Surplus.String(),
	)

	res := &SettlementResult{
		Obligation: settled,
		Surcharge:  surcharge,
		TotalDue:   totalDue,
		Surplus:    settled.Surplus,
	}

	if settled.Surplus.IsPositive() && in.ForwardSurplus {
		e.forward(ctx, &settled, in.Actor, cfg, res)
	}

	if settled.State.IsPaid() {
		e.publishSettled(ctx, &settled, in.Actor, cfg, now)
	}
	return res, nil
}

// ForwardSurplus carries a settled obligation's surplus into later periods.
// Periods that already hold money from this obligation are skipped and
// counted, so calling it again after a failed or capped allocation only
// applies what is still unapplied.
func (e *SettlementEngine) ForwardSurplus(ctx context.Context, id ObligationID, actor string, cfg BillingConfig) (*SettlementResult, error) {
	ob, err := e.Store.GetObligation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ob.State.IsPaid() || !ob.Surplus.IsPositive() {
		return nil, fmt.Errorf("%w: %s has no surplus to forward", ErrInvalidAmount, id)
	}
	res := &SettlementResult{
		Obligation: *ob,
		Surcharge:  ob.ExtraAmount,
		TotalDue:   ob.AmountDue.Add(ob.ExtraAmount),
		Surplus:    ob.Surplus,
	}
	e.forward(ctx, ob, actor, cfg, res)
	return res, nil
}

// forward runs the allocator for ob's surplus and records the outcome on
// res. Allocation failures never undo the settlement.
func (e *SettlementEngine) forward(ctx context.Context, ob *Obligation, actor string, cfg BillingConfig, res *SettlementResult) {
	alloc, err := e.Allocator.Allocate(ctx, AllocateInput{
		UnitID:   ob.UnitID,
		Amount:   ob.Surplus,
		From:     ob.Period,
		SourceID: ob.ID,
		Actor:    actor,
	}, cfg)
	res.Allocation = alloc
	if alloc != nil {
		e.Metrics.SurplusAllocated(alloc.Outcome, alloc.TotalApplied, alloc.PeriodsTouched)
	}
	switch {
	case err != nil:
		res.AllocationErr = err
		e.Logger.Error("surplus allocation failed",
			"obligation_id", ob.ID, "unit_id", ob.UnitID, "error", err)
	case alloc.Err() != nil:
		res.AllocationErr = alloc.Err()
	}
	if fresh, gerr := e.Store.GetObligation(ctx, ob.ID); gerr == nil {
		res.Obligation = *fresh
	}
}

func (e *SettlementEngine) publishSettled(ctx context.Context, ob *Obligation, actor string, cfg BillingConfig, now time.Time) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Publish(ctx, newSettledEvent(ob, actor, cfg, now)); err != nil {
		e.Metrics.NextObligationResult(err)
		e.Logger.Warn("post-settlement event not published",
			"obligation_id", ob.ID, "unit_id", ob.UnitID, "error", err)
	}
}

func (e *SettlementEngine) resolveConflict(ctx context.Context, id ObligationID, cause error) error {
	current, err := e.Store.GetObligation(ctx, id)
	if err != nil {
		return cause
	}
	if current.State.IsPaid() {
		return &AlreadySettledError{ObligationID: id, State: current.State}
	}
	return cause
}
