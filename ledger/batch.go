package ledger

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// BATCH SETTLEMENT - One tender, several obligations, all or nothing
// =============================================================================

type BatchInput struct {
	ObligationIDs []ObligationID
	Tendered      Money
	Method        string
	Reference     *string
	Actor         string
}

// BatchItem is what one obligation in the batch consumed.
type BatchItem struct {
	Obligation Obligation
	Surcharge  Money
	Applied    Money
}

type BatchResult struct {
	Items         []BatchItem
	TotalRequired Money

	// Excess is tendered minus required. It is reported, never forwarded;
	// the caller decides what happens to it.
	Excess Money
}

// SettleBatch settles every listed obligation in full or none of them.
// Each obligation consumes exactly its outstanding amount plus surcharge.
func (e *SettlementEngine) SettleBatch(ctx context.Context, in BatchInput, cfg BillingConfig) (*BatchResult, error) {
	if len(in.ObligationIDs) == 0 {
		return nil, fmt.Errorf("%w: no obligations", ErrInvalidBatch)
	}
	if in.Tendered.IsNegative() {
		return nil, fmt.Errorf("%w: tendered %s", ErrInvalidAmount, in.Tendered)
	}
	seen := make(map[ObligationID]bool, len(in.ObligationIDs))
	for _, id := range in.ObligationIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: obligation %s listed twice", ErrInvalidBatch, id)
		}
		seen[id] = true
	}

	now := e.Clock()
	var result *BatchResult

	err := e.Store.WithTx(ctx, func(st Store) error {
		obligations := make([]*Obligation, 0, len(in.ObligationIDs))
		for _, id := range in.ObligationIDs {
			ob, err := st.GetObligation(ctx, id)
			if err != nil {
				return err
			}
			if err := checkSettleable(ob); err != nil {
				return err
			}
			obligations = append(obligations, ob)
		}

		r, err := planBatch(obligations, in.Tendered, now, cfg)
		if err != nil {
			return err
		}

		for i, ob := range obligations {
			settled, _, _ := applyTender(ob, r.Items[i].Applied, in.Method, in.Reference, now, cfg)
			version, err := st.UpdateObligation(ctx, settled)
			if err != nil {
				return fmt.Errorf("persist batch settlement of %s: %w", ob.ID, err)
			}
			settled.Version = version
			r.Items[i].Obligation = settled
		}
		result = r
		return nil
	})
	if err != nil {
		e.Metrics.SettlementRecorded(OutcomeRejected)
		return nil, err
	}
	e.Metrics.SettlementRecorded(OutcomeBatch)

	e.Logger.Info("batch settled",
		"obligations", len(result.Items),
		"tendered", in.Tendered.String(),
		"required", result.TotalRequired.String(),
		"excess", result.Excess.String(),
	)

	published := make(map[UnitID]bool)
	for i := range result.Items {
		ob := &result.Items[i].Obligation
		if published[ob.UnitID] {
			continue
		}
		published[ob.UnitID] = true
		e.publishSettled(ctx, ob, in.Actor, cfg, now)
	}
	return result, nil
}

// planBatch prices every obligation and checks the tender covers them all.
func planBatch(obligations []*Obligation, tendered Money, now time.Time, cfg BillingConfig) (*BatchResult, error) {
	r := &BatchResult{TotalRequired: ZeroMoney()}
	for _, ob := range obligations {
		surcharge := Surcharge(ob, now, cfg)
		owed := ob.AmountDue.Add(surcharge).Sub(ob.AmountPaid).Max(ZeroMoney())
		r.TotalRequired = r.TotalRequired.Add(owed)
		r.Items = append(r.Items, BatchItem{Surcharge: surcharge, Applied: owed})
	}
	if tendered.LessThan(r.TotalRequired) {
		return nil, &InsufficientAmountError{
			Tendered:  tendered,
			Required:  r.TotalRequired,
			Shortfall: r.TotalRequired.Sub(tendered),
		}
	}
	r.Excess = tendered.Sub(r.TotalRequired)
	return r, nil
}
