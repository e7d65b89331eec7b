package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// =============================================================================
// OBLIGATION GENERATOR
// =============================================================================

// Generator creates obligations lazily. There is no schedule: an obligation
// appears when a unit is registered, when someone asks for the next one, or
// when surplus is forwarded into a period that does not exist yet.
//
// INVARIANT: at most one obligation per (unit, period). The store enforces
// it; the generator re-checks right before inserting and turns a lost
// insert race into a read of the winning row.
type Generator struct {
	Store     Store
	Directory Directory
	Clock     Clock
	Logger    *slog.Logger

	flights singleflight.Group
}

func NewGenerator(store Store, dir Directory, clock Clock, logger *slog.Logger) *Generator {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{Store: store, Directory: dir, Clock: clock, Logger: logger}
}

// EnsureNext returns the obligation a unit should pay next, creating it if
// needed:
//   - no obligations yet: the current calendar period, at the unit's fee
//     (or the default fee)
//   - latest obligation still open: that obligation
//   - latest obligation paid or cancelled: the following period, at the
//     default fee in cfg
//
// Repeated calls without an intervening settlement return the same row.
func (g *Generator) EnsureNext(ctx context.Context, unitID UnitID, cfg BillingConfig, actor string) (*Obligation, error) {
	// collapsed callers share this flight, so one caller's cancellation
	// must not fail the others
	flightCtx := context.WithoutCancel(ctx)
	v, err, _ := g.flights.Do(string(unitID), func() (any, error) {
		return g.ensureNext(flightCtx, unitID, cfg, actor)
	})
	if err != nil {
		return nil, err
	}
	ob := v.(*Obligation).Clone()
	return &ob, nil
}

func (g *Generator) ensureNext(ctx context.Context, unitID UnitID, cfg BillingConfig, actor string) (*Obligation, error) {
	unit, err := g.Directory.Unit(ctx, unitID)
	if err != nil {
		return nil, err
	}

	latest, err := g.Store.LatestObligation(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("load latest obligation: %w", err)
	}
	if latest == nil {
		return g.create(ctx, unitID, PeriodOf(g.Clock()), cfg.FeeFor(unit), actor)
	}
	if latest.State.IsOpen() {
		return latest, nil
	}
	return g.ObligationFor(ctx, unitID, latest.Period.Next(), cfg, actor)
}

// ObligationFor returns the obligation for (unit, period), creating it at
// the default fee when absent.
func (g *Generator) ObligationFor(ctx context.Context, unitID UnitID, period Period, cfg BillingConfig, actor string) (*Obligation, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	existing, err := g.Store.FindObligation(ctx, unitID, period)
	if err != nil {
		return nil, fmt.Errorf("find obligation: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return g.create(ctx, unitID, period, cfg.DefaultFee, actor)
}

func (g *Generator) create(ctx context.Context, unitID UnitID, period Period, fee Money, actor string) (*Obligation, error) {
	existing, err := g.Store.FindObligation(ctx, unitID, period)
	if err != nil {
		return nil, fmt.Errorf("find obligation: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	resident, err := g.Directory.ResidentForUnit(ctx, unitID)
	if err != nil {
		return nil, fmt.Errorf("resolve resident: %w", err)
	}

	ob := newObligation(unitID, resident, period, fee, actor, g.Clock())
	err = g.Store.InsertObligation(ctx, ob)
	if errors.Is(err, ErrDuplicateObligation) {
		winner, ferr := g.Store.FindObligation(ctx, unitID, period)
		if ferr != nil {
			return nil, fmt.Errorf("find obligation after duplicate insert: %w", ferr)
		}
		if winner == nil {
			return nil, err
		}
		g.Logger.Debug("obligation created concurrently",
			"unit_id", unitID, "period", period.String(), "obligation_id", winner.ID)
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("insert obligation: %w", err)
	}

	g.Logger.Info("obligation generated",
		"unit_id", unitID, "period", period.String(), "amount_due", fee.String(), "obligation_id", ob.ID)
	return &ob, nil
}

func newObligation(unitID UnitID, resident *ResidentID, period Period, fee Money, actor string, now time.Time) Obligation {
	if actor == "" {
		actor = SystemActor
	}
	return Obligation{
		ID:          ObligationID(uuid.NewString()),
		UnitID:      unitID,
		ResidentID:  resident,
		Period:      period,
		AmountDue:   fee,
		AmountPaid:  ZeroMoney(),
		Surplus:     ZeroMoney(),
		ExtraAmount: ZeroMoney(),
		PeriodStart: period.Start(),
		PeriodEnd:   period.End(),
		DueDate:     period.End(),
		State:       StatePending,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
}
