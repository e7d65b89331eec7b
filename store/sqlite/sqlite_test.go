package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.SaveUnit(ctx, ledger.Unit{ID: "A-101", Label: "Tower A 101"}))
	require.NoError(t, s.SetResident(ctx, "A-101", "res-ana"))
	require.NoError(t, s.SeedConfig(ctx, ledger.BillingConfig{
		DefaultFee:       ledger.NewMoneyFromInt(200),
		SurchargePercent: decimal.NewFromInt(10),
		GracePeriodDays:  5,
		MaxLookahead:     24,
	}))
	return s
}

func newService(s *sqlite.Store, now time.Time) *ledger.Service {
	return ledger.NewService(s, s, s, s, ledger.Options{Clock: ledger.FixedClock(now)})
}

func jan2025() time.Time { return time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC) }

// =============================================================================
// OBLIGATIONS
// =============================================================================

func TestStore_ObligationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())

	created, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)

	got, err := s.GetObligation(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Period, got.Period)
	assert.True(t, got.AmountDue.Equal(ledger.NewMoneyFromInt(200)))
	assert.True(t, got.DueDate.Equal(created.DueDate))
	assert.Equal(t, ledger.StatePending, got.State)
	require.NotNil(t, got.ResidentID)
	assert.Equal(t, ledger.ResidentID("res-ana"), *got.ResidentID)
	assert.Equal(t, 1, got.Version)
}

func TestStore_DuplicateUnitPeriod(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())
	first, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)

	dup := first.Clone()
	dup.ID = "other-id"
	err = s.InsertObligation(ctx, dup)

	assert.ErrorIs(t, err, ledger.ErrDuplicateObligation)
}

func TestStore_StaleUpdateRejected(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())
	ob, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)

	a := ob.Clone()
	a.State = ledger.StatePartial
	v, err := s.UpdateObligation(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = s.UpdateObligation(ctx, ob.Clone())
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	missing := ob.Clone()
	missing.ID = "missing"
	_, err = s.UpdateObligation(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrObligationNotFound)
}

func TestStore_SettleWithForwardingPersistsTrail(t *testing.T) {
	// GIVEN: January settled with 500.00 and forwarding
	// THEN: February paid, March partial 100.00, trails survive a reload
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())
	jan, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)

	res, err := svc.Settle(ctx, ledger.SettleInput{
		ObligationID:   jan.ID,
		Tendered:       ledger.NewMoneyFromInt(500),
		Method:         "transfer",
		ForwardSurplus: true,
	})
	require.NoError(t, err)
	require.NoError(t, res.AllocationErr)

	src, err := s.GetObligation(ctx, jan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePaidWithSurplus, src.State)
	require.Len(t, src.AdvancePayments, 2)
	assert.Equal(t, time.February, src.AdvancePayments[0].Period.Month)
	require.NotNil(t, src.PaymentMethod)
	assert.Equal(t, "transfer", *src.PaymentMethod)

	mar, err := s.FindObligation(ctx, "A-101", ledger.Period{Year: 2025, Month: time.March})
	require.NoError(t, err)
	require.NotNil(t, mar)
	assert.Equal(t, ledger.StatePartial, mar.State)
	assert.True(t, mar.AmountPaid.Equal(ledger.NewMoneyFromInt(100)))
	require.Len(t, mar.ForwardAllocations, 1)
	assert.Equal(t, jan.ID, mar.ForwardAllocations[0].CounterpartID)

	latest, err := s.LatestObligation(ctx, "A-101")
	require.NoError(t, err)
	assert.Equal(t, mar.ID, latest.ID)
}

func TestStore_BatchRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())
	jan, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)
	cfg, err := s.ActiveConfig(ctx)
	require.NoError(t, err)
	feb, err := svc.Generator.ObligationFor(ctx, "A-101", ledger.Period{Year: 2025, Month: time.February}, cfg, "admin")
	require.NoError(t, err)

	_, err = svc.SettleBatch(ctx, ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{jan.ID, feb.ID},
		Tendered:      ledger.NewMoneyFromInt(350),
		Method:        "cash",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientAmount)

	pending, err := s.ListObligations(ctx, "A-101", ledger.ObligationFilter{States: []ledger.State{ledger.StatePending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	res, err := svc.SettleBatch(ctx, ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{jan.ID, feb.ID},
		Tendered:      ledger.NewMoneyFromInt(400),
		Method:        "cash",
	})
	require.NoError(t, err)
	assert.True(t, res.Excess.IsZero())

	paid, err := s.ListObligations(ctx, "A-101", ledger.ObligationFilter{States: []ledger.State{ledger.StatePaid}})
	require.NoError(t, err)
	assert.Len(t, paid, 2)
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())
	jan, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)
	boom := errors.New("boom")

	err = s.WithTx(ctx, func(tx ledger.Store) error {
		ob, err := tx.GetObligation(ctx, jan.ID)
		if err != nil {
			return err
		}
		ob.State = ledger.StateCancelled
		if _, err := tx.UpdateObligation(ctx, *ob); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetObligation(ctx, jan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, got.State)
}

func TestStore_ListOpenDueBefore(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())
	_, err := svc.EnsureNextObligation(ctx, "A-101", "admin")
	require.NoError(t, err)

	n, err := svc.MarkOverdue(ctx, time.Date(2025, time.February, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	open, err := s.ListOpenDueBefore(ctx, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, open)
}

// =============================================================================
// DIRECTORY AND CONFIG
// =============================================================================

func TestStore_Directory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	fee := ledger.MustParseMoney("350.50")

	require.NoError(t, s.SaveUnit(ctx, ledger.Unit{ID: "PH-1", Label: "Penthouse", FeeOverride: &fee}))
	u, err := s.Unit(ctx, "PH-1")
	require.NoError(t, err)
	require.NotNil(t, u.FeeOverride)
	assert.True(t, u.FeeOverride.Equal(fee))

	_, err = s.Unit(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrUnitNotFound)

	r, err := s.ResidentForUnit(ctx, "PH-1")
	require.NoError(t, err)
	assert.Nil(t, r)

	require.NoError(t, s.SetResident(ctx, "A-101", ""))
	r, err = s.ResidentForUnit(ctx, "A-101")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestStore_Config(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// seeding again does not overwrite
	require.NoError(t, s.SeedConfig(ctx, ledger.BillingConfig{DefaultFee: ledger.NewMoneyFromInt(999)}))
	cfg, err := s.ActiveConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.DefaultFee.Equal(ledger.NewMoneyFromInt(200)))
	assert.True(t, cfg.SurchargePercent.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, 5, cfg.GracePeriodDays)

	cfg.DefaultFee = ledger.MustParseMoney("225.75")
	cfg.UpdatedBy = "treasurer"
	require.NoError(t, s.SaveConfig(ctx, cfg))

	got, err := s.ActiveConfig(ctx)
	require.NoError(t, err)
	assert.True(t, got.DefaultFee.Equal(ledger.MustParseMoney("225.75")))
	assert.Equal(t, "treasurer", got.UpdatedBy)
}

func TestStore_ConfigMissing(t *testing.T) {
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	_, err = s.ActiveConfig(context.Background())
	assert.ErrorIs(t, err, sqlite.ErrNoBillingConfig)
}

// =============================================================================
// ASSESSMENTS
// =============================================================================

func TestStore_AssessmentRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	svc := newService(s, jan2025())

	a, err := svc.CreateAssessment(ctx, ledger.CreateAssessmentInput{
		Title:         "Elevator",
		AmountPerUnit: ledger.NewMoneyFromInt(120),
		DueDate:       time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC),
		Units:         []ledger.UnitID{"A-101"},
	})
	require.NoError(t, err)

	settled, err := svc.SettleAssessment(ctx, ledger.SettleAssessmentInput{
		AssessmentID: a.ID, UnitID: "A-101", Tendered: ledger.NewMoneyFromInt(120), Method: "cash",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.AssessmentPaid, settled.State)

	got, err := s.GetAssessment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.AssessmentPaid, got.State)
	assert.Equal(t, 2, got.Version)
	require.Len(t, got.Roster, 1)
	assert.Equal(t, ledger.StatePaid, got.Roster[0].State)
	require.NotNil(t, got.Roster[0].PaidAt)

	stale := *a
	_, err = s.UpdateAssessment(ctx, stale)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	_, err = s.GetAssessment(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrAssessmentNotFound)
}
