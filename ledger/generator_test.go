package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/ledger/store"
)

// =============================================================================
// ENSURE NEXT OBLIGATION
// =============================================================================

func TestEnsureNext_FirstObligationUsesCurrentPeriod(t *testing.T) {
	// GIVEN: A unit with no obligations, clock in January 2025
	// WHEN: The next obligation is requested
	// THEN: January 2025 is created at the default fee, due at month end
	h := newHarness(t)

	ob := h.first(t, "A-101")

	assert.Equal(t, period(2025, time.January), ob.Period)
	assert.True(t, ob.AmountDue.Equal(money("200")))
	assert.True(t, ob.AmountPaid.IsZero())
	assert.Equal(t, ledger.StatePending, ob.State)
	assert.Equal(t, time.Date(2025, time.January, 31, 23, 59, 59, 0, time.UTC), ob.DueDate)
	assert.Equal(t, date(2025, time.January, 1), ob.PeriodStart)
	require.NotNil(t, ob.ResidentID)
	assert.Equal(t, ledger.ResidentID("res-ana"), *ob.ResidentID)
	assert.Equal(t, "admin", ob.CreatedBy)
}

func TestEnsureNext_VacantUnitHasNoResident(t *testing.T) {
	h := newHarness(t)

	ob := h.first(t, "B-202")

	assert.Nil(t, ob.ResidentID)
}

func TestEnsureNext_FeeOverride(t *testing.T) {
	// GIVEN: A unit with a 350.00 fee override
	// THEN: Its first obligation uses the override
	h := newHarness(t)
	fee := money("350")
	h.store.PutUnit(ledger.Unit{ID: "PH-1", Label: "Penthouse", FeeOverride: &fee})

	ob := h.first(t, "PH-1")

	assert.True(t, ob.AmountDue.Equal(fee), "got %s", ob.AmountDue)
}

func TestEnsureNext_Idempotent(t *testing.T) {
	// GIVEN: A unit whose latest obligation is still pending
	// WHEN: The next obligation is requested twice
	// THEN: Both calls return the same obligation and nothing new is created
	h := newHarness(t)

	first := h.first(t, "A-101")
	second := h.first(t, "A-101")

	assert.Equal(t, first.ID, second.ID)

	all, err := h.svc.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureNext_AfterPaymentAdvancesPeriod(t *testing.T) {
	// GIVEN: January paid without forwarding
	// THEN: February exists (generated after settlement) and is the next one
	h := newHarness(t)
	jan := h.first(t, "A-101")

	_, err := h.svc.Settle(context.Background(), ledger.SettleInput{
		ObligationID: jan.ID,
		Tendered:     money("200"),
		Method:       "cash",
	})
	require.NoError(t, err)

	next := h.first(t, "A-101")
	assert.Equal(t, period(2025, time.February), next.Period)
	assert.Equal(t, ledger.StatePending, next.State)
}

func TestEnsureNext_UsesFeeInEffectAtCreation(t *testing.T) {
	// GIVEN: January created at 200.00, then the default fee changes to 250.00
	// THEN: January keeps 200.00 and the newly generated February uses 250.00
	h := newHarness(t)
	jan := h.first(t, "A-101")

	cfg := h.cfg
	cfg.DefaultFee = money("250")
	feb := h.obligationFor(t, "A-101", period(2025, time.February))
	assert.True(t, feb.AmountDue.Equal(money("200")), "created under the previous config")

	mar, err := h.svc.Generator.ObligationFor(context.Background(), "A-101", period(2025, time.March), cfg, "admin")
	require.NoError(t, err)
	assert.True(t, mar.AmountDue.Equal(money("250")))
	assert.True(t, h.reload(t, jan.ID).AmountDue.Equal(money("200")))
}

func TestEnsureNext_UnknownUnit(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.EnsureNextObligation(context.Background(), "Z-999", "admin")

	require.Error(t, err)
	assert.True(t, ledger.IsNotFound(err))
}

func TestEnsureNext_ConcurrentCallsCreateOne(t *testing.T) {
	// GIVEN: 20 concurrent requests for a unit with no obligations
	// THEN: They all observe the same obligation and exactly one exists
	h := newHarness(t)

	const workers = 20
	ids := make([]ledger.ObligationID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ob, err := h.svc.EnsureNextObligation(context.Background(), "A-101", "admin")
			if assert.NoError(t, err) {
				ids[i] = ob.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := h.store.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// ctxStore fails reads once the caller's context is done.
type ctxStore struct {
	*store.Memory
}

func (s ctxStore) LatestObligation(ctx context.Context, unitID ledger.UnitID) (*ledger.Obligation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.LatestObligation(ctx, unitID)
}

func (s ctxStore) FindObligation(ctx context.Context, unitID ledger.UnitID, p ledger.Period) (*ledger.Obligation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.FindObligation(ctx, unitID, p)
}

func TestEnsureNext_SharedFlightIgnoresCallerCancellation(t *testing.T) {
	// GIVEN: A store that honours context cancellation
	// WHEN: EnsureNext runs with a context that is already cancelled
	// THEN: The shared generation still completes, so callers collapsed onto
	//       it are not failed by someone else's cancellation
	h := newHarness(t)
	gen := ledger.NewGenerator(ctxStore{Memory: h.store}, h.store, h.clock.Now, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ob, err := gen.EnsureNext(ctx, "A-101", h.cfg, "admin")

	require.NoError(t, err)
	assert.Equal(t, period(2025, time.January), ob.Period)
	assert.NotNil(t, h.find(t, "A-101", period(2025, time.January)))
}

// =============================================================================
// DUPLICATE INSERT RACE
// =============================================================================

// blindStore hides existing obligations from the first few lookups, so the
// generator believes a period is free and loses the insert.
type blindStore struct {
	*store.Memory
	mu    sync.Mutex
	blind int
}

func (s *blindStore) FindObligation(ctx context.Context, unitID ledger.UnitID, p ledger.Period) (*ledger.Obligation, error) {
	s.mu.Lock()
	if s.blind > 0 {
		s.blind--
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.Memory.FindObligation(ctx, unitID, p)
}

func TestGenerator_LostInsertReturnsWinner(t *testing.T) {
	// GIVEN: February already exists but the generator's lookups miss it
	// WHEN: The generator is asked for February
	// THEN: The insert collides and the existing row is returned
	h := newHarness(t)
	h.first(t, "A-101")
	winner := h.obligationFor(t, "A-101", period(2025, time.February))

	blind := &blindStore{Memory: h.store, blind: 2}
	gen := ledger.NewGenerator(blind, h.store, h.clock.Now, nil)

	got, err := gen.ObligationFor(context.Background(), "A-101", period(2025, time.February), h.cfg, "admin")

	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)
	all, err := h.store.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGenerator_RejectsInvalidPeriod(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Generator.ObligationFor(context.Background(), "A-101", ledger.Period{Year: 2025, Month: 13}, h.cfg, "admin")

	assert.ErrorIs(t, err, ledger.ErrInvalidPeriod)
}
