package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// LISTING AND CANCELLATION
// =============================================================================

func TestListObligations_FilterByState(t *testing.T) {
	// GIVEN: January paid, February pending, March pending
	h := newHarness(t)
	jan := h.first(t, "A-101")
	settle(t, h, jan.ID, "200", false)
	h.obligationFor(t, "A-101", period(2025, time.March))

	all, err := h.svc.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, period(2025, time.January), all[0].Period)
	assert.Equal(t, period(2025, time.March), all[2].Period)

	pending, err := h.svc.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{
		States: []ledger.State{ledger.StatePending},
	})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	paid, err := h.svc.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{
		States: []ledger.State{ledger.StatePaid, ledger.StatePaidWithSurplus},
	})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	assert.Equal(t, jan.ID, paid[0].ID)
}

func TestListObligations_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.ListObligations(context.Background(), "A-101", ledger.ObligationFilter{
		States: []ledger.State{"bogus"},
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = h.svc.ListObligations(context.Background(), "Z-999", ledger.ObligationFilter{})
	assert.ErrorIs(t, err, ledger.ErrUnitNotFound)
}

func TestListObligations_EmptyForNewUnit(t *testing.T) {
	h := newHarness(t)

	list, err := h.svc.ListObligations(context.Background(), "B-202", ledger.ObligationFilter{})

	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancelObligation(t *testing.T) {
	h := newHarness(t)
	jan := h.first(t, "A-101")

	cancelled, err := h.svc.CancelObligation(context.Background(), jan.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCancelled, cancelled.State)

	again, err := h.svc.CancelObligation(context.Background(), jan.ID, "admin")
	require.NoError(t, err, "cancelling twice is a no-op")
	assert.Equal(t, cancelled.Version, again.Version)

	next := h.first(t, "A-101")
	assert.Equal(t, period(2025, time.February), next.Period, "cancelled periods are skipped")
}

func TestCancelObligation_PaidIsRefused(t *testing.T) {
	h := newHarness(t)
	jan := h.first(t, "A-101")
	settle(t, h, jan.ID, "200", false)

	_, err := h.svc.CancelObligation(context.Background(), jan.ID, "admin")

	assert.ErrorIs(t, err, ledger.ErrAlreadySettled)
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

func TestMarkOverdue(t *testing.T) {
	// GIVEN: January pending (due 01-31), grace of 5 days
	// WHEN: Swept on 02-03 and again on 02-10
	// THEN: Untouched inside the grace window, overdue after it
	h := newHarness(t)
	jan := h.first(t, "A-101")
	partial := h.first(t, "B-202")
	settle(t, h, partial.ID, "50", false)

	n, err := h.svc.MarkOverdue(context.Background(), date(2025, time.February, 3))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = h.svc.MarkOverdue(context.Background(), date(2025, time.February, 10))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, ledger.StateOverdue, h.reload(t, jan.ID).State)
	assert.Equal(t, ledger.StateOverdue, h.reload(t, partial.ID).State)
	assert.Equal(t, 2, h.metrics.overdue)

	n, err = h.svc.MarkOverdue(context.Background(), date(2025, time.February, 11))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already overdue")
}

func TestMarkOverdue_StillSettleable(t *testing.T) {
	h := newHarness(t)
	jan := h.first(t, "A-101")
	_, err := h.svc.MarkOverdue(context.Background(), date(2025, time.February, 10))
	require.NoError(t, err)
	h.clock.Set(date(2025, time.February, 10))

	res := settle(t, h, jan.ID, "220", false)

	assert.Equal(t, ledger.StatePaid, res.Obligation.State)
	assert.True(t, res.Surcharge.Equal(money("20")))
}

func TestMarkOverdue_IgnoresPaidAndCancelled(t *testing.T) {
	h := newHarness(t)
	jan := h.first(t, "A-101")
	settle(t, h, jan.ID, "200", false)
	other := h.first(t, "B-202")
	_, err := h.svc.CancelObligation(context.Background(), other.ID, "admin")
	require.NoError(t, err)

	n, err := h.svc.MarkOverdue(context.Background(), date(2025, time.February, 20))
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	assert.Equal(t, ledger.StatePaid, h.reload(t, jan.ID).State)
}
