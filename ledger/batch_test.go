package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// BATCH SETTLEMENT
// =============================================================================

func TestSettleBatch_InsufficientAmountChangesNothing(t *testing.T) {
	// GIVEN: January and February, 200.00 each, nothing late
	// WHEN: 350.00 is tendered for both
	// THEN: InsufficientAmount with a 50.00 shortfall; neither is modified
	h := newHarness(t)
	jan := h.first(t, "A-101")
	feb := h.obligationFor(t, "A-101", period(2025, time.February))

	_, err := h.svc.SettleBatch(context.Background(), ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{jan.ID, feb.ID},
		Tendered:      money("350"),
		Method:        "cash",
	})

	require.ErrorIs(t, err, ledger.ErrInsufficientAmount)
	var short *ledger.InsufficientAmountError
	require.True(t, errors.As(err, &short))
	assert.True(t, short.Required.Equal(money("400")))
	assert.True(t, short.Shortfall.Equal(money("50")))

	for _, id := range []ledger.ObligationID{jan.ID, feb.ID} {
		ob := h.reload(t, id)
		assert.Equal(t, ledger.StatePending, ob.State)
		assert.True(t, ob.AmountPaid.IsZero())
		assert.Equal(t, 1, ob.Version)
	}
}

func TestSettleBatch_SettlesAllAndReportsExcess(t *testing.T) {
	// GIVEN: January and February, 200.00 each
	// WHEN: 450.00 is tendered
	// THEN: Both are paid at exactly their due amount; 50.00 excess is reported
	h := newHarness(t)
	jan := h.first(t, "A-101")
	feb := h.obligationFor(t, "A-101", period(2025, time.February))

	res, err := h.svc.SettleBatch(context.Background(), ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{jan.ID, feb.ID},
		Tendered:      money("450"),
		Method:        "cash",
		Actor:         "admin",
	})
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.True(t, res.TotalRequired.Equal(money("400")))
	assert.True(t, res.Excess.Equal(money("50")))
	for _, item := range res.Items {
		assert.Equal(t, ledger.StatePaid, item.Obligation.State)
		assert.True(t, item.Obligation.AmountPaid.Equal(money("200")))
		assert.True(t, item.Obligation.Surplus.IsZero())
	}

	mar := h.find(t, "A-101", period(2025, time.March))
	require.NotNil(t, mar, "next obligation generated once per unit")
	assert.Equal(t, 1, h.metrics.count(ledger.OutcomeBatch))
}

func TestSettleBatch_IncludesSurcharges(t *testing.T) {
	// GIVEN: On 2025-03-05 January is 33 days late (2 blocks) and February
	//        5 days late (1 block)
	// THEN: Required = 200+40 + 200+20 = 460.00
	h := newHarness(t)
	jan := h.first(t, "A-101")
	feb := h.obligationFor(t, "A-101", period(2025, time.February))
	h.clock.Set(date(2025, time.March, 5))

	res, err := h.svc.SettleBatch(context.Background(), ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{jan.ID, feb.ID},
		Tendered:      money("460"),
		Method:        "cash",
	})
	require.NoError(t, err)

	assert.True(t, res.TotalRequired.Equal(money("460")), "got %s", res.TotalRequired)
	assert.True(t, res.Excess.IsZero())
	assert.True(t, res.Items[0].Surcharge.Equal(money("40")))
	assert.True(t, res.Items[1].Surcharge.Equal(money("20")))
	assert.True(t, res.Items[0].Obligation.ExtraAmount.Equal(money("40")))
}

func TestSettleBatch_CreditsPartialPayments(t *testing.T) {
	// GIVEN: January already holds 120.00
	// THEN: A batch of January + February needs 80 + 200 = 280.00
	h := newHarness(t)
	jan := h.first(t, "A-101")
	settle(t, h, jan.ID, "120", false)
	feb := h.obligationFor(t, "A-101", period(2025, time.February))

	res, err := h.svc.SettleBatch(context.Background(), ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{jan.ID, feb.ID},
		Tendered:      money("280"),
		Method:        "cash",
	})
	require.NoError(t, err)

	assert.True(t, res.TotalRequired.Equal(money("280")))
	assert.True(t, h.reload(t, jan.ID).AmountPaid.Equal(money("200")))
}

func TestSettleBatch_RollsBackWhenOneIsPaid(t *testing.T) {
	// GIVEN: January paid, February pending
	// WHEN: Both are batched
	// THEN: The batch is rejected and February is untouched
	h := newHarness(t)
	jan := h.first(t, "A-101")
	settle(t, h, jan.ID, "200", false)
	feb := h.find(t, "A-101", period(2025, time.February))
	require.NotNil(t, feb)

	_, err := h.svc.SettleBatch(context.Background(), ledger.BatchInput{
		ObligationIDs: []ledger.ObligationID{feb.ID, jan.ID},
		Tendered:      money("1000"),
		Method:        "cash",
	})

	assert.ErrorIs(t, err, ledger.ErrAlreadySettled)
	after := h.reload(t, feb.ID)
	assert.Equal(t, ledger.StatePending, after.State)
	assert.Equal(t, feb.Version, after.Version)
}

func TestSettleBatch_Validation(t *testing.T) {
	h := newHarness(t)
	jan := h.first(t, "A-101")

	tests := []struct {
		name  string
		input ledger.BatchInput
		want  error
	}{
		{
			name:  "empty list",
			input: ledger.BatchInput{Tendered: money("100")},
			want:  ledger.ErrInvalidBatch,
		},
		{
			name:  "duplicate id",
			input: ledger.BatchInput{ObligationIDs: []ledger.ObligationID{jan.ID, jan.ID}, Tendered: money("400")},
			want:  ledger.ErrInvalidBatch,
		},
		{
			name:  "negative tender",
			input: ledger.BatchInput{ObligationIDs: []ledger.ObligationID{jan.ID}, Tendered: money("-5")},
			want:  ledger.ErrInvalidAmount,
		},
		{
			name:  "unknown obligation",
			input: ledger.BatchInput{ObligationIDs: []ledger.ObligationID{jan.ID, "missing"}, Tendered: money("400")},
			want:  ledger.ErrObligationNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.SettleBatch(context.Background(), tt.input)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, ledger.StatePending, h.reload(t, jan.ID).State)
}
