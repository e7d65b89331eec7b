package ledger_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/ledger"
)

func TestEventBus_DeliversAndDrainsOnClose(t *testing.T) {
	bus := ledger.NewEventBus(8, nil)
	var handled atomic.Int32
	bus.Subscribe(func(context.Context, ledger.ObligationSettled) error {
		handled.Add(1)
		return nil
	})
	bus.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), ledger.ObligationSettled{UnitID: "A-101"}))
	}
	bus.Close()

	assert.Equal(t, int32(5), handled.Load())
	assert.ErrorIs(t, bus.Publish(context.Background(), ledger.ObligationSettled{}), ledger.ErrEventBusClosed)
}

func TestEventBus_FullBufferDropsEvent(t *testing.T) {
	bus := ledger.NewEventBus(1, nil)

	require.NoError(t, bus.Publish(context.Background(), ledger.ObligationSettled{}))
	err := bus.Publish(context.Background(), ledger.ObligationSettled{})

	assert.ErrorIs(t, err, ledger.ErrEventBusFull)
	bus.Close()
}

func TestEventBus_GeneratesNextObligation(t *testing.T) {
	// GIVEN: A service whose settled events go through the bus
	// WHEN: January is paid
	// THEN: The bus worker generates February
	h := newHarness(t)
	bus := ledger.NewEventBus(8, nil)
	svc := ledger.NewService(h.store, h.store, h.store, ledger.StaticConfig(h.cfg), ledger.Options{
		Clock:  h.clock.Now,
		Events: bus,
	})
	bus.Subscribe(ledger.NextObligationHandler(svc.Generator, nil))
	bus.Start()

	jan, err := svc.EnsureNextObligation(context.Background(), "A-101", "admin")
	require.NoError(t, err)
	_, err = svc.Settle(context.Background(), ledger.SettleInput{ObligationID: jan.ID, Tendered: money("200"), Method: "cash"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		feb, err := h.store.FindObligation(context.Background(), "A-101", period(2025, time.February))
		return err == nil && feb != nil
	}, time.Second, 10*time.Millisecond)
	bus.Close()
}
