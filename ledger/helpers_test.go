package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{now: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func money(s string) ledger.Money { return ledger.MustParseMoney(s) }

func period(year int, month time.Month) ledger.Period {
	return ledger.Period{Year: year, Month: month}
}

func date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// testConfig: 200.00 a month, 10% per started 30 days late, 5 grace days.
func testConfig() ledger.BillingConfig {
	return ledger.BillingConfig{
		DefaultFee:       money("200"),
		SurchargePercent: decimal.NewFromInt(10),
		GracePeriodDays:  5,
		MaxLookahead:     24,
	}
}

type harness struct {
	store   *store.Memory
	clock   *testClock
	svc     *ledger.Service
	cfg     ledger.BillingConfig
	metrics *recordingMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig())
}

func newHarnessWithConfig(t *testing.T, cfg ledger.BillingConfig) *harness {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUnit(ledger.Unit{ID: "A-101", Label: "Tower A 101"})
	mem.PutUnit(ledger.Unit{ID: "B-202", Label: "Tower B 202"})
	mem.SetResident("A-101", "res-ana")

	clock := newTestClock(date(2025, time.January, 10))
	metrics := newRecordingMetrics()
	svc := ledger.NewService(mem, mem, mem, ledger.StaticConfig(cfg), ledger.Options{
		Clock:   clock.Now,
		Metrics: metrics,
	})
	return &harness{store: mem, clock: clock, svc: svc, cfg: cfg, metrics: metrics}
}

// first creates the unit's first obligation (January 2025).
func (h *harness) first(t *testing.T, unitID ledger.UnitID) *ledger.Obligation {
	t.Helper()
	ob, err := h.svc.EnsureNextObligation(context.Background(), unitID, "admin")
	require.NoError(t, err)
	return ob
}

func (h *harness) obligationFor(t *testing.T, unitID ledger.UnitID, p ledger.Period) *ledger.Obligation {
	t.Helper()
	ob, err := h.svc.Generator.ObligationFor(context.Background(), unitID, p, h.cfg, "admin")
	require.NoError(t, err)
	return ob
}

func (h *harness) reload(t *testing.T, id ledger.ObligationID) *ledger.Obligation {
	t.Helper()
	ob, err := h.store.GetObligation(context.Background(), id)
	require.NoError(t, err)
	return ob
}

func (h *harness) find(t *testing.T, unitID ledger.UnitID, p ledger.Period) *ledger.Obligation {
	t.Helper()
	ob, err := h.store.FindObligation(context.Background(), unitID, p)
	require.NoError(t, err)
	return ob
}

// recordingMetrics counts what the engine reports.
type recordingMetrics struct {
	mu          sync.Mutex
	settlements map[string]int
	nextErrors  int
	overdue     int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{settlements: make(map[string]int)}
}

func (m *recordingMetrics) SettlementRecorded(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[outcome]++
}

func (m *recordingMetrics) SurplusAllocated(ledger.AllocationOutcome, ledger.Money, int) {}

func (m *recordingMetrics) NextObligationResult(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErrors++
}

func (m *recordingMetrics) OverdueMarked(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overdue += n
}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settlements[outcome]
}
