package ledger

// Metrics receives engine outcomes. The metrics package backs it with
// Prometheus; NopMetrics discards everything.
type Metrics interface {
	SettlementRecorded(outcome string)
	SurplusAllocated(outcome AllocationOutcome, applied Money, periods int)
	NextObligationResult(err error)
	OverdueMarked(n int)
}

// Settlement outcome labels.
const (
	OutcomePaid            = "paid"
	OutcomePaidWithSurplus = "paid_with_surplus"
	OutcomePartial         = "partial"
	OutcomeBatch           = "batch"
	OutcomeRejected        = "rejected"
)

type NopMetrics struct{}

func (NopMetrics) SettlementRecorded(string) {}
func (NopMetrics) SurplusAllocated(AllocationOutcome, Money, int) {}
func (NopMetrics) NextObligationResult(error) {}
func (NopMetrics) OverdueMarked(int) {}
