package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MarkOverdue moves pending and partial obligations whose due date plus
// the grace period has passed into the overdue state. Obligations changed
// concurrently are skipped; the next sweep picks them up if still open.
func (s *Service) MarkOverdue(ctx context.Context, asOf time.Time) (int, error) {
	cfg, err := s.Config.ActiveConfig(ctx)
	if err != nil {
		return 0, fmt.Errorf("load billing config: %w", err)
	}
	cutoff := asOf.AddDate(0, 0, -cfg.GracePeriodDays)

	open, err := s.Store.ListOpenDueBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list open obligations: %w", err)
	}

	marked := 0
	for i := range open {
		ob := open[i].Clone()
		ob.State = StateOverdue
		ob.UpdatedAt = s.Clock()
		if _, err := s.Store.UpdateObligation(ctx, ob); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				s.Logger.Debug("overdue sweep skipped obligation", "obligation_id", ob.ID)
				continue
			}
			return marked, fmt.Errorf("mark %s overdue: %w", ob.ID, err)
		}
		marked++
	}
	s.Metrics.OverdueMarked(marked)
	if marked > 0 {
		s.Logger.Info("obligations marked overdue", "count", marked, "cutoff", cutoff.Format(time.DateOnly))
	}
	return marked, nil
}
