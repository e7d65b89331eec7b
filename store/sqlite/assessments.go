package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// ASSESSMENT STORE (ledger.AssessmentStore interface)
// =============================================================================

// rosterLine is the JSON shape of one roster entry.
type rosterLine struct {
	UnitID     string  `json:"unit_id"`
	AmountDue  string  `json:"amount_due"`
	AmountPaid string  `json:"amount_paid"`
	Surplus    string  `json:"surplus"`
	State      string  `json:"state"`
	Method     *string `json:"method,omitempty"`
	Reference  *string `json:"reference,omitempty"`
	PaidAt     *string `json:"paid_at,omitempty"`
}

func encodeRoster(roster []ledger.AssessmentSettlement) (string, error) {
	lines := make([]rosterLine, len(roster))
	for i, s := range roster {
		lines[i] = rosterLine{
			UnitID:     string(s.UnitID),
			AmountDue:  s.AmountDue.Value.String(),
			AmountPaid: s.AmountPaid.Value.String(),
			Surplus:    s.Surplus.Value.String(),
			State:      string(s.State),
			Method:     s.Method,
			Reference:  s.Reference,
		}
		if s.PaidAt != nil {
			t := formatTime(*s.PaidAt)
			lines[i].PaidAt = &t
		}
	}
	b, err := json.Marshal(lines)
	return string(b), err
}

func decodeRoster(data string) ([]ledger.AssessmentSettlement, error) {
	var lines []rosterLine
	if err := json.Unmarshal([]byte(data), &lines); err != nil {
		return nil, err
	}
	roster := make([]ledger.AssessmentSettlement, len(lines))
	for i, l := range lines {
		s := ledger.AssessmentSettlement{
			UnitID:    ledger.UnitID(l.UnitID),
			State:     ledger.State(l.State),
			Method:    l.Method,
			Reference: l.Reference,
		}
		var err error
		if s.AmountDue, err = ledger.ParseMoney(l.AmountDue); err != nil {
			return nil, err
		}
		if s.AmountPaid, err = ledger.ParseMoney(l.AmountPaid); err != nil {
			return nil, err
		}
		if s.Surplus, err = ledger.ParseMoney(l.Surplus); err != nil {
			return nil, err
		}
		if l.PaidAt != nil {
			t := parseTime(*l.PaidAt)
			s.PaidAt = &t
		}
		roster[i] = s
	}
	return roster, nil
}

func (s *Store) InsertAssessment(ctx context.Context, a ledger.Assessment) error {
	roster, err := encodeRoster(a.Roster)
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}
	if a.Version == 0 {
		a.Version = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assessments
		(id, title, description, amount_per_unit, due_date, state, roster_json,
		 created_by, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.Title, a.Description, a.AmountPerUnit.Value.String(),
		formatDate(a.DueDate), a.State, roster,
		a.CreatedBy, formatTime(a.CreatedAt), formatTime(a.UpdatedAt), a.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	return nil
}

func (s *Store) UpdateAssessment(ctx context.Context, a ledger.Assessment) (int, error) {
	roster, err := encodeRoster(a.Roster)
	if err != nil {
		return 0, fmt.Errorf("failed to encode roster: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE assessments SET
			state = ?, roster_json = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, a.State, roster, formatTime(a.UpdatedAt), a.ID, a.Version)
	if err != nil {
		return 0, fmt.Errorf("failed to update assessment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		if _, err := s.GetAssessment(ctx, a.ID); err != nil {
			return 0, err
		}
		return 0, ledger.ErrConcurrentModification
	}
	return a.Version + 1, nil
}

func (s *Store) GetAssessment(ctx context.Context, id ledger.AssessmentID) (*ledger.Assessment, error) {
	var (
		a                    ledger.Assessment
		amount, due, roster  string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, amount_per_unit, due_date, state, roster_json,
		       created_by, created_at, updated_at, version
		FROM assessments WHERE id = ?
	`, id).Scan(
		&a.ID, &a.Title, &a.Description, &amount, &due, &a.State, &roster,
		&a.CreatedBy, &createdAt, &updatedAt, &a.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAssessmentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	if a.AmountPerUnit, err = ledger.ParseMoney(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount per unit %q: %w", amount, err)
	}
	if a.Roster, err = decodeRoster(roster); err != nil {
		return nil, fmt.Errorf("failed to decode roster of %s: %w", id, err)
	}
	a.DueDate = parseTime(due)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

