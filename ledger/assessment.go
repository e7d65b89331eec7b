package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// SPECIAL ASSESSMENTS - One-off project charges
// =============================================================================

// A special assessment bills every unit on its roster a fixed amount once.
// It settles like an obligation but never charges a late fee and never
// forwards surplus.

type AssessmentID string

type AssessmentState string

const (
	AssessmentPending   AssessmentState = "pending"
	AssessmentPaid      AssessmentState = "paid"
	AssessmentOverdue   AssessmentState = "overdue"
	AssessmentCancelled AssessmentState = "cancelled"
)

// AssessmentSettlement is one unit's line on the roster.
type AssessmentSettlement struct {
	UnitID     UnitID
	AmountDue  Money
	AmountPaid Money
	Surplus    Money
	State      State
	Method     *string
	Reference  *string
	PaidAt     *time.Time
}

type Assessment struct {
	ID            AssessmentID
	Title         string
	Description   string
	AmountPerUnit Money
	DueDate       time.Time
	State         AssessmentState
	Roster        []AssessmentSettlement

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
}

// EffectiveState reports overdue for a pending assessment past its due date.
func (a *Assessment) EffectiveState(asOf time.Time) AssessmentState {
	if a.State == AssessmentPending && asOf.After(a.DueDate) {
		return AssessmentOverdue
	}
	return a.State
}

// Collected sums what the roster has paid.
func (a *Assessment) Collected() Money {
	total := ZeroMoney()
	for _, s := range a.Roster {
		total = total.Add(s.AmountPaid)
	}
	return total
}

func (a *Assessment) line(unitID UnitID) (int, bool) {
	for i, s := range a.Roster {
		if s.UnitID == unitID {
			return i, true
		}
	}
	return -1, false
}

func (a Assessment) Clone() Assessment {
	c := a
	c.Roster = make([]AssessmentSettlement, len(a.Roster))
	copy(c.Roster, a.Roster)
	return c
}

type CreateAssessmentInput struct {
	Title         string
	Description   string
	AmountPerUnit Money
	DueDate       time.Time
	Units         []UnitID
	Actor         string
}

type SettleAssessmentInput struct {
	AssessmentID AssessmentID
	UnitID       UnitID
	Tendered     Money
	Method       string
	Reference    *string
}

type AssessmentEngine struct {
	Store     AssessmentStore
	Directory Directory
	Clock     Clock
	Logger    *slog.Logger
}

func (e *AssessmentEngine) Create(ctx context.Context, in CreateAssessmentInput) (*Assessment, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalidAssessment)
	}
	if !in.AmountPerUnit.IsPositive() {
		return nil, fmt.Errorf("%w: amount per unit %s", ErrInvalidAmount, in.AmountPerUnit)
	}
	if len(in.Units) == 0 {
		return nil, fmt.Errorf("%w: at least one unit required", ErrInvalidAssessment)
	}

	now := e.Clock()
	actor := in.Actor
	if actor == "" {
		actor = SystemActor
	}
	a := Assessment{
		ID:            AssessmentID(uuid.NewString()),
		Title:         in.Title,
		Description:   in.Description,
		AmountPerUnit: in.AmountPerUnit,
		DueDate:       in.DueDate,
		State:         AssessmentPending,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	seen := make(map[UnitID]bool)
	for _, u := range in.Units {
		if seen[u] {
			continue
		}
		seen[u] = true
		if _, err := e.Directory.Unit(ctx, u); err != nil {
			return nil, err
		}
		a.Roster = append(a.Roster, AssessmentSettlement{
			UnitID:     u,
			AmountDue:  in.AmountPerUnit,
			AmountPaid: ZeroMoney(),
			Surplus:    ZeroMoney(),
			State:      StatePending,
		})
	}

	if err := e.Store.InsertAssessment(ctx, a); err != nil {
		return nil, fmt.Errorf("insert assessment: %w", err)
	}
	e.Logger.Info("assessment created", "assessment_id", a.ID, "units", len(a.Roster), "amount_per_unit", a.AmountPerUnit.String())
	return &a, nil
}

// Settle records one unit's payment toward an assessment.
func (e *AssessmentEngine) Settle(ctx context.Context, in SettleAssessmentInput) (*Assessment, error) {
	if in.Tendered.IsNegative() {
		return nil, fmt.Errorf("%w: tendered %s", ErrInvalidAmount, in.Tendered)
	}
	a, err := e.Store.GetAssessment(ctx, in.AssessmentID)
	if err != nil {
		return nil, err
	}
	if a.State == AssessmentCancelled {
		return nil, fmt.Errorf("%w: assessment %s", ErrObligationCancelled, a.ID)
	}
	i, ok := a.line(in.UnitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not on assessment %s", ErrUnitNotFound, in.UnitID, a.ID)
	}
	if a.Roster[i].State.IsPaid() {
		return nil, fmt.Errorf("%w: unit %s on assessment %s", ErrAlreadySettled, in.UnitID, a.ID)
	}

	now := e.Clock()
	updated := a.Clone()
	line := &updated.Roster[i]
	split := splitTender(line.AmountDue, line.AmountPaid, in.Tendered)
	line.AmountPaid = split.Paid
	line.Surplus = split.Surplus
	line.PaidAt = &now
	m := in.Method
	line.Method = &m
	line.Reference = in.Reference
	switch {
	case split.Complete && split.Surplus.IsPositive():
		line.State = StatePaidWithSurplus
	case split.Complete:
		line.State = StatePaid
	default:
		line.State = StatePartial
	}

	allPaid := true
	for _, s := range updated.Roster {
		if !s.State.IsPaid() {
			allPaid = false
			break
		}
	}
	if allPaid {
		updated.State = AssessmentPaid
	}
	updated.UpdatedAt = now

	version, err := e.Store.UpdateAssessment(ctx, updated)
	if err != nil {
		return nil, fmt.Errorf("persist assessment settlement: %w", err)
	}
	updated.Version = version
	e.Logger.Info("assessment settled",
		"assessment_id", updated.ID, "unit_id", in.UnitID, "tendered", in.Tendered.String(), "state", line.State)
	return &updated, nil
}

func (e *AssessmentEngine) Cancel(ctx context.Context, id AssessmentID) (*Assessment, error) {
	a, err := e.Store.GetAssessment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State == AssessmentPaid {
		return nil, fmt.Errorf("%w: assessment %s", ErrAlreadySettled, id)
	}
	if a.State == AssessmentCancelled {
		return a, nil
	}
	updated := a.Clone()
	updated.State = AssessmentCancelled
	updated.UpdatedAt = e.Clock()
	version, err := e.Store.UpdateAssessment(ctx, updated)
	if err != nil {
		return nil, fmt.Errorf("cancel assessment: %w", err)
	}
	updated.Version = version
	return &updated, nil
}
