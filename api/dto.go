/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The ledger types carry
  decimals, pointers and time.Time; the wire carries strings with fixed
  formats so clients never see float rounding.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Small response wrappers

FORMATS:
  Money:     decimal string with two places ("200.00")
  Period:    "YYYY-MM"
  Timestamp: RFC3339 UTC
  Date:      "YYYY-MM-DD" on input (due dates, as_of)

VALIDATION:
  Request structs carry validator/v10 tags for shape checks. Amount parsing
  and business rules stay in the ledger.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/community-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type SettleRequest struct {
	Amount         string  `json:"amount" validate:"required"`
	Method         string  `json:"method" validate:"required,max=64"`
	Reference      *string `json:"reference,omitempty" validate:"omitempty,max=128"`
	ForwardSurplus bool    `json:"forward_surplus"`
}

type BatchSettleRequest struct {
	ObligationIDs []string `json:"obligation_ids" validate:"required,min=1,dive,required"`
	Amount        string   `json:"amount" validate:"required"`
	Method        string   `json:"method" validate:"required,max=64"`
	Reference     *string  `json:"reference,omitempty" validate:"omitempty,max=128"`
}

// SaveUnitRequest registers or updates a unit. An empty ResidentID marks the
// unit vacant.
type SaveUnitRequest struct {
	Label       string  `json:"label" validate:"max=128"`
	FeeOverride *string `json:"fee_override,omitempty"`
	ResidentID  string  `json:"resident_id" validate:"max=64"`
}

type UpdateConfigRequest struct {
	DefaultFee       string `json:"default_fee" validate:"required"`
	SurchargePercent string `json:"surcharge_percent" validate:"required"`
	GracePeriodDays  int    `json:"grace_period_days" validate:"gte=0,lte=366"`
	MaxLookahead     int    `json:"max_lookahead" validate:"gte=0,lte=240"`
}

type CreateAssessmentRequest struct {
	Title         string   `json:"title" validate:"required,max=200"`
	Description   string   `json:"description"`
	AmountPerUnit string   `json:"amount_per_unit" validate:"required"`
	DueDate       string   `json:"due_date" validate:"required,datetime=2006-01-02"`
	UnitIDs       []string `json:"unit_ids" validate:"required,min=1,dive,required"`
}

type SettleAssessmentRequest struct {
	UnitID    string  `json:"unit_id" validate:"required"`
	Amount    string  `json:"amount" validate:"required"`
	Method    string  `json:"method" validate:"required,max=64"`
	Reference *string `json:"reference,omitempty" validate:"omitempty,max=128"`
}

// OverdueRequest is optional; an empty body sweeps as of now.
type OverdueRequest struct {
	AsOf string `json:"as_of,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type AllocationEntryDTO struct {
	Period        string `json:"period"`
	Amount        string `json:"amount"`
	AppliedAt     string `json:"applied_at"`
	CounterpartID string `json:"counterpart_id"`
}

type ObligationDTO struct {
	ID                 string               `json:"id"`
	UnitID             string               `json:"unit_id"`
	ResidentID         *string              `json:"resident_id"`
	Period             string               `json:"period"`
	AmountDue          string               `json:"amount_due"`
	AmountPaid         string               `json:"amount_paid"`
	Outstanding        string               `json:"outstanding"`
	Surplus            string               `json:"surplus"`
	ExtraAmount        string               `json:"extra_amount"`
	ExtraReason        string               `json:"extra_reason,omitempty"`
	PeriodStart        string               `json:"period_start"`
	PeriodEnd          string               `json:"period_end"`
	DueDate            string               `json:"due_date"`
	State              string               `json:"state"`
	PaymentMethod      *string              `json:"payment_method,omitempty"`
	PaymentReference   *string              `json:"payment_reference,omitempty"`
	PaidAt             *string              `json:"paid_at,omitempty"`
	AdvancePayments    []AllocationEntryDTO `json:"advance_payments"`
	ForwardAllocations []AllocationEntryDTO `json:"forward_allocations"`
	CreatedBy          string               `json:"created_by"`
	CreatedAt          string               `json:"created_at"`
	UpdatedAt          string               `json:"updated_at"`
	Version            int                  `json:"version"`
}

type AllocationDTO struct {
	ObligationID string `json:"obligation_id"`
	Period       string `json:"period"`
	Amount       string `json:"amount"`
	State        string `json:"state"`
}

type AllocationResultDTO struct {
	Outcome        string          `json:"outcome"`
	Allocations    []AllocationDTO `json:"allocations"`
	TotalApplied   string          `json:"total_applied"`
	Remaining      string          `json:"remaining"`
	PeriodsTouched int             `json:"periods_touched"`
	PeriodsWalked  int             `json:"periods_walked"`
}

type SettlementDTO struct {
	Obligation      ObligationDTO        `json:"obligation"`
	Surcharge       string               `json:"surcharge"`
	TotalDue        string               `json:"total_due"`
	Surplus         string               `json:"surplus"`
	Allocation      *AllocationResultDTO `json:"allocation,omitempty"`
	AllocationError string               `json:"allocation_error,omitempty"`
}

type BatchItemDTO struct {
	Obligation ObligationDTO `json:"obligation"`
	Surcharge  string        `json:"surcharge"`
	Applied    string        `json:"applied"`
}

type BatchResultDTO struct {
	Items         []BatchItemDTO `json:"items"`
	TotalRequired string         `json:"total_required"`
	Excess        string         `json:"excess"`
}

type SurchargeDTO struct {
	ObligationID string `json:"obligation_id"`
	AsOf         string `json:"as_of"`
	DaysLate     int    `json:"days_late"`
	MonthsLate   int    `json:"months_late"`
	Surcharge    string `json:"surcharge"`
	Outstanding  string `json:"outstanding"`
	TotalDue     string `json:"total_due"`
}

type UnitDTO struct {
	ID              string         `json:"id"`
	Label           string         `json:"label"`
	FeeOverride     *string        `json:"fee_override"`
	ResidentID      *string        `json:"resident_id"`
	FirstObligation *ObligationDTO `json:"first_obligation,omitempty"`
}

type ConfigDTO struct {
	DefaultFee       string `json:"default_fee"`
	SurchargePercent string `json:"surcharge_percent"`
	GracePeriodDays  int    `json:"grace_period_days"`
	MaxLookahead     int    `json:"max_lookahead"`
	UpdatedAt        string `json:"updated_at,omitempty"`
	UpdatedBy        string `json:"updated_by,omitempty"`
}

type AssessmentLineDTO struct {
	UnitID     string  `json:"unit_id"`
	AmountDue  string  `json:"amount_due"`
	AmountPaid string  `json:"amount_paid"`
	Surplus    string  `json:"surplus"`
	State      string  `json:"state"`
	Method     *string `json:"method,omitempty"`
	Reference  *string `json:"reference,omitempty"`
	PaidAt     *string `json:"paid_at,omitempty"`
}

type AssessmentDTO struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Description   string              `json:"description,omitempty"`
	AmountPerUnit string              `json:"amount_per_unit"`
	DueDate       string              `json:"due_date"`
	State         string              `json:"state"`
	Collected     string              `json:"collected"`
	Roster        []AssessmentLineDTO `json:"roster"`
	CreatedBy     string              `json:"created_by"`
	CreatedAt     string              `json:"created_at"`
	Version       int                 `json:"version"`
}

type OverdueResponse struct {
	AsOf   string `json:"as_of"`
	Marked int    `json:"marked"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toAllocationEntryDTOs(entries []ledger.AllocationEntry) []AllocationEntryDTO {
	dtos := make([]AllocationEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AllocationEntryDTO{
			Period:        e.Period.String(),
			Amount:        e.Amount.String(),
			AppliedAt:     formatTime(e.AppliedAt),
			CounterpartID: string(e.CounterpartID),
		}
	}
	return dtos
}

func toObligationDTO(ob ledger.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:                 string(ob.ID),
		UnitID:             string(ob.UnitID),
		Period:             ob.Period.String(),
		AmountDue:          ob.AmountDue.String(),
		AmountPaid:         ob.AmountPaid.String(),
		Outstanding:        ob.Outstanding().String(),
		Surplus:            ob.Surplus.String(),
		ExtraAmount:        ob.ExtraAmount.String(),
		ExtraReason:        ob.ExtraReason,
		PeriodStart:        formatTime(ob.PeriodStart),
		PeriodEnd:          formatTime(ob.PeriodEnd),
		DueDate:            formatTime(ob.DueDate),
		State:              string(ob.State),
		PaymentMethod:      ob.PaymentMethod,
		PaymentReference:   ob.PaymentReference,
		PaidAt:             formatTimePtr(ob.PaidAt),
		AdvancePayments:    toAllocationEntryDTOs(ob.AdvancePayments),
		ForwardAllocations: toAllocationEntryDTOs(ob.ForwardAllocations),
		CreatedBy:          ob.CreatedBy,
		CreatedAt:          formatTime(ob.CreatedAt),
		UpdatedAt:          formatTime(ob.UpdatedAt),
		Version:            ob.Version,
	}
	if ob.ResidentID != nil {
		r := string(*ob.ResidentID)
		dto.ResidentID = &r
	}
	return dto
}

func toObligationDTOs(obs []ledger.Obligation) []ObligationDTO {
	dtos := make([]ObligationDTO, len(obs))
	for i, ob := range obs {
		dtos[i] = toObligationDTO(ob)
	}
	return dtos
}

func toAllocationResultDTO(r *ledger.AllocationResult) *AllocationResultDTO {
	if r == nil {
		return nil
	}
	dto := &AllocationResultDTO{
		Outcome:        string(r.Outcome),
		Allocations:    make([]AllocationDTO, len(r.Allocations)),
		TotalApplied:   r.TotalApplied.String(),
		Remaining:      r.Remaining.String(),
		PeriodsTouched: r.PeriodsTouched,
		PeriodsWalked:  r.PeriodsWalked,
	}
	for i, a := range r.Allocations {
		dto.Allocations[i] = AllocationDTO{
			ObligationID: string(a.ObligationID),
			Period:       a.Period.String(),
			Amount:       a.Amount.String(),
			State:        string(a.State),
		}
	}
	return dto
}

func toSettlementDTO(r *ledger.SettlementResult) SettlementDTO {
	dto := SettlementDTO{
		Obligation: toObligationDTO(r.Obligation),
		Surcharge:  r.Surcharge.String(),
		TotalDue:   r.TotalDue.String(),
		Surplus:    r.Surplus.String(),
		Allocation: toAllocationResultDTO(r.Allocation),
	}
	if r.AllocationErr != nil {
		dto.AllocationError = r.AllocationErr.Error()
	}
	return dto
}

func toBatchResultDTO(r *ledger.BatchResult) BatchResultDTO {
	dto := BatchResultDTO{
		Items:         make([]BatchItemDTO, len(r.Items)),
		TotalRequired: r.TotalRequired.String(),
		Excess:        r.Excess.String(),
	}
	for i, item := range r.Items {
		dto.Items[i] = BatchItemDTO{
			Obligation: toObligationDTO(item.Obligation),
			Surcharge:  item.Surcharge.String(),
			Applied:    item.Applied.String(),
		}
	}
	return dto
}

func toSurchargeDTO(q *ledger.SurchargeQuote) SurchargeDTO {
	return SurchargeDTO{
		ObligationID: string(q.ObligationID),
		AsOf:         formatTime(q.AsOf),
		DaysLate:     q.Lateness.Days,
		MonthsLate:   q.Lateness.Months,
		Surcharge:    q.Surcharge.String(),
		Outstanding:  q.Outstanding.String(),
		TotalDue:     q.TotalDue.String(),
	}
}

func toConfigDTO(c ledger.BillingConfig) ConfigDTO {
	dto := ConfigDTO{
		DefaultFee:       c.DefaultFee.String(),
		SurchargePercent: c.SurchargePercent.String(),
		GracePeriodDays:  c.GracePeriodDays,
		MaxLookahead:     c.Lookahead(),
		UpdatedBy:        c.UpdatedBy,
	}
	if !c.UpdatedAt.IsZero() {
		dto.UpdatedAt = formatTime(c.UpdatedAt)
	}
	return dto
}

func toAssessmentDTO(a *ledger.Assessment, asOf time.Time) AssessmentDTO {
	dto := AssessmentDTO{
		ID:            string(a.ID),
		Title:         a.Title,
		Description:   a.Description,
		AmountPerUnit: a.AmountPerUnit.String(),
		DueDate:       a.DueDate.UTC().Format(time.DateOnly),
		State:         string(a.EffectiveState(asOf)),
		Collected:     a.Collected().String(),
		Roster:        make([]AssessmentLineDTO, len(a.Roster)),
		CreatedBy:     a.CreatedBy,
		CreatedAt:     formatTime(a.CreatedAt),
		Version:       a.Version,
	}
	for i, l := range a.Roster {
		dto.Roster[i] = AssessmentLineDTO{
			UnitID:     string(l.UnitID),
			AmountDue:  l.AmountDue.String(),
			AmountPaid: l.AmountPaid.String(),
			Surplus:    l.Surplus.String(),
			State:      string(l.State),
			Method:     l.Method,
			Reference:  l.Reference,
			PaidAt:     formatTimePtr(l.PaidAt),
		}
	}
	return dto
}
