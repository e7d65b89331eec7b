/*
handlers.go - HTTP API handlers for the community ledger

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to ledger.Service.

ENDPOINTS:
  Units:
    PUT    /api/units/{id}                   Register or update a unit
    GET    /api/units/{id}/obligations       Obligation history (?state=)
    POST   /api/units/{id}/obligations/next  Ensure the next open obligation

  Obligations:
    GET    /api/obligations/{id}             Obligation with its surplus trail
    GET    /api/obligations/{id}/surcharge   Surcharge quote (?as_of=YYYY-MM-DD)
    POST   /api/obligations/{id}/settle      Record a payment
    POST   /api/obligations/{id}/cancel      Administrative cancellation
    POST   /api/obligations/{id}/forward-surplus  Resume surplus forwarding
    POST   /api/obligations/settle-batch     One payment, several obligations

  Assessments:
    POST   /api/assessments                  Create a special assessment
    GET    /api/assessments/{id}
    POST   /api/assessments/{id}/settle      Record one unit's payment
    POST   /api/assessments/{id}/cancel

  Admin:
    GET    /api/config                       Active billing configuration
    PUT    /api/config                       Replace it
    POST   /api/admin/overdue                Run the overdue sweep now

ACTOR:
  X-Actor-ID names who performed a write. It is recorded on obligations and
  the config; missing means "system".

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, cancelled obligation
  - 404: Unit, obligation or assessment not found
  - 409: Already settled, lost a concurrent update
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway that sets
  X-Actor-ID.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/warp/community-ledger/ledger"
	"github.com/warp/community-ledger/store/sqlite"
)

// ActorHeader carries the caller identity recorded on writes.
const ActorHeader = "X-Actor-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *ledger.Service
	Store   *sqlite.Store
	Logger  *slog.Logger

	validate *validator.Validate
}

// NewHandler creates a handler. The store backs the directory and config
// endpoints; everything else goes through the service.
func NewHandler(svc *ledger.Service, store *sqlite.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:  svc,
		Store:    store,
		Logger:   logger,
		validate: validator.New(),
	}
}

// =============================================================================
// UNIT HANDLERS
// =============================================================================

// SaveUnit registers a unit and its resident. A unit seen for the first time
// gets its first obligation immediately.
func (h *Handler) SaveUnit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unitID := ledger.UnitID(chi.URLParam(r, "id"))

	var req SaveUnitRequest
	if !h.decode(w, r, &req) {
		return
	}

	unit := ledger.Unit{ID: unitID, Label: req.Label}
	if req.FeeOverride != nil {
		fee, err := ledger.ParseMoney(*req.FeeOverride)
		if err != nil || !fee.IsPositive() {
			writeError(w, http.StatusBadRequest, "Invalid fee_override", err)
			return
		}
		unit.FeeOverride = &fee
	}

	if err := h.Store.SaveUnit(ctx, unit); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save unit", err)
		return
	}
	if err := h.Store.SetResident(ctx, unitID, ledger.ResidentID(req.ResidentID)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save resident", err)
		return
	}

	dto := UnitDTO{ID: string(unitID), Label: unit.Label}
	if unit.FeeOverride != nil {
		fee := unit.FeeOverride.String()
		dto.FeeOverride = &fee
	}
	if req.ResidentID != "" {
		dto.ResidentID = &req.ResidentID
	}

	latest, err := h.Service.Store.LatestObligation(ctx, unitID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read obligations", err)
		return
	}
	if latest == nil {
		first, err := h.Service.EnsureNextObligation(ctx, unitID, actorFrom(r))
		if err != nil {
			h.writeServiceError(w, "Failed to create first obligation", err)
			return
		}
		firstDTO := toObligationDTO(*first)
		dto.FirstObligation = &firstDTO
	}

	writeJSON(w, http.StatusOK, dto)
}

// ListObligations returns a unit's history, oldest first.
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	unitID := ledger.UnitID(chi.URLParam(r, "id"))

	var filter ledger.ObligationFilter
	for _, raw := range r.URL.Query()["state"] {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.States = append(filter.States, ledger.State(s))
			}
		}
	}

	obligations, err := h.Service.ListObligations(r.Context(), unitID, filter)
	if err != nil {
		h.writeServiceError(w, "Failed to list obligations", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTOs(obligations))
}

// EnsureNext returns the unit's open obligation, creating the next one if
// the latest is closed.
func (h *Handler) EnsureNext(w http.ResponseWriter, r *http.Request) {
	unitID := ledger.UnitID(chi.URLParam(r, "id"))

	ob, err := h.Service.EnsureNextObligation(r.Context(), unitID, actorFrom(r))
	if err != nil {
		h.writeServiceError(w, "Failed to generate obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ObligationID(chi.URLParam(r, "id"))

	ob, err := h.Service.GetObligation(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// GetSurcharge prices an obligation without changing it.
func (h *Handler) GetSurcharge(w http.ResponseWriter, r *http.Request) {
	id := ledger.ObligationID(chi.URLParam(r, "id"))

	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := parseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = &t
	}

	quote, err := h.Service.ComputeSurcharge(r.Context(), id, asOf)
	if err != nil {
		h.writeServiceError(w, "Failed to compute surcharge", err)
		return
	}
	writeJSON(w, http.StatusOK, toSurchargeDTO(quote))
}

// Settle records a payment against one obligation. A surplus allocation
// that hit the lookahead cap still returns 200; the result says so.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id := ledger.ObligationID(chi.URLParam(r, "id"))

	var req SettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	result, err := h.Service.Settle(r.Context(), ledger.SettleInput{
		ObligationID:   id,
		Tendered:       amount,
		Method:         req.Method,
		Reference:      req.Reference,
		ForwardSurplus: req.ForwardSurplus,
		Actor:          actorFrom(r),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to settle obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(result))
}

// SettleBatch applies one payment to several obligations, all or nothing.
func (h *Handler) SettleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchSettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	ids := make([]ledger.ObligationID, len(req.ObligationIDs))
	for i, id := range req.ObligationIDs {
		ids[i] = ledger.ObligationID(id)
	}

	result, err := h.Service.SettleBatch(r.Context(), ledger.BatchInput{
		ObligationIDs: ids,
		Tendered:      amount,
		Method:        req.Method,
		Reference:     req.Reference,
		Actor:         actorFrom(r),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to settle batch", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResultDTO(result))
}

// ForwardSurplus carries a settled obligation's unapplied surplus forward.
// Repeating the call after a failed or capped allocation resumes it.
func (h *Handler) ForwardSurplus(w http.ResponseWriter, r *http.Request) {
	id := ledger.ObligationID(chi.URLParam(r, "id"))

	result, err := h.Service.ForwardSurplus(r.Context(), id, actorFrom(r))
	if err != nil {
		h.writeServiceError(w, "Failed to forward surplus", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(result))
}

func (h *Handler) CancelObligation(w http.ResponseWriter, r *http.Request) {
	id := ledger.ObligationID(chi.URLParam(r, "id"))

	ob, err := h.Service.CancelObligation(r.Context(), id, actorFrom(r))
	if err != nil {
		h.writeServiceError(w, "Failed to cancel obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// =============================================================================
// CONFIG & ADMIN HANDLERS
// =============================================================================

func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Store.ActiveConfig(r.Context())
	if errors.Is(err, sqlite.ErrNoBillingConfig) {
		writeError(w, http.StatusNotFound, "No billing configuration", err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load configuration", err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// UpdateConfig replaces the active billing configuration. Obligations that
// already exist keep the fee they were created with.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if !h.decode(w, r, &req) {
		return
	}

	fee, err := parseAmount(req.DefaultFee)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid default_fee", err)
		return
	}
	pct, err := decimal.NewFromString(req.SurchargePercent)
	if err != nil || pct.IsNegative() {
		writeError(w, http.StatusBadRequest, "Invalid surcharge_percent", err)
		return
	}

	cfg := ledger.BillingConfig{
		DefaultFee:       fee,
		SurchargePercent: pct,
		GracePeriodDays:  req.GracePeriodDays,
		MaxLookahead:     req.MaxLookahead,
		UpdatedAt:        h.Service.Clock(),
		UpdatedBy:        actorFrom(r),
	}
	if err := h.Store.SaveConfig(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save configuration", err)
		return
	}
	h.Logger.Info("billing config updated",
		"default_fee", fee.String(),
		"surcharge_percent", pct.String(),
		"actor", cfg.UpdatedBy)
	writeJSON(w, http.StatusOK, toConfigDTO(cfg))
}

// MarkOverdue runs the overdue sweep on demand.
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	var req OverdueRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	asOf := h.Service.Clock()
	if req.AsOf != "" {
		t, err := parseDate(req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of", err)
			return
		}
		asOf = t
	}

	n, err := h.Service.MarkOverdue(r.Context(), asOf)
	if err != nil {
		h.writeServiceError(w, "Failed to mark overdue obligations", err)
		return
	}
	writeJSON(w, http.StatusOK, OverdueResponse{AsOf: formatTime(asOf), Marked: n})
}

// =============================================================================
// ASSESSMENT HANDLERS
// =============================================================================

func (h *Handler) CreateAssessment(w http.ResponseWriter, r *http.Request) {
	var req CreateAssessmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.AmountPerUnit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount_per_unit", err)
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date", err)
		return
	}

	units := make([]ledger.UnitID, len(req.UnitIDs))
	for i, u := range req.UnitIDs {
		units[i] = ledger.UnitID(u)
	}

	a, err := h.Service.CreateAssessment(r.Context(), ledger.CreateAssessmentInput{
		Title:         req.Title,
		Description:   req.Description,
		AmountPerUnit: amount,
		DueDate:       endOfDay(due),
		Units:         units,
		Actor:         actorFrom(r),
	})
	if err != nil {
		h.writeServiceError(w, "Failed to create assessment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssessmentDTO(a, h.Service.Clock()))
}

func (h *Handler) GetAssessment(w http.ResponseWriter, r *http.Request) {
	id := ledger.AssessmentID(chi.URLParam(r, "id"))

	a, err := h.Service.GetAssessment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to get assessment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(a, h.Service.Clock()))
}

func (h *Handler) SettleAssessment(w http.ResponseWriter, r *http.Request) {
	id := ledger.AssessmentID(chi.URLParam(r, "id"))

	var req SettleAssessmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	a, err := h.Service.SettleAssessment(r.Context(), ledger.SettleAssessmentInput{
		AssessmentID: id,
		UnitID:       ledger.UnitID(req.UnitID),
		Tendered:     amount,
		Method:       req.Method,
		Reference:    req.Reference,
	})
	if err != nil {
		h.writeServiceError(w, "Failed to settle assessment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(a, h.Service.Clock()))
}

func (h *Handler) CancelAssessment(w http.ResponseWriter, r *http.Request) {
	id := ledger.AssessmentID(chi.URLParam(r, "id"))

	a, err := h.Service.CancelAssessment(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "Failed to cancel assessment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAssessmentDTO(a, h.Service.Clock()))
}

// Health reports whether the database answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body. On failure it writes the 400 and
// returns false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

// writeServiceError maps ledger errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case ledger.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, "Invalid input", err)
		return
	}
	fields := make(map[string]string, len(ve))
	for _, fe := range ve {
		fields[fe.Field()] = fe.Tag()
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Fields: fields})
}

func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
		return actor
	}
	return ledger.SystemActor
}

// parseAmount accepts positive decimal amounts only.
func parseAmount(s string) (ledger.Money, error) {
	m, err := ledger.ParseMoney(s)
	if err != nil {
		return m, err
	}
	if !m.IsPositive() {
		return m, fmt.Errorf("%w: %s must be positive", ledger.ErrInvalidAmount, m)
	}
	return m, nil
}

// parseDate reads YYYY-MM-DD as midnight UTC.
func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD: %w", err)
	}
	return t.UTC(), nil
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, time.UTC)
}
