/*
handlers.go - HTTP API handlers for the coupon quota engine

PURPOSE:
  Exposes the redemption engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Coupons:
    POST   /api/coupons                           Register a coupon
    GET    /api/coupons/{code}                    Counters and utilization
    POST   /api/coupons/{code}/check              Eligibility, no side effects
    POST   /api/coupons/{code}/redeem             Consume one unit
    GET    /api/coupons/{code}/users/{id}/usage   One user's windows

  Legacy (v1 contract, {result, message} bodies):
    POST   /add_repeat_counts
    POST   /verify_coupon_validity
    POST   /apply_coupon_code

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine
  3. Serialize response
  4. Map errors to status codes

ERROR HANDLING:
  - 400: Invalid input (REST); any gate failure except not-found (legacy)
  - 404: Unknown coupon
  - 409: Duplicate code (REST)
  - 500: Storage failures after retries

  On the REST routes a rejected check or redemption is a normal 200 with
  allowed=false and a reason. Only the legacy routes turn gate failures
  into error statuses.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/coupon-quota/coupon"
)

// DefaultLegacyCode is the coupon the v1 add_repeat_counts endpoint
// always wrote to.
const DefaultLegacyCode = "DISCOUNT50"

const (
	msgAdded          = "Repeat counts added successfully."
	msgApplied        = "Coupon code applied successfully."
	msgDuplicate      = "Coupon code already exists."
	msgStorageFailure = "An error occurred while accessing the database."
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Service is the subset of *coupon.Engine the handlers use.
type Service interface {
	AddQuota(ctx context.Context, code string, userTotal, userDaily, userWeekly, global int) (coupon.CouponID, error)
	CheckEligibility(ctx context.Context, code string, user coupon.UserID) (coupon.Decision, error)
	Redeem(ctx context.Context, code string, user coupon.UserID) (coupon.Decision, error)
	Status(ctx context.Context, code string) (coupon.Status, error)
	UserUsage(ctx context.Context, code string, user coupon.UserID) (coupon.UserUsage, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine Service
	Logger *slog.Logger

	// Ping reports backend health for /healthz. Nil means always healthy.
	Ping func(ctx context.Context) error
}

// NewHandler creates a new handler for the given engine.
func NewHandler(engine Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, Logger: logger}
}

// =============================================================================
// COUPON HANDLERS
// =============================================================================

// CreateCoupon registers a coupon.
// POST /api/coupons
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CreateCouponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	id, err := h.Engine.AddQuota(r.Context(), req.Code, req.UserTotal, req.UserDaily, req.UserWeekly, req.Global)
	if err != nil {
		h.writeEngineError(w, "Failed to register coupon", err)
		return
	}
	writeJSON(w, http.StatusCreated, CouponDTO{ID: int64(id), Code: req.Code})
}

// GetCoupon returns counters and utilization.
// GET /api/coupons/{code}
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Status(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeEngineError(w, "Failed to get coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(st))
}

// CheckCoupon evaluates eligibility without consuming anything.
// POST /api/coupons/{code}/check
func (h *Handler) CheckCoupon(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req UserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	d, err := h.Engine.CheckEligibility(r.Context(), code, coupon.UserID(req.UserID))
	if err != nil {
		h.writeEngineError(w, "Failed to check coupon", err)
		return
	}
	writeJSON(w, http.StatusOK, toDecisionDTO(code, d))
}

// RedeemCoupon consumes one unit if every gate passes.
// POST /api/coupons/{code}/redeem
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	var req UserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	d, err := h.Engine.Redeem(r.Context(), code, coupon.UserID(req.UserID))
	if err != nil {
		h.writeEngineError(w, "Failed to redeem coupon", err)
		return
	}
	dto := toDecisionDTO(code, d)
	if d.Allowed {
		dto.Message = msgApplied
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetUserUsage returns a user's daily and weekly consumption.
// GET /api/coupons/{code}/users/{userID}/usage
func (h *Handler) GetUserUsage(w http.ResponseWriter, r *http.Request) {
	u, err := h.Engine.UserUsage(r.Context(), chi.URLParam(r, "code"), coupon.UserID(chi.URLParam(r, "userID")))
	if err != nil {
		h.writeEngineError(w, "Failed to get usage", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserUsageDTO(u))
}

// Health reports liveness and, when configured, storage reachability.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// LEGACY HANDLERS
// =============================================================================

// LegacyAddRepeatCounts registers quotas.
// POST /add_repeat_counts
func (h *Handler) LegacyAddRepeatCounts(w http.ResponseWriter, r *http.Request) {
	var req LegacyAddRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, LegacyResponse{Message: err.Error()})
		return
	}
	code := req.CouponCode
	if code == "" {
		code = DefaultLegacyCode
	}

	_, err := h.Engine.AddQuota(r.Context(), code, req.UserTotal, req.UserDaily, req.UserWeekly, req.GlobalTotal)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, LegacyResponse{Result: true, Message: msgAdded})
	case errors.Is(err, coupon.ErrDuplicateCode):
		writeJSON(w, http.StatusBadRequest, LegacyResponse{Message: msgDuplicate})
	default:
		h.writeLegacyError(w, err)
	}
}

// LegacyVerifyCoupon checks eligibility.
// POST /verify_coupon_validity
func (h *Handler) LegacyVerifyCoupon(w http.ResponseWriter, r *http.Request) {
	h.legacyDecision(w, r, h.Engine.CheckEligibility, "")
}

// LegacyApplyCoupon redeems.
// POST /apply_coupon_code
func (h *Handler) LegacyApplyCoupon(w http.ResponseWriter, r *http.Request) {
	h.legacyDecision(w, r, h.Engine.Redeem, msgApplied)
}

type decideFunc func(ctx context.Context, code string, user coupon.UserID) (coupon.Decision, error)

func (h *Handler) legacyDecision(w http.ResponseWriter, r *http.Request, decide decideFunc, okMessage string) {
	var req LegacyCouponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, LegacyResponse{Message: err.Error()})
		return
	}

	d, err := decide(r.Context(), req.CouponCode, coupon.UserID(req.UserID))
	if err != nil {
		h.writeLegacyError(w, err)
		return
	}
	if !d.Allowed {
		writeJSON(w, legacyRejectStatus(d.Reason), LegacyResponse{Message: d.Reason.Message()})
		return
	}
	msg := d.Reason.Message()
	if okMessage != "" {
		msg = okMessage
	}
	writeJSON(w, http.StatusOK, LegacyResponse{Result: true, Message: msg})
}

func legacyRejectStatus(reason coupon.Reason) int {
	if reason == coupon.ReasonCouponNotFound {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (h *Handler) writeLegacyError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("legacy request failed", "error", err)
		msg = msgStorageFailure
	}
	writeJSON(w, status, LegacyResponse{Message: msg})
}

// =============================================================================
// HELPERS
// =============================================================================

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coupon.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coupon.ErrDuplicateCode):
		return http.StatusConflict
	case errors.Is(err, coupon.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Details: err.Error()})
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
