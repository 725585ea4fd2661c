/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's types from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - Legacy*: Shapes kept for v1 clients

TYPES:
  Coupons:
    CreateCouponRequest, CouponDTO, StatusDTO

  Decisions:
    UserRequest, DecisionDTO

  Usage:
    UserUsageDTO

  Legacy:
    LegacyAddRequest, LegacyCouponRequest, LegacyResponse

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/coupon-quota/coupon"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// CreateCouponRequest registers a coupon.
type CreateCouponRequest struct {
	Code       string `json:"code"`
	UserTotal  int    `json:"user_total"`
	UserDaily  int    `json:"user_daily"`
	UserWeekly int    `json:"user_weekly"`
	Global     int    `json:"global"`
}

// CouponDTO is the response to a successful registration.
type CouponDTO struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
}

// StatusDTO represents a coupon's counters.
type StatusDTO struct {
	ID                 int64           `json:"id"`
	Code               string          `json:"code"`
	UserTotalRemaining int             `json:"user_total_remaining"`
	UserDailyLimit     int             `json:"user_daily_limit"`
	UserWeeklyLimit    int             `json:"user_weekly_limit"`
	GlobalRemaining    int             `json:"global_remaining"`
	GlobalLimit        int             `json:"global_limit"`
	Redeemed           int             `json:"redeemed"`
	Utilization        decimal.Decimal `json:"utilization"`
	CreatedAt          time.Time       `json:"created_at"`
}

// UserRequest is the body of check and redeem. An absent or empty user_id
// means an anonymous caller.
type UserRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// DecisionDTO is the outcome of a check or redemption.
type DecisionDTO struct {
	Code    string `json:"code"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// UserUsageDTO reports one user's windows.
type UserUsageDTO struct {
	Code              string `json:"code"`
	UserID            string `json:"user_id"`
	Today             string `json:"today"`
	WeekStart         string `json:"week_start"`
	UsedToday         int    `json:"used_today"`
	UsedThisWeek      int    `json:"used_this_week"`
	RemainingToday    int    `json:"remaining_today"`
	RemainingThisWeek int    `json:"remaining_this_week"`
	RemainingTotal    int    `json:"remaining_total"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// LEGACY TYPES
// =============================================================================

// LegacyAddRequest registers quotas for CouponCode, or DefaultLegacyCode
// when it is empty.
type LegacyAddRequest struct {
	CouponCode  string `json:"coupon_code,omitempty"`
	UserTotal   int    `json:"user_total"`
	UserDaily   int    `json:"user_daily"`
	UserWeekly  int    `json:"user_weekly"`
	GlobalTotal int    `json:"global_total"`
}

type LegacyCouponRequest struct {
	CouponCode string `json:"coupon_code"`
	UserID     string `json:"user_id,omitempty"`
}

type LegacyResponse struct {
	Result  bool   `json:"result"`
	Message string `json:"message"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStatusDTO(st coupon.Status) StatusDTO {
	return StatusDTO{
		ID:                 int64(st.ID),
		Code:               st.Code,
		UserTotalRemaining: st.UserTotalRemaining,
		UserDailyLimit:     st.UserDailyLimit,
		UserWeeklyLimit:    st.UserWeeklyLimit,
		GlobalRemaining:    st.GlobalRemaining,
		GlobalLimit:        st.GlobalLimit,
		Redeemed:           st.Redeemed,
		Utilization:        st.Utilization,
		CreatedAt:          st.CreatedAt,
	}
}

func toDecisionDTO(code string, d coupon.Decision) DecisionDTO {
	return DecisionDTO{
		Code:    code,
		Allowed: d.Allowed,
		Reason:  string(d.Reason),
		Message: d.Reason.Message(),
	}
}

func toUserUsageDTO(u coupon.UserUsage) UserUsageDTO {
	return UserUsageDTO{
		Code:              u.Code,
		UserID:            string(u.UserID),
		Today:             u.Today.String(),
		WeekStart:         u.WeekStart.String(),
		UsedToday:         u.UsedToday,
		UsedThisWeek:      u.UsedThisWeek,
		RemainingToday:    u.RemainingToday,
		RemainingThisWeek: u.RemainingThisWeek,
		RemainingTotal:    u.RemainingTotal,
	}
}
