package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/authorization"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	metricsdomain "github.com/smallbiznis/referralpool/internal/referralmetrics/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// publicError is what a client sees for a domain failure. Code is stable
// across releases; the wrapped error text never reaches the response.
type publicError struct {
	err     error
	status  int
	kind    string
	code    string
	message string
}

var publicErrors = []publicError{
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "unauthorized", "unauthorized"},
	{ErrForbidden, http.StatusForbidden, "forbidden", "forbidden", "forbidden"},
	{authorization.ErrForbidden, http.StatusForbidden, "forbidden", "forbidden", "forbidden"},
	{authorization.ErrInvalidActor, http.StatusUnauthorized, "unauthorized", "invalid_actor", "unauthorized"},
	{authorization.ErrInvalidRole, http.StatusForbidden, "forbidden", "invalid_role", "forbidden"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited", "rate_limited", "too many requests"},
	{ErrServiceUnavailable, http.StatusServiceUnavailable, "service_unavailable", "service_unavailable", "service unavailable"},

	// not found
	{ErrNotFound, http.StatusNotFound, "not_found", "not_found", "not found"},
	{referraldomain.ErrNotFound, http.StatusNotFound, "not_found", "referral_not_found", "referral not found"},
	{referraldomain.ErrCreditNotFound, http.StatusNotFound, "not_found", "referral_credit_not_found", "referral credit not found"},
	{riskdomain.ErrNotFound, http.StatusNotFound, "not_found", "risk_assessment_not_found", "risk assessment not found"},
	{pooldomain.ErrPoolNotFound, http.StatusNotFound, "not_found", "pool_not_found", "pool not found"},
	{pooldomain.ErrNoOpenPool, http.StatusNotFound, "not_found", "no_open_pool", "no open pool"},
	{revenuedomain.ErrNotFound, http.StatusNotFound, "not_found", "revenue_event_not_found", "revenue event not found"},
	{payoutdomain.ErrNotFound, http.StatusNotFound, "not_found", "payout_not_found", "payout not found"},
	{ledgerdomain.ErrEntryNotFound, http.StatusNotFound, "not_found", "ledger_entry_not_found", "ledger entry not found"},
	{reconciliationdomain.ErrNotFound, http.StatusNotFound, "not_found", "reconciliation_report_not_found", "reconciliation report not found"},
	{gorm.ErrRecordNotFound, http.StatusNotFound, "not_found", "not_found", "not found"},

	// workflow conflicts
	{ErrConflict, http.StatusConflict, "conflict", "conflict", "conflict"},
	{referraldomain.ErrInvalidStateTransition, http.StatusConflict, "conflict", "invalid_state_transition", "referral cannot move to the requested state"},
	{referraldomain.ErrDuplicateReferral, http.StatusConflict, "conflict", "duplicate_referral", "referral already exists"},
	{referraldomain.ErrInsufficientPoolBalance, http.StatusConflict, "conflict", "insufficient_pool_balance", "pool allocation is exhausted"},
	{referraldomain.ErrPayoutHeld, http.StatusConflict, "conflict", "payout_held", "referral is still inside the payout hold"},
	{riskdomain.ErrAlreadyReviewed, http.StatusConflict, "conflict", "risk_assessment_already_reviewed", "risk assessment already reviewed"},
	{pooldomain.ErrPoolAlreadyOpen, http.StatusConflict, "conflict", "pool_already_open", "a pool is already open"},
	{pooldomain.ErrPoolNotOpen, http.StatusConflict, "conflict", "pool_not_open", "pool is not open"},
	{pooldomain.ErrPoolExhausted, http.StatusConflict, "conflict", "pool_exhausted", "pool allocation is exhausted"},
	{pooldomain.ErrInvalidPoolStatus, http.StatusConflict, "conflict", "invalid_pool_status_transition", "pool cannot move to the requested status"},
	{pooldomain.ErrCurrencyMismatch, http.StatusConflict, "conflict", "currency_mismatch", "currency does not match the pool"},
	{revenuedomain.ErrInvalidRevenueTransition, http.StatusConflict, "conflict", "invalid_revenue_transition", "revenue event cannot move to the requested status"},
	{revenuedomain.ErrDuplicateRevenueEvent, http.StatusConflict, "conflict", "duplicate_revenue_event", "revenue event already recorded"},
	{revenuedomain.ErrRevenueNotConfirmed, http.StatusConflict, "conflict", "revenue_not_confirmed", "revenue event is not confirmed"},
	{payoutdomain.ErrInvalidPayoutTransition, http.StatusConflict, "conflict", "invalid_payout_transition", "payout cannot move to the requested status"},
	{payoutdomain.ErrInsufficientBalance, http.StatusConflict, "conflict", "insufficient_balance", "insufficient balance"},
	{payoutdomain.ErrTransactionIDMismatch, http.StatusConflict, "conflict", "transaction_id_mismatch", "payout already settled with another transaction"},
	{ledgerdomain.ErrNegativeBalanceViolation, http.StatusConflict, "conflict", "negative_balance_violation", "entry would make the balance negative"},
	{ledgerdomain.ErrEntryAlreadyReversed, http.StatusConflict, "conflict", "ledger_entry_already_reversed", "ledger entry already reversed"},
	{reconciliationdomain.ErrReconciliationDiscrepancy, http.StatusConflict, "conflict", "reconciliation_discrepancy", "reconciliation found discrepancies"},

	// unavailable collaborators
	{reconciliationdomain.ErrRendererUnavailable, http.StatusServiceUnavailable, "service_unavailable", "report_renderer_unavailable", "report renderer unavailable"},
}

// validationCodes are domain errors reported as a single field error.
var validationCodes = []struct {
	err   error
	field string
}{
	{ErrInvalidRequest, "request"},
	{referraldomain.ErrInvalidEventType, "event_type"},
	{referraldomain.ErrInvalidCommission, "commission_amount"},
	{referraldomain.ErrInvalidParticipants, "referred_id"},
	{referraldomain.ErrReasonRequired, "reason"},
	{referraldomain.ErrActorRequired, "actor"},
	{referraldomain.ErrInvalidPageToken, "page_token"},
	{riskdomain.ErrInvalidSubject, "subject"},
	{riskdomain.ErrInvalidPageToken, "page_token"},
	{riskdomain.ErrActorRequired, "actor"},
	{pooldomain.ErrInvalidPeriod, "period_end"},
	{pooldomain.ErrInvalidPeriodType, "period_type"},
	{pooldomain.ErrInvalidPercentage, "pool_percentage"},
	{pooldomain.ErrInvalidRole, "role"},
	{pooldomain.ErrInvalidAmount, "amount"},
	{revenuedomain.ErrInvalidAmount, "amount"},
	{revenuedomain.ErrInvalidSource, "source_id"},
	{revenuedomain.ErrInvalidCurrency, "currency"},
	{revenuedomain.ErrReasonRequired, "reason"},
	{payoutdomain.ErrInvalidUser, "user_id"},
	{payoutdomain.ErrInvalidAmount, "amount"},
	{payoutdomain.ErrInvalidMethod, "payout_method"},
	{payoutdomain.ErrBelowMinimumPayout, "amount"},
	{payoutdomain.ErrTransactionIDRequired, "transaction_id"},
	{payoutdomain.ErrReasonRequired, "reason"},
	{payoutdomain.ErrActorRequired, "actor"},
	{payoutdomain.ErrInvalidPageToken, "page_token"},
	{ledgerdomain.ErrInvalidUser, "user_id"},
	{ledgerdomain.ErrInvalidAmount, "amount"},
	{ledgerdomain.ErrInvalidTransactionType, "transaction_type"},
	{ledgerdomain.ErrInvalidSourceType, "source_type"},
	{ledgerdomain.ErrInvalidSourceID, "source_id"},
	{ledgerdomain.ErrOverrideRequiresActor, "actor"},
	{ledgerdomain.ErrReasonRequired, "reason"},
	{reconciliationdomain.ErrInvalidReportType, "report_type"},
	{auditdomain.ErrInvalidPageToken, "page_token"},
	{auditdomain.ErrInvalidTimeRange, "end_at"},
	{auditdomain.ErrInvalidAction, "action"},
	{auditdomain.ErrInvalidTarget, "target_type"},
	{metricsdomain.ErrInvalidRange, "end"},
	{metricsdomain.ErrInvalidMonthsBack, "months_back"},
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, internalPayload()
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	for _, v := range validationCodes {
		if errors.Is(err, v.err) {
			code := v.err.Error()
			return http.StatusBadRequest, errorPayload{
				Type:    "validation_error",
				Code:    code,
				Message: "validation error",
				Errors: []ValidationError{
					{Field: v.field, Code: code, Message: validationErrorMessage(code)},
				},
			}
		}
	}

	// Wrapped errors can match more than one sentinel; the first entry wins.
	for _, p := range publicErrors {
		if errors.Is(err, p.err) {
			return p.status, errorPayload{Type: p.kind, Code: p.code, Message: p.message}
		}
	}

	return http.StatusInternalServerError, internalPayload()
}

func internalPayload() errorPayload {
	return errorPayload{
		Type:    "internal_error",
		Code:    "internal_error",
		Message: "internal server error",
	}
}

// classifyErrorForLog returns the error type and public code for request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	_, payload := mapError(err)
	return payload.Type, payload.Code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "reason_required":
		return "reason is required"
	case "actor_required":
		return "actor is required"
	case "transaction_id_required":
		return "transaction_id is required"
	case "below_minimum_payout":
		return "amount is below the minimum payout"
	default:
		return "invalid value"
	}
}
