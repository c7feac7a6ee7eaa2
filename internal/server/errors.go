package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accessdomain "github.com/railzwaylabs/tokenmeter/internal/access/domain"
	billingdomain "github.com/railzwaylabs/tokenmeter/internal/billing/domain"
	quotadomain "github.com/railzwaylabs/tokenmeter/internal/quota/domain"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
	"go.uber.org/zap"
)

var ErrUnauthorized = errors.New("unauthorized")

// ValidationError is a malformed request detected at the HTTP boundary.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func newValidationError(field, code, message string) *ValidationError {
	return &ValidationError{Field: field, Code: code, Message: message}
}

func invalidRequestError() *ValidationError {
	return newValidationError("body", "invalid_json", "request body is not valid JSON")
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code,omitempty"`
}

type mappedError struct {
	target  error
	status  int
	kind    string
	message string
}

// errorTable is matched in order with errors.Is. An empty message echoes the
// sentinel text.
var errorTable = []mappedError{
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized", "authentication required"},
	{accessdomain.ErrAccessDenied, http.StatusForbidden, "forbidden", "access denied"},

	{accessdomain.ErrTeamNotFound, http.StatusNotFound, "not_found", "team not found"},
	{accessdomain.ErrOrganizationNotFound, http.StatusNotFound, "not_found", "organization not found"},
	{billingdomain.ErrSubscriptionNotFound, http.StatusNotFound, "not_found", "billing is not set up"},
	{billingdomain.ErrActivePeriodNotFound, http.StatusNotFound, "not_found", "no active billing period"},
	{billingdomain.ErrPlanNotFound, http.StatusNotFound, "not_found", "plan not found"},

	{quotadomain.ErrQuotaExceeded, http.StatusTooManyRequests, "usage_quota_exceeded", "usage quota exceeded"},
	{billingdomain.ErrDefaultPlanNotFound, http.StatusInternalServerError, "default_plan_not_found", "default plan is not configured"},
	{usagedomain.ErrStoreUnavailable, http.StatusInternalServerError, "store_unavailable", "usage data is temporarily unavailable"},

	{accessdomain.ErrInvalidUser, http.StatusBadRequest, "invalid_request", ""},
	{accessdomain.ErrInvalidOrganization, http.StatusBadRequest, "invalid_request", ""},
	{accessdomain.ErrInvalidTeam, http.StatusBadRequest, "invalid_request", ""},
	{billingdomain.ErrInvalidUser, http.StatusBadRequest, "invalid_request", ""},
	{quotadomain.ErrInvalidScope, http.StatusBadRequest, "invalid_request", ""},
	{quotadomain.ErrInvalidScopeID, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidOrganization, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidTeam, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidUser, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidScope, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidWindow, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidFeature, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidTokens, http.StatusBadRequest, "invalid_request", ""},
	{usagedomain.ErrInvalidIdempotency, http.StatusBadRequest, "invalid_request", ""},
}

// AbortWithError writes the error payload for err and stops the handler
// chain. Internal failures are logged and answered with a generic message.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)

	var verr *ValidationError
	if errors.As(err, &verr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorBody{
			Type:    "invalid_request",
			Message: verr.Message,
			Field:   verr.Field,
			Code:    verr.Code,
		}})
		return
	}

	for _, m := range errorTable {
		if !errors.Is(err, m.target) {
			continue
		}
		message := m.message
		if message == "" {
			message = m.target.Error()
		}
		if m.status >= http.StatusInternalServerError {
			logFromContext(c).Error("request failed", zap.String("type", m.kind), zap.Error(err))
		}
		c.AbortWithStatusJSON(m.status, gin.H{"error": errorBody{Type: m.kind, Message: message}})
		return
	}

	logFromContext(c).Error("unhandled error", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": errorBody{
		Type:    "internal_error",
		Message: "internal server error",
	}})
}
