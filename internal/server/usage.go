package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	meteringdomain "github.com/railzwaylabs/tokenmeter/internal/metering/domain"
	usagedomain "github.com/railzwaylabs/tokenmeter/internal/usage/domain"
)

type recordUsageRequest struct {
	OrganizationID string         `json:"organization_id"`
	TeamID         *string        `json:"team_id,omitempty"`
	Feature        string         `json:"feature"`
	TokensUsed     *int64         `json:"tokens_used"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// @Summary      Organization Usage
// @Description  Current-month usage of the caller's organization, with member and team breakdowns
// @Tags         usage
// @Produce      json
// @Security     BearerAuth
// @Param        X-Org-Id  header  string  false  "Organization ID"
// @Success      200  {object}  meteringdomain.OrganizationReport
// @Router       /usage/organization [get]
func (s *Server) GetOrganizationUsage(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.meteringSvc.OrganizationReport(c.Request.Context(), userID, requestedOrgID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondOK(c, report)
}

// @Summary      Team Usage
// @Description  Current-month usage of one team
// @Tags         usage
// @Produce      json
// @Security     BearerAuth
// @Param        teamId  path  string  true  "Team ID"
// @Success      200  {object}  meteringdomain.TeamReport
// @Router       /usage/team/{teamId} [get]
func (s *Server) GetTeamUsage(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	teamID := strings.TrimSpace(c.Param("teamId"))
	if teamID == "" {
		AbortWithError(c, newValidationError("team_id", "required", "team_id is required"))
		return
	}

	report, err := s.meteringSvc.TeamReport(c.Request.Context(), userID, teamID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondOK(c, report)
}

// @Summary      Quota Status
// @Description  Quota evaluation for the caller's organization and the advised polling interval
// @Tags         usage
// @Produce      json
// @Security     BearerAuth
// @Param        X-Org-Id  header  string  false  "Organization ID"
// @Success      200  {object}  meteringdomain.QuotaStatusReport
// @Router       /usage/quota-status [get]
func (s *Server) GetQuotaStatus(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	report, err := s.meteringSvc.QuotaStatus(c.Request.Context(), userID, requestedOrgID(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondOK(c, report)
}

// @Summary      Record Usage
// @Description  Record a token-consumption event for the caller
// @Tags         usage
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        request body recordUsageRequest true "Usage event"
// @Success      201  {object}  usagedomain.UsageEvent
// @Router       /usage/events [post]
func (s *Server) RecordUsage(c *gin.Context) {
	userID, err := userIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.TokensUsed == nil {
		AbortWithError(c, newValidationError("tokens_used", "required", "tokens_used is required"))
		return
	}

	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		orgID = requestedOrgID(c)
	}
	if req.TeamID != nil {
		team := strings.TrimSpace(*req.TeamID)
		req.TeamID = &team
		if team == "" {
			req.TeamID = nil
		}
	}

	event, err := s.meteringSvc.Record(c.Request.Context(), userID, meteringdomain.RecordRequest{
		OrganizationID: orgID,
		TeamID:         req.TeamID,
		Feature:        usagedomain.Feature(strings.TrimSpace(req.Feature)),
		TokensUsed:     *req.TokensUsed,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKeyFromHeader(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondCreated(c, event)
}

func requestedOrgID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(headerOrgID))
}
