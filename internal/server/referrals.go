package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
)

const contextReferralIDKey = "referral_id"

// referralResponse keeps the workflow state and the human reason at the top
// level so clients do not have to dig into the referral body.
type referralResponse struct {
	Referral      *referraldomain.ReferralEvent `json:"referral"`
	WorkflowState referraldomain.State          `json:"workflow_state"`
	Reason        string                        `json:"reason,omitempty"`
}

func newReferralResponse(ref *referraldomain.ReferralEvent) referralResponse {
	resp := referralResponse{Referral: ref}
	if ref == nil {
		return resp
	}
	resp.WorkflowState = ref.WorkflowState
	switch {
	case ref.RejectionReason != nil:
		resp.Reason = *ref.RejectionReason
	case ref.ReversalReason != nil:
		resp.Reason = *ref.ReversalReason
	}
	return resp
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) GetReferral(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	ref, err := s.referralSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newReferralResponse(ref)})
}

func (s *Server) ListReferrals(c *gin.Context) {
	var req referraldomain.ListReferralRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.ReferrerID = strings.TrimSpace(req.ReferrerID)
	req.State = strings.TrimSpace(req.State)

	resp, err := s.referralSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Referrals, "page_info": resp.PageInfo})
}

func (s *Server) CreateReferral(c *gin.Context) {
	var req referraldomain.CreateReferralRequest
	if !bindJSON(c, &req) {
		return
	}
	ref, err := s.referralSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextReferralIDKey, ref.ID.String())
	c.JSON(http.StatusCreated, gin.H{"data": newReferralResponse(ref)})
}

func (s *Server) StartReferralReview(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	ref, err := s.referralSvc.StartReview(c.Request.Context(), id, requestActor(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newReferralResponse(ref)})
}

// ApproveReferral answers 200 for a risk auto-rejection too; the outcome
// carries the rejected state and the reason.
func (s *Server) ApproveReferral(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	outcome, err := s.referralSvc.Approve(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

func (s *Server) RejectReferral(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	ref, err := s.referralSvc.Reject(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newReferralResponse(ref)})
}

func (s *Server) ReverseReferral(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	ref, err := s.referralSvc.Reverse(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newReferralResponse(ref)})
}

func (s *Server) FlagReferralFraud(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	var req notesRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	ref, err := s.referralSvc.AdminFlagReferralFraud(c.Request.Context(), id, req.Notes)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newReferralResponse(ref)})
}

func (s *Server) ScheduleReferralPayout(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextReferralIDKey)
	if !ok {
		return
	}
	ref, err := s.referralSvc.SchedulePayout(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": newReferralResponse(ref)})
}

func (s *Server) DismissRiskAssessment(c *gin.Context) {
	id, ok := pathUUID(c, "id", "")
	if !ok {
		return
	}
	var req notesRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	assessment, err := s.referralSvc.AdminDismissRiskAssessment(c.Request.Context(), id, req.Notes)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": assessment})
}
