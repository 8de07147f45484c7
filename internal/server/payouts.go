package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
)

const contextPayoutIDKey = "payout_id"

type markPaidRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) GetPayout(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextPayoutIDKey)
	if !ok {
		return
	}
	payout, err := s.payoutSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) ListPayouts(c *gin.Context) {
	var req payoutdomain.ListPayoutRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.Status = strings.TrimSpace(req.Status)

	resp, err := s.payoutSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Payouts, "page_info": resp.PageInfo})
}

func (s *Server) RequestPayout(c *gin.Context) {
	var req payoutdomain.RequestPayoutRequest
	if !bindJSON(c, &req) {
		return
	}
	payout, err := s.payoutSvc.RequestPayout(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextPayoutIDKey, payout.ID.String())
	c.JSON(http.StatusCreated, gin.H{"data": payout})
}

func (s *Server) ApprovePayout(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextPayoutIDKey)
	if !ok {
		return
	}
	payout, err := s.payoutSvc.Approve(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) MarkPayoutPaid(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextPayoutIDKey)
	if !ok {
		return
	}
	var req markPaidRequest
	if !bindJSON(c, &req) {
		return
	}
	payout, err := s.payoutSvc.MarkPaid(c.Request.Context(), id, req.TransactionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) CancelPayout(c *gin.Context) {
	id, ok := pathUUID(c, "id", contextPayoutIDKey)
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	payout, err := s.payoutSvc.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": payout})
}
