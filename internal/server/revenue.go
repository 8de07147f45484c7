package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
)

func (s *Server) RecordRevenue(c *gin.Context) {
	var req revenuedomain.RecordRequest
	if !bindJSON(c, &req) {
		return
	}
	event, err := s.revenueSvc.Record(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": event})
}

func (s *Server) ConfirmRevenue(c *gin.Context) {
	id, ok := pathUUID(c, "id", "")
	if !ok {
		return
	}
	event, err := s.revenueSvc.Confirm(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": event})
}

func (s *Server) VoidRevenue(c *gin.Context) {
	id, ok := pathUUID(c, "id", "")
	if !ok {
		return
	}
	var req reasonRequest
	if !bindJSON(c, &req) {
		return
	}
	event, err := s.revenueSvc.Void(c.Request.Context(), id, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": event})
}

// AllocateRevenue folds a confirmed event into the open pool and answers
// with the updated pool.
func (s *Server) AllocateRevenue(c *gin.Context) {
	id, ok := pathUUID(c, "id", "")
	if !ok {
		return
	}
	pool, err := s.poolSvc.AllocateRevenue(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pool})
}
