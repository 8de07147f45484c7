package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
)

const defaultPoolListLimit = 12

func (s *Server) ListPools(c *gin.Context) {
	limit := defaultPoolListLimit
	if parsed, err := parseOptionalInt(c.Query("limit")); err != nil || (parsed != nil && *parsed <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	} else if parsed != nil {
		limit = *parsed
	}

	pools, err := s.poolSvc.List(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pools})
}

func (s *Server) GetCurrentPool(c *gin.Context) {
	pool, err := s.poolSvc.Current(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pool})
}

func (s *Server) OpenPool(c *gin.Context) {
	var req pooldomain.OpenPeriodRequest
	if !bindJSON(c, &req) {
		return
	}
	pool, err := s.poolSvc.OpenPeriod(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": pool})
}

func (s *Server) ClosePool(c *gin.Context) {
	id, ok := pathUUID(c, "id", "")
	if !ok {
		return
	}
	pool, err := s.poolSvc.ClosePeriod(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pool})
}

func (s *Server) FinalizePool(c *gin.Context) {
	id, ok := pathUUID(c, "id", "")
	if !ok {
		return
	}
	pool, err := s.poolSvc.FinalizePeriod(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": pool})
}
