package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	metricsdomain "github.com/smallbiznis/referralpool/internal/referralmetrics/domain"
)

const defaultMonthsBack = 6

func (s *Server) GetFinancialDashboardMetrics(c *gin.Context) {
	metrics, err := s.metricsSvc.GetFinancialDashboardMetrics(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": metrics})
}

func (s *Server) GetUnallocatedPool(c *gin.Context) {
	unallocated, err := s.metricsSvc.CalculateUnallocatedPool(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": unallocated})
}

type referralMetricsQuery struct {
	Start string `form:"start"`
	End   string `form:"end"`
}

func (s *Server) GetReferralMetricsRange(c *gin.Context) {
	var query referralMetricsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	start, err := parseOptionalTime(query.Start, false)
	if err != nil || start == nil {
		AbortWithError(c, newValidationError("start", "invalid_start", "invalid start"))
		return
	}
	end, err := parseOptionalTime(query.End, true)
	if err != nil || end == nil {
		AbortWithError(c, newValidationError("end", "invalid_end", "invalid end"))
		return
	}

	days, err := s.metricsSvc.GetReferralMetricsRange(c.Request.Context(), *start, *end)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": days})
}

type momGrowthQuery struct {
	BaseDate   string `form:"base_date"`
	MonthsBack string `form:"months_back"`
}

func (s *Server) GetMoMGrowth(c *gin.Context) {
	var query momGrowthQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	baseDate := time.Now().UTC()
	if parsed, err := parseOptionalTime(query.BaseDate, false); err != nil {
		AbortWithError(c, newValidationError("base_date", "invalid_base_date", "invalid base_date"))
		return
	} else if parsed != nil {
		baseDate = *parsed
	}

	monthsBack := defaultMonthsBack
	if parsed, err := parseOptionalInt(query.MonthsBack); err != nil {
		AbortWithError(c, metricsdomain.ErrInvalidMonthsBack)
		return
	} else if parsed != nil {
		monthsBack = *parsed
	}

	growth, err := s.metricsSvc.CalculateMoMGrowth(c.Request.Context(), baseDate, monthsBack)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": growth})
}

func (s *Server) ListTopReferrers(c *gin.Context) {
	limit := metricsdomain.DefaultTopSize
	if parsed, err := parseOptionalInt(c.Query("limit")); err != nil || (parsed != nil && *parsed <= 0) {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	} else if parsed != nil {
		limit = *parsed
	}

	top, err := s.metricsSvc.TopReferrers(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": top})
}
