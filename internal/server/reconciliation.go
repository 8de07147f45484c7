package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	"go.uber.org/zap"
)

type runReconciliationRequest struct {
	ReportType reconciliationdomain.ReportType `json:"report_type"`
}

type reconciliationRunResponse struct {
	Report *reconciliationdomain.ReconciliationReport `json:"report"`
	Clean  bool                                       `json:"clean"`
}

// RunReconciliation answers 200 even when discrepancies are found: the report
// was stored and describes them. Only a failed run is an error.
func (s *Server) RunReconciliation(c *gin.Context) {
	var req runReconciliationRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if strings.TrimSpace(string(req.ReportType)) == "" {
		req.ReportType = reconciliationdomain.ReportDaily
	}

	report, err := s.reconciliationSvc.Run(c.Request.Context(), req.ReportType)
	if err != nil && !(errors.Is(err, reconciliationdomain.ErrReconciliationDiscrepancy) && report != nil) {
		AbortWithError(c, err)
		return
	}
	if err != nil {
		s.log.Warn("reconciliation found discrepancies",
			zap.String("report_type", string(req.ReportType)),
			zap.Any("summary", report.Summary()),
		)
	}
	c.JSON(http.StatusOK, gin.H{"data": reconciliationRunResponse{Report: report, Clean: report.Clean()}})
}

func (s *Server) ListReconciliationReports(c *gin.Context) {
	limit := 0
	if parsed, err := parseOptionalInt(c.Query("limit")); err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	} else if parsed != nil {
		limit = *parsed
	}

	reports, err := s.reconciliationSvc.List(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reports})
}

func (s *Server) GetReconciliationReport(c *gin.Context) {
	report, err := s.reconciliationSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func (s *Server) DownloadReconciliationReport(c *gin.Context) {
	ctx := c.Request.Context()
	report, err := s.reconciliationSvc.Get(ctx, c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	filename, body, err := s.reconciliationSvc.RenderPDF(ctx, report)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Header("Content-Type", "application/pdf")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		s.log.Warn("failed to stream reconciliation report", zap.String("report_id", report.ID), zap.Error(err))
	}
}
