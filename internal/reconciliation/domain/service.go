package domain

import (
	"context"
	"errors"
	"io"
)

type Service interface {
	// Run executes every check for reportType and stores the report. When
	// anything is off the stored report is returned together with an error
	// wrapping ErrReconciliationDiscrepancy.
	Run(ctx context.Context, reportType ReportType) (*ReconciliationReport, error)
	Get(ctx context.Context, id string) (*ReconciliationReport, error)
	List(ctx context.Context, limit int) ([]ReconciliationReport, error)
	RenderPDF(ctx context.Context, report *ReconciliationReport) (filename string, body io.Reader, err error)
}

var (
	ErrReconciliationDiscrepancy = errors.New("reconciliation_discrepancy")
	ErrInvalidReportType         = errors.New("invalid_report_type")
	ErrNotFound                  = errors.New("reconciliation_report_not_found")
	ErrRendererUnavailable       = errors.New("report_renderer_unavailable")
)
