package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"sort"
	"time"

	"go.uber.org/zap"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Alerter mails operators when a reconciliation run finds discrepancies.
// With no recipients configured it only logs.
type Alerter struct {
	provider Provider
	to       []string
	log      *zap.Logger
}

func NewAlerter(provider Provider, to []string, log *zap.Logger) *Alerter {
	return &Alerter{provider: provider, to: to, log: log.Named("alert.email")}
}

type summaryRow struct {
	Key   string
	Value string
}

type discrepancyView struct {
	ReportID    string
	ReportType  string
	CompletedAt string
	Rows        []summaryRow
}

func (a *Alerter) ReconciliationDiscrepancy(ctx context.Context, reportID string, reportType string, completedAt time.Time, summary map[string]any) error {
	if a == nil || a.provider == nil || len(a.to) == 0 {
		return nil
	}

	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([]summaryRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, summaryRow{Key: k, Value: fmt.Sprint(summary[k])})
	}

	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, "reconciliation_discrepancy.html", discrepancyView{
		ReportID:    reportID,
		ReportType:  reportType,
		CompletedAt: completedAt.UTC().Format(time.RFC3339),
		Rows:        rows,
	}); err != nil {
		return err
	}

	subject := fmt.Sprintf("[referralpool] %s reconciliation found discrepancies", reportType)
	if err := a.provider.Send(ctx, a.to, subject, body.String()); err != nil {
		return err
	}
	a.log.Info("reconciliation alert sent", zap.String("report_id", reportID), zap.Int("recipients", len(a.to)))
	return nil
}
