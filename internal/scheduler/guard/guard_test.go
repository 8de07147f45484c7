package guard

import (
	"testing"
	"time"

	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	"github.com/stretchr/testify/require"
)

func TestPayoutReleaseCutoff(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	require.Equal(t, now.Add(-72*time.Hour), PayoutReleaseCutoff(now, 72*time.Hour))
	require.Equal(t, now, PayoutReleaseCutoff(now, -time.Hour))
}

func TestReconciliationDue(t *testing.T) {
	now := time.Date(2026, 10, 15, 3, 0, 0, 0, time.UTC)
	at := func(v time.Time) *time.Time { return &v }

	tests := []struct {
		name       string
		reportType reconciliationdomain.ReportType
		last       *time.Time
		want       bool
	}{
		{"daily never run", reconciliationdomain.ReportDaily, nil, true},
		{"daily ran today", reconciliationdomain.ReportDaily, at(time.Date(2026, 10, 15, 0, 5, 0, 0, time.UTC)), false},
		{"daily ran yesterday", reconciliationdomain.ReportDaily, at(time.Date(2026, 10, 14, 23, 59, 0, 0, time.UTC)), true},
		{"monthly ran this month", reconciliationdomain.ReportMonthly, at(time.Date(2026, 10, 1, 0, 1, 0, 0, time.UTC)), false},
		{"monthly ran last month", reconciliationdomain.ReportMonthly, at(time.Date(2026, 9, 30, 22, 0, 0, 0, time.UTC)), true},
		{"unknown type", reconciliationdomain.ReportType("weekly"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ReconciliationDue(tt.reportType, now, tt.last))
		})
	}
}
