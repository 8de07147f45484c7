package guard

import (
	"time"

	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
)

// PayoutReleaseCutoff is the latest approval time that has cleared the hold
// window at now.
func PayoutReleaseCutoff(now time.Time, hold time.Duration) time.Time {
	if hold < 0 {
		hold = 0
	}
	return now.UTC().Add(-hold)
}

// ReconciliationDue reports whether a report of the given type should run.
// Daily runs once per UTC day and monthly once per UTC month.
func ReconciliationDue(reportType reconciliationdomain.ReportType, now time.Time, last *time.Time) bool {
	if !reportType.Valid() {
		return false
	}
	if last == nil {
		return true
	}
	now = now.UTC()
	prev := last.UTC()
	switch reportType {
	case reconciliationdomain.ReportDaily:
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return prev.Before(dayStart)
	case reconciliationdomain.ReportMonthly:
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return prev.Before(monthStart)
	}
	return false
}
