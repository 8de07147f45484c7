package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("role", "student"),
		attribute.String("user_id", "456"),
		attribute.String("outcome", "reserved"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "user_id" {
			t.Fatalf("expected user_id to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordLedgerEntry(context.Background(), "referral", "referral_earned", 50)
	m.RecordPoolReservation(context.Background(), "student", "reserved")
	m.RecordReconciliationRun(context.Background(), "daily", true)
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "referralpool"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.referralTransitions == nil || m.versionConflicts == nil {
		t.Fatalf("expected counters to be initialized")
	}
	m.RecordReferralTransition(context.Background(), "under_review", "approved")
}
