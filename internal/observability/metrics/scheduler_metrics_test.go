package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/referralpool/internal/authorization"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden",
			err:  authorization.ErrForbidden,
			want: SchedulerJobReasonForbidden,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "referralpool",
		Environment: "test",
	})

	metrics.AddBatchProcessed("allocate_revenue", "revenue_events", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("allocate_revenue", "revenue_events"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestSetReconciliationDiscrepancy(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "referralpool", Environment: "test"})

	metrics.SetReconciliationDiscrepancy("daily", time.Unix(1700000000, 0), map[string]int64{
		"pool":   0,
		"orphan": 5000,
	})

	if got := testutil.ToFloat64(metrics.reconciliationMagnitude.WithLabelValues("orphan")); got != 5000 {
		t.Fatalf("expected orphan magnitude 5000, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.reconciliationLastRunUTC.WithLabelValues("daily")); got != 1700000000 {
		t.Fatalf("expected last run timestamp, got %v", got)
	}
}
