package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/referralpool/internal/clock"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "referralpool",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{}), cfg: DefaultConfig()}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "referralpool",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "referralpool_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "referralpool",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "referralpool_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestAllocateRevenueJob_RecoversConfirmedRevenueOncePoolOpens(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "referralpool",
		Environment: "test",
	})

	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.recordRevenue(t, "pay_1", 6_000_00)
	h.recordRevenue(t, "pay_2", 4_000_00)

	run := func() {
		t.Helper()
		if err := h.sched.runJob(ctx, JobAllocateRevenue, h.sched.cfg.BatchSize, h.sched.cfg.JobTimeout, h.sched.AllocateRevenueJob); err != nil {
			t.Fatalf("allocate revenue job: %v", err)
		}
	}

	run()
	deferredLabels := map[string]string{
		"service": "referralpool",
		"env":     "test",
		"job":     JobAllocateRevenue,
		"reason":  obsmetrics.SchedulerBatchDeferredReasonNoOpenPool,
	}
	if got := getCounterValue(t, registry, "referralpool_scheduler_batch_deferred_total", deferredLabels); got != 1 {
		t.Fatalf("expected deferred count 1, got %v", got)
	}
	pending, err := h.revenue.ListConfirmedUnallocated(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending revenue events, got %d", len(pending))
	}

	pool := h.openPool(t)
	run()

	processedLabels := map[string]string{
		"service":  "referralpool",
		"env":      "test",
		"job":      JobAllocateRevenue,
		"resource": "revenue_event",
	}
	if got := getCounterValue(t, registry, "referralpool_scheduler_batch_processed_total", processedLabels); got != 2 {
		t.Fatalf("expected 2 processed revenue events, got %v", got)
	}
	pending, err = h.revenue.ListConfirmedUnallocated(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending revenue events, got %d", len(pending))
	}

	funded, err := h.pool.Get(ctx, pool.ID)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if funded.TotalRevenue != 10_000_00 || funded.PoolAmount != 1_000_00 {
		t.Fatalf("unexpected pool totals: revenue=%d pool=%d", funded.TotalRevenue, funded.PoolAmount)
	}

	// A second pass finds nothing left to allocate.
	run()
	if got := getCounterValue(t, registry, "referralpool_scheduler_batch_processed_total", processedLabels); got != 2 {
		t.Fatalf("expected processed count to stay 2, got %v", got)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
