package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes money-path instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	referralTransitions metric.Int64Counter
	ledgerEntries       metric.Int64Counter
	ledgerAmount        metric.Int64Counter
	poolReservations    metric.Int64Counter
	payoutTransitions   metric.Int64Counter
	riskAssessments     metric.Int64Counter
	reconciliationRuns  metric.Int64Counter
	versionConflicts    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "referralpool"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.referralTransitions, "referralpool_referral_transitions_total", "Referral workflow transitions."},
		{&m.ledgerEntries, "referralpool_ledger_entries_total", "Ledger entries posted."},
		{&m.ledgerAmount, "referralpool_ledger_amount_minor_total", "Ledger amount posted in minor units."},
		{&m.poolReservations, "referralpool_pool_reservations_total", "Pool reserve and release attempts by outcome."},
		{&m.payoutTransitions, "referralpool_payout_transitions_total", "Payout state transitions."},
		{&m.riskAssessments, "referralpool_risk_assessments_total", "Risk assessments by level."},
		{&m.reconciliationRuns, "referralpool_reconciliation_runs_total", "Reconciliation runs by outcome."},
		{&m.versionConflicts, "referralpool_version_conflicts_total", "Optimistic version conflicts retried."},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) RecordReferralTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_state", strings.TrimSpace(from)),
		attribute.String("to_state", strings.TrimSpace(to)),
	)
	m.referralTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry counts a posted entry and its absolute amount.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, sourceType, transactionType string, amount int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("source_type", strings.TrimSpace(sourceType)),
		attribute.String("transaction_type", strings.TrimSpace(transactionType)),
	)
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
	if amount > 0 {
		m.ledgerAmount.Add(ctx, amount, metric.WithAttributes(attrs...))
	}
}

func (m *Metrics) RecordPoolReservation(ctx context.Context, role, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("role", strings.TrimSpace(role)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.poolReservations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPayoutTransition(ctx context.Context, status, method string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("status", strings.TrimSpace(status)),
		attribute.String("payout_method", strings.TrimSpace(method)),
	)
	m.payoutTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordRiskAssessment(ctx context.Context, level, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("risk_level", strings.TrimSpace(level)),
		attribute.String("action", strings.TrimSpace(action)),
	)
	m.riskAssessments.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReconciliationRun(ctx context.Context, reportType string, clean bool) {
	if m == nil {
		return
	}
	outcome := "discrepancy"
	if clean {
		outcome = "clean"
	}
	attrs := FilterAttributes(
		attribute.String("report_type", strings.TrimSpace(reportType)),
		attribute.String("outcome", outcome),
	)
	m.reconciliationRuns.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordVersionConflict(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.versionConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"from_state":       {},
	"to_state":         {},
	"source_type":      {},
	"transaction_type": {},
	"role":             {},
	"outcome":          {},
	"status":           {},
	"payout_method":    {},
	"risk_level":       {},
	"action":           {},
	"report_type":      {},
	"resource":         {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
// User and referral identifiers never become labels.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
