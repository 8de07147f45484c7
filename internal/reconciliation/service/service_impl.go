package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/auditcontext"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	"github.com/smallbiznis/referralpool/internal/providers/pdf"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const systemActorID = "reconciliation"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	LedgerSvc  ledgerdomain.Service
	AuditSvc   auditdomain.Service
	Renderer   pdf.Provider        `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	ledgerSvc  ledgerdomain.Service
	auditSvc   auditdomain.Service
	renderer   pdf.Provider
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) reconciliationdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		ledgerSvc:  p.LedgerSvc,
		auditSvc:   p.AuditSvc,
		renderer:   p.Renderer,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

// Run never mutates money tables. The checks run concurrently on their own
// reads; only the report row, its audit entry and outbox event are written.
func (s *Service) Run(ctx context.Context, reportType reconciliationdomain.ReportType) (*reconciliationdomain.ReconciliationReport, error) {
	if !reportType.Valid() {
		return nil, reconciliationdomain.ErrInvalidReportType
	}
	started := s.clock.Now().UTC()

	var (
		pools   poolResult
		ledger  ledgerResult
		orphans orphanResult
		payouts payoutResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		pools, err = s.checkPools(gctx)
		return err
	})
	g.Go(func() (err error) {
		ledger, err = s.checkLedger(gctx)
		return err
	})
	g.Go(func() (err error) {
		orphans, err = s.checkOrphans(gctx)
		return err
	})
	if reportType == reconciliationdomain.ReportMonthly {
		g.Go(func() (err error) {
			payouts, err = s.checkPayouts(gctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Error("reconciliation checks failed", zap.String("report_type", string(reportType)), zap.Error(err))
		return nil, err
	}

	findings := make([]reconciliationdomain.Discrepancy, 0,
		len(pools.findings)+len(ledger.findings)+len(orphans.findings)+len(payouts.findings))
	findings = append(findings, pools.findings...)
	findings = append(findings, ledger.findings...)
	findings = append(findings, orphans.findings...)
	findings = append(findings, payouts.findings...)
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Check != findings[j].Check {
			return findings[i].Check < findings[j].Check
		}
		return findings[i].Subject < findings[j].Subject
	})

	completedBy := systemActorID
	if _, actorID, ok := auditcontext.HumanActor(ctx); ok {
		completedBy = actorID
	} else {
		ctx = auditcontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), systemActorID)
	}

	now := s.clock.Now().UTC()
	report := reconciliationdomain.ReconciliationReport{
		ID:                     ulid.Make().String(),
		ReportType:             reportType,
		PoolReconciled:         pools.spentDiscrepancy == 0,
		PoolDiscrepancy:        pools.spentDiscrepancy,
		LedgerReconciled:       ledger.discrepancy == 0 && !ledger.diverged,
		LedgerDiscrepancy:      ledger.discrepancy,
		OrphanedReferralsFound: len(orphans.ids),
		OrphanedReferralIDs:    datatypes.JSONSlice[string](nonNil(orphans.ids)),
		NegativeBalancesFound:  len(ledger.negativeUsers),
		NegativeBalanceUsers:   datatypes.JSONSlice[string](nonNil(ledger.negativeUsers)),
		RevenueAllocationMatch: pools.revenueDiscrepancy == 0,
		RevenueDiscrepancy:     pools.revenueDiscrepancy,
		PayoutsReconciled:      payouts.discrepancy == 0,
		PayoutDiscrepancy:      payouts.discrepancy,
		Discrepancies:          datatypes.JSONSlice[reconciliationdomain.Discrepancy](findings),
		CompletedBy:            completedBy,
		CreatedAt:              started,
		CompletedAt:            now,
	}
	if orphans.amount > 0 {
		note := fmt.Sprintf("orphaned commission total %s", formatAmount(orphans.amount))
		report.Notes = &note
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&report).Error; err != nil {
			return err
		}
		if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:     auditdomain.ActionReconciliationCompleted,
			TargetType: auditdomain.TargetReconciliation,
			TargetID:   report.ID,
			After:      report.Summary(),
		}); err != nil {
			return err
		}
		return s.outbox.PublishTx(ctx, tx, events.Event{
			Type:        events.TypeReconciliationDone,
			AggregateID: report.ID,
			Payload:     report.Summary(),
		})
	})
	if err != nil {
		return nil, err
	}

	clean := report.Clean()
	s.obsMetrics.RecordReconciliationRun(ctx, string(reportType), clean)
	fields := []zap.Field{
		zap.String("report_id", report.ID),
		zap.String("report_type", string(reportType)),
		zap.Int64("pool_discrepancy", report.PoolDiscrepancy),
		zap.Int64("ledger_discrepancy", report.LedgerDiscrepancy),
		zap.Int64("revenue_discrepancy", report.RevenueDiscrepancy),
		zap.Int64("payout_discrepancy", report.PayoutDiscrepancy),
		zap.Int("orphaned_referrals", report.OrphanedReferralsFound),
		zap.Int("negative_balances", report.NegativeBalancesFound),
		zap.Duration("duration", now.Sub(started)),
	}
	if !clean {
		s.log.Warn("reconciliation found discrepancies", fields...)
		return &report, fmt.Errorf("%w: %d finding(s)", reconciliationdomain.ErrReconciliationDiscrepancy, len(findings))
	}
	s.log.Info("reconciliation clean", fields...)
	return &report, nil
}

func (s *Service) Get(ctx context.Context, id string) (*reconciliationdomain.ReconciliationReport, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, reconciliationdomain.ErrNotFound
	}
	var report reconciliationdomain.ReconciliationReport
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&report).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconciliationdomain.ErrNotFound
		}
		return nil, err
	}
	return &report, nil
}

func (s *Service) List(ctx context.Context, limit int) ([]reconciliationdomain.ReconciliationReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var reports []reconciliationdomain.ReconciliationReport
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&reports).Error
	return reports, err
}

func (s *Service) RenderPDF(ctx context.Context, report *reconciliationdomain.ReconciliationReport) (string, io.Reader, error) {
	if report == nil {
		return "", nil, reconciliationdomain.ErrNotFound
	}
	if s.renderer == nil {
		return "", nil, reconciliationdomain.ErrRendererUnavailable
	}
	body, err := s.renderer.RenderReconciliation(ctx, printable(report))
	if err != nil {
		return "", nil, err
	}
	name := slug.Make(fmt.Sprintf("reconciliation %s %s %s",
		report.ReportType,
		report.CompletedAt.UTC().Format("2006-01-02"),
		report.ID,
	))
	return name + ".pdf", body, nil
}

func printable(report *reconciliationdomain.ReconciliationReport) pdf.ReconciliationData {
	status := "CLEAN"
	if !report.Clean() {
		status = "DISCREPANCIES"
	}
	data := pdf.ReconciliationData{
		ReportID:    report.ID,
		ReportType:  string(report.ReportType),
		CompletedAt: report.CompletedAt.UTC().Format(time.RFC3339),
		CompletedBy: report.CompletedBy,
		Status:      status,
		Checks: []pdf.CheckRow{
			{Name: "Pool spent", Passed: report.PoolReconciled, Discrepancy: formatAmount(report.PoolDiscrepancy)},
			{Name: "Pool revenue", Passed: report.RevenueAllocationMatch, Discrepancy: formatAmount(report.RevenueDiscrepancy)},
			{Name: "Ledger balances", Passed: report.LedgerReconciled, Discrepancy: formatAmount(report.LedgerDiscrepancy)},
			{
				Name:   "Orphaned referrals",
				Passed: report.OrphanedReferralsFound == 0,
				Detail: fmt.Sprintf("%d found", report.OrphanedReferralsFound),
			},
			{
				Name:   "Negative balances",
				Passed: report.NegativeBalancesFound == 0,
				Detail: strings.Join(report.NegativeBalanceUsers, ", "),
			},
		},
	}
	if report.ReportType == reconciliationdomain.ReportMonthly {
		data.Checks = append(data.Checks, pdf.CheckRow{
			Name:        "Payout debits",
			Passed:      report.PayoutsReconciled,
			Discrepancy: formatAmount(report.PayoutDiscrepancy),
		})
	}
	for _, d := range report.Discrepancies {
		data.Discrepancies = append(data.Discrepancies, pdf.DiscrepancyRow{
			Check:    string(d.Check),
			Subject:  d.Subject,
			Expected: formatAmount(d.Expected),
			Actual:   formatAmount(d.Actual),
		})
	}
	if report.Notes != nil {
		data.Notes = *report.Notes
	}
	return data
}

func formatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
