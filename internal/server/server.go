package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/referralpool/internal/audit"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/authorization"
	"github.com/smallbiznis/referralpool/internal/cache"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	"github.com/smallbiznis/referralpool/internal/ledger"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	"github.com/smallbiznis/referralpool/internal/observability"
	obsmiddleware "github.com/smallbiznis/referralpool/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	obstracing "github.com/smallbiznis/referralpool/internal/observability/tracing"
	"github.com/smallbiznis/referralpool/internal/payout"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	"github.com/smallbiznis/referralpool/internal/pool"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	"github.com/smallbiznis/referralpool/internal/providers"
	"github.com/smallbiznis/referralpool/internal/ratelimit"
	"github.com/smallbiznis/referralpool/internal/reconciliation"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	"github.com/smallbiznis/referralpool/internal/referral"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	"github.com/smallbiznis/referralpool/internal/referralmetrics"
	metricsdomain "github.com/smallbiznis/referralpool/internal/referralmetrics/domain"
	"github.com/smallbiznis/referralpool/internal/revenue"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	"github.com/smallbiznis/referralpool/internal/risk"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// DomainModules provides every service the HTTP surface and the scheduler
// share.
var DomainModules = fx.Options(
	authorization.Module,
	audit.Module,
	events.Module,
	cache.Module,
	ratelimit.Module,
	providers.Module,
	ledger.Module,
	revenue.Module,
	pool.Module,
	risk.Module,
	referral.Module,
	payout.Module,
	reconciliation.Module,
	referralmetrics.Module,
)

var Module = fx.Module("http.server",
	DomainModules,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine            *gin.Engine
	cfg               config.Config
	log               *zap.Logger
	authzSvc          authorization.Service
	auditSvc          auditdomain.Service
	ledgerSvc         ledgerdomain.Service
	poolSvc           pooldomain.Service
	revenueSvc        revenuedomain.Service
	referralSvc       referraldomain.Service
	payoutSvc         payoutdomain.Service
	reconciliationSvc reconciliationdomain.Service
	metricsSvc        metricsdomain.Service
	adminLimiter      *ratelimit.AdminLimiter
}

type ServerParams struct {
	fx.In

	Gin               *gin.Engine
	Cfg               config.Config
	Log               *zap.Logger
	AuthzSvc          authorization.Service
	AuditSvc          auditdomain.Service
	LedgerSvc         ledgerdomain.Service
	PoolSvc           pooldomain.Service
	RevenueSvc        revenuedomain.Service
	ReferralSvc       referraldomain.Service
	PayoutSvc         payoutdomain.Service
	ReconciliationSvc reconciliationdomain.Service
	MetricsSvc        metricsdomain.Service
	AdminLimiter      *ratelimit.AdminLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:            p.Gin,
		cfg:               p.Cfg,
		log:               p.Log.Named("http.server"),
		authzSvc:          p.AuthzSvc,
		auditSvc:          p.AuditSvc,
		ledgerSvc:         p.LedgerSvc,
		poolSvc:           p.PoolSvc,
		revenueSvc:        p.RevenueSvc,
		referralSvc:       p.ReferralSvc,
		payoutSvc:         p.PayoutSvc,
		reconciliationSvc: p.ReconciliationSvc,
		metricsSvc:        p.MetricsSvc,
		adminLimiter:      p.AdminLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/v1")

	// -------- Dashboard --------
	api.GET("/dashboard/financial-metrics", s.GetFinancialDashboardMetrics)
	api.GET("/dashboard/top-referrers", s.ListTopReferrers)
	api.GET("/pool/unallocated", s.GetUnallocatedPool)
	api.GET("/metrics/referrals", s.GetReferralMetricsRange)
	api.GET("/metrics/mom-growth", s.GetMoMGrowth)

	// -------- Lookups --------
	api.GET("/referrals", s.ListReferrals)
	api.GET("/referrals/:id", s.GetReferral)
	api.GET("/payouts", s.ListPayouts)
	api.GET("/payouts/:id", s.GetPayout)
	api.GET("/pools", s.ListPools)
	api.GET("/pools/current", s.GetCurrentPool)
	api.GET("/users/:id/balance", s.GetUserBalance)
	api.GET("/users/:id/ledger", s.ListUserLedger)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin/v1")

	admin.Use(s.ActorRequired())
	admin.Use(s.AdminRateLimit())

	// -------- Referrals --------
	admin.POST("/referrals", s.authorize(authorization.ObjectReferral, authorization.ActionReferralCreate), s.CreateReferral)
	admin.POST("/referrals/:id/review", s.authorize(authorization.ObjectReferral, authorization.ActionReferralReview), s.StartReferralReview)
	admin.POST("/referrals/:id/approve", s.authorize(authorization.ObjectReferral, authorization.ActionReferralApprove), s.ApproveReferral)
	admin.POST("/referrals/:id/reject", s.authorize(authorization.ObjectReferral, authorization.ActionReferralReject), s.RejectReferral)
	admin.POST("/referrals/:id/reverse", s.authorize(authorization.ObjectReferral, authorization.ActionReferralReverse), s.ReverseReferral)
	admin.POST("/referrals/:id/flag-fraud", s.authorize(authorization.ObjectReferral, authorization.ActionReferralFlagFraud), s.FlagReferralFraud)
	admin.POST("/referrals/:id/schedule-payout", s.authorize(authorization.ObjectReferral, authorization.ActionReferralSchedulePayout), s.ScheduleReferralPayout)
	admin.POST("/risk-assessments/:id/dismiss", s.authorize(authorization.ObjectRiskAssessment, authorization.ActionRiskDismiss), s.DismissRiskAssessment)

	// -------- Pools --------
	admin.POST("/pools", s.authorize(authorization.ObjectPool, authorization.ActionPoolOpen), s.OpenPool)
	admin.POST("/pools/:id/close", s.authorize(authorization.ObjectPool, authorization.ActionPoolClose), s.ClosePool)
	admin.POST("/pools/:id/finalize", s.authorize(authorization.ObjectPool, authorization.ActionPoolFinalize), s.FinalizePool)

	// -------- Revenue --------
	admin.POST("/revenue-events", s.authorize(authorization.ObjectRevenueEvent, authorization.ActionRevenueRecord), s.RecordRevenue)
	admin.POST("/revenue-events/:id/confirm", s.authorize(authorization.ObjectRevenueEvent, authorization.ActionRevenueConfirm), s.ConfirmRevenue)
	admin.POST("/revenue-events/:id/void", s.authorize(authorization.ObjectRevenueEvent, authorization.ActionRevenueVoid), s.VoidRevenue)
	admin.POST("/revenue-events/:id/allocate", s.authorize(authorization.ObjectRevenueEvent, authorization.ActionRevenueAllocate), s.AllocateRevenue)

	// -------- Payouts --------
	admin.POST("/payouts", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutRequest), s.RequestPayout)
	admin.POST("/payouts/:id/approve", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutApprove), s.ApprovePayout)
	admin.POST("/payouts/:id/mark-paid", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutMarkPaid), s.MarkPayoutPaid)
	admin.POST("/payouts/:id/cancel", s.authorize(authorization.ObjectPayout, authorization.ActionPayoutCancel), s.CancelPayout)

	// -------- Ledger --------
	admin.POST("/ledger/adjustments", s.authorize(authorization.ObjectLedger, authorization.ActionLedgerAdjust), s.PostLedgerAdjustment)

	// -------- Reconciliation --------
	admin.POST("/reconciliation/run", s.authorize(authorization.ObjectReconciliation, authorization.ActionReconciliationRun), s.RunReconciliation)
	admin.GET("/reconciliation/reports", s.authorize(authorization.ObjectReconciliation, authorization.ActionReconciliationView), s.ListReconciliationReports)
	admin.GET("/reconciliation/reports/:id", s.authorize(authorization.ObjectReconciliation, authorization.ActionReconciliationView), s.GetReconciliationReport)
	admin.GET("/reconciliation/reports/:id/pdf", s.authorize(authorization.ObjectReconciliation, authorization.ActionReconciliationView), s.DownloadReconciliationReport)

	admin.GET("/audit-logs", s.authorize(authorization.ObjectAuditLog, authorization.ActionAuditLogView), s.ListAuditLogs)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
