package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	auditrepo "github.com/smallbiznis/referralpool/internal/audit/repository"
	auditservice "github.com/smallbiznis/referralpool/internal/audit/service"
	"github.com/smallbiznis/referralpool/internal/authorization"
	"github.com/smallbiznis/referralpool/internal/cache"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/config"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/referralpool/internal/ledger/service"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	payoutservice "github.com/smallbiznis/referralpool/internal/payout/service"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	poolservice "github.com/smallbiznis/referralpool/internal/pool/service"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	reconciliationservice "github.com/smallbiznis/referralpool/internal/reconciliation/service"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	referralservice "github.com/smallbiznis/referralpool/internal/referral/service"
	metricsservice "github.com/smallbiznis/referralpool/internal/referralmetrics/service"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	revenueservice "github.com/smallbiznis/referralpool/internal/revenue/service"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	riskservice "github.com/smallbiznis/referralpool/internal/risk/service"
	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	srv    *Server
	engine *gin.Engine
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn := testutil.OpenDB(t,
		&referraldomain.ReferralEvent{},
		&pooldomain.RecruitmentPool{},
		&revenuedomain.RevenueEvent{},
		&ledgerdomain.LedgerEntry{},
		&ledgerdomain.LedgerAccount{},
		&riskdomain.RiskAssessment{},
		&payoutdomain.Payout{},
		&auditdomain.AdminFinancialLog{},
		&reconciliationdomain.ReconciliationReport{},
		&events.OutboxEvent{},
	)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	commission := config.NewStaticCommissionConfigHolder(config.DefaultCommissionConfig())
	outbox := events.NewOutbox(events.OutboxParams{Log: log, Clock: clk})

	auditSvc := auditservice.NewService(auditservice.Params{DB: conn, Log: log, Repo: auditrepo.Provide(), Clock: clk})
	revenueSvc := revenueservice.NewService(revenueservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Clock: clk})
	poolSvc := poolservice.NewService(poolservice.Params{
		DB:         conn,
		Log:        log,
		RevenueSvc: revenueSvc,
		AuditSvc:   auditSvc,
		Commission: commission,
		Clock:      clk,
		Outbox:     outbox,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: conn, Log: log, AuditSvc: auditSvc, Clock: clk, Outbox: outbox})
	riskSvc := riskservice.NewService(riskservice.Params{
		DB:         conn,
		Log:        log,
		History:    riskservice.NewHistoryProvider(conn),
		AuditSvc:   auditSvc,
		Commission: commission,
		Clock:      clk,
	})
	referralSvc := referralservice.NewService(referralservice.Params{
		DB:        conn,
		Log:       log,
		PoolSvc:   poolSvc,
		LedgerSvc: ledgerSvc,
		RiskSvc:   riskSvc,
		AuditSvc:  auditSvc,
		Clock:     clk,
		Outbox:    outbox,
	})
	payoutSvc := payoutservice.NewService(payoutservice.Params{
		DB:         conn,
		Log:        log,
		LedgerSvc:  ledgerSvc,
		AuditSvc:   auditSvc,
		Commission: commission,
		Clock:      clk,
		Outbox:     outbox,
	})
	reconciliationSvc := reconciliationservice.NewService(reconciliationservice.Params{
		DB:        conn,
		Log:       log,
		LedgerSvc: ledgerSvc,
		AuditSvc:  auditSvc,
		Clock:     clk,
		Outbox:    outbox,
	})
	metricsSvc := metricsservice.NewService(metricsservice.Params{
		DB:      conn,
		Log:     log,
		PoolSvc: poolSvc,
		Config:  config.Config{},
		Cache:   cache.NewMemoryStore(),
		Clock:   clk,
	})
	enforcer, err := authorization.NewEnforcer(conn)
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := NewServer(ServerParams{
		Gin:               engine,
		Log:               log,
		AuthzSvc:          authzSvc,
		AuditSvc:          auditSvc,
		LedgerSvc:         ledgerSvc,
		PoolSvc:           poolSvc,
		RevenueSvc:        revenueSvc,
		ReferralSvc:       referralSvc,
		PayoutSvc:         payoutSvc,
		ReconciliationSvc: reconciliationSvc,
		MetricsSvc:        metricsSvc,
	})
	return testServer{srv: srv, engine: engine}
}

type actor struct {
	id   string
	role string
}

var (
	adminActor    = actor{id: "admin_1", role: authorization.RoleAdmin}
	reviewerActor = actor{id: "reviewer_1", role: authorization.RoleReviewer}
)

func (ts testServer) do(t *testing.T, method, path string, as *actor, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if as != nil {
		req.Header.Set(HeaderActorID, as.id)
		req.Header.Set(HeaderActorRole, as.role)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

func (ts testServer) openPool(t *testing.T) pooldomain.RecruitmentPool {
	t.Helper()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	w := ts.do(t, http.MethodPost, "/admin/v1/pools", &adminActor, map[string]any{
		"period_type":  "monthly",
		"period_start": start,
		"period_end":   start.AddDate(0, 1, 0),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pool pooldomain.RecruitmentPool
	decodeData(t, w, &pool)
	return pool
}

func (ts testServer) fundPool(t *testing.T, amount int64) {
	t.Helper()
	ts.openPool(t)
	w := ts.do(t, http.MethodPost, "/admin/v1/revenue-events", &adminActor, map[string]any{
		"amount":      amount,
		"currency":    "PHP",
		"source_type": "payment",
		"source_id":   "pay_" + uuid.NewString(),
		"confirmed":   true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var event revenuedomain.RevenueEvent
	decodeData(t, w, &event)

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/revenue-events/%s/allocate", event.ID), &adminActor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminRoutes_RequireActor(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/pools", nil, map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decodeError(t, w).Code)

	w = ts.do(t, http.MethodPost, "/admin/v1/pools", &actor{id: "system", role: authorization.RoleSystem}, map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes_EnforceRoles(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/pools", &reviewerActor, map[string]any{"period_type": "monthly"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decodeError(t, w).Code)

	w = ts.do(t, http.MethodPost, "/admin/v1/pools", &actor{id: "mallory", role: authorization.RoleSystem}, map[string]any{})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/admin/v1/pools", &actor{id: "nobody"}, map[string]any{})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "invalid_role", decodeError(t, w).Code)
}

func TestOpenPool_SecondOpenConflicts(t *testing.T) {
	ts := newTestServer(t)
	pool := ts.openPool(t)
	assert.Equal(t, pooldomain.StatusOpen, pool.Status)

	start := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	w := ts.do(t, http.MethodPost, "/admin/v1/pools", &adminActor, map[string]any{
		"period_type":  "monthly",
		"period_start": start,
		"period_end":   start.AddDate(0, 1, 0),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	payload := decodeError(t, w)
	assert.Equal(t, "conflict", payload.Type)
	assert.Equal(t, "pool_already_open", payload.Code)
}

func TestGetReferral_InvalidAndMissing(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/v1/referrals/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_id", payload.Errors[0].Code)

	w = ts.do(t, http.MethodGet, "/api/v1/referrals/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "referral_not_found", decodeError(t, w).Code)
}

func TestReferralFlow_ApproveCreditsBalance(t *testing.T) {
	ts := newTestServer(t)
	ts.fundPool(t, 10_000_00)

	w := ts.do(t, http.MethodPost, "/admin/v1/referrals", &reviewerActor, map[string]any{
		"referrer_id":       "user_a",
		"referred_id":       "user_b",
		"event_type":        "student_subscription",
		"commission_amount": 50_00,
		"referrer_ip":       "10.0.0.1",
		"referred_ip":       "10.0.0.2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created referralResponse
	decodeData(t, w, &created)
	assert.Equal(t, referraldomain.StatePending, created.WorkflowState)
	id := created.Referral.ID

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/referrals/%s/review", id), &reviewerActor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/referrals/%s/approve", id), &reviewerActor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var outcome struct {
		State  referraldomain.State `json:"workflow_state"`
		Reason string               `json:"reason"`
	}
	decodeData(t, w, &outcome)
	assert.Equal(t, referraldomain.StateApproved, outcome.State)

	w = ts.do(t, http.MethodGet, "/api/v1/users/user_a/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var balance balanceResponse
	decodeData(t, w, &balance)
	assert.Equal(t, int64(50_00), balance.Balance)

	// reviewers may not reverse
	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/referrals/%s/reverse", id), &reviewerActor, map[string]any{"reason": "chargeback"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/referrals/%s/reverse", id), &adminActor, map[string]any{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reversed referralResponse
	decodeData(t, w, &reversed)
	assert.Equal(t, referraldomain.StateReversed, reversed.WorkflowState)
	assert.Equal(t, "chargeback", reversed.Reason)
}

func TestApproveReferral_WithoutFundsConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.fundPool(t, 100_00)

	w := ts.do(t, http.MethodPost, "/admin/v1/referrals", &reviewerActor, map[string]any{
		"referrer_id":       "user_a",
		"referred_id":       "user_b",
		"event_type":        "student_subscription",
		"commission_amount": 500_00,
		"referrer_ip":       "10.0.0.1",
		"referred_ip":       "10.0.0.2",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created referralResponse
	decodeData(t, w, &created)

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/referrals/%s/approve", created.Referral.ID), &reviewerActor, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_pool_balance", decodeError(t, w).Code)
}

func TestRejectReferral_RequiresReason(t *testing.T) {
	ts := newTestServer(t)
	ts.fundPool(t, 10_000_00)

	w := ts.do(t, http.MethodPost, "/admin/v1/referrals", &reviewerActor, map[string]any{
		"referrer_id":       "user_a",
		"referred_id":       "user_b",
		"event_type":        "student_subscription",
		"commission_amount": 10_00,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created referralResponse
	decodeData(t, w, &created)

	w = ts.do(t, http.MethodPost, fmt.Sprintf("/admin/v1/referrals/%s/reject", created.Referral.ID), &reviewerActor, map[string]any{"reason": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	payload := decodeError(t, w)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "reason", payload.Errors[0].Field)
	assert.Equal(t, "reason_required", payload.Errors[0].Code)
}

func TestDashboardEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.fundPool(t, 10_000_00)

	w := ts.do(t, http.MethodGet, "/api/v1/pool/unallocated", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var unallocated pooldomain.UnallocatedPool
	decodeData(t, w, &unallocated)
	assert.Equal(t, int64(1_000_00), unallocated.TotalPool)
	assert.Equal(t, int64(1_000_00), unallocated.UnallocatedPool)

	w = ts.do(t, http.MethodGet, "/api/v1/dashboard/financial-metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/metrics/referrals?start=2026-10-01&end=2026-10-15", nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/v1/metrics/referrals?start=2026-10-15&end=2026-10-01", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_range", decodeError(t, w).Code)

	w = ts.do(t, http.MethodGet, "/api/v1/metrics/mom-growth?base_date=2026-10-01&months_back=99", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_months_back", decodeError(t, w).Code)
}

func TestRunReconciliation_Clean(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/reconciliation/run", &adminActor, map[string]any{"report_type": "daily"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp reconciliationRunResponse
	decodeData(t, w, &resp)
	assert.True(t, resp.Clean)
	require.NotNil(t, resp.Report)

	w = ts.do(t, http.MethodPost, "/admin/v1/reconciliation/run", &adminActor, map[string]any{"report_type": "weekly"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/v1/reconciliation/reports", &adminActor, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var reports []reconciliationdomain.ReconciliationReport
	decodeData(t, w, &reports)
	assert.Len(t, reports, 1)
}

func TestLedgerAdjustment_AuditedOverride(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/admin/v1/ledger/adjustments", &adminActor, map[string]any{
		"user_id":  "user_a",
		"credit":   25_00,
		"currency": "PHP",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/admin/v1/ledger/adjustments", &adminActor, map[string]any{
		"user_id":  "user_a",
		"credit":   25_00,
		"currency": "PHP",
		"reason":   "goodwill credit",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/admin/v1/audit-logs?target_type=user", &adminActor, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var logs []auditdomain.AdminFinancialLog
	decodeData(t, w, &logs)
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].AdminID)
	assert.Equal(t, adminActor.id, *logs[0].AdminID)
}

func TestMapError_NeverLeaksRawMessages(t *testing.T) {
	status, payload := mapError(fmt.Errorf("approve: %w", referraldomain.ErrInvalidStateTransition))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state_transition", payload.Code)

	status, payload = mapError(fmt.Errorf("pq: relation \"secret_table\" does not exist"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal server error", payload.Message)
	assert.NotContains(t, payload.Message, "secret_table")

	errType, code := classifyErrorForLog(payoutdomain.ErrBelowMinimumPayout)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "below_minimum_payout", code)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w).Code)
}
