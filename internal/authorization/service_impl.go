package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads stored policies through the gorm adapter and seeds the
// built-in role grants.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

// Authorize accepts "system" or "user:<id>" actors. Users carry the role the
// gateway asserted for them; the system actor always runs as role:system.
func (s *ServiceImpl) Authorize(ctx context.Context, actor string, role string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	roleName, err := resolveRole(actor, role)
	if err != nil {
		s.denied(actor, role, object, action, err)
		return err
	}
	if err := s.ensureGrouping(actor, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.denied(actor, role, object, action, ErrForbidden)
		return ErrForbidden
	}
	return nil
}

func resolveRole(actor, role string) (string, error) {
	if actor == RoleSystem {
		return "role:" + RoleSystem, nil
	}
	userID, ok := strings.CutPrefix(actor, "user:")
	if !ok || strings.TrimSpace(userID) == "" {
		return "", ErrInvalidActor
	}
	switch role = strings.ToLower(strings.TrimSpace(role)); role {
	case RoleAdmin, RoleFinance, RoleReviewer:
		return fmt.Sprintf("role:%s", role), nil
	case "":
		return "", ErrInvalidRole
	default:
		// Users can never claim the system role.
		return "", ErrForbidden
	}
}

// ensureGrouping keeps exactly one role link per subject; the role asserted
// on the latest request wins.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func (s *ServiceImpl) denied(actor, role, object, action string, reason error) {
	s.log.Warn("authorization denied",
		zap.String("actor", actor),
		zap.String("role", role),
		zap.String("object", object),
		zap.String("action", action),
		zap.Error(reason),
	)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	reviewer := [][]string{
		{ObjectReferral, ActionReferralCreate},
		{ObjectReferral, ActionReferralReview},
		{ObjectReferral, ActionReferralApprove},
		{ObjectReferral, ActionReferralReject},
		{ObjectReferral, ActionReferralFlagFraud},
		{ObjectRiskAssessment, ActionRiskDismiss},
	}
	finance := [][]string{
		{ObjectReferral, ActionReferralSchedulePayout},
		{ObjectRevenueEvent, ActionRevenueRecord},
		{ObjectRevenueEvent, ActionRevenueConfirm},
		{ObjectRevenueEvent, ActionRevenueAllocate},
		{ObjectPayout, ActionPayoutRequest},
		{ObjectPayout, ActionPayoutApprove},
		{ObjectPayout, ActionPayoutMarkPaid},
		{ObjectPayout, ActionPayoutCancel},
		{ObjectReconciliation, ActionReconciliationRun},
		{ObjectReconciliation, ActionReconciliationView},
		{ObjectAuditLog, ActionAuditLogView},
	}
	adminOnly := [][]string{
		{ObjectReferral, ActionReferralReverse},
		{ObjectPool, ActionPoolOpen},
		{ObjectPool, ActionPoolClose},
		{ObjectPool, ActionPoolFinalize},
		{ObjectRevenueEvent, ActionRevenueVoid},
		{ObjectLedger, ActionLedgerAdjust},
	}
	system := [][]string{
		{ObjectRevenueEvent, ActionRevenueAllocate},
		{ObjectReferral, ActionReferralApprove},
		{ObjectReferral, ActionReferralSchedulePayout},
		{ObjectReconciliation, ActionReconciliationRun},
	}

	policies := make([][]string, 0, 64)
	grant := func(role string, rules ...[][]string) {
		for _, set := range rules {
			for _, rule := range set {
				policies = append(policies, []string{"role:" + role, rule[0], rule[1]})
			}
		}
	}
	grant(RoleReviewer, reviewer)
	grant(RoleFinance, finance)
	grant(RoleAdmin, reviewer, finance, adminOnly)
	grant(RoleSystem, system)

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
