package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
	riskdomain "github.com/smallbiznis/referralpool/internal/risk/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded Postgres schema. The pool invariants
// that gorm tags cannot express (one open pool, spent within allocation)
// live only here.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Closing the migrator would close the shared *sql.DB.

	return nil
}

// Models lists every table owned by the service, parents first.
func Models() []any {
	return []any{
		&pooldomain.RecruitmentPool{},
		&revenuedomain.RevenueEvent{},
		&referraldomain.ReferralEvent{},
		&riskdomain.RiskAssessment{},
		&ledgerdomain.LedgerAccount{},
		&ledgerdomain.LedgerEntry{},
		&payoutdomain.Payout{},
		&auditdomain.AdminFinancialLog{},
		&reconciliationdomain.ReconciliationReport{},
		&events.OutboxEvent{},
	}
}

// AutoMigrate is used for mysql and sqlite deployments, where the SQL files
// do not apply.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
