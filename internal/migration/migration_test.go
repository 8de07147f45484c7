package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/referralpool/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestInitMigrationGuardsOpenPool(t *testing.T) {
	raw, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "ux_recruitment_pools_open")
	assert.Contains(t, string(raw), "WHERE status = 'open'")
}

func TestAutoMigrateCreatesEveryTable(t *testing.T) {
	conn := testutil.OpenDB(t)
	require.NoError(t, AutoMigrate(conn))

	for _, table := range []string{
		"recruitment_pools", "revenue_events", "referral_events", "referral_risk_assessments",
		"ledger_accounts", "financial_ledger", "payouts", "admin_financial_logs",
		"reconciliation_reports", "outbox_events",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}
