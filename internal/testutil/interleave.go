package testutil

import (
	"strings"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"
)

// InterleaveOnce runs stmt on the caller's connection right before the first
// raw statement containing match executes, as if a concurrent writer had
// committed between the caller's read and its version-checked write. The
// returned counter reports how many matching statements ran.
func InterleaveOnce(t testing.TB, conn *gorm.DB, match string, stmt string, args ...any) *atomic.Int32 {
	t.Helper()

	var fired atomic.Bool
	hits := &atomic.Int32{}
	name := "testutil:interleave:" + t.Name()
	err := conn.Callback().Raw().Before("gorm:raw").Register(name, func(tx *gorm.DB) {
		if !strings.Contains(tx.Statement.SQL.String(), match) {
			return
		}
		hits.Add(1)
		if !fired.CompareAndSwap(false, true) {
			return
		}
		if _, err := tx.Statement.ConnPool.ExecContext(tx.Statement.Context, stmt, args...); err != nil {
			_ = tx.AddError(err)
		}
	})
	if err != nil {
		t.Fatalf("register interleave callback: %v", err)
	}
	t.Cleanup(func() { _ = conn.Callback().Raw().Remove(name) })
	return hits
}
