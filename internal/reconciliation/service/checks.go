package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	payoutdomain "github.com/smallbiznis/referralpool/internal/payout/domain"
	pooldomain "github.com/smallbiznis/referralpool/internal/pool/domain"
	reconciliationdomain "github.com/smallbiznis/referralpool/internal/reconciliation/domain"
	referraldomain "github.com/smallbiznis/referralpool/internal/referral/domain"
	revenuedomain "github.com/smallbiznis/referralpool/internal/revenue/domain"
)

var committedStates = []referraldomain.State{
	referraldomain.StateApproved,
	referraldomain.StateScheduledForPayout,
	referraldomain.StatePaid,
}

type poolResult struct {
	spentDiscrepancy   int64
	revenueDiscrepancy int64
	findings           []reconciliationdomain.Discrepancy
}

// checkPools compares each live pool's counters with the referrals and
// revenue events that should have produced them.
func (s *Service) checkPools(ctx context.Context) (poolResult, error) {
	var out poolResult

	var pools []pooldomain.RecruitmentPool
	if err := s.db.WithContext(ctx).
		Where("status IN ?", []pooldomain.Status{pooldomain.StatusOpen, pooldomain.StatusClosed}).
		Order("period_start asc").
		Find(&pools).Error; err != nil {
		return out, err
	}
	if len(pools) == 0 {
		return out, nil
	}

	var committed []struct {
		PoolID         uuid.UUID
		PoolAllocation referraldomain.PoolAllocation
		Total          int64
	}
	if err := s.db.WithContext(ctx).
		Model(&referraldomain.ReferralEvent{}).
		Select("pool_id, pool_allocation, COALESCE(SUM(commission_amount), 0) AS total").
		Where("pool_id IS NOT NULL AND workflow_state IN ?", committedStates).
		Group("pool_id, pool_allocation").
		Scan(&committed).Error; err != nil {
		return out, err
	}
	spent := make(map[uuid.UUID]map[pooldomain.Role]int64)
	for _, row := range committed {
		if spent[row.PoolID] == nil {
			spent[row.PoolID] = make(map[pooldomain.Role]int64)
		}
		spent[row.PoolID][row.PoolAllocation.Role()] += row.Total
	}

	var allocated []struct {
		PoolID uuid.UUID
		Total  int64
	}
	if err := s.db.WithContext(ctx).
		Model(&revenuedomain.RevenueEvent{}).
		Select("pool_id, COALESCE(SUM(amount), 0) AS total").
		Where("pool_id IS NOT NULL AND status = ?", revenuedomain.StatusAllocated).
		Group("pool_id").
		Scan(&allocated).Error; err != nil {
		return out, err
	}
	revenue := make(map[uuid.UUID]int64, len(allocated))
	for _, row := range allocated {
		revenue[row.PoolID] = row.Total
	}

	roles := []pooldomain.Role{pooldomain.RoleStudent, pooldomain.RoleAdvisor, pooldomain.RoleCritic}
	for _, pool := range pools {
		for _, role := range roles {
			expected := spent[pool.ID][role]
			actual := pool.Spent(role)
			if expected == actual {
				continue
			}
			d := reconciliationdomain.Discrepancy{
				Check:    reconciliationdomain.CheckPoolSpent,
				Subject:  fmt.Sprintf("pool:%s:%s", pool.ID, role),
				Expected: expected,
				Actual:   actual,
				Detail:   "spent counter differs from committed referrals",
			}
			out.spentDiscrepancy += d.Magnitude()
			out.findings = append(out.findings, d)
		}
		if expected := revenue[pool.ID]; expected != pool.TotalRevenue {
			d := reconciliationdomain.Discrepancy{
				Check:    reconciliationdomain.CheckPoolRevenue,
				Subject:  "pool:" + pool.ID.String(),
				Expected: expected,
				Actual:   pool.TotalRevenue,
				Detail:   "total revenue differs from allocated revenue events",
			}
			out.revenueDiscrepancy += d.Magnitude()
			out.findings = append(out.findings, d)
		}
	}
	return out, nil
}

type ledgerResult struct {
	discrepancy   int64
	diverged      bool
	negativeUsers []string
	findings      []reconciliationdomain.Discrepancy
}

// checkLedger verifies head rows against posted entries, replays every user
// and collects users whose balance is below zero.
func (s *Service) checkLedger(ctx context.Context) (ledgerResult, error) {
	var out ledgerResult

	totals, err := s.ledgerSvc.Totals(ctx)
	if err != nil {
		return out, err
	}
	for _, t := range totals {
		derived := t.TotalCredits - t.TotalDebits
		if t.HeadBalance != derived {
			d := reconciliationdomain.Discrepancy{
				Check:    reconciliationdomain.CheckLedgerBalance,
				Subject:  "user:" + t.UserID,
				Expected: derived,
				Actual:   t.HeadBalance,
				Detail:   "account balance differs from credits minus debits",
			}
			out.discrepancy += d.Magnitude()
			out.findings = append(out.findings, d)
		}
		if t.LatestBalance != derived {
			d := reconciliationdomain.Discrepancy{
				Check:    reconciliationdomain.CheckLedgerBalance,
				Subject:  "user:" + t.UserID,
				Expected: derived,
				Actual:   t.LatestBalance,
				Detail:   "latest balance_after differs from credits minus debits",
			}
			out.discrepancy += d.Magnitude()
			out.findings = append(out.findings, d)
		}

		if err := ctx.Err(); err != nil {
			return out, err
		}
		replay, err := s.ledgerSvc.Replay(ctx, t.UserID)
		if err != nil {
			return out, err
		}
		// head mismatches are already counted above; only a broken chain of
		// balance_after values is reported here.
		if replay.FirstMismatchSeq != nil {
			out.diverged = true
			out.findings = append(out.findings, reconciliationdomain.Discrepancy{
				Check:    reconciliationdomain.CheckLedgerReplay,
				Subject:  "user:" + t.UserID,
				Expected: replay.ComputedBalance,
				Actual:   t.LatestBalance,
				Detail:   fmt.Sprintf("replay diverges at sequence %d", *replay.FirstMismatchSeq),
			})
		}

		balance := t.HeadBalance
		if t.LatestBalance < balance {
			balance = t.LatestBalance
		}
		if balance < 0 {
			out.negativeUsers = append(out.negativeUsers, t.UserID)
			out.findings = append(out.findings, reconciliationdomain.Discrepancy{
				Check:    reconciliationdomain.CheckNegativeBalance,
				Subject:  "user:" + t.UserID,
				Expected: 0,
				Actual:   balance,
			})
		}
	}
	sort.Strings(out.negativeUsers)
	return out, nil
}

type orphanResult struct {
	ids      []string
	amount   int64
	findings []reconciliationdomain.Discrepancy
}

// checkOrphans reports committed referrals without an allocated revenue event
// or without the ledger credit that approval posts.
func (s *Service) checkOrphans(ctx context.Context) (orphanResult, error) {
	var out orphanResult

	var refs []referraldomain.ReferralEvent
	if err := s.db.WithContext(ctx).
		Where("workflow_state IN ?", committedStates).
		Order("id asc").
		Find(&refs).Error; err != nil {
		return out, err
	}
	if len(refs) == 0 {
		return out, nil
	}

	revenueIDs := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		if ref.RevenueEventID != nil {
			revenueIDs = append(revenueIDs, *ref.RevenueEventID)
		}
	}
	allocated := make(map[uuid.UUID]bool, len(revenueIDs))
	if len(revenueIDs) > 0 {
		var ids []uuid.UUID
		if err := s.db.WithContext(ctx).
			Model(&revenuedomain.RevenueEvent{}).
			Where("id IN ? AND status = ?", revenueIDs, revenuedomain.StatusAllocated).
			Pluck("id", &ids).Error; err != nil {
			return out, err
		}
		for _, id := range ids {
			allocated[id] = true
		}
	}

	var credited []string
	if err := s.db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Where("source_type = ? AND transaction_type = ?", ledgerdomain.SourceReferral, ledgerdomain.TransactionReferralEarned).
		Distinct().
		Pluck("source_id", &credited).Error; err != nil {
		return out, err
	}
	hasCredit := make(map[string]bool, len(credited))
	for _, id := range credited {
		hasCredit[id] = true
	}

	for _, ref := range refs {
		var reason string
		switch {
		case ref.RevenueEventID == nil:
			reason = "no revenue event linked"
		case !allocated[*ref.RevenueEventID]:
			reason = "revenue event missing or not allocated"
		case !hasCredit[ref.ID.String()]:
			reason = "no ledger credit"
		default:
			continue
		}
		out.ids = append(out.ids, ref.ID.String())
		out.amount += ref.CommissionAmount
		out.findings = append(out.findings, reconciliationdomain.Discrepancy{
			Check:    reconciliationdomain.CheckOrphanedReferral,
			Subject:  "referral:" + ref.ID.String(),
			Expected: 0,
			Actual:   ref.CommissionAmount,
			Detail:   reason,
		})
	}
	return out, nil
}

type payoutResult struct {
	discrepancy int64
	findings    []reconciliationdomain.Discrepancy
}

// checkPayouts matches every paid payout with its ledger debit.
func (s *Service) checkPayouts(ctx context.Context) (payoutResult, error) {
	var out payoutResult

	var payouts []payoutdomain.Payout
	if err := s.db.WithContext(ctx).
		Where("status = ?", payoutdomain.StatusPaid).
		Order("id asc").
		Find(&payouts).Error; err != nil {
		return out, err
	}
	if len(payouts) == 0 {
		return out, nil
	}

	var debits []struct {
		SourceID string
		Total    int64
	}
	if err := s.db.WithContext(ctx).
		Model(&ledgerdomain.LedgerEntry{}).
		Select("source_id, COALESCE(SUM(debit), 0) AS total").
		Where("source_type = ? AND transaction_type = ?", ledgerdomain.SourcePayout, ledgerdomain.TransactionPayoutDebit).
		Group("source_id").
		Scan(&debits).Error; err != nil {
		return out, err
	}
	debited := make(map[string]int64, len(debits))
	for _, row := range debits {
		debited[row.SourceID] = row.Total
	}

	for _, p := range payouts {
		actual := debited[p.ID.String()]
		if actual == p.Amount {
			continue
		}
		d := reconciliationdomain.Discrepancy{
			Check:    reconciliationdomain.CheckPayoutLedgerDebit,
			Subject:  "payout:" + p.ID.String(),
			Expected: p.Amount,
			Actual:   actual,
			Detail:   "paid payout without a matching ledger debit",
		}
		out.discrepancy += d.Magnitude()
		out.findings = append(out.findings, d)
	}
	return out, nil
}
