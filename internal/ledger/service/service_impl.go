package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	auditdomain "github.com/smallbiznis/referralpool/internal/audit/domain"
	"github.com/smallbiznis/referralpool/internal/auditcontext"
	"github.com/smallbiznis/referralpool/internal/clock"
	"github.com/smallbiznis/referralpool/internal/events"
	ledgerdomain "github.com/smallbiznis/referralpool/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/referralpool/internal/observability/metrics"
	"github.com/smallbiznis/referralpool/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	AuditSvc   auditdomain.Service
	Clock      clock.Clock         `optional:"true"`
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	auditSvc   auditdomain.Service
	clock      clock.Clock
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		auditSvc:   p.AuditSvc,
		clock:      clk,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) PostEntry(ctx context.Context, req ledgerdomain.PostEntryRequest) (*ledgerdomain.LedgerEntry, error) {
	var entry *ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		posted, err := s.PostEntryTx(ctx, tx, req)
		if err != nil {
			return err
		}
		entry = posted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// PostEntryTx appends one entry for req.UserID on tx. The head row is bumped
// with a version check before the entry is inserted, so two writers for the
// same user can never both claim the same sequence.
func (s *Service) PostEntryTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.PostEntryRequest) (*ledgerdomain.LedgerEntry, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	var actorType, actorID string
	if req.Override {
		var ok bool
		actorType, actorID, ok = auditcontext.HumanActor(ctx)
		if !ok {
			return nil, ledgerdomain.ErrOverrideRequiresActor
		}
	}

	var entry ledgerdomain.LedgerEntry
	var previous int64
	err = db.RetryOnConflict(ctx, func() error {
		head, exists, err := s.loadHead(ctx, tx, req.UserID)
		if err != nil {
			return err
		}

		balance := head.Balance + req.Credit - req.Debit
		if balance < 0 && !req.Override {
			return ledgerdomain.ErrNegativeBalanceViolation
		}

		now := s.clock.Now().UTC()
		sequence := head.LastSequence + 1
		if exists {
			res := tx.WithContext(ctx).Exec(
				`UPDATE ledger_accounts
				 SET balance = ?, last_sequence = ?, version = version + 1, updated_at = ?
				 WHERE user_id = ? AND version = ?`,
				balance, sequence, now, req.UserID, head.Version,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				s.obsMetrics.RecordVersionConflict(ctx, "ledger_account")
				return db.ErrVersionConflict
			}
		} else {
			res := tx.WithContext(ctx).Exec(
				`INSERT INTO ledger_accounts (user_id, balance, last_sequence, version, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (user_id) DO NOTHING`,
				req.UserID, balance, sequence, 1, now,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				s.obsMetrics.RecordVersionConflict(ctx, "ledger_account")
				return db.ErrVersionConflict
			}
		}

		entry = ledgerdomain.LedgerEntry{
			ID:              uuid.Must(uuid.NewV7()),
			UserID:          req.UserID,
			Sequence:        sequence,
			TransactionType: req.Type,
			Debit:           req.Debit,
			Credit:          req.Credit,
			BalanceAfter:    balance,
			Currency:        req.Currency,
			Status:          ledgerdomain.EntryStatusPosted,
			SourceType:      req.SourceType,
			SourceID:        req.SourceID,
			ReferenceNumber: optionalString(req.Reference),
			ReversesEntryID: req.ReversesEntryID,
			Description:     req.Description,
			Override:        req.Override,
			PostedAt:        now,
			CreatedAt:       now,
		}
		previous = head.Balance
		return tx.WithContext(ctx).Create(&entry).Error
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrNegativeBalanceViolation) {
			s.log.Warn("ledger post rejected",
				zap.String("user_id", req.UserID),
				zap.String("transaction_type", string(req.Type)),
				zap.Int64("debit", req.Debit),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if req.Override {
		impact := req.Credit - req.Debit
		if err := s.auditSvc.RecordTx(ctx, tx, auditdomain.Entry{
			Action:       auditdomain.ActionManualBalanceAdjustment,
			TargetType:   auditdomain.TargetUser,
			TargetID:     req.UserID,
			Before:       map[string]any{"balance": previous},
			After:        map[string]any{"balance": entry.BalanceAfter},
			AmountImpact: &impact,
			Reason:       req.Description,
			Metadata: map[string]any{
				"ledger_entry_id":  entry.ID.String(),
				"transaction_type": string(req.Type),
				"source_type":      string(req.SourceType),
				"source_id":        req.SourceID,
			},
		}); err != nil {
			return nil, err
		}
		s.log.Info("ledger override posted",
			zap.String("user_id", req.UserID),
			zap.String("actor_type", actorType),
			zap.String("actor_id", actorID),
			zap.Int64("balance_after", entry.BalanceAfter),
		)
	}

	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		Type:        events.TypeLedgerEntryPosted,
		AggregateID: req.UserID,
		DedupeKey:   "ledger_entry:" + entry.ID.String(),
		Payload: map[string]any{
			"ledger_entry_id":  entry.ID.String(),
			"user_id":          entry.UserID,
			"sequence":         entry.Sequence,
			"transaction_type": string(entry.TransactionType),
			"debit":            entry.Debit,
			"credit":           entry.Credit,
			"balance_after":    entry.BalanceAfter,
			"source_type":      string(entry.SourceType),
			"source_id":        entry.SourceID,
		},
	}); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(entry.SourceType), string(entry.TransactionType), entry.Credit+entry.Debit)
	return &entry, nil
}

// ReverseEntry posts the compensating entry for entryID. The original row is
// left untouched; the link lives on the new entry's reverses_entry_id.
func (s *Service) ReverseEntry(ctx context.Context, tx *gorm.DB, entryID uuid.UUID, reason string) (*ledgerdomain.LedgerEntry, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ledgerdomain.ErrReasonRequired
	}
	if tx == nil {
		tx = s.db
	}

	var original ledgerdomain.LedgerEntry
	if err := tx.WithContext(ctx).Where("id = ?", entryID).Take(&original).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledgerdomain.ErrEntryNotFound
		}
		return nil, err
	}

	var existing int64
	if err := tx.WithContext(ctx).Model(&ledgerdomain.LedgerEntry{}).
		Where("reverses_entry_id = ?", entryID).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ledgerdomain.ErrEntryAlreadyReversed
	}

	txType := ledgerdomain.TransactionEntryReversal
	if original.TransactionType == ledgerdomain.TransactionReferralEarned {
		txType = ledgerdomain.TransactionReferralReversal
	}
	id := original.ID
	return s.PostEntryTx(ctx, tx, ledgerdomain.PostEntryRequest{
		UserID:          original.UserID,
		Debit:           original.Credit,
		Credit:          original.Debit,
		Type:            txType,
		SourceType:      original.SourceType,
		SourceID:        original.SourceID,
		Currency:        original.Currency,
		Override:        true,
		Description:     reason,
		ReversesEntryID: &id,
	})
}

func (s *Service) BalanceOf(ctx context.Context, userID string) (int64, error) {
	return s.BalanceOfTx(ctx, s.db, userID)
}

// BalanceOfTx returns the balance_after of the user's latest posted entry.
func (s *Service) BalanceOfTx(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, ledgerdomain.ErrInvalidUser
	}
	if tx == nil {
		tx = s.db
	}
	var entries []ledgerdomain.LedgerEntry
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, ledgerdomain.EntryStatusPosted).
		Order("sequence desc").
		Limit(1).
		Find(&entries).Error; err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].BalanceAfter, nil
}

func (s *Service) Entries(ctx context.Context, userID string, limit int) ([]ledgerdomain.LedgerEntry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ledgerdomain.ErrInvalidUser
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []ledgerdomain.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("sequence desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (s *Service) FindBySource(ctx context.Context, tx *gorm.DB, sourceType ledgerdomain.SourceType, sourceID string) ([]ledgerdomain.LedgerEntry, error) {
	if tx == nil {
		tx = s.db
	}
	var entries []ledgerdomain.LedgerEntry
	err := tx.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, strings.TrimSpace(sourceID)).
		Order("user_id asc, sequence asc").
		Find(&entries).Error
	return entries, err
}

func (s *Service) Replay(ctx context.Context, userID string) (ledgerdomain.ReplayResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.ReplayResult{}, ledgerdomain.ErrInvalidUser
	}

	var entries []ledgerdomain.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, ledgerdomain.EntryStatusPosted).
		Order("sequence asc").
		Find(&entries).Error; err != nil {
		return ledgerdomain.ReplayResult{}, err
	}

	head, exists, err := s.loadHead(ctx, s.db, userID)
	if err != nil {
		return ledgerdomain.ReplayResult{}, err
	}
	return replayEntries(userID, entries, head.Balance, exists), nil
}

func replayEntries(userID string, entries []ledgerdomain.LedgerEntry, headBalance int64, headExists bool) ledgerdomain.ReplayResult {
	result := ledgerdomain.ReplayResult{UserID: userID, Entries: len(entries), RecordedBalance: headBalance}
	var running int64
	for _, entry := range entries {
		running += entry.Credit - entry.Debit
		if running != entry.BalanceAfter && result.FirstMismatchSeq == nil {
			seq := entry.Sequence
			result.FirstMismatchSeq = &seq
		}
	}
	result.ComputedBalance = running
	switch {
	case result.FirstMismatchSeq != nil:
		result.Consistent = false
	case !headExists:
		result.Consistent = len(entries) == 0
	default:
		result.Consistent = running == headBalance
	}
	return result
}

type totalsRow struct {
	UserID       string
	TotalCredits int64
	TotalDebits  int64
	Entries      int64
}

type latestRow struct {
	UserID       string
	BalanceAfter int64
}

// Totals aggregates posted entries per user and joins the head balances.
func (s *Service) Totals(ctx context.Context) ([]ledgerdomain.UserTotals, error) {
	var sums []totalsRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT user_id, COALESCE(SUM(credit), 0) AS total_credits, COALESCE(SUM(debit), 0) AS total_debits, COUNT(*) AS entries
		 FROM financial_ledger
		 WHERE status = ?
		 GROUP BY user_id`,
		ledgerdomain.EntryStatusPosted,
	).Scan(&sums).Error; err != nil {
		return nil, err
	}

	var latest []latestRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT f.user_id, f.balance_after
		 FROM financial_ledger f
		 WHERE f.status = ? AND f.sequence = (
			SELECT MAX(g.sequence) FROM financial_ledger g WHERE g.user_id = f.user_id AND g.status = ?
		 )`,
		ledgerdomain.EntryStatusPosted, ledgerdomain.EntryStatusPosted,
	).Scan(&latest).Error; err != nil {
		return nil, err
	}

	var heads []ledgerdomain.LedgerAccount
	if err := s.db.WithContext(ctx).Find(&heads).Error; err != nil {
		return nil, err
	}

	byUser := make(map[string]*ledgerdomain.UserTotals, len(heads)+len(sums))
	get := func(userID string) *ledgerdomain.UserTotals {
		t, ok := byUser[userID]
		if !ok {
			t = &ledgerdomain.UserTotals{UserID: userID}
			byUser[userID] = t
		}
		return t
	}
	for _, row := range sums {
		t := get(row.UserID)
		t.TotalCredits = row.TotalCredits
		t.TotalDebits = row.TotalDebits
		t.Entries = row.Entries
	}
	for _, row := range latest {
		get(row.UserID).LatestBalance = row.BalanceAfter
	}
	for _, head := range heads {
		get(head.UserID).HeadBalance = head.Balance
	}

	out := make([]ledgerdomain.UserTotals, 0, len(byUser))
	for _, t := range byUser {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Service) LockAccountTx(ctx context.Context, tx *gorm.DB, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ledgerdomain.ErrInvalidUser
	}
	return db.RetryOnConflict(ctx, func() error {
		head, exists, err := s.loadHead(ctx, tx, userID)
		if err != nil {
			return err
		}
		now := s.clock.Now().UTC()
		if !exists {
			res := tx.WithContext(ctx).Exec(
				`INSERT INTO ledger_accounts (user_id, balance, last_sequence, version, updated_at)
				 VALUES (?, 0, 0, 1, ?)
				 ON CONFLICT (user_id) DO NOTHING`,
				userID, now,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return db.ErrVersionConflict
			}
			return nil
		}
		res := tx.WithContext(ctx).Exec(
			`UPDATE ledger_accounts SET version = version + 1, updated_at = ? WHERE user_id = ? AND version = ?`,
			now, userID, head.Version,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			s.obsMetrics.RecordVersionConflict(ctx, "ledger_account")
			return db.ErrVersionConflict
		}
		return nil
	})
}

func (s *Service) loadHead(ctx context.Context, tx *gorm.DB, userID string) (ledgerdomain.LedgerAccount, bool, error) {
	var heads []ledgerdomain.LedgerAccount
	if err := tx.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&heads).Error; err != nil {
		return ledgerdomain.LedgerAccount{}, false, err
	}
	if len(heads) == 0 {
		return ledgerdomain.LedgerAccount{UserID: userID}, false, nil
	}
	return heads[0], true, nil
}

func normalizeRequest(req ledgerdomain.PostEntryRequest) (ledgerdomain.PostEntryRequest, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return req, ledgerdomain.ErrInvalidUser
	}
	if req.Debit < 0 || req.Credit < 0 {
		return req, ledgerdomain.ErrInvalidAmount
	}
	if (req.Debit > 0) == (req.Credit > 0) {
		return req, ledgerdomain.ErrInvalidAmount
	}
	switch req.Type {
	case ledgerdomain.TransactionReferralEarned,
		ledgerdomain.TransactionReferralReversal,
		ledgerdomain.TransactionPayoutDebit,
		ledgerdomain.TransactionManualAdjustment,
		ledgerdomain.TransactionEntryReversal:
	default:
		return req, fmt.Errorf("%w: %q", ledgerdomain.ErrInvalidTransactionType, req.Type)
	}
	switch req.SourceType {
	case ledgerdomain.SourceReferral, ledgerdomain.SourcePayout, ledgerdomain.SourceAdjustment:
	default:
		return req, ledgerdomain.ErrInvalidSourceType
	}
	req.SourceID = strings.TrimSpace(req.SourceID)
	if req.SourceID == "" {
		return req, ledgerdomain.ErrInvalidSourceID
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = ledgerdomain.DefaultCurrency
	}
	req.Description = strings.TrimSpace(req.Description)
	req.Reference = strings.TrimSpace(req.Reference)
	return req, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
