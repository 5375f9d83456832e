// Package withdrawal implements the payout engine: tier limits, velocity
// scoring, cooling periods and admin approval gate every request before the
// disbursement debit is journaled.
package withdrawal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// Velocity score thresholds.
const (
	FlagThreshold  = 75
	BlockThreshold = 90
)

// tierDefaults seed a user's limit row. The database row is authoritative
// once created; this table only supplies the initial values per KYC tier.
type tierDefaults struct {
	perTx          money.Amount
	daily          money.Amount
	dailyCount     int
	monthly        money.Amount
	coolingMinutes int
	dualApproval   money.Amount
}

var tierTable = map[relationaldb.KYCTier]tierDefaults{
	relationaldb.KYCNone: {
		perTx: 1_000_000, daily: 1_000_000, dailyCount: 1,
		monthly: 5_000_000, coolingMinutes: 60, dualApproval: 500_000,
	},
	relationaldb.KYCPending: {
		perTx: 10_000_000, daily: 10_000_000, dailyCount: 3,
		monthly: 50_000_000, coolingMinutes: 30, dualApproval: 5_000_000,
	},
	relationaldb.KYCVerified: {
		perTx: 50_000_000, daily: 100_000_000, dailyCount: 5,
		monthly: 500_000_000, coolingMinutes: 15, dualApproval: 25_000_000,
	},
}

// Service processes withdrawal requests.
type Service struct {
	db      relationaldb.Database
	wallets *wallet.Service
	log     *zap.Logger
	now     func() time.Time
}

// NewService creates the withdrawal service.
func NewService(db relationaldb.Database, wallets *wallet.Service, log *zap.Logger) *Service {
	return &Service{db: db, wallets: wallets, log: log.Named("withdrawal"), now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput describes a withdrawal request.
type CreateInput struct {
	UserID         string
	AmountMinor    money.Amount
	BankAccountID  string
	IdempotencyKey string
}

// Create validates the request against limits, cooling and velocity, locks
// the funds and records the PENDING withdrawal. A reused idempotency key
// returns the prior withdrawal.
func (s *Service) Create(ctx context.Context, in CreateInput) (*relationaldb.Withdrawal, error) {
	if in.AmountMinor <= 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "withdrawal amount must be positive")
	}
	if in.IdempotencyKey == "" {
		return nil, errs.Validation(errs.CodeInvalidAmount, "idempotency key is required")
	}

	prior, err := s.db.GetWithdrawalByIdempotencyKey(ctx, in.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return prior, nil
	}

	user, err := s.db.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || user.DeletedAt != nil {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "unknown user")
	}
	now := s.now()
	if user.Suspended(now) {
		return nil, errs.Authorization(errs.CodeUserSuspended, "user is suspended")
	}

	bank, err := s.db.GetBankAccount(ctx, in.BankAccountID)
	if err != nil {
		return nil, err
	}
	if bank == nil || bank.UserID != in.UserID || !bank.IsActive || bank.DeletedAt != nil {
		return nil, errs.NotFound(errs.CodeBankAccountNotFound, "bank account not found")
	}

	limit, err := s.activeLimit(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.checkLimits(limit, in.AmountMinor); err != nil {
		return nil, err
	}
	if err := s.checkCooling(ctx, in.UserID, limit, now); err != nil {
		return nil, err
	}

	score, err := s.velocityScore(ctx, in.UserID, in.AmountMinor, limit, now)
	if err != nil {
		return nil, err
	}
	if score >= BlockThreshold {
		s.log.Warn("withdrawal blocked by velocity score",
			zap.String("user_id", in.UserID),
			zap.Int("score", score))
		return nil, errs.Authorization(errs.CodeWithdrawalFlagged, "withdrawal blocked by risk checks").
			WithDetail("velocity_score", score)
	}

	flagged := score >= FlagThreshold
	required := 1
	multi := false
	if in.AmountMinor >= limit.DualApprovalMinor {
		required = 2
		multi = true
	}
	coolingEnds := now.Add(time.Duration(limit.CoolingMinutes) * time.Minute)

	w := &relationaldb.Withdrawal{
		ID:                  uuid.NewString(),
		UserID:              in.UserID,
		AmountMinor:         in.AmountMinor,
		BankAccountID:       in.BankAccountID,
		IdempotencyKey:      in.IdempotencyKey,
		Status:              relationaldb.WithdrawalPending,
		VelocityScore:       score,
		FlaggedBySystem:     flagged,
		CoolingPeriodEndsAt: &coolingEnds,
		RequiredApprovals:   required,
		MultiApproval:       multi,
		RequestedAt:         now,
	}
	if flagged {
		w.FlagReason = "velocity score above review threshold"
	}

	// Lock the funds and record the request atomically.
	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Deltas: []wallet.Delta{{UserID: in.UserID, Locked: in.AmountMinor}},
		Post: func(ctx context.Context, store relationaldb.Store, _ *relationaldb.LedgerJournal) error {
			if err := store.CreateWithdrawal(ctx, w); err != nil {
				if relationaldb.IsUniqueViolation(err) {
					return errs.Conflict(errs.CodeDuplicateIdempotency, "idempotency key already used")
				}
				return err
			}
			if err := store.InsertVelocityEvent(ctx, &relationaldb.WithdrawalVelocityLog{
				UserID:       in.UserID,
				WithdrawalID: w.ID,
				AmountMinor:  in.AmountMinor,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			fresh, err := store.GetActiveLimit(ctx, in.UserID)
			if err != nil {
				return err
			}
			fresh.DailyUsedMinor += in.AmountMinor
			fresh.DailyCount++
			fresh.MonthlyUsedMinor += in.AmountMinor
			return store.UpdateLimit(ctx, fresh)
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("withdrawal created",
		zap.String("withdrawal_id", w.ID),
		zap.String("user_id", in.UserID),
		zap.Int64("amount_minor", int64(in.AmountMinor)),
		zap.Int("velocity_score", score),
		zap.Bool("flagged", flagged),
		zap.Bool("multi_approval", multi))
	return w, nil
}

// activeLimit returns the user's limit row, seeding tier defaults on first
// use.
func (s *Service) activeLimit(ctx context.Context, user *relationaldb.User) (*relationaldb.TransactionLimit, error) {
	limit, err := s.db.GetActiveLimit(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if limit != nil {
		return limit, nil
	}

	defaults, ok := tierTable[user.KYCTier]
	if !ok {
		defaults = tierTable[relationaldb.KYCNone]
	}
	now := s.now()
	limit = &relationaldb.TransactionLimit{
		ID:                uuid.NewString(),
		UserID:            user.ID,
		Tier:              user.KYCTier,
		PerTxLimitMinor:   defaults.perTx,
		DailyLimitMinor:   defaults.daily,
		DailyCountLimit:   defaults.dailyCount,
		MonthlyLimitMinor: defaults.monthly,
		CoolingMinutes:    defaults.coolingMinutes,
		DualApprovalMinor: defaults.dualApproval,
		DailyResetAt:      now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		MonthlyResetAt:    time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
		IsActive:          true,
	}
	if err := s.db.CreateLimit(ctx, limit); err != nil {
		if relationaldb.IsUniqueViolation(err) {
			return s.db.GetActiveLimit(ctx, user.ID)
		}
		return nil, err
	}
	return limit, nil
}

func (s *Service) checkLimits(limit *relationaldb.TransactionLimit, amount money.Amount) error {
	if amount > limit.PerTxLimitMinor {
		return errs.Limit(errs.CodeWithdrawalLimit, "amount exceeds per-transaction limit").
			WithDetail("limit_minor", int64(limit.PerTxLimitMinor))
	}
	if limit.DailyUsedMinor+amount > limit.DailyLimitMinor {
		return errs.Limit(errs.CodeWithdrawalLimit, "amount exceeds daily limit").
			WithDetail("limit_minor", int64(limit.DailyLimitMinor)).
			WithDetail("used_minor", int64(limit.DailyUsedMinor))
	}
	if limit.DailyCount+1 > limit.DailyCountLimit {
		return errs.Limit(errs.CodeWithdrawalLimit, "daily withdrawal count reached").
			WithDetail("count_limit", limit.DailyCountLimit)
	}
	if limit.MonthlyUsedMinor+amount > limit.MonthlyLimitMinor {
		return errs.Limit(errs.CodeWithdrawalLimit, "amount exceeds monthly limit").
			WithDetail("limit_minor", int64(limit.MonthlyLimitMinor)).
			WithDetail("used_minor", int64(limit.MonthlyUsedMinor))
	}
	return nil
}

func (s *Service) checkCooling(ctx context.Context, userID string, limit *relationaldb.TransactionLimit, now time.Time) error {
	if limit.CoolingMinutes <= 0 {
		return nil
	}
	last, err := s.db.LatestVelocityEventAt(ctx, userID)
	if err != nil {
		return err
	}
	if last == nil {
		return nil
	}
	ends := last.Add(time.Duration(limit.CoolingMinutes) * time.Minute)
	if now.Before(ends) {
		wait := int64((ends.Sub(now) + time.Minute - 1) / time.Minute)
		return errs.Limit(errs.CodeWithdrawalCooling, "cooling period between withdrawals is active").
			WithDetail("wait_minutes", wait).
			WithDetail("ends_at", ends.Format(time.RFC3339))
	}
	return nil
}

// velocityScore grades recent withdrawal behavior. Scores accumulate per
// signal; the thresholds for flagging and blocking sit above any single
// signal.
func (s *Service) velocityScore(ctx context.Context, userID string, amount money.Amount, limit *relationaldb.TransactionLimit, now time.Time) (int, error) {
	hourCount, hourAmount, err := s.db.VelocityStats(ctx, userID, now.Add(-time.Hour))
	if err != nil {
		return 0, err
	}
	dayCount, _, err := s.db.VelocityStats(ctx, userID, now.Add(-24*time.Hour))
	if err != nil {
		return 0, err
	}
	weekCount, _, err := s.db.VelocityStats(ctx, userID, now.Add(-7*24*time.Hour))
	if err != nil {
		return 0, err
	}

	score := 0
	if hourCount+1 >= 3 {
		score += 40
	}
	if money.Amount(hourAmount)+amount >= limit.PerTxLimitMinor {
		score += 30
	}
	if dayCount+1 >= 10 {
		score += 20
	}
	if weekCount+1 >= 30 {
		score += 10
	}
	return score, nil
}

// Get returns the withdrawal visible to the user or an admin.
func (s *Service) Get(ctx context.Context, id, userID string) (*relationaldb.Withdrawal, error) {
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.NotFound(errs.CodeWithdrawalNotFound, "withdrawal not found")
	}
	if w.UserID != userID {
		user, err := s.db.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		if user == nil || !user.IsAdmin {
			return nil, errs.NotFound(errs.CodeWithdrawalNotFound, "withdrawal not found")
		}
	}
	return w, nil
}

// Approve records one admin approval. The withdrawal moves to APPROVED once
// the required number of distinct approvers have signed off. Requesters
// cannot approve their own withdrawals.
func (s *Service) Approve(ctx context.Context, id, adminID, notes string) (*relationaldb.Withdrawal, error) {
	w, err := s.loadPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if adminID == w.UserID {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "cannot approve own withdrawal")
	}

	now := s.now()
	err = s.db.WithinTx(ctx, func(store relationaldb.Store) error {
		if err := store.CreateWithdrawalApproval(ctx, &relationaldb.WithdrawalApproval{
			ID:           uuid.NewString(),
			WithdrawalID: w.ID,
			ApproverID:   adminID,
			Action:       "APPROVE",
			Notes:        notes,
			CreatedAt:    now,
		}); err != nil {
			if relationaldb.IsUniqueViolation(err) {
				return errs.Conflict(errs.CodeDuplicateEntry, "approver already acted on this withdrawal")
			}
			return err
		}
		approvals, err := store.ListWithdrawalApprovals(ctx, w.ID)
		if err != nil {
			return err
		}
		granted := 0
		for _, a := range approvals {
			if a.Action == "APPROVE" {
				granted++
			}
		}
		if granted >= w.RequiredApprovals {
			w.Status = relationaldb.WithdrawalApproved
			w.ApprovedAt = &now
			return store.UpdateWithdrawal(ctx, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal approval recorded",
		zap.String("withdrawal_id", w.ID),
		zap.String("approver_id", adminID),
		zap.String("status", string(w.Status)))
	return w, nil
}

// Reject closes the withdrawal and releases the locked funds.
func (s *Service) Reject(ctx context.Context, id, adminID, notes string) (*relationaldb.Withdrawal, error) {
	w, err := s.loadPending(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	now := s.now()
	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetWithdrawal(ctx, w.ID)
			if err != nil {
				return err
			}
			if fresh.Status != relationaldb.WithdrawalPending {
				return errs.Validation(errs.CodeInvalidStateTransition, "withdrawal is not pending")
			}
			return nil
		},
		Deltas: []wallet.Delta{{UserID: w.UserID, Locked: -w.AmountMinor}},
		Post: func(ctx context.Context, store relationaldb.Store, _ *relationaldb.LedgerJournal) error {
			if err := store.CreateWithdrawalApproval(ctx, &relationaldb.WithdrawalApproval{
				ID:           uuid.NewString(),
				WithdrawalID: w.ID,
				ApproverID:   adminID,
				Action:       "REJECT",
				Notes:        notes,
				CreatedAt:    now,
			}); err != nil && !relationaldb.IsUniqueViolation(err) {
				return err
			}
			w.Status = relationaldb.WithdrawalRejected
			w.RejectedAt = &now
			if err := store.UpdateWithdrawal(ctx, w); err != nil {
				return err
			}
			// Rejected requests give their usage back.
			limit, err := store.GetActiveLimit(ctx, w.UserID)
			if err != nil || limit == nil {
				return err
			}
			limit.DailyUsedMinor -= w.AmountMinor
			limit.MonthlyUsedMinor -= w.AmountMinor
			if limit.DailyCount > 0 {
				limit.DailyCount--
			}
			return store.UpdateLimit(ctx, limit)
		},
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal rejected",
		zap.String("withdrawal_id", w.ID),
		zap.String("approver_id", adminID))
	return w, nil
}

// Complete debits the wallet and journals the payout after the provider
// disbursement succeeded.
func (s *Service) Complete(ctx context.Context, id, providerDisbursementID, bankReference string) (*relationaldb.Withdrawal, error) {
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.NotFound(errs.CodeWithdrawalNotFound, "withdrawal not found")
	}
	if w.Status != relationaldb.WithdrawalApproved {
		return nil, errs.Validation(errs.CodeInvalidStateTransition, "withdrawal must be approved before completion").
			WithDetail("status", string(w.Status))
	}

	now := s.now()
	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetWithdrawal(ctx, w.ID)
			if err != nil {
				return err
			}
			if fresh.Status != relationaldb.WithdrawalApproved {
				return errs.Validation(errs.CodeInvalidStateTransition, "withdrawal is not approved")
			}
			return nil
		},
		Deltas: []wallet.Delta{{UserID: w.UserID, Balance: -w.AmountMinor, Locked: -w.AmountMinor}},
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			userWallet, err := store.GetWalletByUser(ctx, w.UserID)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			acc, err := store.GetOrCreateWalletAccount(ctx, userWallet.ID, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			float, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformProviderFloat, relationaldb.AccountProviderFloat, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			return ledger.JournalRequest{
				Type:           relationaldb.JournalWithdrawal,
				Amount:         w.AmountMinor,
				Description:    "withdrawal payout " + w.ID,
				IdempotencyKey: "withdrawal:" + w.ID,
				WithdrawalID:   &w.ID,
				Legs: []ledger.Leg{
					{AccountID: acc.ID, Amount: -w.AmountMinor},
					{AccountID: float.ID, Amount: w.AmountMinor},
				},
			}, nil
		},
		Post: func(ctx context.Context, store relationaldb.Store, _ *relationaldb.LedgerJournal) error {
			w.Status = relationaldb.WithdrawalCompleted
			w.ProviderDisbursementID = &providerDisbursementID
			w.BankReference = bankReference
			w.CompletedAt = &now
			return store.UpdateWithdrawal(ctx, w)
		},
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("withdrawal completed",
		zap.String("withdrawal_id", w.ID),
		zap.String("bank_reference", bankReference))
	return w, nil
}

// Fail closes a pending or approved withdrawal after the provider reported
// the disbursement failed. Funds unlock and the limit usage is given back,
// same as an admin rejection, but no approval row is written because no
// human acted.
func (s *Service) Fail(ctx context.Context, id, reason string) (*relationaldb.Withdrawal, error) {
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.NotFound(errs.CodeWithdrawalNotFound, "withdrawal not found")
	}
	if w.Status != relationaldb.WithdrawalPending && w.Status != relationaldb.WithdrawalApproved {
		return nil, errs.Validation(errs.CodeInvalidStateTransition, "withdrawal is already settled").
			WithDetail("status", string(w.Status))
	}

	now := s.now()
	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetWithdrawal(ctx, w.ID)
			if err != nil {
				return err
			}
			if fresh.Status != relationaldb.WithdrawalPending && fresh.Status != relationaldb.WithdrawalApproved {
				return errs.Validation(errs.CodeInvalidStateTransition, "withdrawal is already settled")
			}
			return nil
		},
		Deltas: []wallet.Delta{{UserID: w.UserID, Locked: -w.AmountMinor}},
		Post: func(ctx context.Context, store relationaldb.Store, _ *relationaldb.LedgerJournal) error {
			w.Status = relationaldb.WithdrawalRejected
			w.FlagReason = reason
			w.RejectedAt = &now
			if err := store.UpdateWithdrawal(ctx, w); err != nil {
				return err
			}
			limit, err := store.GetActiveLimit(ctx, w.UserID)
			if err != nil || limit == nil {
				return err
			}
			limit.DailyUsedMinor -= w.AmountMinor
			limit.MonthlyUsedMinor -= w.AmountMinor
			if limit.DailyCount > 0 {
				limit.DailyCount--
			}
			return store.UpdateLimit(ctx, limit)
		},
	})
	if err != nil {
		return nil, err
	}
	s.log.Warn("withdrawal failed by provider",
		zap.String("withdrawal_id", w.ID),
		zap.String("reason", reason))
	return w, nil
}

func (s *Service) loadPending(ctx context.Context, id string) (*relationaldb.Withdrawal, error) {
	w, err := s.db.GetWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.NotFound(errs.CodeWithdrawalNotFound, "withdrawal not found")
	}
	if w.Status != relationaldb.WithdrawalPending {
		return nil, errs.Validation(errs.CodeInvalidStateTransition, "withdrawal is not pending").
			WithDetail("status", string(w.Status))
	}
	return w, nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsAdmin {
		return errs.Authorization(errs.CodeUnauthorizedTransition, "admin privileges required")
	}
	return nil
}
