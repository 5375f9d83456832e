package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const withdrawalColumns = `id, user_id, amount_minor, bank_account_id, idempotency_key, status,
	velocity_score, flagged_by_system, flag_reason, cooling_period_ends_at, required_approvals,
	multi_approval, provider_disbursement_id, bank_reference, requested_at, approved_at,
	completed_at, rejected_at`

func scanWithdrawal(row interface{ Scan(...any) error }) (*relationaldb.Withdrawal, error) {
	var w relationaldb.Withdrawal
	err := row.Scan(&w.ID, &w.UserID, &w.AmountMinor, &w.BankAccountID, &w.IdempotencyKey, &w.Status,
		&w.VelocityScore, &w.FlaggedBySystem, &w.FlagReason, &w.CoolingPeriodEndsAt, &w.RequiredApprovals,
		&w.MultiApproval, &w.ProviderDisbursementID, &w.BankReference, &w.RequestedAt, &w.ApprovedAt,
		&w.CompletedAt, &w.RejectedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *store) CreateWithdrawal(ctx context.Context, w *relationaldb.Withdrawal) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO withdrawals (id, user_id, amount_minor, bank_account_id, idempotency_key, status,
			velocity_score, flagged_by_system, flag_reason, cooling_period_ends_at, required_approvals,
			multi_approval, provider_disbursement_id, bank_reference, requested_at, approved_at,
			completed_at, rejected_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		w.ID, w.UserID, w.AmountMinor, w.BankAccountID, w.IdempotencyKey, w.Status,
		w.VelocityScore, w.FlaggedBySystem, w.FlagReason, w.CoolingPeriodEndsAt, w.RequiredApprovals,
		w.MultiApproval, w.ProviderDisbursementID, w.BankReference, w.RequestedAt, w.ApprovedAt,
		w.CompletedAt, w.RejectedAt)
	return mapError("create_withdrawal", err)
}

func (s *store) GetWithdrawal(ctx context.Context, id string) (*relationaldb.Withdrawal, error) {
	w, err := scanWithdrawal(s.q.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_withdrawal", err)
	}
	return w, nil
}

func (s *store) GetWithdrawalByIdempotencyKey(ctx context.Context, key string) (*relationaldb.Withdrawal, error) {
	w, err := scanWithdrawal(s.q.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE idempotency_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_withdrawal_by_idempotency_key", err)
	}
	return w, nil
}

func (s *store) UpdateWithdrawal(ctx context.Context, w *relationaldb.Withdrawal) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE withdrawals SET status = $2, velocity_score = $3, flagged_by_system = $4,
			flag_reason = $5, provider_disbursement_id = $6, bank_reference = $7,
			approved_at = $8, completed_at = $9, rejected_at = $10
		 WHERE id = $1`,
		w.ID, w.Status, w.VelocityScore, w.FlaggedBySystem,
		w.FlagReason, w.ProviderDisbursementID, w.BankReference,
		w.ApprovedAt, w.CompletedAt, w.RejectedAt)
	return mapError("update_withdrawal", err)
}

func (s *store) CreateWithdrawalApproval(ctx context.Context, a *relationaldb.WithdrawalApproval) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO withdrawal_approvals (id, withdrawal_id, approver_id, action, notes, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.WithdrawalID, a.ApproverID, a.Action, a.Notes, a.CreatedAt)
	return mapError("create_withdrawal_approval", err)
}

func (s *store) ListWithdrawalApprovals(ctx context.Context, withdrawalID string) ([]relationaldb.WithdrawalApproval, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, withdrawal_id, approver_id, action, notes, created_at
		 FROM withdrawal_approvals WHERE withdrawal_id = $1 ORDER BY created_at`, withdrawalID)
	if err != nil {
		return nil, mapError("list_withdrawal_approvals", err)
	}
	defer rows.Close()

	var approvals []relationaldb.WithdrawalApproval
	for rows.Next() {
		var a relationaldb.WithdrawalApproval
		if err := rows.Scan(&a.ID, &a.WithdrawalID, &a.ApproverID, &a.Action, &a.Notes, &a.CreatedAt); err != nil {
			return nil, mapError("list_withdrawal_approvals", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_withdrawal_approvals", err)
	}
	return approvals, nil
}

func (s *store) InsertVelocityEvent(ctx context.Context, v *relationaldb.WithdrawalVelocityLog) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO withdrawal_velocity_log (user_id, withdrawal_id, amount_minor, created_at)
		 VALUES ($1,$2,$3,$4) RETURNING id`,
		v.UserID, v.WithdrawalID, v.AmountMinor, v.CreatedAt).Scan(&v.ID)
	return mapError("insert_velocity_event", err)
}

func (s *store) VelocityStats(ctx context.Context, userID string, since time.Time) (int, int64, error) {
	var count int
	var total int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount_minor), 0)
		 FROM withdrawal_velocity_log
		 WHERE user_id = $1 AND created_at >= $2`, userID, since).
		Scan(&count, &total)
	if err != nil {
		return 0, 0, mapError("velocity_stats", err)
	}
	return count, total, nil
}

func (s *store) LatestVelocityEventAt(ctx context.Context, userID string) (*time.Time, error) {
	var at time.Time
	err := s.q.QueryRowContext(ctx,
		`SELECT created_at FROM withdrawal_velocity_log
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("latest_velocity_event_at", err)
	}
	return &at, nil
}

const limitColumns = `id, user_id, tier, per_tx_limit_minor, daily_limit_minor, daily_count_limit,
	monthly_limit_minor, cooling_minutes, dual_approval_minor, daily_used_minor, daily_count,
	monthly_used_minor, daily_reset_at, monthly_reset_at, effective_from, effective_until, is_active`

func (s *store) CreateLimit(ctx context.Context, l *relationaldb.TransactionLimit) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO transaction_limits (id, user_id, tier, per_tx_limit_minor, daily_limit_minor,
			daily_count_limit, monthly_limit_minor, cooling_minutes, dual_approval_minor,
			daily_used_minor, daily_count, monthly_used_minor, daily_reset_at, monthly_reset_at,
			effective_from, effective_until, is_active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		l.ID, l.UserID, l.Tier, l.PerTxLimitMinor, l.DailyLimitMinor,
		l.DailyCountLimit, l.MonthlyLimitMinor, l.CoolingMinutes, l.DualApprovalMinor,
		l.DailyUsedMinor, l.DailyCount, l.MonthlyUsedMinor, l.DailyResetAt, l.MonthlyResetAt,
		l.EffectiveFrom, l.EffectiveUntil, l.IsActive)
	return mapError("create_limit", err)
}

func (s *store) GetActiveLimit(ctx context.Context, userID string) (*relationaldb.TransactionLimit, error) {
	var l relationaldb.TransactionLimit
	err := s.q.QueryRowContext(ctx,
		`SELECT `+limitColumns+` FROM transaction_limits
		 WHERE user_id = $1 AND is_active
		   AND (effective_from IS NULL OR effective_from <= NOW())
		   AND (effective_until IS NULL OR effective_until > NOW())`, userID).
		Scan(&l.ID, &l.UserID, &l.Tier, &l.PerTxLimitMinor, &l.DailyLimitMinor, &l.DailyCountLimit,
			&l.MonthlyLimitMinor, &l.CoolingMinutes, &l.DualApprovalMinor, &l.DailyUsedMinor, &l.DailyCount,
			&l.MonthlyUsedMinor, &l.DailyResetAt, &l.MonthlyResetAt, &l.EffectiveFrom, &l.EffectiveUntil, &l.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_active_limit", err)
	}
	return &l, nil
}

func (s *store) UpdateLimit(ctx context.Context, l *relationaldb.TransactionLimit) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE transaction_limits SET daily_used_minor = $2, daily_count = $3, monthly_used_minor = $4,
			daily_reset_at = $5, monthly_reset_at = $6, is_active = $7
		 WHERE id = $1`,
		l.ID, l.DailyUsedMinor, l.DailyCount, l.MonthlyUsedMinor,
		l.DailyResetAt, l.MonthlyResetAt, l.IsActive)
	return mapError("update_limit", err)
}

func (s *store) ResetDailyUsage(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE transaction_limits
		 SET daily_used_minor = 0, daily_count = 0,
		     daily_reset_at = date_trunc('day', $1::timestamptz) + interval '1 day'
		 WHERE daily_reset_at <= $1`, now)
	if err != nil {
		return 0, mapError("reset_daily_usage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError("reset_daily_usage", err)
	}
	return n, nil
}

func (s *store) ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE transaction_limits
		 SET monthly_used_minor = 0,
		     monthly_reset_at = date_trunc('month', $1::timestamptz) + interval '1 month'
		 WHERE monthly_reset_at <= $1`, now)
	if err != nil {
		return 0, mapError("reset_monthly_usage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapError("reset_monthly_usage", err)
	}
	return n, nil
}
