package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const walletColumns = `id, user_id, balance_minor, locked_minor, version, currency,
	last_reconciled_at, reconciliation_hash, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*relationaldb.Wallet, error) {
	var w relationaldb.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.BalanceMinor, &w.LockedMinor, &w.Version, &w.Currency,
		&w.LastReconciledAt, &w.ReconciliationHash, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *store) CreateWallet(ctx context.Context, w *relationaldb.Wallet) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, balance_minor, locked_minor, version, currency,
			last_reconciled_at, reconciliation_hash, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.UserID, w.BalanceMinor, w.LockedMinor, w.Version, w.Currency,
		w.LastReconciledAt, w.ReconciliationHash, w.CreatedAt, w.UpdatedAt)
	return mapError("create_wallet", err)
}

func (s *store) GetWallet(ctx context.Context, id string) (*relationaldb.Wallet, error) {
	w, err := scanWallet(s.q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_wallet", err)
	}
	return w, nil
}

func (s *store) GetWalletByUser(ctx context.Context, userID string) (*relationaldb.Wallet, error) {
	w, err := scanWallet(s.q.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_wallet_by_user", err)
	}
	return w, nil
}

// ApplyWalletDeltas is the optimistic conditional update. The WHERE clause
// enforces the version match and every wallet invariant; zero rows updated
// means the caller must re-read and retry.
func (s *store) ApplyWalletDeltas(ctx context.Context, userID string, version int64, balanceDelta, lockedDelta int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE wallets
		 SET balance_minor = balance_minor + $3,
		     locked_minor = locked_minor + $4,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE user_id = $1
		   AND version = $2
		   AND balance_minor + $3 >= 0
		   AND locked_minor + $4 >= 0
		   AND locked_minor + $4 <= balance_minor + $3`,
		userID, version, balanceDelta, lockedDelta)
	if err != nil {
		return false, mapError("apply_wallet_deltas", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapError("apply_wallet_deltas", err)
	}
	return n == 1, nil
}

func (s *store) SetWalletReconciled(ctx context.Context, walletID string, at time.Time, hash string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE wallets SET last_reconciled_at = $2, reconciliation_hash = $3 WHERE id = $1`,
		walletID, at, hash)
	return mapError("set_wallet_reconciled", err)
}

func (s *store) ListWalletsReconciledBefore(ctx context.Context, cutoff time.Time, limit int) ([]relationaldb.Wallet, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+walletColumns+` FROM wallets
		 WHERE last_reconciled_at IS NULL OR last_reconciled_at < $1
		 ORDER BY last_reconciled_at NULLS FIRST
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, mapError("list_wallets_reconciled_before", err)
	}
	defer rows.Close()

	var wallets []relationaldb.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, mapError("list_wallets_reconciled_before", err)
		}
		wallets = append(wallets, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_wallets_reconciled_before", err)
	}
	return wallets, nil
}
