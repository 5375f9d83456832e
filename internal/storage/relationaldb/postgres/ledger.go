package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

func (s *store) GetOrCreateWalletAccount(ctx context.Context, walletID, currency string) (*relationaldb.LedgerAccount, error) {
	acc, err := s.scanAccount(ctx,
		`SELECT id, wallet_id, platform_key, account_type, currency, created_at
		 FROM ledger_accounts WHERE wallet_id = $1`, walletID)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return acc, nil
	}

	acc = &relationaldb.LedgerAccount{
		ID:        uuid.NewString(),
		WalletID:  &walletID,
		Type:      relationaldb.AccountUserWallet,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO ledger_accounts (id, wallet_id, platform_key, account_type, currency, created_at)
		 VALUES ($1, $2, NULL, $3, $4, $5)
		 ON CONFLICT (wallet_id) WHERE wallet_id IS NOT NULL DO NOTHING`,
		acc.ID, walletID, acc.Type, currency, acc.CreatedAt)
	if err != nil {
		return nil, mapError("create_wallet_account", err)
	}
	// Re-read to win over concurrent creators.
	return s.scanAccount(ctx,
		`SELECT id, wallet_id, platform_key, account_type, currency, created_at
		 FROM ledger_accounts WHERE wallet_id = $1`, walletID)
}

func (s *store) GetOrCreatePlatformAccount(ctx context.Context, platformKey string, accountType relationaldb.AccountType, currency string) (*relationaldb.LedgerAccount, error) {
	acc, err := s.scanAccount(ctx,
		`SELECT id, wallet_id, platform_key, account_type, currency, created_at
		 FROM ledger_accounts WHERE platform_key = $1`, platformKey)
	if err != nil {
		return nil, err
	}
	if acc != nil {
		return acc, nil
	}

	id := uuid.NewString()
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO ledger_accounts (id, wallet_id, platform_key, account_type, currency, created_at)
		 VALUES ($1, NULL, $2, $3, $4, NOW())
		 ON CONFLICT (platform_key) WHERE platform_key IS NOT NULL DO NOTHING`,
		id, platformKey, accountType, currency)
	if err != nil {
		return nil, mapError("create_platform_account", err)
	}
	return s.scanAccount(ctx,
		`SELECT id, wallet_id, platform_key, account_type, currency, created_at
		 FROM ledger_accounts WHERE platform_key = $1`, platformKey)
}

func (s *store) scanAccount(ctx context.Context, query string, args ...any) (*relationaldb.LedgerAccount, error) {
	var a relationaldb.LedgerAccount
	err := s.q.QueryRowContext(ctx, query, args...).
		Scan(&a.ID, &a.WalletID, &a.PlatformKey, &a.Type, &a.Currency, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_account", err)
	}
	return &a, nil
}

func (s *store) AccountsByWallet(ctx context.Context, walletID string) ([]relationaldb.LedgerAccount, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, wallet_id, platform_key, account_type, currency, created_at
		 FROM ledger_accounts WHERE wallet_id = $1`, walletID)
	if err != nil {
		return nil, mapError("accounts_by_wallet", err)
	}
	defer rows.Close()

	var accounts []relationaldb.LedgerAccount
	for rows.Next() {
		var a relationaldb.LedgerAccount
		if err := rows.Scan(&a.ID, &a.WalletID, &a.PlatformKey, &a.Type, &a.Currency, &a.CreatedAt); err != nil {
			return nil, mapError("accounts_by_wallet", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("accounts_by_wallet", err)
	}
	return accounts, nil
}

func (s *store) GetJournalByIdempotencyKey(ctx context.Context, key string) (*relationaldb.LedgerJournal, error) {
	var j relationaldb.LedgerJournal
	err := s.q.QueryRowContext(ctx,
		`SELECT id, journal_type, amount_minor, description, idempotency_key,
			order_id, escrow_id, withdrawal_id, deposit_id, dispute_id, created_at
		 FROM ledger_journals WHERE idempotency_key = $1`, key).
		Scan(&j.ID, &j.Type, &j.AmountMinor, &j.Description, &j.IdempotencyKey,
			&j.OrderID, &j.EscrowID, &j.WithdrawalID, &j.DepositID, &j.DisputeID, &j.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_journal_by_idempotency_key", err)
	}
	return &j, nil
}

func (s *store) InsertJournal(ctx context.Context, j *relationaldb.LedgerJournal) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO ledger_journals (id, journal_type, amount_minor, description, idempotency_key,
			order_id, escrow_id, withdrawal_id, deposit_id, dispute_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, j.Type, j.AmountMinor, j.Description, j.IdempotencyKey,
		j.OrderID, j.EscrowID, j.WithdrawalID, j.DepositID, j.DisputeID, j.CreatedAt)
	return mapError("insert_journal", err)
}

func (s *store) InsertEntry(ctx context.Context, e *relationaldb.LedgerEntry) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (journal_id, account_id, amount_minor, running_balance_minor, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		e.JournalID, e.AccountID, e.AmountMinor, e.RunningBalanceMinor, e.CreatedAt).
		Scan(&e.ID)
	return mapError("insert_entry", err)
}

func (s *store) EntriesByJournal(ctx context.Context, journalID string) ([]relationaldb.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, journal_id, account_id, amount_minor, running_balance_minor, created_at
		 FROM ledger_entries WHERE journal_id = $1 ORDER BY id`, journalID)
	if err != nil {
		return nil, mapError("entries_by_journal", err)
	}
	defer rows.Close()

	var entries []relationaldb.LedgerEntry
	for rows.Next() {
		var e relationaldb.LedgerEntry
		if err := rows.Scan(&e.ID, &e.JournalID, &e.AccountID, &e.AmountMinor, &e.RunningBalanceMinor, &e.CreatedAt); err != nil {
			return nil, mapError("entries_by_journal", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("entries_by_journal", err)
	}
	return entries, nil
}

// LastRunningBalance continues the running balance from the most recent
// entry rather than re-aggregating, keeping inserts O(1). Tie-break on id.
func (s *store) LastRunningBalance(ctx context.Context, accountID string) (int64, error) {
	var balance int64
	err := s.q.QueryRowContext(ctx,
		`SELECT running_balance_minor FROM ledger_entries
		 WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("last_running_balance", err)
	}
	return balance, nil
}

func (s *store) SumEntriesByAccount(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0) FROM ledger_entries WHERE account_id = $1`,
		accountID).Scan(&sum)
	if err != nil {
		return 0, mapError("sum_entries_by_account", err)
	}
	return sum, nil
}

func (s *store) SumEntriesByWallet(ctx context.Context, walletID string) (int64, error) {
	var sum int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(e.amount_minor), 0)
		 FROM ledger_entries e
		 JOIN ledger_accounts a ON a.id = e.account_id
		 WHERE a.wallet_id = $1`, walletID).Scan(&sum)
	if err != nil {
		return 0, mapError("sum_entries_by_wallet", err)
	}
	return sum, nil
}

func (s *store) UnbalancedJournalIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT journal_id FROM ledger_entries
		 GROUP BY journal_id
		 HAVING SUM(amount_minor) <> 0`)
	if err != nil {
		return nil, mapError("unbalanced_journal_ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError("unbalanced_journal_ids", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("unbalanced_journal_ids", err)
	}
	return ids, nil
}

func (s *store) PlatformAccountBalances(ctx context.Context) (map[string]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT a.platform_key, COALESCE(SUM(e.amount_minor), 0)
		 FROM ledger_accounts a
		 LEFT JOIN ledger_entries e ON e.account_id = a.id
		 WHERE a.platform_key IS NOT NULL
		 GROUP BY a.platform_key`)
	if err != nil {
		return nil, mapError("platform_account_balances", err)
	}
	defer rows.Close()

	balances := make(map[string]int64)
	for rows.Next() {
		var key string
		var sum int64
		if err := rows.Scan(&key, &sum); err != nil {
			return nil, mapError("platform_account_balances", err)
		}
		balances[key] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("platform_account_balances", err)
	}
	return balances, nil
}

func (s *store) SumActiveEscrowAmounts(ctx context.Context) (int64, error) {
	var sum int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_minor), 0) FROM escrow_holds WHERE status IN ('ACTIVE','DISPUTED')`).
		Scan(&sum)
	if err != nil {
		return 0, mapError("sum_active_escrow_amounts", err)
	}
	return sum, nil
}
