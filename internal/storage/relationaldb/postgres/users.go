package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

func (s *store) CreateUser(ctx context.Context, u *relationaldb.User) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO users (id, email, phone, kyc_tier, is_admin, suspended_until, deleted_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.Phone, u.KYCTier, u.IsAdmin, u.SuspendedUntil, u.DeletedAt, u.CreatedAt)
	return mapError("create_user", err)
}

func (s *store) GetUser(ctx context.Context, id string) (*relationaldb.User, error) {
	var u relationaldb.User
	err := s.q.QueryRowContext(ctx,
		`SELECT id, email, phone, kyc_tier, is_admin, suspended_until, deleted_at, created_at
		 FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Phone, &u.KYCTier, &u.IsAdmin, &u.SuspendedUntil, &u.DeletedAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_user", err)
	}
	return &u, nil
}

func (s *store) CreateBankAccount(ctx context.Context, b *relationaldb.BankAccount) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO bank_accounts (id, user_id, bank_code, account_number, account_name, is_active, deleted_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.UserID, b.BankCode, b.AccountNumber, b.AccountName, b.IsActive, b.DeletedAt, b.CreatedAt)
	return mapError("create_bank_account", err)
}

func (s *store) GetBankAccount(ctx context.Context, id string) (*relationaldb.BankAccount, error) {
	var b relationaldb.BankAccount
	err := s.q.QueryRowContext(ctx,
		`SELECT id, user_id, bank_code, account_number, account_name, is_active, deleted_at, created_at
		 FROM bank_accounts WHERE id = $1`, id).
		Scan(&b.ID, &b.UserID, &b.BankCode, &b.AccountNumber, &b.AccountName, &b.IsActive, &b.DeletedAt, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_bank_account", err)
	}
	return &b, nil
}
