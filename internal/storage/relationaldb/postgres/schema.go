package postgres

import (
	"context"
	"fmt"
)

// initSchema creates the full schema. Statements are idempotent so the
// migration can run on every start.
func (d *Database) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			phone TEXT NOT NULL DEFAULT '',
			kyc_tier TEXT NOT NULL DEFAULT 'NONE'
				CHECK (kyc_tier IN ('NONE','PENDING','VERIFIED')),
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			suspended_until TIMESTAMPTZ,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bank_accounts (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			bank_code TEXT NOT NULL,
			account_number TEXT NOT NULL,
			account_name TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			deleted_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS wallets (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL UNIQUE REFERENCES users(id),
			balance_minor BIGINT NOT NULL DEFAULT 0,
			locked_minor BIGINT NOT NULL DEFAULT 0,
			version BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'IDR',
			last_reconciled_at TIMESTAMPTZ,
			reconciliation_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (balance_minor >= 0 AND locked_minor >= 0 AND locked_minor <= balance_minor)
		)`,

		// Ownership is exclusive: wallet XOR platform key.
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			id UUID PRIMARY KEY,
			wallet_id UUID REFERENCES wallets(id),
			platform_key TEXT,
			account_type TEXT NOT NULL
				CHECK (account_type IN ('USER_WALLET','ESCROW_HOLDING','PLATFORM_FEES','PROVIDER_FLOAT','RESERVE')),
			currency TEXT NOT NULL DEFAULT 'IDR',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK ((wallet_id IS NULL) <> (platform_key IS NULL))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_accounts_wallet
			ON ledger_accounts(wallet_id) WHERE wallet_id IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_accounts_platform
			ON ledger_accounts(platform_key) WHERE platform_key IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS ledger_journals (
			id UUID PRIMARY KEY,
			journal_type TEXT NOT NULL
				CHECK (journal_type IN ('DEPOSIT','WITHDRAWAL','ESCROW_HOLD','ESCROW_RELEASE','ESCROW_REFUND','DISPUTE_RESOLUTION')),
			amount_minor BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			order_id UUID,
			escrow_id UUID,
			withdrawal_id UUID,
			deposit_id UUID,
			dispute_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_journals_idem
			ON ledger_journals(idempotency_key)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			journal_id UUID NOT NULL REFERENCES ledger_journals(id),
			account_id UUID NOT NULL REFERENCES ledger_accounts(id),
			amount_minor BIGINT NOT NULL,
			running_balance_minor BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_account
			ON ledger_entries(account_id, created_at, id)`,

		// The ledger is append-only.
		`CREATE OR REPLACE FUNCTION forbid_ledger_mutation() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'ledger entries are append-only';
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_ledger_entries_append_only ON ledger_entries`,
		`CREATE TRIGGER trg_ledger_entries_append_only
			BEFORE UPDATE OR DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION forbid_ledger_mutation()`,
		`DROP TRIGGER IF EXISTS trg_ledger_journals_append_only ON ledger_journals`,
		`CREATE TRIGGER trg_ledger_journals_append_only
			BEFORE UPDATE OR DELETE ON ledger_journals
			FOR EACH ROW EXECUTE FUNCTION forbid_ledger_mutation()`,

		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			buyer_id UUID NOT NULL REFERENCES users(id),
			seller_id UUID NOT NULL REFERENCES users(id),
			initiator_id UUID NOT NULL REFERENCES users(id),
			initiator_role TEXT NOT NULL CHECK (initiator_role IN ('BUYER','SELLER')),
			amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
			platform_fee_minor BIGINT NOT NULL DEFAULT 0 CHECK (platform_fee_minor >= 0),
			fee_payer TEXT NOT NULL DEFAULT 'SELLER' CHECK (fee_payer IN ('BUYER','SELLER')),
			holding_period_days INTEGER NOT NULL DEFAULT 3,
			invite_token TEXT NOT NULL DEFAULT '',
			invite_expires_at TIMESTAMPTZ,
			status TEXT NOT NULL DEFAULT 'PENDING_ACCEPT'
				CHECK (status IN ('PENDING_ACCEPT','ACCEPTED','PAID','COMPLETED','CANCELLED','DISPUTED','REFUNDED')),
			auto_release_at TIMESTAMPTZ,
			accepted_at TIMESTAMPTZ,
			paid_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			disputed_at TIMESTAMPTZ,
			refunded_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (completed_at IS NULL OR paid_at IS NULL OR completed_at >= paid_at),
			CHECK (auto_release_at IS NULL OR paid_at IS NULL OR auto_release_at > paid_at)
		)`,

		`CREATE TABLE IF NOT EXISTS escrow_holds (
			id UUID PRIMARY KEY,
			order_id UUID NOT NULL UNIQUE REFERENCES orders(id),
			buyer_wallet_id UUID NOT NULL REFERENCES wallets(id),
			seller_wallet_id UUID NOT NULL REFERENCES wallets(id),
			amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
			status TEXT NOT NULL DEFAULT 'ACTIVE'
				CHECK (status IN ('ACTIVE','RELEASED','REFUNDED','DISPUTED','ADJUSTED')),
			timeout_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			timeout_job_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escrow_holds_due
			ON escrow_holds(timeout_at) WHERE status = 'ACTIVE'`,

		`CREATE TABLE IF NOT EXISTS disputes (
			id UUID PRIMARY KEY,
			escrow_id UUID NOT NULL UNIQUE REFERENCES escrow_holds(id),
			order_id UUID NOT NULL REFERENCES orders(id),
			opened_by UUID NOT NULL REFERENCES users(id),
			reason TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'OPEN' CHECK (status IN ('OPEN','CLOSED')),
			resolution TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			resolved_by UUID REFERENCES users(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS withdrawals (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			amount_minor BIGINT NOT NULL CHECK (amount_minor > 0),
			bank_account_id UUID NOT NULL REFERENCES bank_accounts(id),
			idempotency_key TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','APPROVED','COMPLETED','REJECTED')),
			velocity_score INTEGER NOT NULL DEFAULT 0,
			flagged_by_system BOOLEAN NOT NULL DEFAULT FALSE,
			flag_reason TEXT NOT NULL DEFAULT '',
			cooling_period_ends_at TIMESTAMPTZ,
			required_approvals INTEGER NOT NULL DEFAULT 1,
			multi_approval BOOLEAN NOT NULL DEFAULT FALSE,
			provider_disbursement_id TEXT,
			bank_reference TEXT NOT NULL DEFAULT '',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			approved_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			rejected_at TIMESTAMPTZ,
			CHECK (approved_at IS NULL OR completed_at IS NULL OR approved_at <= completed_at)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_withdrawals_idem
			ON withdrawals(idempotency_key)`,

		`CREATE TABLE IF NOT EXISTS withdrawal_approvals (
			id UUID PRIMARY KEY,
			withdrawal_id UUID NOT NULL REFERENCES withdrawals(id),
			approver_id UUID NOT NULL REFERENCES users(id),
			action TEXT NOT NULL CHECK (action IN ('APPROVE','REJECT')),
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (withdrawal_id, approver_id)
		)`,

		`CREATE TABLE IF NOT EXISTS transaction_limits (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			tier TEXT NOT NULL CHECK (tier IN ('NONE','PENDING','VERIFIED')),
			per_tx_limit_minor BIGINT NOT NULL,
			daily_limit_minor BIGINT NOT NULL,
			daily_count_limit INTEGER NOT NULL,
			monthly_limit_minor BIGINT NOT NULL,
			cooling_minutes INTEGER NOT NULL,
			dual_approval_minor BIGINT NOT NULL,
			daily_used_minor BIGINT NOT NULL DEFAULT 0,
			daily_count INTEGER NOT NULL DEFAULT 0,
			monthly_used_minor BIGINT NOT NULL DEFAULT 0,
			daily_reset_at TIMESTAMPTZ NOT NULL,
			monthly_reset_at TIMESTAMPTZ NOT NULL,
			effective_from TIMESTAMPTZ,
			effective_until TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_transaction_limits_active
			ON transaction_limits(user_id) WHERE is_active`,

		`CREATE TABLE IF NOT EXISTS withdrawal_velocity_log (
			id BIGSERIAL PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			withdrawal_id UUID NOT NULL,
			amount_minor BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_velocity_user_time
			ON withdrawal_velocity_log(user_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
			id UUID PRIMARY KEY,
			provider TEXT NOT NULL,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			payload BYTEA NOT NULL,
			redacted_headers BYTEA,
			request_ip TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','PROCESSED','FAILED')),
			signature_valid BOOLEAN NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			payment_id UUID,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_event
			ON webhook_events(provider, event_id)`,

		// A webhook row may never become PROCESSED with an invalid signature.
		`CREATE OR REPLACE FUNCTION forbid_unsigned_processed() RETURNS trigger AS $$
		BEGIN
			IF NEW.status = 'PROCESSED' AND NEW.signature_valid = FALSE THEN
				RAISE EXCEPTION 'webhook event cannot be PROCESSED with invalid signature';
			END IF;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS trg_webhook_signature_guard ON webhook_events`,
		`CREATE TRIGGER trg_webhook_signature_guard
			BEFORE INSERT OR UPDATE ON webhook_events
			FOR EACH ROW EXECUTE FUNCTION forbid_unsigned_processed()`,

		`CREATE TABLE IF NOT EXISTS payments (
			id UUID PRIMARY KEY,
			user_id UUID NOT NULL REFERENCES users(id),
			order_id UUID REFERENCES orders(id),
			withdrawal_id UUID REFERENCES withdrawals(id),
			provider TEXT NOT NULL,
			provider_ref TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING'
				CHECK (status IN ('PENDING','SUCCESS','FAILED','EXPIRED','DENIED')),
			amount_minor BIGINT NOT NULL,
			paid_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (provider, provider_ref)
		)`,

		`CREATE TABLE IF NOT EXISTS payment_status_history (
			id BIGSERIAL PRIMARY KEY,
			payment_id UUID NOT NULL REFERENCES payments(id),
			from_status TEXT NOT NULL,
			to_status TEXT NOT NULL,
			provider_status TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, query := range queries {
		if _, err := d.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}
