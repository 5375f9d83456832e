package relationaldb

import (
	"context"
	"time"
)

// Store is the set of typed operations every backend exposes. Methods that
// look up a single row return (nil, nil) when the row does not exist, and a
// typed error only for genuine failures; callers decide whether absence is
// an error.
type Store interface {
	// Users and payout destinations.
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	CreateBankAccount(ctx context.Context, b *BankAccount) error
	GetBankAccount(ctx context.Context, id string) (*BankAccount, error)

	// Wallets.
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	// ApplyWalletDeltas performs the optimistic conditional update: the row
	// is written only when its version still matches, the resulting balance
	// and locked are non-negative, and locked stays within balance. The
	// version is incremented on success. Returns false when zero rows
	// matched.
	ApplyWalletDeltas(ctx context.Context, userID string, version int64, balanceDelta, lockedDelta int64) (bool, error)
	SetWalletReconciled(ctx context.Context, walletID string, at time.Time, hash string) error
	ListWalletsReconciledBefore(ctx context.Context, cutoff time.Time, limit int) ([]Wallet, error)

	// Ledger accounts.
	GetOrCreateWalletAccount(ctx context.Context, walletID, currency string) (*LedgerAccount, error)
	GetOrCreatePlatformAccount(ctx context.Context, platformKey string, accountType AccountType, currency string) (*LedgerAccount, error)
	AccountsByWallet(ctx context.Context, walletID string) ([]LedgerAccount, error)

	// Ledger journals and entries. Entries are append-only.
	GetJournalByIdempotencyKey(ctx context.Context, key string) (*LedgerJournal, error)
	InsertJournal(ctx context.Context, j *LedgerJournal) error
	InsertEntry(ctx context.Context, e *LedgerEntry) error
	EntriesByJournal(ctx context.Context, journalID string) ([]LedgerEntry, error)
	// LastRunningBalance returns the running balance of the most recent
	// entry for the account, ordered by (created_at, id). Zero when the
	// account has no entries.
	LastRunningBalance(ctx context.Context, accountID string) (int64, error)
	SumEntriesByAccount(ctx context.Context, accountID string) (int64, error)
	SumEntriesByWallet(ctx context.Context, walletID string) (int64, error)
	UnbalancedJournalIDs(ctx context.Context) ([]string, error)
	PlatformAccountBalances(ctx context.Context) (map[string]int64, error)
	SumActiveEscrowAmounts(ctx context.Context) (int64, error)

	// Orders.
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error

	// Escrow holds.
	CreateEscrow(ctx context.Context, e *EscrowHold) error
	GetEscrow(ctx context.Context, id string) (*EscrowHold, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*EscrowHold, error)
	UpdateEscrow(ctx context.Context, e *EscrowHold) error
	ListExpiredActiveEscrows(ctx context.Context, now time.Time, limit int) ([]EscrowHold, error)

	// Disputes.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error

	// Withdrawals.
	CreateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	GetWithdrawalByIdempotencyKey(ctx context.Context, key string) (*Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
	CreateWithdrawalApproval(ctx context.Context, a *WithdrawalApproval) error
	ListWithdrawalApprovals(ctx context.Context, withdrawalID string) ([]WithdrawalApproval, error)

	// Velocity log.
	InsertVelocityEvent(ctx context.Context, v *WithdrawalVelocityLog) error
	// VelocityStats returns the count and summed amount of velocity events
	// for the user since the given instant.
	VelocityStats(ctx context.Context, userID string, since time.Time) (int, int64, error)
	LatestVelocityEventAt(ctx context.Context, userID string) (*time.Time, error)

	// Transaction limits.
	CreateLimit(ctx context.Context, l *TransactionLimit) error
	GetActiveLimit(ctx context.Context, userID string) (*TransactionLimit, error)
	UpdateLimit(ctx context.Context, l *TransactionLimit) error
	// ResetDailyUsage zeroes daily counters for rows whose daily reset
	// boundary has passed; ResetMonthlyUsage likewise for monthly. Both
	// return the number of rows reset.
	ResetDailyUsage(ctx context.Context, now time.Time) (int64, error)
	ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error)

	// Webhook events and payments.
	InsertWebhookEvent(ctx context.Context, e *WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id string) (*WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, e *WebhookEvent) error
	FindProcessedWebhook(ctx context.Context, provider, eventID string) (*WebhookEvent, error)
	ListRetryableWebhooks(ctx context.Context, now time.Time, maxRetries, limit int) ([]WebhookEvent, error)
	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	InsertPaymentStatusHistory(ctx context.Context, h *PaymentStatusHistory) error
}

// Database is a backend: a Store usable outside transactions plus
// transaction and advisory-lock control.
type Database interface {
	Store

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	// WithinTx runs fn against a transactional Store. The transaction is
	// committed when fn returns nil and rolled back otherwise. Money-moving
	// operations must run inside exactly one WithinTx scope.
	WithinTx(ctx context.Context, fn func(Store) error) error

	// TryAdvisoryLock acquires a named, node-exclusive lock without
	// blocking. When acquired it returns ok=true and a release function.
	TryAdvisoryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}
