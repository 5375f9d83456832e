// Package relationaldb defines the persistent entities of the escrow core
// and the storage interface every backend must satisfy. The database is the
// single source of truth; the cache layer is advisory and rebuildable.
package relationaldb

import (
	"time"

	"github.com/rekberid/rekberd/internal/core/money"
)

// KYCTier is the verification level of a user.
type KYCTier string

const (
	KYCNone     KYCTier = "NONE"
	KYCPending  KYCTier = "PENDING"
	KYCVerified KYCTier = "VERIFIED"
)

// AccountType classifies a ledger account.
type AccountType string

const (
	AccountUserWallet    AccountType = "USER_WALLET"
	AccountEscrowHolding AccountType = "ESCROW_HOLDING"
	AccountPlatformFees  AccountType = "PLATFORM_FEES"
	AccountProviderFloat AccountType = "PROVIDER_FLOAT"
	AccountReserve       AccountType = "RESERVE"
)

// Platform account keys. A ledger account is owned by exactly one wallet or
// exactly one platform key, never both.
const (
	PlatformEscrowHolding = "PLATFORM_ESCROW_HOLDING"
	PlatformFees          = "PLATFORM_FEES"
	PlatformProviderFloat = "PLATFORM_PROVIDER_FLOAT"
	PlatformReserve       = "PLATFORM_RESERVE"
)

// JournalType classifies a balanced set of ledger entries.
type JournalType string

const (
	JournalDeposit           JournalType = "DEPOSIT"
	JournalWithdrawal        JournalType = "WITHDRAWAL"
	JournalEscrowHold        JournalType = "ESCROW_HOLD"
	JournalEscrowRelease     JournalType = "ESCROW_RELEASE"
	JournalEscrowRefund      JournalType = "ESCROW_REFUND"
	JournalDisputeResolution JournalType = "DISPUTE_RESOLUTION"
)

// OrderStatus is the state of the commercial order.
type OrderStatus string

const (
	OrderPendingAccept OrderStatus = "PENDING_ACCEPT"
	OrderAccepted      OrderStatus = "ACCEPTED"
	OrderPaid          OrderStatus = "PAID"
	OrderCompleted     OrderStatus = "COMPLETED"
	OrderCancelled     OrderStatus = "CANCELLED"
	OrderDisputed      OrderStatus = "DISPUTED"
	OrderRefunded      OrderStatus = "REFUNDED"
)

// EscrowStatus is the state of a held escrow.
type EscrowStatus string

const (
	EscrowActive   EscrowStatus = "ACTIVE"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowDisputed EscrowStatus = "DISPUTED"
	EscrowAdjusted EscrowStatus = "ADJUSTED"
)

// WithdrawalStatus is the state of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalApproved  WithdrawalStatus = "APPROVED"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
)

// WebhookStatus is the processing state of a received provider callback.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "PENDING"
	WebhookProcessed WebhookStatus = "PROCESSED"
	WebhookFailed    WebhookStatus = "FAILED"
)

// PaymentStatus is the internal status a provider status maps onto.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
	PaymentExpired PaymentStatus = "EXPIRED"
	PaymentDenied  PaymentStatus = "DENIED"
)

// DisputeStatus is the state of a dispute record.
type DisputeStatus string

const (
	DisputeOpen   DisputeStatus = "OPEN"
	DisputeClosed DisputeStatus = "CLOSED"
)

// OrderRole identifies which side the initiator of an order takes.
type OrderRole string

const (
	RoleBuyer  OrderRole = "BUYER"
	RoleSeller OrderRole = "SELLER"
)

// User is the platform identity.
type User struct {
	ID             string
	Email          string
	Phone          string
	KYCTier        KYCTier
	IsAdmin        bool
	SuspendedUntil *time.Time
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// Suspended reports whether the user is inside a suspension window at t.
func (u *User) Suspended(t time.Time) bool {
	return u.SuspendedUntil != nil && t.Before(*u.SuspendedUntil)
}

// Wallet holds a user's funds. Available balance is Balance minus Locked.
// Version is the optimistic-lock counter, bumped on every write.
type Wallet struct {
	ID                 string
	UserID             string
	BalanceMinor       money.Amount
	LockedMinor        money.Amount
	Version            int64
	Currency           string
	LastReconciledAt   *time.Time
	ReconciliationHash string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Available is the spendable part of the balance.
func (w *Wallet) Available() money.Amount {
	return w.BalanceMinor - w.LockedMinor
}

// BankAccount is a user's payout destination.
type BankAccount struct {
	ID            string
	UserID        string
	BankCode      string
	AccountNumber string
	AccountName   string
	IsActive      bool
	DeletedAt     *time.Time
	CreatedAt     time.Time
}

// LedgerAccount is a double-entry account, owned by exactly one wallet XOR
// one platform key.
type LedgerAccount struct {
	ID          string
	WalletID    *string
	PlatformKey *string
	Type        AccountType
	Currency    string
	CreatedAt   time.Time
}

// LedgerJournal is the immutable header of a balanced set of entries.
type LedgerJournal struct {
	ID             string
	Type           JournalType
	AmountMinor    money.Amount
	Description    string
	IdempotencyKey string
	OrderID        *string
	EscrowID       *string
	WithdrawalID   *string
	DepositID      *string
	DisputeID      *string
	CreatedAt      time.Time
}

// LedgerEntry is one leg of a journal. AmountMinor is the signed delta to
// the account: positive entries debit the account, negative entries credit
// it, and the entries of one journal always sum to zero. Rows are
// append-only; updates and deletes are forbidden at the database layer.
type LedgerEntry struct {
	ID                  int64
	JournalID           string
	AccountID           string
	AmountMinor         money.Amount
	RunningBalanceMinor money.Amount
	CreatedAt           time.Time
}

// Order is the commercial record mediated by the platform.
type Order struct {
	ID                string
	BuyerID           string
	SellerID          string
	InitiatorID       string
	InitiatorRole     OrderRole
	AmountMinor       money.Amount
	PlatformFeeMinor  money.Amount
	FeePayer          OrderRole
	HoldingPeriodDays int
	InviteToken       string
	InviteExpiresAt   *time.Time
	Status            OrderStatus
	AutoReleaseAt     *time.Time
	AcceptedAt        *time.Time
	PaidAt            *time.Time
	CompletedAt       *time.Time
	CancelledAt       *time.Time
	DisputedAt        *time.Time
	RefundedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// EscrowHold is the platform-held fund backing a paid order.
type EscrowHold struct {
	ID             string
	OrderID        string
	BuyerWalletID  string
	SellerWalletID string
	AmountMinor    money.Amount
	Status         EscrowStatus
	TimeoutAt      time.Time
	ResolvedAt     *time.Time
	TimeoutJobID   *string
	CreatedAt      time.Time
}

// Withdrawal is a request to move funds out to a bank account.
type Withdrawal struct {
	ID                     string
	UserID                 string
	AmountMinor            money.Amount
	BankAccountID          string
	IdempotencyKey         string
	Status                 WithdrawalStatus
	VelocityScore          int
	FlaggedBySystem        bool
	FlagReason             string
	CoolingPeriodEndsAt    *time.Time
	RequiredApprovals      int
	MultiApproval          bool
	ProviderDisbursementID *string
	BankReference          string
	RequestedAt            time.Time
	ApprovedAt             *time.Time
	CompletedAt            *time.Time
	RejectedAt             *time.Time
}

// WithdrawalApproval records one admin action on a withdrawal.
type WithdrawalApproval struct {
	ID           string
	WithdrawalID string
	ApproverID   string
	Action       string // APPROVE or REJECT
	Notes        string
	CreatedAt    time.Time
}

// TransactionLimit is the per-user withdrawal cap row with its usage
// counters. The row is authoritative; tier tables in code only seed
// defaults.
type TransactionLimit struct {
	ID                string
	UserID            string
	Tier              KYCTier
	PerTxLimitMinor   money.Amount
	DailyLimitMinor   money.Amount
	DailyCountLimit   int
	MonthlyLimitMinor money.Amount
	CoolingMinutes    int
	DualApprovalMinor money.Amount
	DailyUsedMinor    money.Amount
	DailyCount        int
	MonthlyUsedMinor  money.Amount
	DailyResetAt      time.Time
	MonthlyResetAt    time.Time
	EffectiveFrom     *time.Time
	EffectiveUntil    *time.Time
	IsActive          bool
}

// WithdrawalVelocityLog is the append-only event log behind velocity
// scoring.
type WithdrawalVelocityLog struct {
	ID           int64
	UserID       string
	WithdrawalID string
	AmountMinor  money.Amount
	CreatedAt    time.Time
}

// WebhookEvent records each received provider callback, valid or not.
type WebhookEvent struct {
	ID              string
	Provider        string
	EventID         string
	EventType       string
	Payload         []byte
	RedactedHeaders []byte
	RequestIP       string
	Status          WebhookStatus
	SignatureValid  bool
	RetryCount      int
	LastRetryAt     *time.Time
	NextRetryAt     *time.Time
	PaymentID       *string
	ErrorMessage    string
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// Payment tracks an external provider payment or disbursement. Deposits
// carry the receiving user; order payments and withdrawal disbursements
// carry their parent row.
type Payment struct {
	ID           string
	UserID       string
	OrderID      *string
	WithdrawalID *string
	Provider     string
	ProviderRef  string
	Status       PaymentStatus
	AmountMinor  money.Amount
	PaidAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PaymentStatusHistory is one observed status transition of a payment.
type PaymentStatusHistory struct {
	ID             int64
	PaymentID      string
	FromStatus     PaymentStatus
	ToStatus       PaymentStatus
	ProviderStatus string
	CreatedAt      time.Time
}

// Dispute shadows a disputed escrow until an arbitrator closes it.
type Dispute struct {
	ID         string
	EscrowID   string
	OrderID    string
	OpenedBy   string
	Reason     string
	Status     DisputeStatus
	Resolution string
	Notes      string
	ResolvedBy *string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// ReconciliationReport is the outcome of comparing a wallet against its
// ledger entries.
type ReconciliationReport struct {
	WalletID       string
	ExpectedMinor  money.Amount
	AvailableMinor money.Amount
	Match          bool
	CheckedAt      time.Time
}
