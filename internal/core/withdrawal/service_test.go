package withdrawal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
	"github.com/rekberid/rekberd/internal/storage/relationaldb/memory"
)

type env struct {
	db      *memory.Database
	wallets *wallet.Service
	svc     *Service
	clock   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.NewDatabase()
	ledgerSvc := ledger.NewService(zap.NewNop())
	walletSvc := wallet.NewService(db, ledgerSvc, zap.NewNop())
	e := &env{
		db:      db,
		wallets: walletSvc,
		svc:     NewService(db, walletSvc, zap.NewNop()),
		clock:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	e.svc.now = func() time.Time { return e.clock }
	return e
}

func (e *env) addUser(t *testing.T, id string, tier relationaldb.KYCTier, admin bool, balance money.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.CreateUser(ctx, &relationaldb.User{
		ID: id, Email: id + "@example.com", KYCTier: tier, IsAdmin: admin, CreatedAt: e.clock,
	}))
	_, err := e.wallets.Create(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.wallets.Credit(ctx, id, balance, relationaldb.JournalDeposit,
			"seed:"+id, "seed deposit", ledger.JournalRequest{})
		require.NoError(t, err)
	}
}

func (e *env) addBank(t *testing.T, id, userID string) {
	t.Helper()
	require.NoError(t, e.db.CreateBankAccount(context.Background(), &relationaldb.BankAccount{
		ID: id, UserID: userID, BankCode: "BCA", AccountNumber: "1234567890",
		AccountName: "Account Holder", IsActive: true, CreatedAt: e.clock,
	}))
}

func (e *env) velocityEvent(t *testing.T, userID string, amount money.Amount, at time.Time) {
	t.Helper()
	require.NoError(t, e.db.InsertVelocityEvent(context.Background(), &relationaldb.WithdrawalVelocityLog{
		UserID: userID, WithdrawalID: "past", AmountMinor: amount, CreatedAt: at,
	}))
}

func TestCreateLocksFunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 10_000_000)
	e.addBank(t, "bank-1", "user-1")

	w, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 2_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalPending, w.Status)
	assert.Equal(t, 1, w.RequiredApprovals)
	assert.False(t, w.FlaggedBySystem)

	got, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(10_000_000), got.BalanceMinor)
	assert.Equal(t, money.Amount(2_000_000), got.LockedMinor)

	limit, err := e.db.GetActiveLimit(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(2_000_000), limit.DailyUsedMinor)
	assert.Equal(t, 1, limit.DailyCount)
}

func TestCreateIdempotentReplay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 10_000_000)
	e.addBank(t, "bank-1", "user-1")

	in := CreateInput{UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1"}
	first, err := e.svc.Create(ctx, in)
	require.NoError(t, err)
	second, err := e.svc.Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The replay must not have locked twice.
	got, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1_000_000), got.LockedMinor)
}

func TestTierLimits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCNone, false, 50_000_000)
	e.addBank(t, "bank-1", "user-1")

	// NONE tier caps a single withdrawal at 1,000,000.
	_, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_001, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeWithdrawalLimit, errs.CodeOf(err))

	_, err = e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-2",
	})
	require.NoError(t, err)

	// One per day for unverified users, checked after cooling has passed.
	e.clock = e.clock.Add(2 * time.Hour)
	_, err = e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 100, BankAccountID: "bank-1", IdempotencyKey: "wd-3",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeWithdrawalLimit, errs.CodeOf(err))
}

func TestCoolingPeriod(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 50_000_000)
	e.addBank(t, "bank-1", "user-1")

	_, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	// Ten minutes later the 15-minute cooling window still blocks.
	e.clock = e.clock.Add(10 * time.Minute)
	_, err = e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-2",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeWithdrawalCooling, errs.CodeOf(err))
	coolErr, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, int64(5), coolErr.Details["wait_minutes"])

	e.clock = e.clock.Add(6 * time.Minute)
	_, err = e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-3",
	})
	require.NoError(t, err)
}

func TestVelocityFlagsButAllows(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 100_000_000)
	e.addBank(t, "bank-1", "user-1")

	// Two large withdrawals earlier this hour and a heavy week: score 80.
	e.velocityEvent(t, "user-1", 25_000_000, e.clock.Add(-30*time.Minute))
	e.velocityEvent(t, "user-1", 25_000_000, e.clock.Add(-40*time.Minute))
	for i := 0; i < 27; i++ {
		e.velocityEvent(t, "user-1", 100_000, e.clock.Add(-time.Duration(30+i)*time.Hour))
	}

	w, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	assert.True(t, w.FlaggedBySystem)
	assert.Equal(t, 80, w.VelocityScore)
	assert.NotEmpty(t, w.FlagReason)
}

func TestVelocityBlocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 100_000_000)
	e.addBank(t, "bank-1", "user-1")

	// Hourly burst plus ten withdrawals today: score 90 blocks outright.
	e.velocityEvent(t, "user-1", 25_000_000, e.clock.Add(-30*time.Minute))
	e.velocityEvent(t, "user-1", 25_000_000, e.clock.Add(-40*time.Minute))
	for i := 0; i < 8; i++ {
		e.velocityEvent(t, "user-1", 100_000, e.clock.Add(-time.Duration(2+i)*time.Hour))
	}

	_, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeWithdrawalFlagged, errs.CodeOf(err))

	// Nothing was locked.
	got, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), got.LockedMinor)
}

func TestDualApproval(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 100_000_000)
	e.addUser(t, "admin-1", relationaldb.KYCVerified, true, 0)
	e.addUser(t, "admin-2", relationaldb.KYCVerified, true, 0)
	e.addBank(t, "bank-1", "user-1")

	// At or above the dual-approval threshold two admins must sign off.
	w, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 25_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, w.RequiredApprovals)
	assert.True(t, w.MultiApproval)

	w, err = e.svc.Approve(ctx, w.ID, "admin-1", "looks fine")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalPending, w.Status)

	// The same admin cannot approve twice.
	_, err = e.svc.Approve(ctx, w.ID, "admin-1", "again")
	require.Error(t, err)
	assert.Equal(t, errs.CodeDuplicateEntry, errs.CodeOf(err))

	w, err = e.svc.Approve(ctx, w.ID, "admin-2", "confirmed")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalApproved, w.Status)
	assert.NotNil(t, w.ApprovedAt)
}

func TestApproveAuthorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 10_000_000)
	e.addUser(t, "admin-user", relationaldb.KYCVerified, true, 10_000_000)
	e.addBank(t, "bank-1", "user-1")
	e.addBank(t, "bank-2", "admin-user")

	w, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	// Non-admins cannot approve.
	_, err = e.svc.Approve(ctx, w.ID, "user-1", "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnauthorizedTransition, errs.CodeOf(err))

	// Admins cannot approve their own withdrawal.
	own, err := e.svc.Create(ctx, CreateInput{
		UserID: "admin-user", AmountMinor: 1_000_000, BankAccountID: "bank-2", IdempotencyKey: "wd-2",
	})
	require.NoError(t, err)
	_, err = e.svc.Approve(ctx, own.ID, "admin-user", "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnauthorizedTransition, errs.CodeOf(err))
}

func TestRejectReleasesFundsAndUsage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 10_000_000)
	e.addUser(t, "admin-1", relationaldb.KYCVerified, true, 0)
	e.addBank(t, "bank-1", "user-1")

	w, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 3_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	w, err = e.svc.Reject(ctx, w.ID, "admin-1", "suspicious destination")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalRejected, w.Status)
	assert.NotNil(t, w.RejectedAt)

	got, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), got.LockedMinor)
	assert.Equal(t, money.Amount(10_000_000), got.BalanceMinor)

	limit, err := e.db.GetActiveLimit(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), limit.DailyUsedMinor)
	assert.Equal(t, 0, limit.DailyCount)
}

func TestCompleteDebitsWallet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 10_000_000)
	e.addUser(t, "admin-1", relationaldb.KYCVerified, true, 0)
	e.addBank(t, "bank-1", "user-1")

	w, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 4_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)

	// Completion before approval is rejected.
	_, err = e.svc.Complete(ctx, w.ID, "disb-1", "ref-1")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))

	_, err = e.svc.Approve(ctx, w.ID, "admin-1", "")
	require.NoError(t, err)

	w, err = e.svc.Complete(ctx, w.ID, "disb-1", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalCompleted, w.Status)
	assert.Equal(t, "ref-1", w.BankReference)
	require.NotNil(t, w.ProviderDisbursementID)

	got, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(6_000_000), got.BalanceMinor)
	assert.Equal(t, money.Amount(0), got.LockedMinor)

	// The wallet still reconciles against its ledger.
	report, err := e.wallets.Reconcile(ctx, got.ID)
	require.NoError(t, err)
	assert.True(t, report.Match)
}

func TestCreateRejectsWrongBankAccount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 10_000_000)
	e.addUser(t, "user-2", relationaldb.KYCVerified, false, 0)
	e.addBank(t, "bank-2", "user-2")

	_, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 1_000_000, BankAccountID: "bank-2", IdempotencyKey: "wd-1",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeBankAccountNotFound, errs.CodeOf(err))
}

func TestCreateInsufficientBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", relationaldb.KYCVerified, false, 500_000)
	e.addBank(t, "bank-1", "user-1")

	_, err := e.svc.Create(ctx, CreateInput{
		UserID: "user-1", AmountMinor: 600_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInsufficientBalance, errs.CodeOf(err))

	// The failed request burned no usage.
	limit, err := e.db.GetActiveLimit(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), limit.DailyUsedMinor)
}