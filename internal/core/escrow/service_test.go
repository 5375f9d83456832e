package escrow

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
	escrow  *Service
	ledger  *ledger.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.NewDatabase()
	ledgerSvc := ledger.NewService(zap.NewNop())
	walletSvc := wallet.NewService(db, ledgerSvc, zap.NewNop())
	return &env{
		db:      db,
		wallets: walletSvc,
		escrow:  NewService(db, walletSvc, zap.NewNop()),
		ledger:  ledgerSvc,
	}
}

func (e *env) addUser(t *testing.T, id string, admin bool, balance money.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.CreateUser(ctx, &relationaldb.User{
		ID: id, Email: id + "@example.com", IsAdmin: admin, CreatedAt: time.Now().UTC(),
	}))
	_, err := e.wallets.Create(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.wallets.Credit(ctx, id, balance, relationaldb.JournalDeposit,
			"seed:"+id, "seed deposit", ledger.JournalRequest{})
		require.NoError(t, err)
	}
}

// paidOrder walks an order through create, accept and pay.
func (e *env) paidOrder(t *testing.T, amount money.Amount) *relationaldb.Order {
	t.Helper()
	ctx := context.Background()
	order, err := e.escrow.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "buyer", AmountMinor: amount,
	})
	require.NoError(t, err)
	_, err = e.escrow.AcceptOrder(ctx, order.ID, order.InviteToken, "seller")
	require.NoError(t, err)
	_, err = e.escrow.PayOrder(ctx, order.ID, "buyer")
	require.NoError(t, err)
	return order
}

func (e *env) balance(t *testing.T, userID string) (balance, locked money.Amount) {
	t.Helper()
	w, err := e.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return w.BalanceMinor, w.LockedMinor
}

func TestOrderLifecycleRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 1_000_000)
	e.addUser(t, "seller", false, 0)

	order := e.paidOrder(t, 500_000)

	// Funding locks without reducing balance.
	balance, locked := e.balance(t, "buyer")
	assert.Equal(t, money.Amount(1_000_000), balance)
	assert.Equal(t, money.Amount(500_000), locked)

	got, err := e.escrow.Release(ctx, order.ID, "buyer", false)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderCompleted, got.Status)

	balance, locked = e.balance(t, "buyer")
	assert.Equal(t, money.Amount(500_000), balance)
	assert.Equal(t, money.Amount(0), locked)

	// Seller receives net of the 2.5% fee.
	sellerBalance, _ := e.balance(t, "seller")
	assert.Equal(t, money.Amount(487_500), sellerBalance)

	hold, err := e.db.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.EscrowReleased, hold.Status)

	// The holding account is empty and every journal balances.
	report, err := e.ledger.VerifyPlatformBalance(ctx, e.db)
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.Equal(t, money.Amount(0), report.EscrowHoldingMinor)
}

func TestRefundReturnsFullAmount(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 800_000)
	e.addUser(t, "seller", false, 0)

	order := e.paidOrder(t, 300_000)

	got, err := e.escrow.Refund(ctx, order.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderRefunded, got.Status)

	balance, locked := e.balance(t, "buyer")
	assert.Equal(t, money.Amount(800_000), balance)
	assert.Equal(t, money.Amount(0), locked)

	sellerBalance, _ := e.balance(t, "seller")
	assert.Equal(t, money.Amount(0), sellerBalance)
}

func TestDisputeSplit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 1_000_000)
	e.addUser(t, "seller", false, 0)
	e.addUser(t, "admin", true, 0)

	order := e.paidOrder(t, 1_000_000)

	_, err := e.escrow.OpenDispute(ctx, order.ID, "buyer", "item not as described")
	require.NoError(t, err)

	got, err := e.escrow.ResolveDispute(ctx, order.ID, "admin", 400_000, 580_000, 20_000, "partial refund agreed")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderCompleted, got.Status)

	// Buyer keeps the refund, the rest left the wallet.
	balance, locked := e.balance(t, "buyer")
	assert.Equal(t, money.Amount(400_000), balance)
	assert.Equal(t, money.Amount(0), locked)

	// Seller gets exactly the resolved distribution.
	sellerBalance, _ := e.balance(t, "seller")
	assert.Equal(t, money.Amount(580_000), sellerBalance)

	hold, err := e.db.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.EscrowAdjusted, hold.Status)

	dispute, err := e.db.GetDisputeByEscrow(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.DisputeClosed, dispute.Status)

	report, err := e.ledger.VerifyPlatformBalance(ctx, e.db)
	require.NoError(t, err)
	assert.True(t, report.Match)
}

func TestDisputeFullRefundWaivesFee(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 500_000)
	e.addUser(t, "seller", false, 0)
	e.addUser(t, "admin", true, 0)

	order := e.paidOrder(t, 500_000)
	_, err := e.escrow.OpenDispute(ctx, order.ID, "seller", "cannot deliver")
	require.NoError(t, err)

	got, err := e.escrow.ResolveDispute(ctx, order.ID, "admin", 500_000, 0, 0, "full refund")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderRefunded, got.Status)

	balance, locked := e.balance(t, "buyer")
	assert.Equal(t, money.Amount(500_000), balance)
	assert.Equal(t, money.Amount(0), locked)
}

func TestResolveDisputeRefundBounds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 500_000)
	e.addUser(t, "seller", false, 0)
	e.addUser(t, "admin", true, 0)

	order := e.paidOrder(t, 500_000)
	_, err := e.escrow.OpenDispute(ctx, order.ID, "buyer", "dispute")
	require.NoError(t, err)

	// Distributions must sum to the escrow amount exactly.
	_, err = e.escrow.ResolveDispute(ctx, order.ID, "admin", 500_001, 0, 0, "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidAmount, errs.CodeOf(err))

	_, err = e.escrow.ResolveDispute(ctx, order.ID, "admin", 400_000, 50_000, 0, "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidAmount, errs.CodeOf(err))

	_, err = e.escrow.ResolveDispute(ctx, order.ID, "admin", -1, 500_001, 0, "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidAmount, errs.CodeOf(err))
}

func TestActorAuthorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 500_000)
	e.addUser(t, "seller", false, 0)
	e.addUser(t, "stranger", false, 0)

	order := e.paidOrder(t, 200_000)

	tests := []struct {
		name string
		call func() error
	}{
		{"seller cannot release", func() error {
			_, err := e.escrow.Release(ctx, order.ID, "seller", false)
			return err
		}},
		{"buyer cannot refund", func() error {
			_, err := e.escrow.Refund(ctx, order.ID, "buyer")
			return err
		}},
		{"stranger cannot dispute", func() error {
			_, err := e.escrow.OpenDispute(ctx, order.ID, "stranger", "not mine")
			return err
		}},
		{"non-admin cannot resolve", func() error {
			_, err := e.escrow.ResolveDispute(ctx, order.ID, "seller", 0, 195_000, 5_000, "")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.Equal(t, errs.CodeUnauthorizedTransition, errs.CodeOf(err))
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 500_000)
	e.addUser(t, "seller", false, 0)

	order, err := e.escrow.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "buyer", AmountMinor: 100_000,
	})
	require.NoError(t, err)

	// Cannot pay before acceptance.
	_, err = e.escrow.PayOrder(ctx, order.ID, "buyer")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))

	_, err = e.escrow.AcceptOrder(ctx, order.ID, order.InviteToken, "seller")
	require.NoError(t, err)
	hold, err := e.escrow.PayOrder(ctx, order.ID, "buyer")
	require.NoError(t, err)

	// Paying again returns the existing hold without moving money twice.
	again, err := e.escrow.PayOrder(ctx, order.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, hold.ID, again.ID)
	_, locked := e.balance(t, "buyer")
	assert.Equal(t, money.Amount(100_000), locked)

	// Release then a second release is rejected.
	_, err = e.escrow.Release(ctx, order.ID, "buyer", false)
	require.NoError(t, err)
	_, err = e.escrow.Release(ctx, order.ID, "buyer", false)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))

	// Cancelling a settled order is rejected.
	_, err = e.escrow.CancelOrder(ctx, order.ID, "buyer")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidStateTransition, errs.CodeOf(err))
}

func TestAcceptRequiresValidInvite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 0)
	e.addUser(t, "seller", false, 0)

	order, err := e.escrow.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "buyer", AmountMinor: 100_000,
	})
	require.NoError(t, err)

	_, err = e.escrow.AcceptOrder(ctx, order.ID, "wrong-token", "seller")
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnauthorizedTransition, errs.CodeOf(err))

	// The initiator cannot accept their own order.
	_, err = e.escrow.AcceptOrder(ctx, order.ID, order.InviteToken, "buyer")
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnauthorizedTransition, errs.CodeOf(err))
}

func TestPayOrderInsufficientBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 100_000)
	e.addUser(t, "seller", false, 0)

	order, err := e.escrow.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "buyer", AmountMinor: 200_000,
	})
	require.NoError(t, err)
	_, err = e.escrow.AcceptOrder(ctx, order.ID, order.InviteToken, "seller")
	require.NoError(t, err)

	_, err = e.escrow.PayOrder(ctx, order.ID, "buyer")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInsufficientBalance, errs.CodeOf(err))

	// Order stays payable and no escrow exists.
	got, err := e.db.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderAccepted, got.Status)
	hold, err := e.db.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, hold)
}

func TestSuspendedUserCannotPay(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	until := time.Now().UTC().Add(24 * time.Hour)
	require.NoError(t, e.db.CreateUser(ctx, &relationaldb.User{
		ID: "buyer", SuspendedUntil: &until, CreatedAt: time.Now().UTC(),
	}))
	_, err := e.wallets.Create(ctx, "buyer")
	require.NoError(t, err)
	e.addUser(t, "seller", false, 0)

	order, err := e.escrow.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "seller", AmountMinor: 100_000,
	})
	require.NoError(t, err)
	_, err = e.escrow.AcceptOrder(ctx, order.ID, order.InviteToken, "buyer")
	require.Error(t, err)
	assert.Equal(t, errs.CodeUserSuspended, errs.CodeOf(err))
}

func TestReleaseExpired(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 400_000)
	e.addUser(t, "seller", false, 0)

	order := e.paidOrder(t, 400_000)

	// Nothing due yet.
	n, err := e.escrow.ReleaseExpired(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Past the holding period the escrow pays the seller.
	n, err = e.escrow.ReleaseExpired(ctx, time.Now().UTC().Add(time.Duration(DefaultHoldingDays)*24*time.Hour+time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.db.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderCompleted, got.Status)

	sellerBalance, _ := e.balance(t, "seller")
	assert.Equal(t, money.Amount(390_000), sellerBalance)
}

func TestCancelBeforePayment(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 0)
	e.addUser(t, "seller", false, 0)

	order, err := e.escrow.CreateOrder(ctx, CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "buyer", AmountMinor: 100_000,
	})
	require.NoError(t, err)

	got, err := e.escrow.CancelOrder(ctx, order.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
}
