package webhook

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/core/withdrawal"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
	"github.com/rekberid/rekberd/internal/storage/relationaldb/memory"
)

const (
	testServerKey = "test-server-key"
	testDisbKey   = "test-disbursement-key"
)

type env struct {
	db          *memory.Database
	wallets     *wallet.Service
	escrows     *escrow.Service
	withdrawals *withdrawal.Service
	svc         *Service
	clock       time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.NewDatabase()
	ledgerSvc := ledger.NewService(zap.NewNop())
	walletSvc := wallet.NewService(db, ledgerSvc, zap.NewNop())
	escrowSvc := escrow.NewService(db, walletSvc, zap.NewNop())
	withdrawalSvc := withdrawal.NewService(db, walletSvc, zap.NewNop())
	e := &env{
		db:          db,
		wallets:     walletSvc,
		escrows:     escrowSvc,
		withdrawals: withdrawalSvc,
		clock:       time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
	}
	e.svc = NewService(db, walletSvc, escrowSvc, withdrawalSvc, Config{
		MidtransServerKey: testServerKey,
		DisbursementKey:   testDisbKey,
	}, zap.NewNop())
	e.svc.now = func() time.Time { return e.clock }
	return e
}

func (e *env) addUser(t *testing.T, id string, admin bool, balance money.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.CreateUser(ctx, &relationaldb.User{
		ID: id, Email: id + "@example.com", KYCTier: relationaldb.KYCVerified,
		IsAdmin: admin, CreatedAt: e.clock,
	}))
	_, err := e.wallets.Create(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.wallets.Credit(ctx, id, balance, relationaldb.JournalDeposit,
			"seed:"+id, "seed deposit", ledger.JournalRequest{})
		require.NoError(t, err)
	}
}

func midtransSignature(orderID, statusCode, gross string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + gross + testServerKey))
	return hex.EncodeToString(sum[:])
}

func paymentBody(t *testing.T, ref, txID, txStatus, gross string) []byte {
	t.Helper()
	body, err := json.Marshal(PaymentNotification{
		TransactionID:     txID,
		OrderID:           ref,
		StatusCode:        "200",
		GrossAmount:       gross,
		SignatureKey:      midtransSignature(ref, "200", gross),
		TransactionStatus: txStatus,
		PaymentType:       "bank_transfer",
	})
	require.NoError(t, err)
	return body
}

func disbursementBody(t *testing.T, withdrawalID, refNo, status string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(DisbursementNotification{
		ReferenceNo:   refNo,
		ExternalID:    withdrawalID,
		Status:        status,
		BankReference: "BCA-" + refNo,
	})
	require.NoError(t, err)
	return body, SignHMAC(testDisbKey, body)
}

func TestHandlePaymentInvalidSignature(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	body := []byte(`{"order_id":"PAY-X","status_code":"200","gross_amount":"500000.00",` +
		`"transaction_id":"tx-1","transaction_status":"settlement","signature_key":"bogus"}`)
	event, err := e.svc.HandlePayment(ctx, body, "10.0.0.1", nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidSignature, errs.CodeOf(err))

	// The event row is persisted even though the signature failed.
	require.NotNil(t, event)
	stored, err := e.db.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.False(t, stored.SignatureValid)
	assert.Equal(t, relationaldb.WebhookFailed, stored.Status)
	assert.Nil(t, stored.NextRetryAt)
}

func TestDepositSettlesWallet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 0)

	payment, err := e.svc.CreateCharge(ctx, "user-1", nil, 500_000)
	require.NoError(t, err)

	event, err := e.svc.HandlePayment(ctx,
		paymentBody(t, payment.ProviderRef, "tx-1", "settlement", "500000.00"), "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, event.Status)
	require.NotNil(t, event.PaymentID)
	assert.Equal(t, payment.ID, *event.PaymentID)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500_000), w.BalanceMinor)

	stored, err := e.db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.PaymentSuccess, stored.Status)
	require.NotNil(t, stored.PaidAt)
}

func TestDuplicateDeliveryCreditsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 0)

	payment, err := e.svc.CreateCharge(ctx, "user-1", nil, 250_000)
	require.NoError(t, err)

	body := paymentBody(t, payment.ProviderRef, "tx-1", "settlement", "250000.00")
	_, err = e.svc.HandlePayment(ctx, body, "10.0.0.1", nil)
	require.NoError(t, err)

	second, err := e.svc.HandlePayment(ctx, body, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, second.Status)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(250_000), w.BalanceMinor)
}

func TestOrderPaymentFundsEscrow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "buyer", false, 0)
	e.addUser(t, "seller", false, 0)

	order, err := e.escrows.CreateOrder(ctx, escrow.CreateOrderInput{
		BuyerID: "buyer", SellerID: "seller", InitiatorID: "buyer", AmountMinor: 750_000,
	})
	require.NoError(t, err)
	_, err = e.escrows.AcceptOrder(ctx, order.ID, order.InviteToken, "seller")
	require.NoError(t, err)

	payment, err := e.svc.CreateCharge(ctx, "buyer", &order.ID, 750_000)
	require.NoError(t, err)

	event, err := e.svc.HandlePayment(ctx,
		paymentBody(t, payment.ProviderRef, "tx-1", "settlement", "750000.00"), "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, event.Status)

	got, err := e.db.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.OrderPaid, got.Status)

	hold, err := e.db.GetEscrowByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.EscrowActive, hold.Status)

	w, err := e.wallets.Get(ctx, "buyer")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(750_000), w.BalanceMinor)
	assert.Equal(t, money.Amount(750_000), w.LockedMinor)
}

func TestPendingThenSettlement(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 0)

	payment, err := e.svc.CreateCharge(ctx, "user-1", nil, 100_000)
	require.NoError(t, err)

	_, err = e.svc.HandlePayment(ctx,
		paymentBody(t, payment.ProviderRef, "tx-1", "pending", "100000.00"), "10.0.0.1", nil)
	require.NoError(t, err)

	stored, err := e.db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.PaymentPending, stored.Status)

	_, err = e.svc.HandlePayment(ctx,
		paymentBody(t, payment.ProviderRef, "tx-2", "settlement", "100000.00"), "10.0.0.1", nil)
	require.NoError(t, err)

	stored, err = e.db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.PaymentSuccess, stored.Status)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(100_000), w.BalanceMinor)
}

func TestGrossAmountMismatchSchedulesRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 0)

	payment, err := e.svc.CreateCharge(ctx, "user-1", nil, 500_000)
	require.NoError(t, err)

	event, err := e.svc.HandlePayment(ctx,
		paymentBody(t, payment.ProviderRef, "tx-1", "settlement", "400000.00"), "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookFailed, event.Status)
	require.NotNil(t, event.NextRetryAt)
	assert.Equal(t, 1, event.RetryCount)

	// No money moved.
	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), w.BalanceMinor)
}

func TestRetryDueRecovers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 0)

	// A callback for a reference we have not registered yet fails and is
	// scheduled for retry.
	body := paymentBody(t, "PAY-LATE", "tx-1", "settlement", "300000.00")
	event, err := e.svc.HandlePayment(ctx, body, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookFailed, event.Status)
	require.NotNil(t, event.NextRetryAt)

	// The charge shows up, then the retry succeeds.
	now := e.clock
	require.NoError(t, e.db.CreatePayment(ctx, &relationaldb.Payment{
		ID: "pay-late", UserID: "user-1", Provider: ProviderMidtrans, ProviderRef: "PAY-LATE",
		Status: relationaldb.PaymentPending, AmountMinor: 300_000, CreatedAt: now, UpdatedAt: now,
	}))

	e.clock = e.clock.Add(2 * time.Minute)
	processed, err := e.svc.RetryDue(ctx, e.clock, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err := e.db.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, stored.Status)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(300_000), w.BalanceMinor)
}

func TestFailedCreditLeavesPaymentPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// User exists but has no wallet yet, so the settlement credit fails.
	require.NoError(t, e.db.CreateUser(ctx, &relationaldb.User{
		ID: "user-1", Email: "user-1@example.com", KYCTier: relationaldb.KYCVerified,
		CreatedAt: e.clock,
	}))
	payment, err := e.svc.CreateCharge(ctx, "user-1", nil, 500_000)
	require.NoError(t, err)

	body := paymentBody(t, payment.ProviderRef, "tx-1", "settlement", "500000.00")
	event, err := e.svc.HandlePayment(ctx, body, "10.0.0.1", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookFailed, event.Status)
	require.NotNil(t, event.NextRetryAt)

	// The payment row must not read SUCCESS while the money never moved,
	// or the retry would short-circuit and lose the deposit.
	stored, err := e.db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.PaymentPending, stored.Status)

	_, err = e.wallets.Create(ctx, "user-1")
	require.NoError(t, err)

	e.clock = e.clock.Add(2 * time.Minute)
	processed, err := e.svc.RetryDue(ctx, e.clock, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500_000), w.BalanceMinor)

	stored, err = e.db.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.PaymentSuccess, stored.Status)

	final, err := e.db.GetWebhookEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, final.Status)
}

func TestDisbursementCompletesWithdrawal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 10_000_000)
	e.addUser(t, "admin-1", true, 0)
	require.NoError(t, e.db.CreateBankAccount(ctx, &relationaldb.BankAccount{
		ID: "bank-1", UserID: "user-1", BankCode: "BCA", AccountNumber: "1234567890",
		AccountName: "Account Holder", IsActive: true, CreatedAt: e.clock,
	}))

	wd, err := e.withdrawals.Create(ctx, withdrawal.CreateInput{
		UserID: "user-1", AmountMinor: 2_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	_, err = e.withdrawals.Approve(ctx, wd.ID, "admin-1", "ok")
	require.NoError(t, err)

	body, sig := disbursementBody(t, wd.ID, "disb-1", "completed")
	event, err := e.svc.HandleDisbursement(ctx, body, sig, "10.0.0.2", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, event.Status)

	got, err := e.db.GetWithdrawal(ctx, wd.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalCompleted, got.Status)
	require.NotNil(t, got.ProviderDisbursementID)
	assert.Equal(t, "disb-1", *got.ProviderDisbursementID)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(8_000_000), w.BalanceMinor)
	assert.Equal(t, money.Amount(0), w.LockedMinor)
}

func TestDisbursementFailureUnlocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addUser(t, "user-1", false, 10_000_000)
	e.addUser(t, "admin-1", true, 0)
	require.NoError(t, e.db.CreateBankAccount(ctx, &relationaldb.BankAccount{
		ID: "bank-1", UserID: "user-1", BankCode: "BCA", AccountNumber: "1234567890",
		AccountName: "Account Holder", IsActive: true, CreatedAt: e.clock,
	}))

	wd, err := e.withdrawals.Create(ctx, withdrawal.CreateInput{
		UserID: "user-1", AmountMinor: 2_000_000, BankAccountID: "bank-1", IdempotencyKey: "wd-1",
	})
	require.NoError(t, err)
	_, err = e.withdrawals.Approve(ctx, wd.ID, "admin-1", "ok")
	require.NoError(t, err)

	body, sig := disbursementBody(t, wd.ID, "disb-1", "failed")
	event, err := e.svc.HandleDisbursement(ctx, body, sig, "10.0.0.2", nil)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WebhookProcessed, event.Status)

	got, err := e.db.GetWithdrawal(ctx, wd.ID)
	require.NoError(t, err)
	assert.Equal(t, relationaldb.WithdrawalRejected, got.Status)

	w, err := e.wallets.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(10_000_000), w.BalanceMinor)
	assert.Equal(t, money.Amount(0), w.LockedMinor)
}

func TestDisbursementBadSignature(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	body, _ := disbursementBody(t, "wd-x", "disb-1", "completed")
	event, err := e.svc.HandleDisbursement(ctx, body, "deadbeef", "10.0.0.2", nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidSignature, errs.CodeOf(err))
	assert.False(t, event.SignatureValid)
}

func TestStaleTimestampRejected(t *testing.T) {
	e := newEnv(t)
	e.svc.cfg.TimestampWindow = 5 * time.Minute
	ctx := context.Background()
	e.addUser(t, "user-1", false, 0)

	payment, err := e.svc.CreateCharge(ctx, "user-1", nil, 100_000)
	require.NoError(t, err)

	stale := e.clock.Add(-10 * time.Minute).Format(time.RFC3339)
	_, err = e.svc.HandlePayment(ctx,
		paymentBody(t, payment.ProviderRef, "tx-1", "settlement", "100000.00"),
		"10.0.0.1", map[string]string{"X-Timestamp": stale})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidSignature, errs.CodeOf(err))
}

func TestParseGrossAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    money.Amount
		wantErr bool
	}{
		{in: "500000.00", want: 500_000},
		{in: "500000", want: 500_000},
		{in: "0.00", want: 0},
		{in: "100.50", wantErr: true},
		{in: "abc", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseGrossAmount(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
