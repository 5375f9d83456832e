package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
	"github.com/rekberid/rekberd/internal/storage/relationaldb/memory"
)

func testAccounts(t *testing.T, db *memory.Database) (buyer, holding *relationaldb.LedgerAccount) {
	t.Helper()
	ctx := context.Background()
	buyer, err := db.GetOrCreateWalletAccount(ctx, "wallet-buyer", DefaultCurrency)
	require.NoError(t, err)
	holding, err = db.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformEscrowHolding, relationaldb.AccountEscrowHolding, DefaultCurrency)
	require.NoError(t, err)
	return buyer, holding
}

func TestCreateJournalBalanced(t *testing.T) {
	db := memory.NewDatabase()
	svc := NewService(zap.NewNop())
	buyer, holding := testAccounts(t, db)
	ctx := context.Background()

	journal, err := svc.CreateJournal(ctx, db, JournalRequest{
		Type:           relationaldb.JournalEscrowHold,
		Amount:         500_000,
		Description:    "escrow hold",
		IdempotencyKey: "escrow_hold:esc-1",
		Legs: []Leg{
			{AccountID: buyer.ID, Amount: -500_000},
			{AccountID: holding.ID, Amount: 500_000},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, journal)

	entries, err := db.EntriesByJournal(ctx, journal.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var sum money.Amount
	for _, e := range entries {
		sum += e.AmountMinor
	}
	assert.Equal(t, money.Amount(0), sum)
}

func TestCreateJournalRejectsInvalid(t *testing.T) {
	db := memory.NewDatabase()
	svc := NewService(zap.NewNop())
	buyer, holding := testAccounts(t, db)
	ctx := context.Background()

	tests := []struct {
		name     string
		req      JournalRequest
		wantCode string
	}{
		{
			name: "unbalanced entries",
			req: JournalRequest{
				Type: relationaldb.JournalDeposit, Amount: 100, IdempotencyKey: "k1",
				Legs: []Leg{
					{AccountID: buyer.ID, Amount: 100},
					{AccountID: holding.ID, Amount: -99},
				},
			},
			wantCode: errs.CodeLedgerInvariant,
		},
		{
			name: "single entry",
			req: JournalRequest{
				Type: relationaldb.JournalDeposit, Amount: 100, IdempotencyKey: "k2",
				Legs: []Leg{{AccountID: buyer.ID, Amount: 100}},
			},
			wantCode: errs.CodeLedgerInvariant,
		},
		{
			name: "zero entry",
			req: JournalRequest{
				Type: relationaldb.JournalDeposit, Amount: 100, IdempotencyKey: "k3",
				Legs: []Leg{
					{AccountID: buyer.ID, Amount: 0},
					{AccountID: holding.ID, Amount: 0},
				},
			},
			wantCode: errs.CodeLedgerInvariant,
		},
		{
			name: "non-positive amount",
			req: JournalRequest{
				Type: relationaldb.JournalDeposit, Amount: 0, IdempotencyKey: "k4",
				Legs: []Leg{
					{AccountID: buyer.ID, Amount: 100},
					{AccountID: holding.ID, Amount: -100},
				},
			},
			wantCode: errs.CodeInvalidAmount,
		},
		{
			name: "missing idempotency key",
			req: JournalRequest{
				Type: relationaldb.JournalDeposit, Amount: 100,
				Legs: []Leg{
					{AccountID: buyer.ID, Amount: 100},
					{AccountID: holding.ID, Amount: -100},
				},
			},
			wantCode: errs.CodeInvalidAmount,
		},
		{
			name: "five entries",
			req: JournalRequest{
				Type: relationaldb.JournalDeposit, Amount: 100, IdempotencyKey: "k5",
				Legs: []Leg{
					{AccountID: buyer.ID, Amount: 100},
					{AccountID: holding.ID, Amount: -40},
					{AccountID: holding.ID, Amount: -30},
					{AccountID: holding.ID, Amount: -20},
					{AccountID: holding.ID, Amount: -10},
				},
			},
			wantCode: errs.CodeLedgerInvariant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateJournal(ctx, db, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errs.CodeOf(err))
		})
	}
}

func TestCreateJournalIdempotentReplay(t *testing.T) {
	db := memory.NewDatabase()
	svc := NewService(zap.NewNop())
	buyer, holding := testAccounts(t, db)
	ctx := context.Background()

	req := JournalRequest{
		Type: relationaldb.JournalDeposit, Amount: 250_000, IdempotencyKey: "deposit:pay-9",
		Legs: []Leg{
			{AccountID: buyer.ID, Amount: 250_000},
			{AccountID: holding.ID, Amount: -250_000},
		},
	}

	first, err := svc.CreateJournal(ctx, db, req)
	require.NoError(t, err)
	second, err := svc.CreateJournal(ctx, db, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// The replay must not have written a second set of entries.
	balance, err := svc.AccountBalance(ctx, db, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(250_000), balance)
}

func TestRunningBalanceContinues(t *testing.T) {
	db := memory.NewDatabase()
	svc := NewService(zap.NewNop())
	buyer, holding := testAccounts(t, db)
	ctx := context.Background()

	_, err := svc.CreateJournal(ctx, db, JournalRequest{
		Type: relationaldb.JournalDeposit, Amount: 1_000_000, IdempotencyKey: "d1",
		Legs: []Leg{
			{AccountID: buyer.ID, Amount: 1_000_000},
			{AccountID: holding.ID, Amount: -1_000_000},
		},
	})
	require.NoError(t, err)

	j2, err := svc.CreateJournal(ctx, db, JournalRequest{
		Type: relationaldb.JournalEscrowHold, Amount: 300_000, IdempotencyKey: "h1",
		Legs: []Leg{
			{AccountID: buyer.ID, Amount: -300_000},
			{AccountID: holding.ID, Amount: 300_000},
		},
	})
	require.NoError(t, err)

	entries, err := db.EntriesByJournal(ctx, j2.ID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.AccountID == buyer.ID {
			assert.Equal(t, money.Amount(700_000), e.RunningBalanceMinor)
		}
	}
}

func TestVerifyPlatformBalance(t *testing.T) {
	db := memory.NewDatabase()
	svc := NewService(zap.NewNop())
	buyer, holding := testAccounts(t, db)
	ctx := context.Background()

	_, err := svc.CreateJournal(ctx, db, JournalRequest{
		Type: relationaldb.JournalEscrowHold, Amount: 500_000, IdempotencyKey: "h1",
		Legs: []Leg{
			{AccountID: buyer.ID, Amount: -500_000},
			{AccountID: holding.ID, Amount: 500_000},
		},
	})
	require.NoError(t, err)

	require.NoError(t, db.CreateEscrow(ctx, &relationaldb.EscrowHold{
		ID: "esc-1", OrderID: "ord-1", BuyerWalletID: "wallet-buyer",
		SellerWalletID: "wallet-seller", AmountMinor: 500_000,
		Status: relationaldb.EscrowActive,
	}))

	report, err := svc.VerifyPlatformBalance(ctx, db)
	require.NoError(t, err)
	assert.True(t, report.Match)
	assert.Equal(t, money.Amount(500_000), report.EscrowHoldingMinor)

	// An escrow with no matching journal breaks the check.
	require.NoError(t, db.CreateEscrow(ctx, &relationaldb.EscrowHold{
		ID: "esc-2", OrderID: "ord-2", BuyerWalletID: "wallet-buyer",
		SellerWalletID: "wallet-seller", AmountMinor: 100_000,
		Status: relationaldb.EscrowActive,
	}))
	report, err = svc.VerifyPlatformBalance(ctx, db)
	require.NoError(t, err)
	assert.False(t, report.Match)
}

func TestVerifyAllJournalsBalanced(t *testing.T) {
	db := memory.NewDatabase()
	svc := NewService(zap.NewNop())
	buyer, holding := testAccounts(t, db)
	ctx := context.Background()

	_, err := svc.CreateJournal(ctx, db, JournalRequest{
		Type: relationaldb.JournalDeposit, Amount: 100, IdempotencyKey: "d1",
		Legs: []Leg{
			{AccountID: buyer.ID, Amount: 100},
			{AccountID: holding.ID, Amount: -100},
		},
	})
	require.NoError(t, err)

	ids, err := svc.VerifyAllJournalsBalanced(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
