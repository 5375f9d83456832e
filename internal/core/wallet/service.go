// Package wallet implements balance movement over the optimistic-lock
// wallet row. Every mutation pairs a conditional wallet update with the
// journal that mirrors it, inside one transaction; version conflicts are
// retried with backoff before surfacing as a conflict error.
package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const (
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
)

// errVersionConflict aborts the transaction so the whole mutation can be
// retried against fresh wallet versions.
var errVersionConflict = errors.New("wallet version conflict")

// Delta is one wallet's movement inside a mutation. Both fields are signed.
type Delta struct {
	UserID  string
	Balance money.Amount
	Locked  money.Amount
}

// Mutation is an atomic wallet-and-ledger movement. Pre runs first for
// in-transaction validation, Journal builds the journal request after every
// wallet row has been conditionally updated, and Post runs last for state
// rows that must commit with the money. The whole mutation reruns on a
// version conflict, so hooks must be idempotent.
type Mutation struct {
	Pre     func(ctx context.Context, store relationaldb.Store) error
	Deltas  []Delta
	Journal func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error)
	Post    func(ctx context.Context, store relationaldb.Store, journal *relationaldb.LedgerJournal) error
}

// Service moves wallet balances.
type Service struct {
	db     relationaldb.Database
	ledger *ledger.Service
	log    *zap.Logger
}

// NewService creates the wallet service.
func NewService(db relationaldb.Database, ledgerSvc *ledger.Service, log *zap.Logger) *Service {
	return &Service{db: db, ledger: ledgerSvc, log: log.Named("wallet")}
}

// Create provisions a zero-balance wallet for the user.
func (s *Service) Create(ctx context.Context, userID string) (*relationaldb.Wallet, error) {
	now := time.Now().UTC()
	w := &relationaldb.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Currency:  ledger.DefaultCurrency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.CreateWallet(ctx, w); err != nil {
		if relationaldb.IsUniqueViolation(err) {
			return s.Get(ctx, userID)
		}
		return nil, err
	}
	return w, nil
}

// Get returns the user's wallet.
func (s *Service) Get(ctx context.Context, userID string) (*relationaldb.Wallet, error) {
	w, err := s.db.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.NotFound(errs.CodeWalletNotFound, "wallet not found")
	}
	return w, nil
}

// Apply runs the mutation with optimistic-lock retries. Invariant failures
// (insufficient balance, over-unlock) are terminal; only version conflicts
// retry.
func (s *Service) Apply(ctx context.Context, m Mutation) (*relationaldb.LedgerJournal, error) {
	backoff := initialBackoff
	deltas := sortedDeltas(m.Deltas)
	var journal *relationaldb.LedgerJournal

	for attempt := 0; ; attempt++ {
		err := s.db.WithinTx(ctx, func(store relationaldb.Store) error {
			if m.Pre != nil {
				if err := m.Pre(ctx, store); err != nil {
					return err
				}
			}
			for _, d := range deltas {
				if err := s.applyDelta(ctx, store, d); err != nil {
					return err
				}
			}
			if m.Journal != nil {
				req, err := m.Journal(ctx, store)
				if err != nil {
					return err
				}
				journal, err = s.ledger.CreateJournal(ctx, store, req)
				if err != nil {
					return err
				}
			}
			if m.Post != nil {
				return m.Post(ctx, store, journal)
			}
			return nil
		})
		if err == nil {
			return journal, nil
		}
		if !errors.Is(err, errVersionConflict) {
			return nil, err
		}
		if attempt == maxRetries {
			s.log.Warn("wallet mutation exhausted retries", zap.Int("attempts", attempt+1))
			return nil, errs.Conflict(errs.CodeConcurrentModification, "wallet was modified concurrently, please retry")
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
}

// sortedDeltas normalizes multi-wallet updates to ascending owner order so
// two concurrent mutations touching the same pair of wallets cannot
// deadlock. The caller's slice is left untouched.
func sortedDeltas(ds []Delta) []Delta {
	out := make([]Delta, len(ds))
	copy(out, ds)
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// applyDelta reads the wallet, validates invariants against the snapshot,
// and performs the conditional update at the snapshot's version.
func (s *Service) applyDelta(ctx context.Context, store relationaldb.Store, d Delta) error {
	w, err := store.GetWalletByUser(ctx, d.UserID)
	if err != nil {
		return err
	}
	if w == nil {
		return errs.NotFound(errs.CodeWalletNotFound, "wallet not found").WithDetail("user_id", d.UserID)
	}

	balance, err := w.BalanceMinor.Add(d.Balance)
	if err != nil {
		return errs.Validation(errs.CodeInvalidAmount, "balance overflow")
	}
	locked, err := w.LockedMinor.Add(d.Locked)
	if err != nil {
		return errs.Validation(errs.CodeInvalidAmount, "locked overflow")
	}
	if balance < 0 || locked > balance {
		return errs.Validation(errs.CodeInsufficientBalance, "insufficient available balance").
			WithDetail("available_minor", int64(w.Available()))
	}
	if locked < 0 {
		return errs.Validation(errs.CodeInvalidAmount, "cannot unlock more than is locked").
			WithDetail("locked_minor", int64(w.LockedMinor))
	}

	ok, err := store.ApplyWalletDeltas(ctx, d.UserID, w.Version, int64(d.Balance), int64(d.Locked))
	if err != nil {
		return err
	}
	if !ok {
		return errVersionConflict
	}
	return nil
}

// Credit adds to the user's balance, journaled against the provider float.
func (s *Service) Credit(ctx context.Context, userID string, amount money.Amount, journalType relationaldb.JournalType, idempotencyKey, description string, refs ledger.JournalRequest) (*relationaldb.LedgerJournal, error) {
	if amount <= 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "amount must be positive")
	}
	return s.Apply(ctx, Mutation{
		Deltas: []Delta{{UserID: userID, Balance: amount}},
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			w, err := store.GetWalletByUser(ctx, userID)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			acc, err := store.GetOrCreateWalletAccount(ctx, w.ID, w.Currency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			float, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformProviderFloat, relationaldb.AccountProviderFloat, w.Currency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			req := refs
			req.Type = journalType
			req.Amount = amount
			req.Description = description
			req.IdempotencyKey = idempotencyKey
			req.Legs = []ledger.Leg{
				{AccountID: acc.ID, Amount: amount},
				{AccountID: float.ID, Amount: -amount},
			}
			return req, nil
		},
	})
}

// Debit removes from the user's available balance, journaled against the
// provider float.
func (s *Service) Debit(ctx context.Context, userID string, amount money.Amount, journalType relationaldb.JournalType, idempotencyKey, description string, refs ledger.JournalRequest) (*relationaldb.LedgerJournal, error) {
	if amount <= 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "amount must be positive")
	}
	return s.Apply(ctx, Mutation{
		Deltas: []Delta{{UserID: userID, Balance: -amount}},
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			w, err := store.GetWalletByUser(ctx, userID)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			acc, err := store.GetOrCreateWalletAccount(ctx, w.ID, w.Currency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			float, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformProviderFloat, relationaldb.AccountProviderFloat, w.Currency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			req := refs
			req.Type = journalType
			req.Amount = amount
			req.Description = description
			req.IdempotencyKey = idempotencyKey
			req.Legs = []ledger.Leg{
				{AccountID: acc.ID, Amount: -amount},
				{AccountID: float.ID, Amount: amount},
			}
			return req, nil
		},
	})
}

// Lock reserves part of the available balance without moving money between
// ledger accounts. Locking alone is not a journal event.
func (s *Service) Lock(ctx context.Context, userID string, amount money.Amount) error {
	if amount <= 0 {
		return errs.Validation(errs.CodeInvalidAmount, "amount must be positive")
	}
	_, err := s.Apply(ctx, Mutation{Deltas: []Delta{{UserID: userID, Locked: amount}}})
	return err
}

// Unlock releases a previous lock.
func (s *Service) Unlock(ctx context.Context, userID string, amount money.Amount) error {
	if amount <= 0 {
		return errs.Validation(errs.CodeInvalidAmount, "amount must be positive")
	}
	_, err := s.Apply(ctx, Mutation{Deltas: []Delta{{UserID: userID, Locked: -amount}}})
	return err
}

// Reconcile compares the wallet's available balance against the sum of its
// ledger entries and stamps the row when they agree. A mismatch is reported
// without modifying the wallet.
func (s *Service) Reconcile(ctx context.Context, walletID string) (*relationaldb.ReconciliationReport, error) {
	w, err := s.db.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, errs.NotFound(errs.CodeWalletNotFound, "wallet not found")
	}

	sum, err := s.db.SumEntriesByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &relationaldb.ReconciliationReport{
		WalletID:       walletID,
		ExpectedMinor:  money.Amount(sum),
		AvailableMinor: w.Available(),
		Match:          money.Amount(sum) == w.Available(),
		CheckedAt:      now,
	}
	if !report.Match {
		s.log.Error("wallet does not reconcile against ledger",
			zap.String("wallet_id", walletID),
			zap.Int64("ledger_minor", sum),
			zap.Int64("available_minor", int64(w.Available())))
		return report, nil
	}

	hash := reconciliationHash(w)
	if err := s.db.SetWalletReconciled(ctx, walletID, now, hash); err != nil {
		return nil, err
	}
	return report, nil
}

// reconciliationHash fingerprints the reconciled wallet state.
func reconciliationHash(w *relationaldb.Wallet) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%d", w.ID, w.BalanceMinor, w.LockedMinor, w.Version)))
	return hex.EncodeToString(sum[:])
}
