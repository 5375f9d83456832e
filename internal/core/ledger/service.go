// Package ledger implements the double-entry journal over wallet and
// platform accounts. Every money movement is recorded as one journal whose
// entries sum to exactly zero; entries are append-only and corrections are
// new reversing journals, never edits.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// DefaultCurrency is the platform settlement currency.
const DefaultCurrency = "IDR"

// Leg is one account movement inside a journal. Amount is the signed delta
// applied to the account.
type Leg struct {
	AccountID string
	Amount    money.Amount
}

// JournalRequest describes a balanced set of movements to record.
type JournalRequest struct {
	Type           relationaldb.JournalType
	Amount         money.Amount
	Description    string
	IdempotencyKey string
	OrderID        *string
	EscrowID       *string
	WithdrawalID   *string
	DepositID      *string
	DisputeID      *string
	Legs           []Leg
}

// Service records and verifies journals. Methods that write take a Store so
// the caller controls the transaction boundary; a journal is always written
// in the same transaction as the wallet update it mirrors.
type Service struct {
	log *zap.Logger
}

// NewService creates the ledger service.
func NewService(log *zap.Logger) *Service {
	return &Service{log: log.Named("ledger")}
}

// validate checks a request before any row is written.
func (s *Service) validate(req *JournalRequest) error {
	if req.Amount <= 0 {
		return errs.Validation(errs.CodeInvalidAmount, "journal amount must be positive")
	}
	if req.IdempotencyKey == "" {
		return errs.Validation(errs.CodeInvalidAmount, "idempotency key is required")
	}
	if len(req.Legs) < 2 || len(req.Legs) > 4 {
		return errs.Validation(errs.CodeLedgerInvariant, "journal must have between 2 and 4 entries")
	}
	amounts := make([]money.Amount, 0, len(req.Legs))
	for _, leg := range req.Legs {
		if leg.Amount == 0 {
			return errs.Validation(errs.CodeLedgerInvariant, "journal entries must be non-zero")
		}
		if leg.AccountID == "" {
			return errs.Validation(errs.CodeLedgerInvariant, "journal entry account is required")
		}
		amounts = append(amounts, leg.Amount)
	}
	sum, err := money.Sum(amounts...)
	if err != nil {
		return errs.Validation(errs.CodeInvalidAmount, "journal amounts overflow")
	}
	if sum != 0 {
		return errs.Validation(errs.CodeLedgerInvariant, "journal entries must sum to zero").
			WithDetail("sum", int64(sum))
	}
	return nil
}

// CreateJournal records a balanced journal with running balances. A request
// whose idempotency key was already recorded returns the prior journal
// without writing anything.
func (s *Service) CreateJournal(ctx context.Context, store relationaldb.Store, req JournalRequest) (*relationaldb.LedgerJournal, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	prior, err := store.GetJournalByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		s.log.Debug("journal replay",
			zap.String("journal_id", prior.ID),
			zap.String("idempotency_key", req.IdempotencyKey))
		return prior, nil
	}

	now := time.Now().UTC()
	journal := &relationaldb.LedgerJournal{
		ID:             uuid.NewString(),
		Type:           req.Type,
		AmountMinor:    req.Amount,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
		OrderID:        req.OrderID,
		EscrowID:       req.EscrowID,
		WithdrawalID:   req.WithdrawalID,
		DepositID:      req.DepositID,
		DisputeID:      req.DisputeID,
		CreatedAt:      now,
	}
	if err := store.InsertJournal(ctx, journal); err != nil {
		if relationaldb.IsUniqueViolation(err) {
			// Lost the race to a concurrent writer with the same key.
			prior, getErr := store.GetJournalByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil && prior != nil {
				return prior, nil
			}
		}
		return nil, err
	}

	for _, leg := range req.Legs {
		last, err := store.LastRunningBalance(ctx, leg.AccountID)
		if err != nil {
			return nil, err
		}
		running, err := money.Amount(last).Add(leg.Amount)
		if err != nil {
			return nil, errs.Validation(errs.CodeInvalidAmount, "running balance overflow")
		}
		entry := &relationaldb.LedgerEntry{
			JournalID:           journal.ID,
			AccountID:           leg.AccountID,
			AmountMinor:         leg.Amount,
			RunningBalanceMinor: running,
			CreatedAt:           now,
		}
		if err := store.InsertEntry(ctx, entry); err != nil {
			return nil, err
		}
	}

	// Post-write check: re-read what was persisted and prove it balances.
	entries, err := store.EntriesByJournal(ctx, journal.ID)
	if err != nil {
		return nil, err
	}
	var written money.Amount
	for _, e := range entries {
		written += e.AmountMinor
	}
	if written != 0 || len(entries) != len(req.Legs) {
		s.log.Error("journal failed post-write balance check",
			zap.String("journal_id", journal.ID),
			zap.Int64("sum", int64(written)))
		return nil, errs.Integrity(errs.CodeLedgerInvariant, "journal entries do not balance after write", nil)
	}

	s.log.Info("journal recorded",
		zap.String("journal_id", journal.ID),
		zap.String("type", string(journal.Type)),
		zap.Int64("amount_minor", int64(journal.AmountMinor)),
		zap.Int("entries", len(entries)))
	return journal, nil
}

// AccountBalance is the signed sum of all entries against the account.
func (s *Service) AccountBalance(ctx context.Context, store relationaldb.Store, accountID string) (money.Amount, error) {
	sum, err := store.SumEntriesByAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return money.Amount(sum), nil
}

// VerifyAllJournalsBalanced scans every journal and returns the IDs of any
// whose entries do not sum to zero. A non-empty result is a corruption
// signal, not a user error.
func (s *Service) VerifyAllJournalsBalanced(ctx context.Context, store relationaldb.Store) ([]string, error) {
	ids, err := store.UnbalancedJournalIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.log.Error("unbalanced journals detected", zap.Strings("journal_ids", ids))
	}
	return ids, nil
}

// PlatformBalanceReport is the outcome of the escrow holding check.
type PlatformBalanceReport struct {
	EscrowHoldingMinor money.Amount
	ActiveEscrowMinor  money.Amount
	Match              bool
	CheckedAt          time.Time
}

// VerifyPlatformBalance checks that the escrow holding account carries
// exactly the sum of all active and disputed escrow amounts.
func (s *Service) VerifyPlatformBalance(ctx context.Context, store relationaldb.Store) (*PlatformBalanceReport, error) {
	balances, err := store.PlatformAccountBalances(ctx)
	if err != nil {
		return nil, err
	}
	active, err := store.SumActiveEscrowAmounts(ctx)
	if err != nil {
		return nil, err
	}
	report := &PlatformBalanceReport{
		EscrowHoldingMinor: money.Amount(balances[relationaldb.PlatformEscrowHolding]),
		ActiveEscrowMinor:  money.Amount(active),
		CheckedAt:          time.Now().UTC(),
	}
	report.Match = report.EscrowHoldingMinor == report.ActiveEscrowMinor
	if !report.Match {
		s.log.Error("platform escrow holding does not match active escrows",
			zap.Int64("holding_minor", int64(report.EscrowHoldingMinor)),
			zap.Int64("active_escrow_minor", int64(report.ActiveEscrowMinor)))
	}
	return report, nil
}
