package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

func (s *store) GetOrCreateWalletAccount(ctx context.Context, walletID, currency string) (*relationaldb.LedgerAccount, error) {
	defer s.lock()()
	for _, a := range s.st.accounts {
		if a.WalletID != nil && *a.WalletID == walletID {
			a := a
			return &a, nil
		}
	}
	wid := walletID
	a := relationaldb.LedgerAccount{
		ID:        uuid.NewString(),
		WalletID:  &wid,
		Type:      relationaldb.AccountUserWallet,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}
	s.st.accounts[a.ID] = a
	return &a, nil
}

func (s *store) GetOrCreatePlatformAccount(ctx context.Context, platformKey string, accountType relationaldb.AccountType, currency string) (*relationaldb.LedgerAccount, error) {
	defer s.lock()()
	for _, a := range s.st.accounts {
		if a.PlatformKey != nil && *a.PlatformKey == platformKey {
			a := a
			return &a, nil
		}
	}
	key := platformKey
	a := relationaldb.LedgerAccount{
		ID:          uuid.NewString(),
		PlatformKey: &key,
		Type:        accountType,
		Currency:    currency,
		CreatedAt:   time.Now().UTC(),
	}
	s.st.accounts[a.ID] = a
	return &a, nil
}

func (s *store) AccountsByWallet(ctx context.Context, walletID string) ([]relationaldb.LedgerAccount, error) {
	defer s.lock()()
	var accounts []relationaldb.LedgerAccount
	for _, a := range s.st.accounts {
		if a.WalletID != nil && *a.WalletID == walletID {
			accounts = append(accounts, a)
		}
	}
	return accounts, nil
}

func (s *store) GetJournalByIdempotencyKey(ctx context.Context, key string) (*relationaldb.LedgerJournal, error) {
	defer s.lock()()
	for _, j := range s.st.journals {
		if j.IdempotencyKey == key {
			j := j
			return &j, nil
		}
	}
	return nil, nil
}

func (s *store) InsertJournal(ctx context.Context, j *relationaldb.LedgerJournal) error {
	defer s.lock()()
	if _, ok := s.st.journals[j.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "insert_journal")
	}
	for _, existing := range s.st.journals {
		if existing.IdempotencyKey == j.IdempotencyKey {
			return dup(relationaldb.ErrUniqueViolation, "insert_journal")
		}
	}
	s.st.journals[j.ID] = *j
	return nil
}

func (s *store) InsertEntry(ctx context.Context, e *relationaldb.LedgerEntry) error {
	defer s.lock()()
	s.st.entrySeq++
	e.ID = s.st.entrySeq
	s.st.entries = append(s.st.entries, *e)
	return nil
}

func (s *store) EntriesByJournal(ctx context.Context, journalID string) ([]relationaldb.LedgerEntry, error) {
	defer s.lock()()
	var entries []relationaldb.LedgerEntry
	for _, e := range s.st.entries {
		if e.JournalID == journalID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (s *store) LastRunningBalance(ctx context.Context, accountID string) (int64, error) {
	defer s.lock()()
	var last *relationaldb.LedgerEntry
	for i := range s.st.entries {
		e := &s.st.entries[i]
		if e.AccountID != accountID {
			continue
		}
		if last == nil || e.CreatedAt.After(last.CreatedAt) ||
			(e.CreatedAt.Equal(last.CreatedAt) && e.ID > last.ID) {
			last = e
		}
	}
	if last == nil {
		return 0, nil
	}
	return int64(last.RunningBalanceMinor), nil
}

func (s *store) SumEntriesByAccount(ctx context.Context, accountID string) (int64, error) {
	defer s.lock()()
	var sum int64
	for _, e := range s.st.entries {
		if e.AccountID == accountID {
			sum += int64(e.AmountMinor)
		}
	}
	return sum, nil
}

func (s *store) SumEntriesByWallet(ctx context.Context, walletID string) (int64, error) {
	defer s.lock()()
	ids := make(map[string]bool)
	for _, a := range s.st.accounts {
		if a.WalletID != nil && *a.WalletID == walletID {
			ids[a.ID] = true
		}
	}
	var sum int64
	for _, e := range s.st.entries {
		if ids[e.AccountID] {
			sum += int64(e.AmountMinor)
		}
	}
	return sum, nil
}

func (s *store) UnbalancedJournalIDs(ctx context.Context) ([]string, error) {
	defer s.lock()()
	sums := make(map[string]int64)
	for _, e := range s.st.entries {
		sums[e.JournalID] += int64(e.AmountMinor)
	}
	var ids []string
	for id, sum := range sums {
		if sum != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *store) PlatformAccountBalances(ctx context.Context) (map[string]int64, error) {
	defer s.lock()()
	balances := make(map[string]int64)
	keys := make(map[string]string)
	for _, a := range s.st.accounts {
		if a.PlatformKey != nil {
			balances[*a.PlatformKey] = 0
			keys[a.ID] = *a.PlatformKey
		}
	}
	for _, e := range s.st.entries {
		if key, ok := keys[e.AccountID]; ok {
			balances[key] += int64(e.AmountMinor)
		}
	}
	return balances, nil
}

func (s *store) SumActiveEscrowAmounts(ctx context.Context) (int64, error) {
	defer s.lock()()
	var sum int64
	for _, e := range s.st.escrows {
		if e.Status == relationaldb.EscrowActive || e.Status == relationaldb.EscrowDisputed {
			sum += int64(e.AmountMinor)
		}
	}
	return sum, nil
}
