// Package memory implements the relationaldb interfaces on in-process maps.
// It mirrors the constraint behavior of the PostgreSQL backend closely enough
// for service tests: unique keys, the wallet conditional update, append-only
// ledger rows and the webhook signature guard all fail the same way.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// state is the whole dataset. Rows are stored by value so a map copy is a
// snapshot; pointer fields are treated as immutable once written.
type state struct {
	users        map[string]relationaldb.User
	bankAccounts map[string]relationaldb.BankAccount
	wallets      map[string]relationaldb.Wallet
	accounts     map[string]relationaldb.LedgerAccount
	journals     map[string]relationaldb.LedgerJournal
	entries      []relationaldb.LedgerEntry
	entrySeq     int64
	orders       map[string]relationaldb.Order
	escrows      map[string]relationaldb.EscrowHold
	disputes     map[string]relationaldb.Dispute
	withdrawals  map[string]relationaldb.Withdrawal
	approvals    []relationaldb.WithdrawalApproval
	velocity     []relationaldb.WithdrawalVelocityLog
	velocitySeq  int64
	limits       map[string]relationaldb.TransactionLimit
	webhooks     map[string]relationaldb.WebhookEvent
	payments     map[string]relationaldb.Payment
	history      []relationaldb.PaymentStatusHistory
	historySeq   int64
}

func newState() *state {
	return &state{
		users:        make(map[string]relationaldb.User),
		bankAccounts: make(map[string]relationaldb.BankAccount),
		wallets:      make(map[string]relationaldb.Wallet),
		accounts:     make(map[string]relationaldb.LedgerAccount),
		journals:     make(map[string]relationaldb.LedgerJournal),
		orders:       make(map[string]relationaldb.Order),
		escrows:      make(map[string]relationaldb.EscrowHold),
		disputes:     make(map[string]relationaldb.Dispute),
		withdrawals:  make(map[string]relationaldb.Withdrawal),
		limits:       make(map[string]relationaldb.TransactionLimit),
		webhooks:     make(map[string]relationaldb.WebhookEvent),
		payments:     make(map[string]relationaldb.Payment),
	}
}

func (s *state) clone() *state {
	c := &state{
		users:        make(map[string]relationaldb.User, len(s.users)),
		bankAccounts: make(map[string]relationaldb.BankAccount, len(s.bankAccounts)),
		wallets:      make(map[string]relationaldb.Wallet, len(s.wallets)),
		accounts:     make(map[string]relationaldb.LedgerAccount, len(s.accounts)),
		journals:     make(map[string]relationaldb.LedgerJournal, len(s.journals)),
		entries:      append([]relationaldb.LedgerEntry(nil), s.entries...),
		entrySeq:     s.entrySeq,
		orders:       make(map[string]relationaldb.Order, len(s.orders)),
		escrows:      make(map[string]relationaldb.EscrowHold, len(s.escrows)),
		disputes:     make(map[string]relationaldb.Dispute, len(s.disputes)),
		withdrawals:  make(map[string]relationaldb.Withdrawal, len(s.withdrawals)),
		approvals:    append([]relationaldb.WithdrawalApproval(nil), s.approvals...),
		velocity:     append([]relationaldb.WithdrawalVelocityLog(nil), s.velocity...),
		velocitySeq:  s.velocitySeq,
		limits:       make(map[string]relationaldb.TransactionLimit, len(s.limits)),
		webhooks:     make(map[string]relationaldb.WebhookEvent, len(s.webhooks)),
		payments:     make(map[string]relationaldb.Payment, len(s.payments)),
		history:      append([]relationaldb.PaymentStatusHistory(nil), s.history...),
		historySeq:   s.historySeq,
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.bankAccounts {
		c.bankAccounts[k] = v
	}
	for k, v := range s.wallets {
		c.wallets[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.journals {
		c.journals[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = v
	}
	for k, v := range s.disputes {
		c.disputes[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	for k, v := range s.limits {
		c.limits[k] = v
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// Database implements relationaldb.Database in memory.
type Database struct {
	store
	mu    sync.Mutex
	locks map[string]bool
}

type store struct {
	mu *sync.Mutex // nil inside WithinTx, where the Database lock is held
	st *state
}

// NewDatabase creates an empty in-memory backend, ready without Open.
func NewDatabase() *Database {
	d := &Database{locks: make(map[string]bool)}
	d.store = store{mu: &d.mu, st: newState()}
	return d
}

func (d *Database) Open(ctx context.Context) error  { return nil }
func (d *Database) Close(ctx context.Context) error { return nil }
func (d *Database) Ping(ctx context.Context) error  { return nil }

// WithinTx runs fn against a snapshot; the snapshot replaces the live state
// only when fn returns nil. The database lock is held for the duration, so
// transactions are fully serialized.
func (d *Database) WithinTx(ctx context.Context, fn func(relationaldb.Store) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := d.store.st.clone()
	if err := fn(&store{st: snapshot}); err != nil {
		return err
	}
	d.store.st = snapshot
	return nil
}

// TryAdvisoryLock mimics the non-blocking named lock with a map.
func (d *Database) TryAdvisoryLock(ctx context.Context, name string) (func(), bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.locks[name] {
		return nil, false, nil
	}
	d.locks[name] = true
	release := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.locks, name)
	}
	return release, true, nil
}

func (s *store) lock() func() {
	if s.mu == nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func dup(err error, op string) error {
	return relationaldb.NewConstraintError(op, "unique constraint violation", err)
}

// Users and bank accounts.

func (s *store) CreateUser(ctx context.Context, u *relationaldb.User) error {
	defer s.lock()()
	if _, ok := s.st.users[u.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_user")
	}
	s.st.users[u.ID] = *u
	return nil
}

func (s *store) GetUser(ctx context.Context, id string) (*relationaldb.User, error) {
	defer s.lock()()
	u, ok := s.st.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *store) CreateBankAccount(ctx context.Context, b *relationaldb.BankAccount) error {
	defer s.lock()()
	if _, ok := s.st.bankAccounts[b.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_bank_account")
	}
	s.st.bankAccounts[b.ID] = *b
	return nil
}

func (s *store) GetBankAccount(ctx context.Context, id string) (*relationaldb.BankAccount, error) {
	defer s.lock()()
	b, ok := s.st.bankAccounts[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// Wallets.

func (s *store) CreateWallet(ctx context.Context, w *relationaldb.Wallet) error {
	defer s.lock()()
	if _, ok := s.st.wallets[w.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_wallet")
	}
	for _, existing := range s.st.wallets {
		if existing.UserID == w.UserID {
			return dup(relationaldb.ErrUniqueViolation, "create_wallet")
		}
	}
	s.st.wallets[w.ID] = *w
	return nil
}

func (s *store) GetWallet(ctx context.Context, id string) (*relationaldb.Wallet, error) {
	defer s.lock()()
	w, ok := s.st.wallets[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *store) GetWalletByUser(ctx context.Context, userID string) (*relationaldb.Wallet, error) {
	defer s.lock()()
	for _, w := range s.st.wallets {
		if w.UserID == userID {
			w := w
			return &w, nil
		}
	}
	return nil, nil
}

func (s *store) ApplyWalletDeltas(ctx context.Context, userID string, version int64, balanceDelta, lockedDelta int64) (bool, error) {
	defer s.lock()()
	for id, w := range s.st.wallets {
		if w.UserID != userID {
			continue
		}
		if w.Version != version {
			return false, nil
		}
		balance := int64(w.BalanceMinor) + balanceDelta
		locked := int64(w.LockedMinor) + lockedDelta
		if balance < 0 || locked < 0 || locked > balance {
			return false, nil
		}
		w.BalanceMinor = money.Amount(balance)
		w.LockedMinor = money.Amount(locked)
		w.Version++
		w.UpdatedAt = time.Now().UTC()
		s.st.wallets[id] = w
		return true, nil
	}
	return false, nil
}

func (s *store) SetWalletReconciled(ctx context.Context, walletID string, at time.Time, hash string) error {
	defer s.lock()()
	w, ok := s.st.wallets[walletID]
	if !ok {
		return nil
	}
	w.LastReconciledAt = &at
	w.ReconciliationHash = hash
	s.st.wallets[walletID] = w
	return nil
}

func (s *store) ListWalletsReconciledBefore(ctx context.Context, cutoff time.Time, limit int) ([]relationaldb.Wallet, error) {
	defer s.lock()()
	var wallets []relationaldb.Wallet
	for _, w := range s.st.wallets {
		if w.LastReconciledAt == nil || w.LastReconciledAt.Before(cutoff) {
			wallets = append(wallets, w)
		}
	}
	sort.Slice(wallets, func(i, j int) bool {
		a, b := wallets[i].LastReconciledAt, wallets[j].LastReconciledAt
		if a == nil {
			return true
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})
	if len(wallets) > limit {
		wallets = wallets[:limit]
	}
	return wallets, nil
}
