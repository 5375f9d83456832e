package memory

import (
	"context"
	"sort"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

func (s *store) CreateWithdrawal(ctx context.Context, w *relationaldb.Withdrawal) error {
	defer s.lock()()
	if _, ok := s.st.withdrawals[w.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_withdrawal")
	}
	for _, existing := range s.st.withdrawals {
		if existing.IdempotencyKey == w.IdempotencyKey {
			return dup(relationaldb.ErrUniqueViolation, "create_withdrawal")
		}
	}
	s.st.withdrawals[w.ID] = *w
	return nil
}

func (s *store) GetWithdrawal(ctx context.Context, id string) (*relationaldb.Withdrawal, error) {
	defer s.lock()()
	w, ok := s.st.withdrawals[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *store) GetWithdrawalByIdempotencyKey(ctx context.Context, key string) (*relationaldb.Withdrawal, error) {
	defer s.lock()()
	for _, w := range s.st.withdrawals {
		if w.IdempotencyKey == key {
			w := w
			return &w, nil
		}
	}
	return nil, nil
}

func (s *store) UpdateWithdrawal(ctx context.Context, w *relationaldb.Withdrawal) error {
	defer s.lock()()
	s.st.withdrawals[w.ID] = *w
	return nil
}

func (s *store) CreateWithdrawalApproval(ctx context.Context, a *relationaldb.WithdrawalApproval) error {
	defer s.lock()()
	for _, existing := range s.st.approvals {
		if existing.WithdrawalID == a.WithdrawalID && existing.ApproverID == a.ApproverID {
			return dup(relationaldb.ErrUniqueViolation, "create_withdrawal_approval")
		}
	}
	s.st.approvals = append(s.st.approvals, *a)
	return nil
}

func (s *store) ListWithdrawalApprovals(ctx context.Context, withdrawalID string) ([]relationaldb.WithdrawalApproval, error) {
	defer s.lock()()
	var approvals []relationaldb.WithdrawalApproval
	for _, a := range s.st.approvals {
		if a.WithdrawalID == withdrawalID {
			approvals = append(approvals, a)
		}
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].CreatedAt.Before(approvals[j].CreatedAt) })
	return approvals, nil
}

func (s *store) InsertVelocityEvent(ctx context.Context, v *relationaldb.WithdrawalVelocityLog) error {
	defer s.lock()()
	s.st.velocitySeq++
	v.ID = s.st.velocitySeq
	s.st.velocity = append(s.st.velocity, *v)
	return nil
}

func (s *store) VelocityStats(ctx context.Context, userID string, since time.Time) (int, int64, error) {
	defer s.lock()()
	var count int
	var total int64
	for _, v := range s.st.velocity {
		if v.UserID == userID && !v.CreatedAt.Before(since) {
			count++
			total += int64(v.AmountMinor)
		}
	}
	return count, total, nil
}

func (s *store) LatestVelocityEventAt(ctx context.Context, userID string) (*time.Time, error) {
	defer s.lock()()
	var latest *time.Time
	for _, v := range s.st.velocity {
		if v.UserID != userID {
			continue
		}
		if latest == nil || v.CreatedAt.After(*latest) {
			at := v.CreatedAt
			latest = &at
		}
	}
	return latest, nil
}

func (s *store) CreateLimit(ctx context.Context, l *relationaldb.TransactionLimit) error {
	defer s.lock()()
	if _, ok := s.st.limits[l.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_limit")
	}
	if l.IsActive {
		for _, existing := range s.st.limits {
			if existing.UserID == l.UserID && existing.IsActive {
				return dup(relationaldb.ErrUniqueViolation, "create_limit")
			}
		}
	}
	s.st.limits[l.ID] = *l
	return nil
}

func (s *store) GetActiveLimit(ctx context.Context, userID string) (*relationaldb.TransactionLimit, error) {
	defer s.lock()()
	now := time.Now().UTC()
	for _, l := range s.st.limits {
		if l.UserID != userID || !l.IsActive {
			continue
		}
		if l.EffectiveFrom != nil && l.EffectiveFrom.After(now) {
			continue
		}
		if l.EffectiveUntil != nil && !l.EffectiveUntil.After(now) {
			continue
		}
		l := l
		return &l, nil
	}
	return nil, nil
}

func (s *store) UpdateLimit(ctx context.Context, l *relationaldb.TransactionLimit) error {
	defer s.lock()()
	s.st.limits[l.ID] = *l
	return nil
}

func (s *store) ResetDailyUsage(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, l := range s.st.limits {
		if l.DailyResetAt.After(now) {
			continue
		}
		l.DailyUsedMinor = 0
		l.DailyCount = 0
		l.DailyResetAt = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		s.st.limits[id] = l
		n++
	}
	return n, nil
}

func (s *store) ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error) {
	defer s.lock()()
	var n int64
	for id, l := range s.st.limits {
		if l.MonthlyResetAt.After(now) {
			continue
		}
		l.MonthlyUsedMinor = 0
		year, month, _ := now.UTC().Date()
		l.MonthlyResetAt = time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		s.st.limits[id] = l
		n++
	}
	return n, nil
}
