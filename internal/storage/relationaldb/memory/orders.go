package memory

import (
	"context"
	"sort"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

func (s *store) CreateOrder(ctx context.Context, o *relationaldb.Order) error {
	defer s.lock()()
	if _, ok := s.st.orders[o.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_order")
	}
	s.st.orders[o.ID] = *o
	return nil
}

func (s *store) GetOrder(ctx context.Context, id string) (*relationaldb.Order, error) {
	defer s.lock()()
	o, ok := s.st.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *store) UpdateOrder(ctx context.Context, o *relationaldb.Order) error {
	defer s.lock()()
	o.UpdatedAt = time.Now().UTC()
	s.st.orders[o.ID] = *o
	return nil
}

func (s *store) CreateEscrow(ctx context.Context, e *relationaldb.EscrowHold) error {
	defer s.lock()()
	if _, ok := s.st.escrows[e.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_escrow")
	}
	for _, existing := range s.st.escrows {
		if existing.OrderID == e.OrderID {
			return dup(relationaldb.ErrUniqueViolation, "create_escrow")
		}
	}
	s.st.escrows[e.ID] = *e
	return nil
}

func (s *store) GetEscrow(ctx context.Context, id string) (*relationaldb.EscrowHold, error) {
	defer s.lock()()
	e, ok := s.st.escrows[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *store) GetEscrowByOrder(ctx context.Context, orderID string) (*relationaldb.EscrowHold, error) {
	defer s.lock()()
	for _, e := range s.st.escrows {
		if e.OrderID == orderID {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (s *store) UpdateEscrow(ctx context.Context, e *relationaldb.EscrowHold) error {
	defer s.lock()()
	s.st.escrows[e.ID] = *e
	return nil
}

func (s *store) ListExpiredActiveEscrows(ctx context.Context, now time.Time, limit int) ([]relationaldb.EscrowHold, error) {
	defer s.lock()()
	var escrows []relationaldb.EscrowHold
	for _, e := range s.st.escrows {
		if e.Status == relationaldb.EscrowActive && !e.TimeoutAt.After(now) {
			escrows = append(escrows, e)
		}
	}
	sort.Slice(escrows, func(i, j int) bool { return escrows[i].TimeoutAt.Before(escrows[j].TimeoutAt) })
	if len(escrows) > limit {
		escrows = escrows[:limit]
	}
	return escrows, nil
}

func (s *store) CreateDispute(ctx context.Context, d *relationaldb.Dispute) error {
	defer s.lock()()
	if _, ok := s.st.disputes[d.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_dispute")
	}
	s.st.disputes[d.ID] = *d
	return nil
}

func (s *store) GetDisputeByEscrow(ctx context.Context, escrowID string) (*relationaldb.Dispute, error) {
	defer s.lock()()
	for _, d := range s.st.disputes {
		if d.EscrowID == escrowID {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (s *store) UpdateDispute(ctx context.Context, d *relationaldb.Dispute) error {
	defer s.lock()()
	s.st.disputes[d.ID] = *d
	return nil
}
