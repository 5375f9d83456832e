package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const orderColumns = `id, buyer_id, seller_id, initiator_id, initiator_role, amount_minor,
	platform_fee_minor, fee_payer, holding_period_days, invite_token, invite_expires_at,
	status, auto_release_at, accepted_at, paid_at, completed_at, cancelled_at,
	disputed_at, refunded_at, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (*relationaldb.Order, error) {
	var o relationaldb.Order
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.InitiatorID, &o.InitiatorRole, &o.AmountMinor,
		&o.PlatformFeeMinor, &o.FeePayer, &o.HoldingPeriodDays, &o.InviteToken, &o.InviteExpiresAt,
		&o.Status, &o.AutoReleaseAt, &o.AcceptedAt, &o.PaidAt, &o.CompletedAt, &o.CancelledAt,
		&o.DisputedAt, &o.RefundedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *store) CreateOrder(ctx context.Context, o *relationaldb.Order) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO orders (id, buyer_id, seller_id, initiator_id, initiator_role, amount_minor,
			platform_fee_minor, fee_payer, holding_period_days, invite_token, invite_expires_at,
			status, auto_release_at, accepted_at, paid_at, completed_at, cancelled_at,
			disputed_at, refunded_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		o.ID, o.BuyerID, o.SellerID, o.InitiatorID, o.InitiatorRole, o.AmountMinor,
		o.PlatformFeeMinor, o.FeePayer, o.HoldingPeriodDays, o.InviteToken, o.InviteExpiresAt,
		o.Status, o.AutoReleaseAt, o.AcceptedAt, o.PaidAt, o.CompletedAt, o.CancelledAt,
		o.DisputedAt, o.RefundedAt, o.CreatedAt, o.UpdatedAt)
	return mapError("create_order", err)
}

func (s *store) GetOrder(ctx context.Context, id string) (*relationaldb.Order, error) {
	o, err := scanOrder(s.q.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_order", err)
	}
	return o, nil
}

func (s *store) UpdateOrder(ctx context.Context, o *relationaldb.Order) error {
	o.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE orders SET status = $2, auto_release_at = $3, accepted_at = $4, paid_at = $5,
			completed_at = $6, cancelled_at = $7, disputed_at = $8, refunded_at = $9,
			platform_fee_minor = $10, updated_at = $11
		 WHERE id = $1`,
		o.ID, o.Status, o.AutoReleaseAt, o.AcceptedAt, o.PaidAt,
		o.CompletedAt, o.CancelledAt, o.DisputedAt, o.RefundedAt,
		o.PlatformFeeMinor, o.UpdatedAt)
	return mapError("update_order", err)
}

func (s *store) CreateEscrow(ctx context.Context, e *relationaldb.EscrowHold) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO escrow_holds (id, order_id, buyer_wallet_id, seller_wallet_id, amount_minor,
			status, timeout_at, resolved_at, timeout_job_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.OrderID, e.BuyerWalletID, e.SellerWalletID, e.AmountMinor,
		e.Status, e.TimeoutAt, e.ResolvedAt, e.TimeoutJobID, e.CreatedAt)
	return mapError("create_escrow", err)
}

const escrowColumns = `id, order_id, buyer_wallet_id, seller_wallet_id, amount_minor,
	status, timeout_at, resolved_at, timeout_job_id, created_at`

func scanEscrow(row interface{ Scan(...any) error }) (*relationaldb.EscrowHold, error) {
	var e relationaldb.EscrowHold
	err := row.Scan(&e.ID, &e.OrderID, &e.BuyerWalletID, &e.SellerWalletID, &e.AmountMinor,
		&e.Status, &e.TimeoutAt, &e.ResolvedAt, &e.TimeoutJobID, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) GetEscrow(ctx context.Context, id string) (*relationaldb.EscrowHold, error) {
	e, err := scanEscrow(s.q.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_holds WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_escrow", err)
	}
	return e, nil
}

func (s *store) GetEscrowByOrder(ctx context.Context, orderID string) (*relationaldb.EscrowHold, error) {
	e, err := scanEscrow(s.q.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_holds WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_escrow_by_order", err)
	}
	return e, nil
}

func (s *store) UpdateEscrow(ctx context.Context, e *relationaldb.EscrowHold) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE escrow_holds SET status = $2, resolved_at = $3, timeout_job_id = $4 WHERE id = $1`,
		e.ID, e.Status, e.ResolvedAt, e.TimeoutJobID)
	return mapError("update_escrow", err)
}

func (s *store) ListExpiredActiveEscrows(ctx context.Context, now time.Time, limit int) ([]relationaldb.EscrowHold, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+escrowColumns+` FROM escrow_holds
		 WHERE status = 'ACTIVE' AND timeout_at <= $1
		 ORDER BY timeout_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapError("list_expired_active_escrows", err)
	}
	defer rows.Close()

	var escrows []relationaldb.EscrowHold
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, mapError("list_expired_active_escrows", err)
		}
		escrows = append(escrows, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_expired_active_escrows", err)
	}
	return escrows, nil
}

func (s *store) CreateDispute(ctx context.Context, d *relationaldb.Dispute) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO disputes (id, escrow_id, order_id, opened_by, reason, status, resolution,
			notes, resolved_by, created_at, resolved_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.EscrowID, d.OrderID, d.OpenedBy, d.Reason, d.Status, d.Resolution,
		d.Notes, d.ResolvedBy, d.CreatedAt, d.ResolvedAt)
	return mapError("create_dispute", err)
}

func (s *store) GetDisputeByEscrow(ctx context.Context, escrowID string) (*relationaldb.Dispute, error) {
	var d relationaldb.Dispute
	err := s.q.QueryRowContext(ctx,
		`SELECT id, escrow_id, order_id, opened_by, reason, status, resolution,
			notes, resolved_by, created_at, resolved_at
		 FROM disputes WHERE escrow_id = $1`, escrowID).
		Scan(&d.ID, &d.EscrowID, &d.OrderID, &d.OpenedBy, &d.Reason, &d.Status, &d.Resolution,
			&d.Notes, &d.ResolvedBy, &d.CreatedAt, &d.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_dispute_by_escrow", err)
	}
	return &d, nil
}

func (s *store) UpdateDispute(ctx context.Context, d *relationaldb.Dispute) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE disputes SET status = $2, resolution = $3, notes = $4, resolved_by = $5, resolved_at = $6
		 WHERE id = $1`,
		d.ID, d.Status, d.Resolution, d.Notes, d.ResolvedBy, d.ResolvedAt)
	return mapError("update_dispute", err)
}
