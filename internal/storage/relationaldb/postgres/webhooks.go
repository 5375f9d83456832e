package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const webhookColumns = `id, provider, event_id, event_type, payload, redacted_headers, request_ip,
	status, signature_valid, retry_count, last_retry_at, next_retry_at, payment_id, error_message,
	created_at, processed_at`

func scanWebhookEvent(row interface{ Scan(...any) error }) (*relationaldb.WebhookEvent, error) {
	var e relationaldb.WebhookEvent
	err := row.Scan(&e.ID, &e.Provider, &e.EventID, &e.EventType, &e.Payload, &e.RedactedHeaders, &e.RequestIP,
		&e.Status, &e.SignatureValid, &e.RetryCount, &e.LastRetryAt, &e.NextRetryAt, &e.PaymentID, &e.ErrorMessage,
		&e.CreatedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *store) InsertWebhookEvent(ctx context.Context, e *relationaldb.WebhookEvent) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO webhook_events (id, provider, event_id, event_type, payload, redacted_headers,
			request_ip, status, signature_valid, retry_count, last_retry_at, next_retry_at,
			payment_id, error_message, created_at, processed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		e.ID, e.Provider, e.EventID, e.EventType, e.Payload, e.RedactedHeaders,
		e.RequestIP, e.Status, e.SignatureValid, e.RetryCount, e.LastRetryAt, e.NextRetryAt,
		e.PaymentID, e.ErrorMessage, e.CreatedAt, e.ProcessedAt)
	return mapError("insert_webhook_event", err)
}

func (s *store) GetWebhookEvent(ctx context.Context, id string) (*relationaldb.WebhookEvent, error) {
	e, err := scanWebhookEvent(s.q.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_webhook_event", err)
	}
	return e, nil
}

func (s *store) UpdateWebhookEvent(ctx context.Context, e *relationaldb.WebhookEvent) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE webhook_events SET status = $2, retry_count = $3, last_retry_at = $4,
			next_retry_at = $5, payment_id = $6, error_message = $7, processed_at = $8
		 WHERE id = $1`,
		e.ID, e.Status, e.RetryCount, e.LastRetryAt,
		e.NextRetryAt, e.PaymentID, e.ErrorMessage, e.ProcessedAt)
	return mapError("update_webhook_event", err)
}

func (s *store) FindProcessedWebhook(ctx context.Context, provider, eventID string) (*relationaldb.WebhookEvent, error) {
	e, err := scanWebhookEvent(s.q.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		 WHERE provider = $1 AND event_id = $2 AND status = 'PROCESSED'
		 ORDER BY created_at DESC
		 LIMIT 1`, provider, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("find_processed_webhook", err)
	}
	return e, nil
}

func (s *store) ListRetryableWebhooks(ctx context.Context, now time.Time, maxRetries, limit int) ([]relationaldb.WebhookEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		 WHERE status IN ('PENDING','FAILED')
		   AND signature_valid
		   AND retry_count < $2
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		 ORDER BY created_at
		 LIMIT $3`, now, maxRetries, limit)
	if err != nil {
		return nil, mapError("list_retryable_webhooks", err)
	}
	defer rows.Close()

	var events []relationaldb.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, mapError("list_retryable_webhooks", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("list_retryable_webhooks", err)
	}
	return events, nil
}

const paymentColumns = `id, user_id, order_id, withdrawal_id, provider, provider_ref, status, amount_minor,
	paid_at, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (*relationaldb.Payment, error) {
	var p relationaldb.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.OrderID, &p.WithdrawalID, &p.Provider, &p.ProviderRef, &p.Status,
		&p.AmountMinor, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *store) CreatePayment(ctx context.Context, p *relationaldb.Payment) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payments (id, user_id, order_id, withdrawal_id, provider, provider_ref, status,
			amount_minor, paid_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.UserID, p.OrderID, p.WithdrawalID, p.Provider, p.ProviderRef, p.Status,
		p.AmountMinor, p.PaidAt, p.CreatedAt, p.UpdatedAt)
	return mapError("create_payment", err)
}

func (s *store) GetPayment(ctx context.Context, id string) (*relationaldb.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_payment", err)
	}
	return p, nil
}

func (s *store) GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*relationaldb.Payment, error) {
	p, err := scanPayment(s.q.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider = $1 AND provider_ref = $2`, provider, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError("get_payment_by_provider_ref", err)
	}
	return p, nil
}

func (s *store) UpdatePayment(ctx context.Context, p *relationaldb.Payment) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.q.ExecContext(ctx,
		`UPDATE payments SET status = $2, paid_at = $3, updated_at = $4 WHERE id = $1`,
		p.ID, p.Status, p.PaidAt, p.UpdatedAt)
	return mapError("update_payment", err)
}

func (s *store) InsertPaymentStatusHistory(ctx context.Context, h *relationaldb.PaymentStatusHistory) error {
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO payment_status_history (payment_id, from_status, to_status, provider_status, created_at)
		 VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		h.PaymentID, h.FromStatus, h.ToStatus, h.ProviderStatus, h.CreatedAt).Scan(&h.ID)
	return mapError("insert_payment_status_history", err)
}
