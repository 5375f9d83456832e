package memory

import (
	"context"
	"sort"
	"time"

	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// checkWebhookGuard mirrors the database trigger forbidding a processed row
// with an invalid signature.
func checkWebhookGuard(e *relationaldb.WebhookEvent, op string) error {
	if e.Status == relationaldb.WebhookProcessed && !e.SignatureValid {
		return relationaldb.NewConstraintError(op, "webhook cannot be PROCESSED with invalid signature", relationaldb.ErrAppendOnly)
	}
	return nil
}

func (s *store) InsertWebhookEvent(ctx context.Context, e *relationaldb.WebhookEvent) error {
	defer s.lock()()
	if err := checkWebhookGuard(e, "insert_webhook_event"); err != nil {
		return err
	}
	if _, ok := s.st.webhooks[e.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "insert_webhook_event")
	}
	s.st.webhooks[e.ID] = *e
	return nil
}

func (s *store) GetWebhookEvent(ctx context.Context, id string) (*relationaldb.WebhookEvent, error) {
	defer s.lock()()
	e, ok := s.st.webhooks[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *store) UpdateWebhookEvent(ctx context.Context, e *relationaldb.WebhookEvent) error {
	defer s.lock()()
	if err := checkWebhookGuard(e, "update_webhook_event"); err != nil {
		return err
	}
	s.st.webhooks[e.ID] = *e
	return nil
}

func (s *store) FindProcessedWebhook(ctx context.Context, provider, eventID string) (*relationaldb.WebhookEvent, error) {
	defer s.lock()()
	var found *relationaldb.WebhookEvent
	for _, e := range s.st.webhooks {
		if e.Provider != provider || e.EventID != eventID || e.Status != relationaldb.WebhookProcessed {
			continue
		}
		if found == nil || e.CreatedAt.After(found.CreatedAt) {
			e := e
			found = &e
		}
	}
	return found, nil
}

func (s *store) ListRetryableWebhooks(ctx context.Context, now time.Time, maxRetries, limit int) ([]relationaldb.WebhookEvent, error) {
	defer s.lock()()
	var events []relationaldb.WebhookEvent
	for _, e := range s.st.webhooks {
		if e.Status != relationaldb.WebhookPending && e.Status != relationaldb.WebhookFailed {
			continue
		}
		if !e.SignatureValid || e.RetryCount >= maxRetries {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *store) CreatePayment(ctx context.Context, p *relationaldb.Payment) error {
	defer s.lock()()
	if _, ok := s.st.payments[p.ID]; ok {
		return dup(relationaldb.ErrUniqueViolation, "create_payment")
	}
	for _, existing := range s.st.payments {
		if existing.Provider == p.Provider && existing.ProviderRef == p.ProviderRef {
			return dup(relationaldb.ErrUniqueViolation, "create_payment")
		}
	}
	s.st.payments[p.ID] = *p
	return nil
}

func (s *store) GetPayment(ctx context.Context, id string) (*relationaldb.Payment, error) {
	defer s.lock()()
	p, ok := s.st.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *store) GetPaymentByProviderRef(ctx context.Context, provider, ref string) (*relationaldb.Payment, error) {
	defer s.lock()()
	for _, p := range s.st.payments {
		if p.Provider == provider && p.ProviderRef == ref {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

func (s *store) UpdatePayment(ctx context.Context, p *relationaldb.Payment) error {
	defer s.lock()()
	p.UpdatedAt = time.Now().UTC()
	s.st.payments[p.ID] = *p
	return nil
}

func (s *store) InsertPaymentStatusHistory(ctx context.Context, h *relationaldb.PaymentStatusHistory) error {
	defer s.lock()()
	s.st.historySeq++
	h.ID = s.st.historySeq
	s.st.history = append(s.st.history, *h)
	return nil
}
