// Package webhook receives provider callbacks, verifies their signatures
// and drives payment and disbursement settlement. Every callback is
// persisted before any processing, valid or not, so the audit trail never
// depends on the processing outcome.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/core/withdrawal"
	"github.com/rekberid/rekberd/internal/logging"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const (
	ProviderMidtrans = "midtrans"
	ProviderIris     = "iris"

	// MaxRetries caps how often a failed event is rescheduled before it
	// stays FAILED for manual review.
	MaxRetries = 5

	baseRetryDelay = time.Minute
)

// Config carries the provider secrets and the optional replay window.
type Config struct {
	MidtransServerKey string
	DisbursementKey   string
	// TimestampWindow rejects callbacks whose X-Timestamp header is older
	// than this. Zero disables the check.
	TimestampWindow time.Duration
}

// PaymentNotification is the Midtrans payment callback body.
type PaymentNotification struct {
	TransactionID     string `json:"transaction_id"`
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
}

// DisbursementNotification is the payout callback body. ExternalID is the
// withdrawal id the disbursement was created for.
type DisbursementNotification struct {
	ReferenceNo   string `json:"reference_no"`
	ExternalID    string `json:"external_id"`
	Status        string `json:"status"`
	BankReference string `json:"bank_reference"`
	Amount        string `json:"amount"`
	ErrorCode     string `json:"error_code"`
}

// Service processes provider callbacks.
type Service struct {
	db          relationaldb.Database
	wallets     *wallet.Service
	escrows     *escrow.Service
	withdrawals *withdrawal.Service
	cfg         Config
	log         *zap.Logger
	now         func() time.Time
}

func NewService(db relationaldb.Database, wallets *wallet.Service, escrows *escrow.Service, withdrawals *withdrawal.Service, cfg Config, log *zap.Logger) *Service {
	return &Service{
		db:          db,
		wallets:     wallets,
		escrows:     escrows,
		withdrawals: withdrawals,
		cfg:         cfg,
		log:         log.Named("webhook"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateCharge registers a pending payment before the user is sent to the
// provider. The provider reference becomes the order_id Midtrans echoes
// back in its callbacks. Deposits without an order top up the wallet.
func (s *Service) CreateCharge(ctx context.Context, userID string, orderID *string, amount money.Amount) (*relationaldb.Payment, error) {
	if amount <= 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "amount must be positive")
	}
	now := s.now()
	p := &relationaldb.Payment{
		ID:          uuid.NewString(),
		UserID:      userID,
		OrderID:     orderID,
		Provider:    ProviderMidtrans,
		ProviderRef: "PAY-" + strings.ToUpper(uuid.NewString()[:13]),
		Status:      relationaldb.PaymentPending,
		AmountMinor: amount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// HandlePayment verifies, persists and processes one Midtrans payment
// callback. The event row is written in every branch. An invalid signature
// is the only error the transport layer should turn into a 401; processing
// failures return nil and are retried from the stored event.
func (s *Service) HandlePayment(ctx context.Context, raw []byte, requestIP string, headers map[string]string) (*relationaldb.WebhookEvent, error) {
	now := s.now()

	var n PaymentNotification
	parseErr := json.Unmarshal(raw, &n)

	valid := parseErr == nil &&
		VerifyMidtrans(n.OrderID, n.StatusCode, n.GrossAmount, s.cfg.MidtransServerKey, n.SignatureKey)
	if valid && !s.timestampFresh(headers, now) {
		valid = false
	}

	eventID := n.TransactionID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	event := &relationaldb.WebhookEvent{
		ID:              uuid.NewString(),
		Provider:        ProviderMidtrans,
		EventID:         eventID,
		EventType:       n.TransactionStatus,
		Payload:         raw,
		RedactedHeaders: redactHeaders(headers),
		RequestIP:       requestIP,
		Status:          relationaldb.WebhookPending,
		SignatureValid:  valid,
		CreatedAt:       now,
	}
	if err := s.db.InsertWebhookEvent(ctx, event); err != nil {
		return nil, err
	}

	if !valid {
		s.markFailed(ctx, event, "invalid signature", false)
		s.log.Warn("payment callback rejected",
			zap.String("event_id", event.EventID),
			zap.String("request_ip", requestIP))
		return event, errs.Authorization(errs.CodeInvalidSignature, "webhook signature verification failed")
	}

	if done, err := s.alreadyProcessed(ctx, event); err != nil {
		return event, err
	} else if done {
		return event, nil
	}

	if err := s.processPayment(ctx, event, &n); err != nil {
		s.markFailed(ctx, event, err.Error(), true)
		s.log.Error("payment callback processing failed",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return event, nil
	}
	return event, nil
}

// HandleDisbursement verifies and processes one payout callback, signed
// with HMAC-SHA256 over the raw body.
func (s *Service) HandleDisbursement(ctx context.Context, raw []byte, signature, requestIP string, headers map[string]string) (*relationaldb.WebhookEvent, error) {
	now := s.now()

	var n DisbursementNotification
	parseErr := json.Unmarshal(raw, &n)

	valid := parseErr == nil && VerifyHMAC(s.cfg.DisbursementKey, raw, signature)
	if valid && !s.timestampFresh(headers, now) {
		valid = false
	}

	eventID := n.ReferenceNo
	if eventID == "" {
		eventID = uuid.NewString()
	}
	event := &relationaldb.WebhookEvent{
		ID:              uuid.NewString(),
		Provider:        ProviderIris,
		EventID:         eventID + ":" + n.Status,
		EventType:       n.Status,
		Payload:         raw,
		RedactedHeaders: redactHeaders(headers),
		RequestIP:       requestIP,
		Status:          relationaldb.WebhookPending,
		SignatureValid:  valid,
		CreatedAt:       now,
	}
	if err := s.db.InsertWebhookEvent(ctx, event); err != nil {
		return nil, err
	}

	if !valid {
		s.markFailed(ctx, event, "invalid signature", false)
		s.log.Warn("disbursement callback rejected",
			zap.String("event_id", event.EventID),
			zap.String("request_ip", requestIP))
		return event, errs.Authorization(errs.CodeInvalidSignature, "webhook signature verification failed")
	}

	if done, err := s.alreadyProcessed(ctx, event); err != nil {
		return event, err
	} else if done {
		return event, nil
	}

	if err := s.processDisbursement(ctx, event, &n); err != nil {
		s.markFailed(ctx, event, err.Error(), true)
		s.log.Error("disbursement callback processing failed",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return event, nil
	}
	return event, nil
}

// RetryDue reprocesses stored events whose next retry is due. Returns how
// many were processed successfully.
func (s *Service) RetryDue(ctx context.Context, now time.Time, limit int) (int, error) {
	events, err := s.db.ListRetryableWebhooks(ctx, now, MaxRetries, limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for i := range events {
		event := &events[i]
		if err := s.retryOne(ctx, event); err != nil {
			s.markFailed(ctx, event, err.Error(), true)
			s.log.Warn("webhook retry failed",
				zap.String("event_id", event.EventID),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Service) retryOne(ctx context.Context, event *relationaldb.WebhookEvent) error {
	switch event.Provider {
	case ProviderMidtrans:
		var n PaymentNotification
		if err := json.Unmarshal(event.Payload, &n); err != nil {
			return err
		}
		return s.processPayment(ctx, event, &n)
	case ProviderIris:
		var n DisbursementNotification
		if err := json.Unmarshal(event.Payload, &n); err != nil {
			return err
		}
		return s.processDisbursement(ctx, event, &n)
	default:
		return fmt.Errorf("unknown provider %q", event.Provider)
	}
}

func (s *Service) processPayment(ctx context.Context, event *relationaldb.WebhookEvent, n *PaymentNotification) error {
	payment, err := s.db.GetPaymentByProviderRef(ctx, ProviderMidtrans, n.OrderID)
	if err != nil {
		return err
	}
	if payment == nil {
		return fmt.Errorf("no payment for reference %q", n.OrderID)
	}

	gross, err := parseGrossAmount(n.GrossAmount)
	if err != nil {
		return err
	}
	if gross != payment.AmountMinor {
		return fmt.Errorf("gross amount %d does not match payment amount %d", gross, payment.AmountMinor)
	}

	mapped, err := mapMidtransStatus(n.TransactionStatus, n.FraudStatus)
	if err != nil {
		return err
	}

	// Settled payments are final. Late or out-of-order callbacks only get
	// acknowledged.
	if payment.Status == relationaldb.PaymentSuccess || payment.Status == mapped {
		return s.markProcessed(ctx, event, payment.ID)
	}

	now := s.now()

	// Settle before flipping the row: a SUCCESS payment short-circuits
	// retries, so it must mean the money already landed. The deposit
	// journal key keeps the credit idempotent if a later step fails and
	// the event is retried.
	if mapped == relationaldb.PaymentSuccess {
		if err := s.settleDeposit(ctx, payment); err != nil {
			return err
		}
	}

	if err := s.db.InsertPaymentStatusHistory(ctx, &relationaldb.PaymentStatusHistory{
		PaymentID:      payment.ID,
		FromStatus:     payment.Status,
		ToStatus:       mapped,
		ProviderStatus: n.TransactionStatus,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	payment.Status = mapped
	if mapped == relationaldb.PaymentSuccess {
		payment.PaidAt = &now
	}
	if err := s.db.UpdatePayment(ctx, payment); err != nil {
		return err
	}
	return s.markProcessed(ctx, event, payment.ID)
}

// settleDeposit credits the payer's wallet and, when the payment funds an
// order, pays that order into escrow. The deposit journal key makes the
// credit idempotent across retries.
func (s *Service) settleDeposit(ctx context.Context, payment *relationaldb.Payment) error {
	_, err := s.wallets.Credit(ctx, payment.UserID, payment.AmountMinor,
		relationaldb.JournalDeposit,
		"deposit:"+payment.ID,
		"provider deposit "+payment.ProviderRef,
		ledger.JournalRequest{DepositID: &payment.ID, OrderID: payment.OrderID})
	if err != nil {
		return err
	}

	if payment.OrderID == nil {
		return nil
	}
	if _, err := s.escrows.PayOrder(ctx, *payment.OrderID, payment.UserID); err != nil {
		// The money is in the wallet either way. An order that moved on
		// (cancelled, already paid) keeps the funds as balance.
		if e, ok := errs.As(err); ok && e.Code == errs.CodeInvalidStateTransition {
			s.log.Warn("paid order not fundable, deposit kept as balance",
				zap.String("order_id", *payment.OrderID),
				zap.String("payment_id", payment.ID))
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) processDisbursement(ctx context.Context, event *relationaldb.WebhookEvent, n *DisbursementNotification) error {
	if n.ExternalID == "" {
		return errors.New("disbursement callback missing external_id")
	}
	switch n.Status {
	case "completed":
		if _, err := s.withdrawals.Complete(ctx, n.ExternalID, n.ReferenceNo, n.BankReference); err != nil {
			if e, ok := errs.As(err); ok && e.Code == errs.CodeInvalidStateTransition {
				// Already completed by an earlier delivery.
				return s.markProcessed(ctx, event, nil)
			}
			return err
		}
		return s.markProcessed(ctx, event, nil)
	case "failed":
		reason := "provider disbursement failed"
		if n.ErrorCode != "" {
			reason += ": " + n.ErrorCode
		}
		if _, err := s.withdrawals.Fail(ctx, n.ExternalID, reason); err != nil {
			if e, ok := errs.As(err); ok && e.Code == errs.CodeInvalidStateTransition {
				return s.markProcessed(ctx, event, nil)
			}
			return err
		}
		return s.markProcessed(ctx, event, nil)
	default:
		return fmt.Errorf("unknown disbursement status %q", n.Status)
	}
}

func (s *Service) alreadyProcessed(ctx context.Context, event *relationaldb.WebhookEvent) (bool, error) {
	prior, err := s.db.FindProcessedWebhook(ctx, event.Provider, event.EventID)
	if err != nil {
		return false, err
	}
	if prior == nil || prior.ID == event.ID {
		return false, nil
	}
	if err := s.markProcessed(ctx, event, prior.PaymentID); err != nil {
		return false, err
	}
	s.log.Info("duplicate webhook acknowledged",
		zap.String("event_id", event.EventID),
		zap.String("prior_event", prior.ID))
	return true, nil
}

func (s *Service) markProcessed(ctx context.Context, event *relationaldb.WebhookEvent, paymentID any) error {
	now := s.now()
	event.Status = relationaldb.WebhookProcessed
	event.ProcessedAt = &now
	event.ErrorMessage = ""
	event.NextRetryAt = nil
	switch id := paymentID.(type) {
	case string:
		event.PaymentID = &id
	case *string:
		event.PaymentID = id
	}
	return s.db.UpdateWebhookEvent(ctx, event)
}

// markFailed records the failure and, when retryable, schedules the next
// attempt with exponential backoff. Events past MaxRetries stay FAILED.
func (s *Service) markFailed(ctx context.Context, event *relationaldb.WebhookEvent, message string, retryable bool) {
	now := s.now()
	event.Status = relationaldb.WebhookFailed
	event.ErrorMessage = message
	event.LastRetryAt = &now
	if retryable && event.RetryCount < MaxRetries {
		next := now.Add(baseRetryDelay << event.RetryCount)
		event.NextRetryAt = &next
	} else {
		event.NextRetryAt = nil
	}
	event.RetryCount++
	if err := s.db.UpdateWebhookEvent(ctx, event); err != nil {
		s.log.Error("failed to persist webhook failure",
			zap.String("event_id", event.EventID),
			zap.Error(err))
	}
}

func (s *Service) timestampFresh(headers map[string]string, now time.Time) bool {
	if s.cfg.TimestampWindow <= 0 {
		return true
	}
	raw, ok := headers["X-Timestamp"]
	if !ok {
		raw, ok = headers["x-timestamp"]
	}
	if !ok || raw == "" {
		return true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	age := now.Sub(ts)
	if age < 0 {
		age = -age
	}
	return age <= s.cfg.TimestampWindow
}

// parseGrossAmount converts the provider's decimal string into minor
// units. Rupiah has no subunit, so any nonzero fraction is a protocol
// error.
func parseGrossAmount(s string) (money.Amount, error) {
	whole, frac, _ := strings.Cut(strings.TrimSpace(s), ".")
	if frac != "" && strings.Trim(frac, "0") != "" {
		return 0, fmt.Errorf("fractional gross amount %q", s)
	}
	v, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed gross amount %q", s)
	}
	return money.Amount(v), nil
}

func redactHeaders(headers map[string]string) []byte {
	if len(headers) == 0 {
		return nil
	}
	redacted := make(map[string]string, len(headers))
	for k, v := range headers {
		redacted[k] = logging.Redact(v)
	}
	b, err := json.Marshal(redacted)
	if err != nil {
		return nil
	}
	return b
}
