package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/withdrawal"
)

type createOrderRequest struct {
	BuyerID           string `json:"buyer_id" validate:"omitempty,uuid4|alphanum"`
	SellerID          string `json:"seller_id" validate:"omitempty,uuid4|alphanum"`
	AmountMinor       int64  `json:"amount_minor" validate:"required,gt=0"`
	HoldingPeriodDays int    `json:"holding_period_days" validate:"omitempty,min=1,max=30"`
}

type payOrderRequest struct {
	Method string `json:"method" validate:"omitempty,oneof=wallet gateway"`
}

type disputeRequest struct {
	Reason string `json:"reason" validate:"required,min=10,max=2000"`
}

type createDepositRequest struct {
	AmountMinor int64 `json:"amount_minor" validate:"required,gt=0"`
}

type createWithdrawalRequest struct {
	AmountMinor   int64  `json:"amount_minor" validate:"required,gt=0"`
	BankAccountID string `json:"bank_account_id" validate:"required"`
}

type approvalRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

type resolveDisputeRequest struct {
	BuyerRefundMinor  int64  `json:"buyer_refund_minor" validate:"min=0"`
	SellerAmountMinor int64  `json:"seller_amount_minor" validate:"min=0"`
	PlatformFeeMinor  int64  `json:"platform_fee_minor" validate:"min=0"`
	Notes             string `json:"notes" validate:"max=2000"`
}

func (s *Server) decodeValid(r *http.Request, dst any) error {
	if err := decodeBody(r, dst); err != nil {
		return err
	}
	if err := s.validate.Struct(dst); err != nil {
		return errs.Validation("INVALID_REQUEST", "request validation failed").
			WithDetail("reason", err.Error())
	}
	return nil
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createOrderRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The initiator names the counterparty; the blank side is their own.
	in := escrow.CreateOrderInput{
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		InitiatorID:       p.UserID,
		AmountMinor:       money.Amount(req.AmountMinor),
		HoldingPeriodDays: req.HoldingPeriodDays,
	}
	if in.BuyerID == "" {
		in.BuyerID = p.UserID
	}
	if in.SellerID == "" {
		in.SellerID = p.UserID
	}

	order, err := s.escrows.CreateOrder(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	order, err := s.escrows.GetOrder(r.Context(), chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req struct {
		InviteToken string `json:"invite_token"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	order, err := s.escrows.AcceptOrder(r.Context(), chi.URLParam(r, "id"), req.InviteToken, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	order, err := s.escrows.CancelOrder(r.Context(), chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// handlePayOrder funds the escrow. Wallet payment moves locked balance
// immediately; gateway payment registers a provider charge the webhook
// later settles.
func (s *Server) handlePayOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	orderID := chi.URLParam(r, "id")

	req := payOrderRequest{Method: "wallet"}
	if r.ContentLength > 0 {
		if err := s.decodeValid(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if req.Method == "gateway" {
		order, err := s.escrows.GetOrder(r.Context(), orderID, p.UserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		payment, err := s.webhooks.CreateCharge(r.Context(), p.UserID, &order.ID, order.AmountMinor)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, payment)
		return
	}

	hold, err := s.escrows.PayOrder(r.Context(), orderID, p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, hold)
}

func (s *Server) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	order, err := s.escrows.Release(r.Context(), chi.URLParam(r, "id"), p.UserID, false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// handleRefundOrder returns a funded order's full amount to the buyer.
// Only the seller may decline this way.
func (s *Server) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	order, err := s.escrows.Refund(r.Context(), chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleDisputeOrder(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req disputeRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	dispute, err := s.escrows.OpenDispute(r.Context(), chi.URLParam(r, "id"), p.UserID, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dispute)
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req resolveDisputeRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.escrows.ResolveDispute(r.Context(), chi.URLParam(r, "id"), p.UserID,
		money.Amount(req.BuyerRefundMinor), money.Amount(req.SellerAmountMinor),
		money.Amount(req.PlatformFeeMinor), req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleMyWallet(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	wallet, err := s.wallets.Get(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createDepositRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payment, err := s.webhooks.CreateCharge(r.Context(), p.UserID, nil, money.Amount(req.AmountMinor))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req createWithdrawalRequest
	if err := s.decodeValid(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wd, err := s.withdrawals.Create(r.Context(), withdrawal.CreateInput{
		UserID:         p.UserID,
		AmountMinor:    money.Amount(req.AmountMinor),
		BankAccountID:  req.BankAccountID,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, wd)
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	wd, err := s.withdrawals.Get(r.Context(), chi.URLParam(r, "id"), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wd)
}

func (s *Server) handleApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req approvalRequest
	if r.ContentLength > 0 {
		if err := s.decodeValid(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	wd, err := s.withdrawals.Approve(r.Context(), chi.URLParam(r, "id"), p.UserID, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wd)
}

func (s *Server) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var req approvalRequest
	if r.ContentLength > 0 {
		if err := s.decodeValid(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	wd, err := s.withdrawals.Reject(r.Context(), chi.URLParam(r, "id"), p.UserID, req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wd)
}

// Webhook endpoints answer 200 once the event row is persisted, whatever
// the processing outcome; only a bad signature earns a 401.
func (s *Server) handleMidtransWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, errs.Validation("INVALID_REQUEST", "unreadable request body"))
		return
	}
	_, err = s.webhooks.HandlePayment(r.Context(), body, clientIP(r), webhookHeaders(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIrisWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, errs.Validation("INVALID_REQUEST", "unreadable request body"))
		return
	}
	_, err = s.webhooks.HandleDisbursement(r.Context(), body,
		r.Header.Get("X-Callback-Signature"), clientIP(r), webhookHeaders(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func webhookHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string)
	for _, name := range []string{"X-Timestamp", "X-Callback-Signature", "User-Agent", "Content-Type"} {
		if v := r.Header.Get(name); v != "" {
			headers[name] = v
		}
	}
	return headers
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
