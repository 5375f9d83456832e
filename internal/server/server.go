// Package server is the HTTP boundary: chi routing, JWT authentication,
// idempotency fronting the money movers, and the error taxonomy mapped to
// status codes.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	validator "gopkg.in/go-playground/validator.v9"

	"github.com/rekberid/rekberd/internal/config"
	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/core/webhook"
	"github.com/rekberid/rekberd/internal/core/withdrawal"
	"github.com/rekberid/rekberd/internal/idempotency"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

// Server carries the wired services and the router.
type Server struct {
	db          relationaldb.Database
	wallets     *wallet.Service
	escrows     *escrow.Service
	withdrawals *withdrawal.Service
	webhooks    *webhook.Service
	idem        idempotency.Store
	fingerprint func(method, path string, body []byte, userID string) string

	jwtSecret string
	httpCfg   config.HTTPConfig
	validate  *validator.Validate
	router    chi.Router
	log       *zap.Logger
}

func New(
	db relationaldb.Database,
	wallets *wallet.Service,
	escrows *escrow.Service,
	withdrawals *withdrawal.Service,
	webhooks *webhook.Service,
	idem idempotency.Store,
	cfg *config.Config,
	log *zap.Logger,
) *Server {
	s := &Server{
		db:          db,
		wallets:     wallets,
		escrows:     escrows,
		withdrawals: withdrawals,
		webhooks:    webhooks,
		idem:        idem,
		fingerprint: idempotency.Fingerprint,
		jwtSecret:   cfg.Auth.JWTSecret,
		httpCfg:     cfg.HTTP,
		validate:    validator.New(),
		log:         log.Named("http"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)

	// Provider callbacks authenticate by signature, not JWT.
	r.Post("/webhooks/midtrans/notification", s.handleMidtransWebhook)
	r.Post("/webhooks/iris/notification", s.handleIrisWebhook)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/wallets/me", s.handleMyWallet)
		r.Get("/orders/{id}", s.handleGetOrder)
		r.Get("/withdrawals/{id}", s.handleGetWithdrawal)

		r.Post("/orders/{id}/accept", s.handleAcceptOrder)
		r.Post("/orders/{id}/cancel", s.handleCancelOrder)
		r.Post("/orders/{id}/dispute", s.handleDisputeOrder)

		// Money movers sit behind the idempotency cache.
		r.Group(func(r chi.Router) {
			r.Use(s.idempotent)
			r.Post("/orders", s.handleCreateOrder)
			r.Post("/orders/{id}/pay", s.handlePayOrder)
			r.Post("/orders/{id}/confirm-receipt", s.handleConfirmReceipt)
			r.Post("/orders/{id}/refund", s.handleRefundOrder)
			r.Post("/deposits", s.handleCreateDeposit)
			r.Post("/withdrawals", s.handleCreateWithdrawal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireMFA)
			r.Post("/admin/withdrawals/{id}/approve", s.handleApproveWithdrawal)
			r.Post("/admin/withdrawals/{id}/reject", s.handleRejectWithdrawal)
			r.Post("/admin/orders/{id}/resolve-dispute", s.handleResolveDispute)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then drains within the shutdown
// timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.httpCfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.httpCfg.ReadTimeout,
		WriteTimeout: s.httpCfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http server listening", zap.String("addr", s.httpCfg.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.httpCfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeErrorBody(w, http.StatusServiceUnavailable, &errorBody{
			Code: "UNAVAILABLE", Message: "database unreachable",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
