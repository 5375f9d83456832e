package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/config"
	"github.com/rekberid/rekberd/internal/core/escrow"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/core/webhook"
	"github.com/rekberid/rekberd/internal/core/withdrawal"
	"github.com/rekberid/rekberd/internal/idempotency"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
	"github.com/rekberid/rekberd/internal/storage/relationaldb/memory"
)

const testJWTSecret = "test-jwt-secret"

type env struct {
	db      *memory.Database
	wallets *wallet.Service
	srv     *Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := memory.NewDatabase()
	ledgerSvc := ledger.NewService(zap.NewNop())
	walletSvc := wallet.NewService(db, ledgerSvc, zap.NewNop())
	escrowSvc := escrow.NewService(db, walletSvc, zap.NewNop())
	withdrawalSvc := withdrawal.NewService(db, walletSvc, zap.NewNop())
	webhookSvc := webhook.NewService(db, walletSvc, escrowSvc, withdrawalSvc,
		webhook.Config{MidtransServerKey: "server-key", DisbursementKey: "disb-key"}, zap.NewNop())

	cfg := &config.Config{
		App:  config.AppConfig{Env: config.EnvDevelopment},
		HTTP: config.HTTPConfig{Addr: ":0", ShutdownTimeout: time.Second},
		Auth: config.AuthConfig{JWTSecret: testJWTSecret},
	}
	srv := New(db, walletSvc, escrowSvc, withdrawalSvc, webhookSvc,
		idempotency.NewMemoryStore(), cfg, zap.NewNop())
	return &env{db: db, wallets: walletSvc, srv: srv}
}

func (e *env) addUser(t *testing.T, id string, admin bool, balance money.Amount) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.db.CreateUser(ctx, &relationaldb.User{
		ID: id, Email: id + "@example.com", IsAdmin: admin,
		KYCTier: relationaldb.KYCVerified, CreatedAt: time.Now().UTC(),
	}))
	_, err := e.wallets.Create(ctx, id)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.wallets.Credit(ctx, id, balance, relationaldb.JournalDeposit,
			"seed:"+id, "seed deposit", ledger.JournalRequest{})
		require.NoError(t, err)
	}
}

func token(t *testing.T, userID string, admin, mfa bool) string {
	t.Helper()
	claims := &Claims{
		UserID: userID, IsAdmin: admin, MFA: mfa,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

type call struct {
	method, path, token, idemKey string
	body                         any
}

func (e *env) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.idemKey != "" {
		req.Header.Set("X-Idempotency-Key", c.idemKey)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func data(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Data
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Error.Code
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, call{method: "GET", path: "/wallets/me"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", errCode(t, rec))

	rec = e.do(t, call{method: "GET", path: "/wallets/me", token: "not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, call{method: "GET", path: "/healthz"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOrderFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "buyer", false, 1_000_000)
	e.addUser(t, "seller", false, 0)
	buyerTok := token(t, "buyer", false, false)
	sellerTok := token(t, "seller", false, false)

	rec := e.do(t, call{
		method: "POST", path: "/orders", token: buyerTok, idemKey: "order-key-1",
		body: map[string]any{"seller_id": "seller", "amount_minor": 500_000},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := data(t, rec)
	orderID := order["ID"].(string)
	invite := order["InviteToken"].(string)

	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/accept", token: sellerTok,
		body: map[string]any{"invite_token": invite},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/pay", token: buyerTok, idemKey: "pay-key-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/confirm-receipt", token: buyerTok, idemKey: "rel-key-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	w, err := e.wallets.Get(context.Background(), "seller")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(487_500), w.BalanceMinor)
}

func TestSellerRefundOverHTTP(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "buyer", false, 1_000_000)
	e.addUser(t, "seller", false, 0)
	buyerTok := token(t, "buyer", false, false)
	sellerTok := token(t, "seller", false, false)

	rec := e.do(t, call{
		method: "POST", path: "/orders", token: buyerTok, idemKey: "order-key-2",
		body: map[string]any{"seller_id": "seller", "amount_minor": 500_000},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := data(t, rec)
	orderID := order["ID"].(string)
	invite := order["InviteToken"].(string)

	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/accept", token: sellerTok,
		body: map[string]any{"invite_token": invite},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/pay", token: buyerTok, idemKey: "pay-key-2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Buyer cannot decline on the seller's behalf.
	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/refund", token: buyerTok, idemKey: "ref-key-buyer",
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = e.do(t, call{
		method: "POST", path: "/orders/" + orderID + "/refund", token: sellerTok, idemKey: "ref-key-2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "REFUNDED", data(t, rec)["Status"])

	w, err := e.wallets.Get(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1_000_000), w.BalanceMinor)
	assert.Equal(t, money.Amount(0), w.LockedMinor)
}

func TestIdempotencyReplay(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "buyer", false, 0)
	e.addUser(t, "seller", false, 0)
	tok := token(t, "buyer", false, false)
	body := map[string]any{"seller_id": "seller", "amount_minor": 250_000}

	first := e.do(t, call{method: "POST", path: "/orders", token: tok, idemKey: "same-key-1", body: body})
	require.Equal(t, http.StatusCreated, first.Code)

	second := e.do(t, call{method: "POST", path: "/orders", token: tok, idemKey: "same-key-1", body: body})
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replay"))
	assert.Equal(t, data(t, first)["ID"], data(t, second)["ID"])

	// Same key, different body.
	third := e.do(t, call{method: "POST", path: "/orders", token: tok, idemKey: "same-key-1",
		body: map[string]any{"seller_id": "seller", "amount_minor": 999_999}})
	assert.Equal(t, http.StatusConflict, third.Code)
	assert.Equal(t, "IDEMPOTENCY_KEY_REUSED", errCode(t, third))
}

func TestIdempotencyCachesClientErrors(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "buyer", false, 0)
	tok := token(t, "buyer", false, false)

	first := e.do(t, call{method: "POST", path: "/orders/no-such-order/pay", token: tok,
		idemKey: "missing-order-1"})
	require.Equal(t, http.StatusNotFound, first.Code)

	// The 4xx outcome is definitive and replays verbatim.
	second := e.do(t, call{method: "POST", path: "/orders/no-such-order/pay", token: tok,
		idemKey: "missing-order-1"})
	assert.Equal(t, http.StatusNotFound, second.Code)
	assert.Equal(t, "true", second.Header().Get("X-Idempotency-Replay"))
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestIdempotencyKeyRequired(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "buyer", false, 0)
	tok := token(t, "buyer", false, false)

	rec := e.do(t, call{method: "POST", path: "/orders", token: tok,
		body: map[string]any{"seller_id": "seller", "amount_minor": 100}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, call{method: "POST", path: "/orders", token: tok, idemKey: "x!",
		body: map[string]any{"seller_id": "seller", "amount_minor": 100}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminRoutesNeedMFA(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "user-1", false, 10_000_000)
	e.addUser(t, "admin-1", true, 0)
	require.NoError(t, e.db.CreateBankAccount(context.Background(), &relationaldb.BankAccount{
		ID: "bank-1", UserID: "user-1", BankCode: "BCA", AccountNumber: "1234567890",
		AccountName: "Account Holder", IsActive: true, CreatedAt: time.Now().UTC(),
	}))

	rec := e.do(t, call{method: "POST", path: "/withdrawals",
		token: token(t, "user-1", false, false), idemKey: "wd-key-1",
		body: map[string]any{"amount_minor": 1_000_000, "bank_account_id": "bank-1"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wdID := data(t, rec)["ID"].(string)

	noMFA := e.do(t, call{method: "POST", path: "/admin/withdrawals/" + wdID + "/approve",
		token: token(t, "admin-1", true, false)})
	assert.Equal(t, http.StatusForbidden, noMFA.Code)
	assert.Equal(t, "MFA_REQUIRED", errCode(t, noMFA))

	withMFA := e.do(t, call{method: "POST", path: "/admin/withdrawals/" + wdID + "/approve",
		token: token(t, "admin-1", true, true)})
	require.Equal(t, http.StatusOK, withMFA.Code, withMFA.Body.String())
	assert.Equal(t, string(relationaldb.WithdrawalApproved), data(t, withMFA)["Status"])
}

func TestValidationErrors(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "buyer", false, 0)
	tok := token(t, "buyer", false, false)

	rec := e.do(t, call{method: "POST", path: "/orders", token: tok, idemKey: "val-key-1",
		body: map[string]any{"seller_id": "seller", "amount_minor": -5}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, call{method: "POST", path: "/orders", token: tok, idemKey: "val-key-2",
		body: map[string]any{"unknown_field": true}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSignatureGate(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, call{method: "POST", path: "/webhooks/midtrans/notification",
		body: map[string]any{
			"order_id": "PAY-X", "status_code": "200", "gross_amount": "1000.00",
			"transaction_id": "tx-1", "transaction_status": "settlement", "signature_key": "bogus",
		}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errCode(t, rec))
}

func TestWalletsMe(t *testing.T) {
	e := newEnv(t)
	e.addUser(t, "user-1", false, 750_000)

	rec := e.do(t, call{method: "GET", path: "/wallets/me", token: token(t, "user-1", false, false)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(750_000), data(t, rec)["BalanceMinor"])
}
