// Package escrow implements the order and escrow state machines. Funds move
// through the platform holding account: paying an order locks the buyer's
// balance against an active escrow, and every resolution path (release,
// refund, dispute split, timeout) settles the hold with one balanced
// journal.
package escrow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rekberid/rekberd/internal/core/errs"
	"github.com/rekberid/rekberd/internal/core/ledger"
	"github.com/rekberid/rekberd/internal/core/money"
	"github.com/rekberid/rekberd/internal/core/wallet"
	"github.com/rekberid/rekberd/internal/storage/relationaldb"
)

const (
	// FeeBasisPoints is the platform fee charged on release, in basis
	// points of the order amount.
	FeeBasisPoints = 250

	// DefaultHoldingDays is the auto-release window when the order does not
	// set one.
	DefaultHoldingDays = 3

	// InviteTTL is how long an order invite stays acceptable.
	InviteTTL = 72 * time.Hour
)

// orderTransitions is the legal order state machine.
var orderTransitions = map[relationaldb.OrderStatus]map[relationaldb.OrderStatus]bool{
	relationaldb.OrderPendingAccept: {
		relationaldb.OrderAccepted:  true,
		relationaldb.OrderCancelled: true,
	},
	relationaldb.OrderAccepted: {
		relationaldb.OrderPaid:      true,
		relationaldb.OrderCancelled: true,
	},
	relationaldb.OrderPaid: {
		relationaldb.OrderCompleted: true,
		relationaldb.OrderDisputed:  true,
		relationaldb.OrderRefunded:  true,
	},
	relationaldb.OrderDisputed: {
		relationaldb.OrderCompleted: true,
		relationaldb.OrderRefunded:  true,
	},
}

// escrowTransitions is the legal escrow state machine.
var escrowTransitions = map[relationaldb.EscrowStatus]map[relationaldb.EscrowStatus]bool{
	relationaldb.EscrowActive: {
		relationaldb.EscrowReleased: true,
		relationaldb.EscrowRefunded: true,
		relationaldb.EscrowDisputed: true,
	},
	relationaldb.EscrowDisputed: {
		relationaldb.EscrowAdjusted: true,
		relationaldb.EscrowRefunded: true,
		relationaldb.EscrowReleased: true,
	},
}

// Service drives orders, escrows and disputes.
type Service struct {
	db      relationaldb.Database
	wallets *wallet.Service
	log     *zap.Logger
}

// NewService creates the escrow service.
func NewService(db relationaldb.Database, wallets *wallet.Service, log *zap.Logger) *Service {
	return &Service{db: db, wallets: wallets, log: log.Named("escrow")}
}

// CreateOrderInput describes a new order.
type CreateOrderInput struct {
	BuyerID           string
	SellerID          string
	InitiatorID       string
	AmountMinor       money.Amount
	HoldingPeriodDays int
}

// PlatformFee is the release fee for an order amount.
func PlatformFee(amount money.Amount) money.Amount {
	return amount * FeeBasisPoints / 10_000
}

// CreateOrder opens an order in PENDING_ACCEPT with an invite token for the
// counterparty.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*relationaldb.Order, error) {
	if in.AmountMinor <= 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "order amount must be positive")
	}
	if in.BuyerID == in.SellerID {
		return nil, errs.Validation(errs.CodeInvalidAmount, "buyer and seller must differ")
	}
	role := relationaldb.RoleBuyer
	switch in.InitiatorID {
	case in.BuyerID:
	case in.SellerID:
		role = relationaldb.RoleSeller
	default:
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "initiator must be a party to the order")
	}
	if err := s.requireActiveUser(ctx, in.InitiatorID); err != nil {
		return nil, err
	}

	days := in.HoldingPeriodDays
	if days <= 0 {
		days = DefaultHoldingDays
	}
	now := time.Now().UTC()
	expires := now.Add(InviteTTL)
	order := &relationaldb.Order{
		ID:                uuid.NewString(),
		BuyerID:           in.BuyerID,
		SellerID:          in.SellerID,
		InitiatorID:       in.InitiatorID,
		InitiatorRole:     role,
		AmountMinor:       in.AmountMinor,
		PlatformFeeMinor:  PlatformFee(in.AmountMinor),
		FeePayer:          relationaldb.RoleSeller,
		HoldingPeriodDays: days,
		InviteToken:       newInviteToken(),
		InviteExpiresAt:   &expires,
		Status:            relationaldb.OrderPendingAccept,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.db.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("amount_minor", int64(order.AmountMinor)),
		zap.String("initiator_role", string(role)))
	return order, nil
}

func newInviteToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GetOrder returns an order visible to the given user.
func (s *Service) GetOrder(ctx context.Context, orderID, userID string) (*relationaldb.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.NotFound(errs.CodeOrderNotFound, "order not found")
	}
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	isAdmin := user != nil && user.IsAdmin
	if order.BuyerID != userID && order.SellerID != userID && !isAdmin {
		return nil, errs.NotFound(errs.CodeOrderNotFound, "order not found")
	}
	return order, nil
}

// AcceptOrder binds the counterparty via the invite token.
func (s *Service) AcceptOrder(ctx context.Context, orderID, token, userID string) (*relationaldb.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.NotFound(errs.CodeOrderNotFound, "order not found")
	}
	if err := checkOrderTransition(order.Status, relationaldb.OrderAccepted); err != nil {
		return nil, err
	}
	if order.InviteToken != token {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "invalid invite token")
	}
	now := time.Now().UTC()
	if order.InviteExpiresAt != nil && now.After(*order.InviteExpiresAt) {
		return nil, errs.Validation(errs.CodeInvalidStateTransition, "invite has expired")
	}
	counterparty := order.SellerID
	if order.InitiatorRole == relationaldb.RoleSeller {
		counterparty = order.BuyerID
	}
	if userID != counterparty {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "only the invited counterparty can accept")
	}
	if err := s.requireActiveUser(ctx, userID); err != nil {
		return nil, err
	}

	order.Status = relationaldb.OrderAccepted
	order.AcceptedAt = &now
	if err := s.db.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// CancelOrder closes an unfunded order. Either party may cancel before
// payment.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*relationaldb.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.NotFound(errs.CodeOrderNotFound, "order not found")
	}
	if userID != order.BuyerID && userID != order.SellerID {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "only a party can cancel the order")
	}
	if err := checkOrderTransition(order.Status, relationaldb.OrderCancelled); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	order.Status = relationaldb.OrderCancelled
	order.CancelledAt = &now
	if err := s.db.UpdateOrder(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// PayOrder funds the escrow from the buyer's wallet: the amount is locked,
// the hold journal moves it to the platform holding account, and the escrow
// goes ACTIVE with its auto-release deadline.
func (s *Service) PayOrder(ctx context.Context, orderID, userID string) (*relationaldb.EscrowHold, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, errs.NotFound(errs.CodeOrderNotFound, "order not found")
	}
	if userID != order.BuyerID {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "only the buyer can pay the order")
	}
	// Paying twice is idempotent: the existing hold is returned unchanged.
	if order.Status == relationaldb.OrderPaid {
		hold, err := s.db.GetEscrowByOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if hold != nil {
			return hold, nil
		}
	}
	if err := checkOrderTransition(order.Status, relationaldb.OrderPaid); err != nil {
		return nil, err
	}
	if err := s.requireActiveUser(ctx, userID); err != nil {
		return nil, err
	}

	buyerWallet, err := s.wallets.Get(ctx, order.BuyerID)
	if err != nil {
		return nil, err
	}
	sellerWallet, err := s.wallets.Get(ctx, order.SellerID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	releaseAt := now.Add(time.Duration(order.HoldingPeriodDays) * 24 * time.Hour)
	hold := &relationaldb.EscrowHold{
		ID:             uuid.NewString(),
		OrderID:        order.ID,
		BuyerWalletID:  buyerWallet.ID,
		SellerWalletID: sellerWallet.ID,
		AmountMinor:    order.AmountMinor,
		Status:         relationaldb.EscrowActive,
		TimeoutAt:      releaseAt,
		CreatedAt:      now,
	}

	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			return checkOrderTransition(fresh.Status, relationaldb.OrderPaid)
		},
		Deltas: []wallet.Delta{{UserID: order.BuyerID, Locked: order.AmountMinor}},
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			return s.holdJournal(ctx, store, order, hold)
		},
		Post: func(ctx context.Context, store relationaldb.Store, journal *relationaldb.LedgerJournal) error {
			if err := store.CreateEscrow(ctx, hold); err != nil {
				return err
			}
			fresh, err := store.GetOrder(ctx, order.ID)
			if err != nil {
				return err
			}
			fresh.Status = relationaldb.OrderPaid
			fresh.PaidAt = &now
			fresh.AutoReleaseAt = &releaseAt
			return store.UpdateOrder(ctx, fresh)
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow funded",
		zap.String("order_id", order.ID),
		zap.String("escrow_id", hold.ID),
		zap.Int64("amount_minor", int64(hold.AmountMinor)),
		zap.Time("auto_release_at", releaseAt))
	return hold, nil
}

func (s *Service) holdJournal(ctx context.Context, store relationaldb.Store, order *relationaldb.Order, hold *relationaldb.EscrowHold) (ledger.JournalRequest, error) {
	buyerAcc, err := store.GetOrCreateWalletAccount(ctx, hold.BuyerWalletID, ledger.DefaultCurrency)
	if err != nil {
		return ledger.JournalRequest{}, err
	}
	holding, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformEscrowHolding, relationaldb.AccountEscrowHolding, ledger.DefaultCurrency)
	if err != nil {
		return ledger.JournalRequest{}, err
	}
	return ledger.JournalRequest{
		Type:           relationaldb.JournalEscrowHold,
		Amount:         hold.AmountMinor,
		Description:    "escrow hold for order " + order.ID,
		IdempotencyKey: "escrow_hold:" + order.ID,
		OrderID:        &order.ID,
		EscrowID:       &hold.ID,
		Legs: []ledger.Leg{
			{AccountID: buyerAcc.ID, Amount: -hold.AmountMinor},
			{AccountID: holding.ID, Amount: hold.AmountMinor},
		},
	}, nil
}

// Release settles the escrow to the seller, net of the platform fee. The
// buyer confirms delivery; admins and the timeout task may also release.
func (s *Service) Release(ctx context.Context, orderID, actorID string, system bool) (*relationaldb.Order, error) {
	order, hold, err := s.loadFunded(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !system {
		if err := s.requireBuyerOrAdmin(ctx, order, actorID, "only the buyer can release the escrow"); err != nil {
			return nil, err
		}
	}
	if err := checkEscrowTransition(hold.Status, relationaldb.EscrowReleased); err != nil {
		return nil, err
	}
	if err := checkOrderTransition(order.Status, relationaldb.OrderCompleted); err != nil {
		return nil, err
	}

	fee := order.PlatformFeeMinor
	sellerNet, err := hold.AmountMinor.Sub(fee)
	if err != nil || sellerNet <= 0 {
		return nil, errs.Integrity(errs.CodeLedgerInvariant, "platform fee exceeds escrow amount", err)
	}
	now := time.Now().UTC()

	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetEscrow(ctx, hold.ID)
			if err != nil {
				return err
			}
			return checkEscrowTransition(fresh.Status, relationaldb.EscrowReleased)
		},
		Deltas: []wallet.Delta{
			{UserID: order.BuyerID, Balance: -hold.AmountMinor, Locked: -hold.AmountMinor},
			{UserID: order.SellerID, Balance: sellerNet},
		},
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			sellerAcc, err := store.GetOrCreateWalletAccount(ctx, hold.SellerWalletID, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			holding, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformEscrowHolding, relationaldb.AccountEscrowHolding, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			fees, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformFees, relationaldb.AccountPlatformFees, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			legs := []ledger.Leg{
				{AccountID: holding.ID, Amount: -hold.AmountMinor},
				{AccountID: sellerAcc.ID, Amount: sellerNet},
			}
			if fee > 0 {
				legs = append(legs, ledger.Leg{AccountID: fees.ID, Amount: fee})
			}
			return ledger.JournalRequest{
				Type:           relationaldb.JournalEscrowRelease,
				Amount:         hold.AmountMinor,
				Description:    "escrow release for order " + order.ID,
				IdempotencyKey: "escrow_release:" + hold.ID,
				OrderID:        &order.ID,
				EscrowID:       &hold.ID,
				Legs:           legs,
			}, nil
		},
		Post: func(ctx context.Context, store relationaldb.Store, journal *relationaldb.LedgerJournal) error {
			return s.settle(ctx, store, order.ID, hold.ID,
				relationaldb.EscrowReleased, relationaldb.OrderCompleted, now)
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow released",
		zap.String("order_id", order.ID),
		zap.String("escrow_id", hold.ID),
		zap.Int64("seller_net_minor", int64(sellerNet)),
		zap.Int64("fee_minor", int64(fee)),
		zap.Bool("system", system))
	return s.db.GetOrder(ctx, order.ID)
}

// Refund returns the full escrow to the buyer. The seller concedes, or an
// admin intervenes.
func (s *Service) Refund(ctx context.Context, orderID, actorID string) (*relationaldb.Order, error) {
	order, hold, err := s.loadFunded(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.requireSellerOrAdmin(ctx, order, actorID, "only the seller can refund the escrow"); err != nil {
		return nil, err
	}
	if err := checkEscrowTransition(hold.Status, relationaldb.EscrowRefunded); err != nil {
		return nil, err
	}
	if err := checkOrderTransition(order.Status, relationaldb.OrderRefunded); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetEscrow(ctx, hold.ID)
			if err != nil {
				return err
			}
			return checkEscrowTransition(fresh.Status, relationaldb.EscrowRefunded)
		},
		Deltas: []wallet.Delta{{UserID: order.BuyerID, Locked: -hold.AmountMinor}},
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			buyerAcc, err := store.GetOrCreateWalletAccount(ctx, hold.BuyerWalletID, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			holding, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformEscrowHolding, relationaldb.AccountEscrowHolding, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			return ledger.JournalRequest{
				Type:           relationaldb.JournalEscrowRefund,
				Amount:         hold.AmountMinor,
				Description:    "escrow refund for order " + order.ID,
				IdempotencyKey: "escrow_refund:" + hold.ID,
				OrderID:        &order.ID,
				EscrowID:       &hold.ID,
				Legs: []ledger.Leg{
					{AccountID: holding.ID, Amount: -hold.AmountMinor},
					{AccountID: buyerAcc.ID, Amount: hold.AmountMinor},
				},
			}, nil
		},
		Post: func(ctx context.Context, store relationaldb.Store, journal *relationaldb.LedgerJournal) error {
			return s.settle(ctx, store, order.ID, hold.ID,
				relationaldb.EscrowRefunded, relationaldb.OrderRefunded, now)
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("escrow refunded",
		zap.String("order_id", order.ID),
		zap.String("escrow_id", hold.ID),
		zap.Int64("amount_minor", int64(hold.AmountMinor)))
	return s.db.GetOrder(ctx, order.ID)
}

// OpenDispute freezes the escrow pending arbitration. Either party may
// dispute a paid order.
func (s *Service) OpenDispute(ctx context.Context, orderID, actorID, reason string) (*relationaldb.Dispute, error) {
	order, hold, err := s.loadFunded(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actorID != order.BuyerID && actorID != order.SellerID {
		return nil, errs.Authorization(errs.CodeUnauthorizedTransition, "only a party can open a dispute")
	}
	if err := checkEscrowTransition(hold.Status, relationaldb.EscrowDisputed); err != nil {
		return nil, err
	}
	if err := checkOrderTransition(order.Status, relationaldb.OrderDisputed); err != nil {
		return nil, err
	}
	if err := s.requireActiveUser(ctx, actorID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dispute := &relationaldb.Dispute{
		ID:        uuid.NewString(),
		EscrowID:  hold.ID,
		OrderID:   order.ID,
		OpenedBy:  actorID,
		Reason:    reason,
		Status:    relationaldb.DisputeOpen,
		CreatedAt: now,
	}
	err = s.db.WithinTx(ctx, func(store relationaldb.Store) error {
		if err := store.CreateDispute(ctx, dispute); err != nil {
			return err
		}
		hold.Status = relationaldb.EscrowDisputed
		if err := store.UpdateEscrow(ctx, hold); err != nil {
			return err
		}
		order.Status = relationaldb.OrderDisputed
		order.DisputedAt = &now
		return store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("dispute opened",
		zap.String("order_id", order.ID),
		zap.String("dispute_id", dispute.ID),
		zap.String("opened_by", actorID))
	return dispute, nil
}

// ResolveDispute splits the disputed escrow between buyer, seller and
// platform fee. The three distributions must sum to the escrow amount.
func (s *Service) ResolveDispute(ctx context.Context, orderID, adminID string, buyerRefund, sellerAmount, platformFee money.Amount, notes string) (*relationaldb.Order, error) {
	order, hold, err := s.loadFunded(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if err := checkEscrowTransition(hold.Status, relationaldb.EscrowAdjusted); err != nil {
		return nil, err
	}
	dispute, err := s.db.GetDisputeByEscrow(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	if dispute == nil || dispute.Status != relationaldb.DisputeOpen {
		return nil, errs.Validation(errs.CodeInvalidStateTransition, "no open dispute on this escrow")
	}
	if buyerRefund < 0 || sellerAmount < 0 || platformFee < 0 {
		return nil, errs.Validation(errs.CodeInvalidAmount, "distributions cannot be negative")
	}
	if buyerRefund+sellerAmount+platformFee != hold.AmountMinor {
		return nil, errs.Validation(errs.CodeInvalidAmount, "distributions must sum to the escrow amount").
			WithDetail("escrow_minor", int64(hold.AmountMinor)).
			WithDetail("distributed_minor", int64(buyerRefund+sellerAmount+platformFee))
	}

	finalOrder := relationaldb.OrderCompleted
	if sellerAmount == 0 {
		finalOrder = relationaldb.OrderRefunded
	}
	now := time.Now().UTC()

	deltas := []wallet.Delta{{
		UserID:  order.BuyerID,
		Balance: -(hold.AmountMinor - buyerRefund),
		Locked:  -hold.AmountMinor,
	}}
	if sellerAmount > 0 {
		deltas = append(deltas, wallet.Delta{UserID: order.SellerID, Balance: sellerAmount})
	}

	_, err = s.wallets.Apply(ctx, wallet.Mutation{
		Pre: func(ctx context.Context, store relationaldb.Store) error {
			fresh, err := store.GetEscrow(ctx, hold.ID)
			if err != nil {
				return err
			}
			return checkEscrowTransition(fresh.Status, relationaldb.EscrowAdjusted)
		},
		Deltas: deltas,
		Journal: func(ctx context.Context, store relationaldb.Store) (ledger.JournalRequest, error) {
			buyerAcc, err := store.GetOrCreateWalletAccount(ctx, hold.BuyerWalletID, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			sellerAcc, err := store.GetOrCreateWalletAccount(ctx, hold.SellerWalletID, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			holding, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformEscrowHolding, relationaldb.AccountEscrowHolding, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			fees, err := store.GetOrCreatePlatformAccount(ctx, relationaldb.PlatformFees, relationaldb.AccountPlatformFees, ledger.DefaultCurrency)
			if err != nil {
				return ledger.JournalRequest{}, err
			}
			legs := []ledger.Leg{{AccountID: holding.ID, Amount: -hold.AmountMinor}}
			if buyerRefund > 0 {
				legs = append(legs, ledger.Leg{AccountID: buyerAcc.ID, Amount: buyerRefund})
			}
			if sellerAmount > 0 {
				legs = append(legs, ledger.Leg{AccountID: sellerAcc.ID, Amount: sellerAmount})
			}
			if platformFee > 0 {
				legs = append(legs, ledger.Leg{AccountID: fees.ID, Amount: platformFee})
			}
			return ledger.JournalRequest{
				Type:           relationaldb.JournalDisputeResolution,
				Amount:         hold.AmountMinor,
				Description:    "dispute resolution for order " + order.ID,
				IdempotencyKey: "dispute_resolution:" + dispute.ID,
				OrderID:        &order.ID,
				EscrowID:       &hold.ID,
				DisputeID:      &dispute.ID,
				Legs:           legs,
			}, nil
		},
		Post: func(ctx context.Context, store relationaldb.Store, journal *relationaldb.LedgerJournal) error {
			if err := s.settle(ctx, store, order.ID, hold.ID,
				relationaldb.EscrowAdjusted, finalOrder, now); err != nil {
				return err
			}
			dispute.Status = relationaldb.DisputeClosed
			dispute.Resolution = "SPLIT"
			dispute.Notes = notes
			dispute.ResolvedBy = &adminID
			dispute.ResolvedAt = &now
			return store.UpdateDispute(ctx, dispute)
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("dispute resolved",
		zap.String("order_id", order.ID),
		zap.String("dispute_id", dispute.ID),
		zap.Int64("buyer_refund_minor", int64(buyerRefund)),
		zap.Int64("seller_minor", int64(sellerAmount)),
		zap.Int64("fee_minor", int64(platformFee)))
	return s.db.GetOrder(ctx, order.ID)
}

// ReleaseExpired auto-releases escrows whose holding period has lapsed.
// Returns the number released.
func (s *Service) ReleaseExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.db.ListExpiredActiveEscrows(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, hold := range expired {
		if _, err := s.Release(ctx, hold.OrderID, "", true); err != nil {
			s.log.Warn("auto-release failed",
				zap.String("escrow_id", hold.ID),
				zap.String("order_id", hold.OrderID),
				zap.Error(err))
			continue
		}
		released++
	}
	return released, nil
}

// settle moves the escrow and order into their terminal states inside the
// money-moving transaction.
func (s *Service) settle(ctx context.Context, store relationaldb.Store, orderID, escrowID string, escrowStatus relationaldb.EscrowStatus, orderStatus relationaldb.OrderStatus, now time.Time) error {
	hold, err := store.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	hold.Status = escrowStatus
	hold.ResolvedAt = &now
	if err := store.UpdateEscrow(ctx, hold); err != nil {
		return err
	}
	order, err := store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	order.Status = orderStatus
	switch orderStatus {
	case relationaldb.OrderCompleted:
		order.CompletedAt = &now
	case relationaldb.OrderRefunded:
		order.RefundedAt = &now
	}
	return store.UpdateOrder(ctx, order)
}

func (s *Service) loadFunded(ctx context.Context, orderID string) (*relationaldb.Order, *relationaldb.EscrowHold, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order == nil {
		return nil, nil, errs.NotFound(errs.CodeOrderNotFound, "order not found")
	}
	hold, err := s.db.GetEscrowByOrder(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if hold == nil {
		return nil, nil, errs.NotFound(errs.CodeEscrowNotFound, "order has no escrow")
	}
	return order, hold, nil
}

func (s *Service) requireActiveUser(ctx context.Context, userID string) error {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || user.DeletedAt != nil {
		return errs.Authorization(errs.CodeUnauthorizedTransition, "unknown user")
	}
	if user.Suspended(time.Now().UTC()) {
		return errs.Authorization(errs.CodeUserSuspended, "user is suspended")
	}
	return nil
}

func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	user, err := s.db.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsAdmin {
		return errs.Authorization(errs.CodeUnauthorizedTransition, "admin privileges required")
	}
	return nil
}

func (s *Service) requireBuyerOrAdmin(ctx context.Context, order *relationaldb.Order, actorID, msg string) error {
	if actorID == order.BuyerID {
		return s.requireActiveUser(ctx, actorID)
	}
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return errs.Authorization(errs.CodeUnauthorizedTransition, msg)
	}
	return nil
}

func (s *Service) requireSellerOrAdmin(ctx context.Context, order *relationaldb.Order, actorID, msg string) error {
	if actorID == order.SellerID {
		return s.requireActiveUser(ctx, actorID)
	}
	if err := s.requireAdmin(ctx, actorID); err != nil {
		return errs.Authorization(errs.CodeUnauthorizedTransition, msg)
	}
	return nil
}

func checkOrderTransition(from, to relationaldb.OrderStatus) error {
	if orderTransitions[from][to] {
		return nil
	}
	return errs.Validation(errs.CodeInvalidStateTransition, "order cannot move from "+string(from)+" to "+string(to)).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}

func checkEscrowTransition(from, to relationaldb.EscrowStatus) error {
	if escrowTransitions[from][to] {
		return nil
	}
	return errs.Validation(errs.CodeInvalidStateTransition, "escrow cannot move from "+string(from)+" to "+string(to)).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
}
