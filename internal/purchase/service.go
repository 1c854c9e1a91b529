// Package purchase drives the purchase lifecycle: hosted checkout creation,
// the pending -> approved/rejected transition on payment notifications, and
// the single crediting of approved purchases through the ledger.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/vidcredit/internal/ledger"
)

// Payment states reported by the provider.
const (
	PaymentApproved = "approved"
	PaymentRejected = "rejected"
	PaymentPending  = "pending"
)

// ErrUnknownPaymentStatus is returned for a notification status outside the known set.
var ErrUnknownPaymentStatus = errors.New("unknown payment status")

// Notification is a validated payment notification.
// At least one of PaymentID and PurchaseID identifies the purchase.
type Notification struct {
	EventID    string
	PaymentID  string
	PurchaseID string
	Status     string
	// Charge is set when the provider reports what it collected; approvals
	// carrying one credit only if it matches the package price.
	Charge *Charge
}

// Charge is the amount a payment provider reports it collected.
type Charge struct {
	AmountCents int64
	Currency    string
	// PackageID is the package named at checkout, if the provider echoes it.
	PackageID string
}

// Resolution describes what a notification did.
type Resolution string

const (
	// ResolutionApplied means the purchase was credited by this notification.
	ResolutionApplied Resolution = "applied"
	// ResolutionAlreadyApplied means an earlier delivery credited it.
	ResolutionAlreadyApplied Resolution = "already_applied"
	// ResolutionRejected means the purchase moved to rejected.
	ResolutionRejected Resolution = "rejected"
	// ResolutionIgnored means the notification no longer affects state.
	ResolutionIgnored Resolution = "ignored"
)

// Checkout is a created hosted checkout.
type Checkout struct {
	PurchaseID    string `json:"purchase_id"`
	SessionID     string `json:"session_id"`
	URL           string `json:"url"`
	AmountCredits int64  `json:"amount_credits"`
}

// Config configures a Service.
type Config struct {
	Client     CheckoutClient
	Catalog    Catalog
	SuccessURL string
	CancelURL  string
	Logger     *slog.Logger
}

// Service handles purchases.
type Service struct {
	ledger *ledger.Ledger
	config Config
}

// NewService creates a purchase service over l.
func NewService(l *ledger.Ledger, config Config) *Service {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Service{ledger: l, config: config}
}

// CreateCheckout opens a hosted checkout for a credit package and records
// a pending purchase keyed by the provider session id.
func (s *Service) CreateCheckout(ctx context.Context, accountID, packageID string) (*Checkout, error) {
	if accountID == "" {
		return nil, ledger.ErrInvalidID
	}
	if s.config.Client == nil {
		return nil, fmt.Errorf("%w: checkout client not configured", ledger.ErrUnavailable)
	}
	pkg, err := s.config.Catalog.Get(packageID)
	if err != nil {
		return nil, err
	}

	err = s.ledger.Run(ctx, "get_account", func(tx ledger.Tx) error {
		_, err := tx.GetAccount(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}

	purchaseID := s.ledger.NewID()
	sess, err := s.config.Client.CreateCheckoutSession(&CheckoutSessionParams{
		PurchaseID: purchaseID,
		AccountID:  accountID,
		Package:    pkg,
		SuccessURL: s.config.SuccessURL,
		CancelURL:  s.config.CancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create checkout session: %w", ledger.ErrUnavailable, err)
	}

	now := s.ledger.Now()
	p := &ledger.Purchase{
		ID:                purchaseID,
		AccountID:         accountID,
		AmountCredits:     pkg.Credits,
		Status:            ledger.PurchasePending,
		ProviderPaymentID: sess.ID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = s.ledger.Run(ctx, "create_purchase", func(tx ledger.Tx) error {
		return tx.CreatePurchase(ctx, p)
	})
	if err != nil {
		s.config.Logger.ErrorContext(ctx, "checkout session created but purchase not recorded",
			slog.String("session_id", sess.ID),
			slog.String("purchase_id", purchaseID),
			slog.String("error", err.Error()))
		return nil, err
	}

	s.config.Logger.InfoContext(ctx, "checkout created",
		slog.String("purchase_id", purchaseID),
		slog.String("account_id", accountID),
		slog.String("package_id", pkg.ID),
		slog.Int64("credits", pkg.Credits))

	return &Checkout{PurchaseID: purchaseID, SessionID: sess.ID, URL: sess.URL, AmountCredits: pkg.Credits}, nil
}

// HandleNotification applies a payment notification.
//
// An approval moves pending -> approved and credits the purchase exactly once;
// duplicates resolve to ResolutionAlreadyApplied. A rejection moves
// pending -> rejected. Notifications that contradict a terminal state are
// logged and ignored.
func (s *Service) HandleNotification(ctx context.Context, n Notification) (Resolution, *ledger.Result, error) {
	switch n.Status {
	case PaymentApproved, PaymentRejected, PaymentPending:
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownPaymentStatus, n.Status)
	}

	p, err := s.lookup(ctx, n)
	if err != nil {
		return "", nil, err
	}

	logger := s.config.Logger.With(
		slog.String("event_id", n.EventID),
		slog.String("purchase_id", p.ID),
		slog.String("payment_status", n.Status))

	switch n.Status {
	case PaymentPending:
		logger.DebugContext(ctx, "payment still pending")
		return ResolutionIgnored, nil, nil

	case PaymentRejected:
		var moved bool
		var current ledger.PurchaseStatus
		err := s.ledger.Run(ctx, "reject_purchase", func(tx ledger.Tx) error {
			var err error
			moved, err = tx.TransitionPurchase(ctx, p.ID, ledger.PurchasePending, ledger.PurchaseRejected, s.ledger.Now())
			if err != nil || moved {
				return err
			}
			cur, err := tx.GetPurchase(ctx, p.ID)
			if err != nil {
				return err
			}
			current = cur.Status
			return nil
		})
		if err != nil {
			return "", nil, err
		}
		if moved {
			logger.InfoContext(ctx, "purchase rejected")
			return ResolutionRejected, nil, nil
		}
		if current == ledger.PurchaseApproved {
			logger.WarnContext(ctx, "rejection received for approved purchase, ignoring")
		}
		return ResolutionIgnored, nil, nil
	}

	if n.Charge != nil {
		if err := s.verifyCharge(p, *n.Charge); err != nil {
			logger.WarnContext(ctx, "charge does not match package price, not crediting",
				slog.Int64("amount_cents", n.Charge.AmountCents),
				slog.String("currency", n.Charge.Currency),
				slog.String("error", err.Error()))
			return "", nil, err
		}
	}

	var status ledger.PurchaseStatus
	err = s.ledger.Run(ctx, "approve_purchase", func(tx ledger.Tx) error {
		if _, err := tx.TransitionPurchase(ctx, p.ID, ledger.PurchasePending, ledger.PurchaseApproved, s.ledger.Now()); err != nil {
			return err
		}
		cur, err := tx.GetPurchase(ctx, p.ID)
		if err != nil {
			return err
		}
		status = cur.Status
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if status != ledger.PurchaseApproved {
		logger.WarnContext(ctx, "approval received for rejected purchase, ignoring")
		return ResolutionIgnored, nil, nil
	}

	res, err := s.ledger.ApplyPurchase(ctx, p.ID, p.AccountID, p.AmountCredits)
	if err != nil {
		return "", nil, err
	}
	if res.Outcome == ledger.OutcomeAlreadyApplied {
		return ResolutionAlreadyApplied, &res, nil
	}
	return ResolutionApplied, &res, nil
}

// Get returns a purchase by id.
func (s *Service) Get(ctx context.Context, purchaseID string) (*ledger.Purchase, error) {
	var p *ledger.Purchase
	err := s.ledger.Run(ctx, "get_purchase", func(tx ledger.Tx) error {
		var err error
		p, err = tx.GetPurchase(ctx, purchaseID)
		return err
	})
	return p, err
}

func (s *Service) lookup(ctx context.Context, n Notification) (*ledger.Purchase, error) {
	if n.PurchaseID == "" && n.PaymentID == "" {
		return nil, ledger.ErrInvalidID
	}
	var p *ledger.Purchase
	err := s.ledger.Run(ctx, "lookup_purchase", func(tx ledger.Tx) error {
		var err error
		if n.PurchaseID != "" {
			p, err = tx.GetPurchase(ctx, n.PurchaseID)
		} else {
			p, err = tx.GetPurchaseByPaymentID(ctx, n.PaymentID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if n.PurchaseID != "" && n.PaymentID != "" && p.ProviderPaymentID != n.PaymentID {
		return nil, fmt.Errorf("purchase %s: payment id %s: %w", p.ID, n.PaymentID, ledger.ErrOwnershipMismatch)
	}
	return p, nil
}

// verifyCharge checks a reported charge against the catalog price of the
// package the purchase was created for.
func (s *Service) verifyCharge(p *ledger.Purchase, c Charge) error {
	pkg, ok := s.packageFor(p.AmountCredits, c.PackageID)
	if !ok {
		return fmt.Errorf("purchase %s: no package for %d credits: %w", p.ID, p.AmountCredits, ledger.ErrAmountMismatch)
	}
	if pkg.Credits != p.AmountCredits || c.AmountCents != pkg.PriceCents || !strings.EqualFold(c.Currency, pkg.Currency) {
		return fmt.Errorf("purchase %s: charged %d %s for package %s priced %d %s: %w",
			p.ID, c.AmountCents, c.Currency, pkg.ID, pkg.PriceCents, pkg.Currency, ledger.ErrAmountMismatch)
	}
	return nil
}

// packageFor resolves the purchased package by id, or else by its unique
// credit amount.
func (s *Service) packageFor(credits int64, id string) (CreditPackage, bool) {
	if id != "" {
		pkg, err := s.config.Catalog.Get(id)
		return pkg, err == nil
	}
	var (
		found CreditPackage
		n     int
	)
	for _, pkg := range s.config.Catalog {
		if pkg.Credits == credits {
			found = pkg
			n++
		}
	}
	return found, n == 1
}
