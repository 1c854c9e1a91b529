package purchase

import (
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// CheckoutSessionParams describes a hosted checkout for one credit package.
type CheckoutSessionParams struct {
	PurchaseID string
	AccountID  string
	Package    CreditPackage
	SuccessURL string
	CancelURL  string
}

// CheckoutClient creates hosted checkout sessions with the payment provider.
type CheckoutClient interface {
	CreateCheckoutSession(params *CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeClient implements CheckoutClient using the Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// CreateCheckoutSession creates a payment-mode Checkout Session for a credit package.
// The purchase id travels as client reference and metadata so that payment
// notifications can be matched back even before the session id is stored.
func (c *StripeClient) CreateCheckoutSession(params *CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	metadata := map[string]string{
		"purchase_id": params.PurchaseID,
		"account_id":  params.AccountID,
		"package_id":  params.Package.ID,
	}

	sessionParams := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(params.PurchaseID),
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Package.Currency),
					UnitAmount: stripe.Int64(params.Package.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(params.Package.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}

	return session.New(sessionParams)
}
