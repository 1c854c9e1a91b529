package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/vidcredit/internal/eventlog"
	"github.com/onnwee/vidcredit/internal/purchase"
)

// Stripe event types that move a purchase.
const (
	StripeCheckoutCompleted     = "checkout.session.completed"
	StripeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	StripeAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	StripeCheckoutExpired       = "checkout.session.expired"
)

// StripeNotification maps a verified Stripe event to a payment notification.
// ok is false for event types that have no effect on purchases.
func StripeNotification(event stripe.Event) (n purchase.Notification, ok bool, err error) {
	var status string
	switch event.Type {
	case StripeCheckoutCompleted:
		status = purchase.PaymentApproved
	case StripeAsyncPaymentSucceeded:
		status = purchase.PaymentApproved
	case StripeAsyncPaymentFailed, StripeCheckoutExpired:
		status = purchase.PaymentRejected
	default:
		return purchase.Notification{}, false, nil
	}
	if event.ID == "" || event.Data == nil {
		return purchase.Notification{}, false, fmt.Errorf("%w: stripe event without id or data", ErrMalformedPayload)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return purchase.Notification{}, false, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
	}
	if session.ID == "" {
		return purchase.Notification{}, false, fmt.Errorf("%w: checkout session without id", ErrMalformedPayload)
	}
	// Delayed payment methods complete the session before the money arrives.
	if event.Type == StripeCheckoutCompleted && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		status = purchase.PaymentPending
	}

	purchaseID := session.ClientReferenceID
	if purchaseID == "" {
		purchaseID = session.Metadata["purchase_id"]
	}
	n = purchase.Notification{
		EventID:    event.ID,
		PaymentID:  session.ID,
		PurchaseID: purchaseID,
		Status:     status,
	}
	if status == purchase.PaymentApproved {
		n.Charge = &purchase.Charge{
			AmountCents: session.AmountTotal,
			Currency:    string(session.Currency),
			PackageID:   session.Metadata["package_id"],
		}
	}
	return n, true, nil
}

// HandleStripe records and applies a Stripe event whose signature the caller
// has already verified. body is the raw request body.
func (p *Processor) HandleStripe(ctx context.Context, event stripe.Event, body []byte) (*Receipt, error) {
	if _, _, err := StripeNotification(event); err != nil {
		p.metrics.event(eventlog.ProviderStripe, "malformed")
		return nil, err
	}
	if event.ID == "" {
		p.metrics.event(eventlog.ProviderStripe, "malformed")
		return nil, fmt.Errorf("%w: stripe event without id", ErrMalformedPayload)
	}
	return p.ingest(ctx, eventlog.ProviderStripe, event.ID, body)
}

func (p *Processor) applyStripe(ctx context.Context, body []byte) (Status, string, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return StatusIgnored, "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	n, ok, err := StripeNotification(event)
	if err != nil {
		return StatusIgnored, "", err
	}
	if !ok {
		p.logger.InfoContext(ctx, "ignoring unhandled stripe event type",
			slog.String("event_type", string(event.Type)),
			slog.String("event_id", event.ID))
		return StatusIgnored, "event type " + string(event.Type), nil
	}
	return p.applyNotification(ctx, n)
}
