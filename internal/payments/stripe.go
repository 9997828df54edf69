package payments

import (
	"context"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// intents is the subset of paymentintent.Client the processor uses.
type intents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeProcessor charges the payer's saved card with a PaymentIntent hold
// followed by an immediate capture. PayerID is the Stripe customer id.
type StripeProcessor struct {
	intents intents
}

func NewStripeProcessor(apiKey string) *StripeProcessor {
	return &StripeProcessor{intents: &paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: apiKey}}
}

func (s *StripeProcessor) ProcessPayment(ctx context.Context, req PaymentRequest) (Transaction, error) {
	tx := Transaction{BookingID: req.BookingID, Amount: req.Amount, Currency: req.Currency, Method: req.Method, Status: StatusFailed}
	id, err := s.Hold(ctx, req)
	if err != nil {
		return tx, err
	}
	tx.ID = id
	if err := s.Capture(ctx, id); err != nil {
		_ = s.Cancel(ctx, id)
		return tx, err
	}
	tx.Status = StatusCaptured
	tx.ProcessedAt = time.Now().UTC()
	return tx, nil
}

// Hold creates a confirmed PaymentIntent with capture_method=manual and
// returns its id.
func (s *StripeProcessor) Hold(ctx context.Context, req PaymentRequest) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.PayerID != "" {
		params.Customer = stripe.String(req.PayerID)
	}
	params.Context = ctx
	params.AddMetadata("booking_id", req.BookingID)
	params.SetIdempotencyKey("booking-" + req.BookingID)
	pi, err := s.intents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeProcessor) Capture(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(id, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeProcessor) Cancel(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(id, params)
	return err
}
