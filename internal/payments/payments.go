// Package payments captures trip payments at completion.
package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// PaymentRequest amounts are in minor currency units.
type PaymentRequest struct {
	PayerID   string               `json:"payer_id"`
	BookingID string               `json:"booking_id"`
	Amount    int64                `json:"amount"`
	Currency  string               `json:"currency"`
	Method    models.PaymentMethod `json:"method"`
}

const (
	StatusCaptured          = "captured"
	StatusPendingCollection = "pending_collection"
	StatusFailed            = "failed"
)

type Transaction struct {
	ID          string               `json:"id"`
	BookingID   string               `json:"booking_id"`
	Amount      int64                `json:"amount"`
	Currency    string               `json:"currency"`
	Method      models.PaymentMethod `json:"method"`
	Status      string               `json:"status"`
	ProcessedAt time.Time            `json:"processed_at"`
}

// Processor is invoked once per completed booking; it does not retry.
type Processor interface {
	ProcessPayment(ctx context.Context, req PaymentRequest) (Transaction, error)
}

// Cash records the fare as owed to the provider in person.
type Cash struct{}

func (Cash) ProcessPayment(_ context.Context, req PaymentRequest) (Transaction, error) {
	return Transaction{
		ID:          "cash_" + uuid.NewString(),
		BookingID:   req.BookingID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      req.Method,
		Status:      StatusPendingCollection,
		ProcessedAt: time.Now().UTC(),
	}, nil
}

// ByMethod routes a request to the processor registered for its method.
type ByMethod map[models.PaymentMethod]Processor

func (m ByMethod) ProcessPayment(ctx context.Context, req PaymentRequest) (Transaction, error) {
	p, ok := m[req.Method]
	if !ok || p == nil {
		return Transaction{}, models.Validationf("unsupported payment method %q", req.Method)
	}
	if req.Amount < 0 {
		return Transaction{}, models.Validationf("negative amount %d", req.Amount)
	}
	tx, err := p.ProcessPayment(ctx, req)
	if err != nil {
		return tx, fmt.Errorf("%s payment: %w", req.Method, err)
	}
	return tx, nil
}
