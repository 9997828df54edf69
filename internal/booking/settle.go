package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

type CompleteInput struct {
	// ActualDistanceMeters defaults to the pickup-dropoff distance.
	ActualDistanceMeters float64 `json:"actual_distance_meters,omitempty"`
	// FinalPrice overrides the computed fare, minor units.
	FinalPrice *int64 `json:"final_price,omitempty"`
}

// Complete finishes the trip. Pricing, the commission split, the provider's
// earnings and availability are committed together; payment capture runs
// once afterwards and its outcome is recorded on the booking.
func (c *Controller) Complete(ctx context.Context, bookingID, providerID string, in CompleteInput) (*models.Booking, error) {
	if in.FinalPrice != nil && *in.FinalPrice < 0 {
		return nil, models.Validationf("final price must not be negative")
	}
	if in.ActualDistanceMeters < 0 {
		return nil, models.Validationf("actual distance must not be negative")
	}
	b, err := c.advance(ctx, bookingID, providerID, models.StatusCompleted, func(ctx context.Context, tx storage.Store, b *models.Booking) error {
		dist := in.ActualDistanceMeters
		if dist == 0 {
			dist = geo.Distance(b.Pickup, b.Dropoff)
		}
		b.ActualDistanceMeters = dist
		if in.FinalPrice != nil {
			b.FinalPrice = *in.FinalPrice
		} else {
			b.FinalPrice = c.Pricing.Fare(b.ServiceType, dist, b.SurgeMultiplier) + b.InterRegionalFee
		}
		b.PlatformCommission, b.ProviderEarning = c.Pricing.Split(b.ServiceType, b.FinalPrice)
		if err := tx.AccrueEarnings(ctx, b.ProviderID, b.ProviderEarning); err != nil {
			return err
		}
		if err := tx.SetProviderAvailable(ctx, b.ProviderID, true); err != nil && !errors.Is(err, models.ErrConflict) {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log := c.Logger.With("booking_id", b.ID, "provider_id", b.ProviderID)
	log.Info("trip completed", "final_price", b.FinalPrice, "commission", b.PlatformCommission, "earning", b.ProviderEarning)

	if c.Payments != nil {
		tx, perr := c.Payments.ProcessPayment(ctx, payments.PaymentRequest{
			PayerID:   b.RequesterID,
			BookingID: b.ID,
			Amount:    b.FinalPrice,
			Currency:  b.Currency,
			Method:    b.PaymentMethod,
		})
		if perr != nil {
			observability.PaymentFailuresTotal.Inc()
			log.Error("payment capture failed", "error", perr)
			tx.Status = payments.StatusFailed
		}
		if err := c.recordPayment(ctx, b, tx); err != nil {
			log.Error("recording payment result failed", "payment_tx_id", tx.ID, "error", err)
		}
	}

	c.notifyRequester(ctx, b.RequesterID, models.Notification{
		Kind:      models.NotifyTripCompleted,
		BookingID: b.ID,
		Title:     "Trip completed",
		Data:      map[string]any{"final_price": b.FinalPrice, "currency": b.Currency, "payment_status": b.PaymentStatus},
	})
	c.publish(ctx, events.BookingCompleted, b, map[string]any{
		"final_price":         b.FinalPrice,
		"platform_commission": b.PlatformCommission,
		"provider_earning":    b.ProviderEarning,
		"payment_status":      b.PaymentStatus,
	})
	return b, nil
}

// recordPayment writes only the payment fields; status stays COMPLETED.
func (c *Controller) recordPayment(ctx context.Context, b *models.Booking, tx payments.Transaction) error {
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := c.Store.GetBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.PaymentTxID = tx.ID
		cur.PaymentStatus = tx.Status
		err = c.Store.UpdateBooking(ctx, cur)
		if err == nil {
			*b = *cur
			return nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return err
		}
	}
	return models.ErrVersionConflict
}

// Actor identifies who cancels a booking.
type Actor struct {
	Role string `json:"role"` // "requester" or "operator"
	ID   string `json:"id"`
}

const (
	ActorRequester = "requester"
	ActorOperator  = "operator"
)

// Cancel ends a PENDING or DRIVER_ASSIGNED booking. A held provider is
// released and outstanding offers and the round timer are dropped.
func (c *Controller) Cancel(ctx context.Context, bookingID string, by Actor, reason string) (*models.Booking, error) {
	if by.Role != ActorRequester && by.Role != ActorOperator {
		return nil, models.Validationf("unknown actor role %q", by.Role)
	}
	var b *models.Booking
	err := c.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if by.Role == ActorRequester && cur.RequesterID != by.ID {
			return fmt.Errorf("%w: only the requester may cancel", models.ErrConflict)
		}
		if !models.CanTransition(cur.Status, models.StatusCancelled) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, cur.Status, models.StatusCancelled)
		}
		if cur.ProviderID != "" {
			if err := tx.SetProviderAvailable(ctx, cur.ProviderID, true); err != nil && !errors.Is(err, models.ErrConflict) {
				return err
			}
		}
		if err := expireOffers(ctx, tx, bookingID); err != nil {
			return err
		}
		cur.MarkStatus(models.StatusCancelled, c.now())
		cur.CancelReason = reason
		cur.CancelledBy = by.Role + ":" + by.ID
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Matcher.CancelTimer(bookingID)
	c.Logger.Info("booking cancelled", "booking_id", b.ID, "cancelled_by", b.CancelledBy)
	n := models.Notification{
		Kind:      models.NotifyBookingCancelled,
		BookingID: b.ID,
		Title:     "Booking cancelled",
		Data:      map[string]any{"reason": reason, "cancelled_by": by.Role},
	}
	c.notifyProvider(ctx, b.ProviderID, n)
	if by.Role == ActorOperator {
		c.notifyRequester(ctx, b.RequesterID, n)
	}
	c.publish(ctx, events.BookingCancelled, b, map[string]any{"reason": reason})
	return b, nil
}

// NoProviderAvailable moves a PENDING booking to its terminal no-match state
// and tells the requester. The matching engine calls it once escalation is
// exhausted.
func (c *Controller) NoProviderAvailable(ctx context.Context, bookingID string) error {
	var b *models.Booking
	err := c.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if !models.CanTransition(cur.Status, models.StatusNoDriverAvailable) {
			return models.ErrBookingUnavailable
		}
		if err := expireOffers(ctx, tx, bookingID); err != nil {
			return err
		}
		cur.MarkStatus(models.StatusNoDriverAvailable, c.now())
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return err
	}
	c.Matcher.CancelTimer(bookingID)
	c.Logger.Info("no provider available", "booking_id", b.ID, "rounds", b.DispatchRound)
	c.notifyRequester(ctx, b.RequesterID, models.Notification{
		Kind:      models.NotifyNoProvider,
		BookingID: b.ID,
		Title:     "No provider available",
		Data:      map[string]any{"service_type": b.ServiceType},
	})
	c.publish(ctx, events.BookingNoProvider, b, map[string]any{"rounds": b.DispatchRound})
	return nil
}
