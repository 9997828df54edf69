package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Accept assigns the booking to providerID. Of two concurrent accepts for
// the same booking exactly one succeeds; the other gets
// models.ErrBookingUnavailable.
func (c *Controller) Accept(ctx context.Context, bookingID, providerID string) (*models.Booking, error) {
	// ETA may hit a remote router, so it is computed before the transaction.
	pre, err := c.Store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	snapshot, err := c.Store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	etaMinutes := 0
	if pre.Loc != nil {
		etaMinutes = c.eta(ctx, *pre.Loc, snapshot.Pickup)
	}

	var b *models.Booking
	err = c.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending {
			return models.ErrBookingUnavailable
		}
		p, err := tx.GetProvider(ctx, providerID)
		if err != nil {
			return err
		}
		if !p.Online || !p.Verified || p.Suspended {
			return fmt.Errorf("%w: provider %s is not eligible for work", models.ErrConflict, providerID)
		}
		if cur.Type == models.BookingImmediate && c.AcceptRadiusMeters > 0 {
			if p.Loc == nil {
				return fmt.Errorf("%w: provider location unknown", models.ErrConflict)
			}
			if d := geo.Distance(*p.Loc, cur.Pickup); d > c.AcceptRadiusMeters {
				return fmt.Errorf("%w: provider is %.0f m from pickup, limit %.0f m", models.ErrConflict, d, c.AcceptRadiusMeters)
			}
		}
		if cur.IsInterRegional {
			ok, err := c.servesInterRegional(ctx, tx, providerID, cur.OriginZoneID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: provider cannot take inter-regional work from %s", models.ErrConflict, cur.OriginZoneID)
			}
		}

		attempts, err := tx.ListAttempts(ctx, bookingID)
		if err != nil {
			return err
		}
		var offer *models.DispatchAttempt
		for i := range attempts {
			if attempts[i].ProviderID == providerID {
				offer = &attempts[i]
			}
		}
		if offer == nil || offer.Status != models.AttemptSent {
			return models.ErrBookingUnavailable
		}

		if err := tx.SetProviderAvailable(ctx, providerID, false); err != nil {
			if errors.Is(err, models.ErrConflict) {
				return fmt.Errorf("%w: provider %s is already engaged", models.ErrConflict, providerID)
			}
			return err
		}

		now := c.now()
		for i := range attempts {
			a := &attempts[i]
			switch {
			case a.ProviderID == providerID:
				a.Status = models.AttemptAccepted
				t := now
				a.RespondedAt = &t
			case a.Status == models.AttemptSent:
				a.Status = models.AttemptExpired
			default:
				continue
			}
			if err := tx.UpdateAttempt(ctx, a); err != nil {
				return err
			}
		}

		cur.ProviderID = providerID
		cur.ProviderETA = etaMinutes
		cur.MarkStatus(models.StatusDriverAssigned, now)
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				return models.ErrBookingUnavailable
			}
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Matcher.CancelTimer(bookingID)
	c.Logger.Info("booking accepted", "booking_id", b.ID, "provider_id", providerID, "eta_minutes", etaMinutes)
	c.notifyRequester(ctx, b.RequesterID, models.Notification{
		Kind:      models.NotifyProviderAssigned,
		BookingID: b.ID,
		Title:     "Your provider is on the way",
		Data:      map[string]any{"provider_id": providerID, "eta_minutes": etaMinutes},
	})
	c.publish(ctx, events.BookingAssigned, b, map[string]any{"eta_minutes": etaMinutes, "round": b.DispatchRound})
	c.publish(ctx, events.TrackingStarted, b, nil)
	return b, nil
}

func (c *Controller) eta(ctx context.Context, from, to models.Coordinate) int {
	if c.ETA != nil {
		return c.ETA.Minutes(ctx, from, to)
	}
	return geo.ETA(from, to, c.now())
}

func (c *Controller) servesInterRegional(ctx context.Context, tx storage.Store, providerID, zoneID string) (bool, error) {
	pzs, err := tx.ProviderZones(ctx, providerID)
	if err != nil {
		return false, err
	}
	for _, pz := range pzs {
		if pz.ZoneID == zoneID && pz.CanAcceptInterRegional {
			return true, nil
		}
	}
	return false, nil
}

// Reject records a provider declining an offer. When no open offer is left
// in the current round the round is escalated straight away.
//
// The booking version is bumped with every rejection, so of two concurrent
// rejections the second re-reads the attempts the first wrote and is the one
// that sees the round empty.
func (c *Controller) Reject(ctx context.Context, bookingID, providerID string) error {
	var (
		b        *models.Booking
		escalate bool
	)
	reject := func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending {
			return models.ErrBookingUnavailable
		}
		attempts, err := tx.ListAttempts(ctx, bookingID)
		if err != nil {
			return err
		}
		found := false
		open := 0
		for i := range attempts {
			a := &attempts[i]
			if a.ProviderID == providerID && a.Status == models.AttemptSent {
				a.Status = models.AttemptRejected
				t := c.now()
				a.RespondedAt = &t
				if err := tx.UpdateAttempt(ctx, a); err != nil {
					return err
				}
				found = true
				continue
			}
			if a.Status == models.AttemptSent && a.Round == cur.DispatchRound {
				open++
			}
		}
		if !found {
			return fmt.Errorf("%w: no open offer for provider %s", models.ErrConflict, providerID)
		}
		cur.UpdatedAt = c.now()
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		escalate = open == 0
		b = cur
		return nil
	}
	var err error
	for i := 0; i < 3; i++ {
		if err = c.Store.Atomically(ctx, reject); !errors.Is(err, models.ErrVersionConflict) {
			break
		}
	}
	if err != nil {
		return err
	}

	c.Logger.Info("offer rejected", "booking_id", bookingID, "provider_id", providerID, "round", b.DispatchRound)
	if c.Events != nil {
		ev := events.Event{
			Type: events.BookingRejected, BookingID: bookingID, ProviderID: providerID, RequesterID: b.RequesterID,
			Status: string(b.Status), At: c.now(), Data: map[string]any{"round": b.DispatchRound},
		}
		if err := c.Events.Publish(ctx, ev); err != nil {
			c.Logger.Warn("event publish failed", "type", ev.Type, "booking_id", bookingID, "error", err)
		}
	}
	if escalate {
		return c.Matcher.Escalate(ctx, bookingID, b.DispatchRound)
	}
	return nil
}

// advance applies a provider-driven transition to the assigned provider's
// booking.
func (c *Controller) advance(ctx context.Context, bookingID, providerID string, to models.BookingStatus, apply func(ctx context.Context, tx storage.Store, b *models.Booking) error) (*models.Booking, error) {
	var b *models.Booking
	err := c.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.ProviderID == "" || cur.ProviderID != providerID {
			return models.ErrWrongProvider
		}
		if !models.CanTransition(cur.Status, to) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, cur.Status, to)
		}
		cur.MarkStatus(to, c.now())
		if apply != nil {
			if err := apply(ctx, tx, cur); err != nil {
				return err
			}
		}
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Controller) MarkArrived(ctx context.Context, bookingID, providerID string) (*models.Booking, error) {
	b, err := c.advance(ctx, bookingID, providerID, models.StatusDriverArrived, nil)
	if err != nil {
		return nil, err
	}
	c.notifyRequester(ctx, b.RequesterID, models.Notification{Kind: models.NotifyProviderArrived, BookingID: b.ID, Title: "Your provider has arrived"})
	c.publish(ctx, events.BookingArrived, b, nil)
	return b, nil
}

func (c *Controller) StartTrip(ctx context.Context, bookingID, providerID string) (*models.Booking, error) {
	b, err := c.advance(ctx, bookingID, providerID, models.StatusInProgress, nil)
	if err != nil {
		return nil, err
	}
	c.notifyRequester(ctx, b.RequesterID, models.Notification{Kind: models.NotifyTripStarted, BookingID: b.ID, Title: "Your trip has started"})
	c.publish(ctx, events.BookingStarted, b, nil)
	return b, nil
}
