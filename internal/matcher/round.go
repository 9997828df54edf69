package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type DispatchResult struct {
	Round    int `json:"round"`
	Offered  int `json:"offered"`  // attempts created this round
	Notified int `json:"notified"` // offers the channel accepted
}

// Dispatch offers bookingID to the first fanout candidates as round and
// arms the round timeout. The booking must be PENDING in that round.
// Providers already offered this booking are skipped.
//
// The attempts are written in one transaction that also bumps the booking
// version, so a concurrent accept or cancel either sees the whole batch or
// makes this call fail with models.ErrBookingUnavailable. Offers go out after
// commit and stop as soon as the booking leaves the round.
func (e *Engine) Dispatch(ctx context.Context, bookingID string, round int, candidates []Candidate, fanout int) (DispatchResult, error) {
	res := DispatchResult{Round: round}
	if fanout <= 0 {
		fanout = e.Config.Fanout
	}
	if len(candidates) > fanout {
		candidates = candidates[:fanout]
	}

	var (
		b       *models.Booking
		offered []Candidate
	)
	err := e.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending || cur.DispatchRound != round {
			return models.ErrBookingUnavailable
		}
		offered = offered[:0]
		for _, c := range candidates {
			created, err := tx.CreateAttempt(ctx, &models.DispatchAttempt{
				ID:         e.NewID(),
				BookingID:  bookingID,
				ProviderID: c.ProviderID,
				Round:      round,
				Status:     models.AttemptSent,
				NotifiedAt: e.now(),
			})
			if err != nil {
				return models.Dependency("create attempt", err)
			}
			if created {
				offered = append(offered, c)
			}
		}
		cur.UpdatedAt = e.now()
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if errors.Is(err, models.ErrVersionConflict) {
		return res, models.ErrBookingUnavailable
	}
	if err != nil {
		return res, err
	}
	res.Offered = len(offered)

	e.Timers.Arm(bookingID, round, e.Config.Timeout, func(r int) { e.fireTimeout(bookingID, r) })
	observability.DispatchRoundsTotal.Inc()

	log := e.Logger.With("booking_id", bookingID, "round", round)
	for _, c := range offered {
		if !e.stillOpen(ctx, bookingID, round) {
			log.Info("booking left round during fan-out", "notified", res.Notified)
			break
		}
		if err := e.Notifier.NotifyProvider(ctx, c.ProviderID, offerNotification(b, c, e.now())); err != nil {
			observability.NotifyFailuresTotal.WithLabelValues("provider").Inc()
			log.Warn("offer notification failed", "provider_id", c.ProviderID, "error", err)
			continue
		}
		res.Notified++
	}
	observability.OffersSentTotal.Add(float64(res.Notified))
	log.Info("dispatch round started", "candidates", len(candidates), "offered", res.Offered, "notified", res.Notified)
	e.publish(ctx, events.Event{
		Type: events.BookingDispatched, BookingID: bookingID, RequesterID: b.RequesterID, Status: string(b.Status),
		Data: map[string]any{"round": round, "offered": res.Offered, "notified": res.Notified},
	})
	return res, nil
}

// stillOpen reports whether bookingID is PENDING in round. Read errors count
// as closed.
func (e *Engine) stillOpen(ctx context.Context, bookingID string, round int) bool {
	b, err := e.Store.GetBooking(ctx, bookingID)
	if err != nil {
		e.Logger.Warn("booking re-read failed", "booking_id", bookingID, "error", err)
		return false
	}
	return b.Status == models.StatusPending && b.DispatchRound == round
}

func offerNotification(b *models.Booking, c Candidate, at time.Time) models.Notification {
	return models.Notification{
		Kind:      models.NotifyBookingOffer,
		BookingID: b.ID,
		Title:     "New booking request",
		Data: map[string]any{
			"service_type":    b.ServiceType,
			"ride_type":       b.RideType,
			"pickup":          b.Pickup,
			"dropoff":         b.Dropoff,
			"estimated_price": b.EstimatedPrice,
			"currency":        b.Currency,
			"inter_regional":  b.IsInterRegional,
			"distance_meters": c.DistanceMeters,
			"eta_minutes":     c.ETAMinutes,
			"round":           b.DispatchRound,
		},
		SentAt: at,
	}
}

var errStaleRound = errors.New("round superseded")

func (e *Engine) fireTimeout(bookingID string, round int) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Config.Timeout)
	defer cancel()
	if err := e.OnDispatchTimeout(ctx, bookingID, round); err != nil {
		e.Logger.Error("dispatch timeout handling failed", "booking_id", bookingID, "round", round, "error", err)
	}
}

// OnDispatchTimeout closes round for bookingID and escalates: a wider search
// excluding everyone already offered, or NO_DRIVER_AVAILABLE when nothing is
// left or the round cap is reached. It is a no-op when the booking has left
// PENDING or moved past round.
func (e *Engine) OnDispatchTimeout(ctx context.Context, bookingID string, round int) error {
	e.Timers.CancelRound(bookingID, round)

	var (
		b         *models.Booking
		exclude   []string
		exhausted bool
	)
	err := e.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.Status != models.StatusPending || cur.DispatchRound != round {
			return errStaleRound
		}
		attempts, err := tx.ListAttempts(ctx, bookingID)
		if err != nil {
			return err
		}
		exclude = exclude[:0]
		for i := range attempts {
			a := &attempts[i]
			if a.Status == models.AttemptSent {
				a.Status = models.AttemptExpired
				if err := tx.UpdateAttempt(ctx, a); err != nil {
					return err
				}
			}
			exclude = append(exclude, a.ProviderID)
		}
		// the version bump makes a concurrent accept lose its CAS
		if round >= e.Config.MaxRounds {
			exhausted = true
		} else {
			cur.DispatchRound = round + 1
		}
		cur.UpdatedAt = e.now()
		if err := tx.UpdateBooking(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if errors.Is(err, errStaleRound) || errors.Is(err, models.ErrVersionConflict) {
		e.Logger.Debug("stale dispatch timeout ignored", "booking_id", bookingID, "round", round)
		return nil
	}
	if err != nil {
		return fmt.Errorf("close round %d: %w", round, err)
	}
	observability.DispatchTimeoutsTotal.Inc()
	log := e.Logger.With("booking_id", bookingID, "round", round)

	if !exhausted {
		q := CandidateQuery{
			Origin:       b.Pickup,
			ServiceType:  b.ServiceType,
			RideType:     b.RideType,
			RadiusMeters: e.Config.EscalationRadiusMeters,
			MaxResults:   e.Config.EscalationMaxResults,
			ExcludeIDs:   exclude,
		}
		if b.IsInterRegional {
			q.InterRegionalZoneID = b.OriginZoneID
		}
		cands, err := e.FindCandidates(ctx, q)
		if err != nil {
			// keep the booking alive; the next round's timer retries
			e.Timers.Arm(bookingID, b.DispatchRound, e.Config.Timeout, func(r int) { e.fireTimeout(bookingID, r) })
			return fmt.Errorf("escalation search: %w", err)
		}
		if len(cands) > 0 {
			log.Info("escalating dispatch", "next_round", b.DispatchRound, "candidates", len(cands))
			_, err := e.Dispatch(ctx, bookingID, b.DispatchRound, cands, e.Config.Fanout)
			if errors.Is(err, models.ErrBookingUnavailable) {
				return nil
			}
			return err
		}
	}

	log.Info("dispatch exhausted", "exhausted_rounds", exhausted)
	if e.Exhausted == nil {
		return errors.New("no exhaustion handler configured")
	}
	err = e.Exhausted.NoProviderAvailable(ctx, bookingID)
	if errors.Is(err, models.ErrConflict) {
		return nil
	}
	return err
}

// CancelTimer drops the pending round timeout for bookingID.
func (e *Engine) CancelTimer(bookingID string) { e.Timers.Cancel(bookingID) }

// Escalate closes the current round early, e.g. once every offer in it has
// been declined.
func (e *Engine) Escalate(ctx context.Context, bookingID string, round int) error {
	return e.OnDispatchTimeout(ctx, bookingID, round)
}
