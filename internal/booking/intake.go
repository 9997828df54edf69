package booking

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/zones"
)

// Request is a validated-on-entry booking intake.
type Request struct {
	RequesterID     string               `json:"requester_id"`
	ServiceType     models.ServiceType   `json:"service_type"`
	RideType        string               `json:"ride_type,omitempty"`
	Type            models.BookingType   `json:"type"`
	ScheduledAt     *time.Time           `json:"scheduled_at,omitempty"`
	Pickup          *models.Coordinate   `json:"pickup"`
	Dropoff         *models.Coordinate   `json:"dropoff"`
	PaymentMethod   models.PaymentMethod `json:"payment_method"`
	SurgeMultiplier float64              `json:"surge_multiplier,omitempty"`
}

func (c *Controller) validate(r *Request) error {
	var errs []error
	if strings.TrimSpace(r.RequesterID) == "" {
		errs = append(errs, errors.New("requester_id is required"))
	}
	if r.Pickup == nil || !r.Pickup.Valid() {
		errs = append(errs, errors.New("pickup coordinate is missing or invalid"))
	}
	if r.Dropoff == nil || !r.Dropoff.Valid() {
		errs = append(errs, errors.New("dropoff coordinate is missing or invalid"))
	}
	if !r.ServiceType.Valid() {
		errs = append(errs, errors.New("unknown service type "+string(r.ServiceType)))
	}
	switch r.Type {
	case "":
		r.Type = models.BookingImmediate
	case models.BookingImmediate:
	case models.BookingScheduled:
		if r.ScheduledAt == nil || !r.ScheduledAt.After(c.now()) {
			errs = append(errs, errors.New("scheduled bookings need a future scheduled_at"))
		}
	default:
		errs = append(errs, errors.New("unknown booking type "+string(r.Type)))
	}
	switch r.PaymentMethod {
	case "":
		r.PaymentMethod = models.PaymentCash
	case models.PaymentCard, models.PaymentCash, models.PaymentWallet:
	default:
		errs = append(errs, errors.New("unknown payment method "+string(r.PaymentMethod)))
	}
	if r.SurgeMultiplier == 0 {
		r.SurgeMultiplier = 1
	}
	if r.SurgeMultiplier < 1 || math.IsNaN(r.SurgeMultiplier) || math.IsInf(r.SurgeMultiplier, 0) {
		errs = append(errs, errors.New("surge multiplier must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return models.Validationf("%v", err)
	}
	return nil
}

// RequestBooking creates a PENDING booking and starts its first dispatch
// round. Trips between zones that cannot be paired are rejected before
// anything is written.
func (c *Controller) RequestBooking(ctx context.Context, r Request) (*models.Booking, matcher.DispatchResult, error) {
	var res matcher.DispatchResult
	if err := c.validate(&r); err != nil {
		return nil, res, err
	}

	var ev zones.Evaluation
	if c.Zones != nil {
		var err error
		ev, err = c.Zones.EvaluateInterRegional(ctx, *r.Pickup, *r.Dropoff)
		if err != nil {
			return nil, res, err
		}
		if !ev.Permitted {
			return nil, res, models.Validationf("trip between these locations is not serviceable")
		}
	}

	now := c.now()
	b := &models.Booking{
		ID:              c.NewID(),
		RequesterID:     r.RequesterID,
		ServiceType:     r.ServiceType,
		RideType:        r.RideType,
		Type:            r.Type,
		ScheduledAt:     r.ScheduledAt,
		Pickup:          *r.Pickup,
		Dropoff:         *r.Dropoff,
		Status:          models.StatusPending,
		DispatchRound:   1,
		CreatedAt:       now,
		UpdatedAt:       now,
		Currency:        c.Pricing.Currency,
		SurgeMultiplier: r.SurgeMultiplier,
		PaymentMethod:   r.PaymentMethod,

		InterRegionalFee: ev.Surcharge,
		IsInterRegional:  ev.InterRegional(),
		RequiresApproval: ev.RequiresApproval,
	}
	if ev.OriginZone != nil {
		b.OriginZoneID = ev.OriginZone.ID
	}
	if ev.DestinationZone != nil {
		b.DestinationZoneID = ev.DestinationZone.ID
	}
	b.EstimatedPrice = c.Pricing.Fare(b.ServiceType, geo.Distance(b.Pickup, b.Dropoff), b.SurgeMultiplier) + b.InterRegionalFee

	if err := c.Store.CreateBooking(ctx, b); err != nil {
		return nil, res, err
	}
	log := c.Logger.With("booking_id", b.ID)
	log.Info("booking created", "service_type", b.ServiceType, "inter_regional", b.IsInterRegional, "estimated_price", b.EstimatedPrice)
	c.publish(ctx, events.BookingRequested, b, map[string]any{"estimated_price": b.EstimatedPrice, "inter_regional": b.IsInterRegional})

	if b.RequiresApproval {
		c.notifyAdmins(ctx, models.Notification{
			Kind:      models.NotifyApprovalRequired,
			BookingID: b.ID,
			Title:     "Inter-regional booking needs review",
			Data:      map[string]any{"origin_zone": b.OriginZoneID, "destination_zone": b.DestinationZoneID, "surcharge": b.InterRegionalFee},
		})
	}

	q := matcher.CandidateQuery{Origin: b.Pickup, ServiceType: b.ServiceType, RideType: b.RideType}
	if b.IsInterRegional {
		q.InterRegionalZoneID = b.OriginZoneID
	}
	cands, err := c.Matcher.FindCandidates(ctx, q)
	if err != nil {
		// an empty round still arms the timeout, which retries the search
		log.Warn("initial candidate search failed", "error", err)
		cands = nil
	}
	res, err = c.Matcher.Dispatch(ctx, b.ID, b.DispatchRound, cands, 0)
	if err != nil {
		return b, res, err
	}
	return b, res, nil
}
