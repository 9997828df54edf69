// Package booking drives a booking through its lifecycle: intake, matching,
// acceptance, the trip itself, settlement and cancellation.
package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

// Controller is the only writer of booking status. Every transition is one
// store transaction; notifications, events and payment capture run after
// commit and never hold a lock.
type Controller struct {
	Store    storage.Store
	Matcher  *matcher.Engine
	Zones    *zones.Resolver // nil skips the zone check
	Notifier dispatch.Notifier
	Payments payments.Processor
	Events   events.Publisher
	ETA      matcher.ETA // nil uses the straight-line estimate
	Pricing  Pricing
	// AcceptRadiusMeters caps how far from the pickup a provider may be when
	// accepting an immediate booking.
	AcceptRadiusMeters float64
	Logger             *slog.Logger
	Now                func() time.Time
	NewID              func() string
}

func NewController(store storage.Store, m *matcher.Engine, zr *zones.Resolver, n dispatch.Notifier, p payments.Processor, pricing Pricing, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		Store:              store,
		Matcher:            m,
		Zones:              zr,
		Notifier:           n,
		Payments:           p,
		Events:             events.Nop{},
		Pricing:            pricing,
		AcceptRadiusMeters: 15000,
		Logger:             logger,
		Now:                time.Now,
		NewID:              uuid.NewString,
	}
	if m != nil {
		m.Exhausted = c
		c.ETA = m.ETA
	}
	return c
}

func (c *Controller) Get(ctx context.Context, id string) (*models.Booking, error) {
	return c.Store.GetBooking(ctx, id)
}

func (c *Controller) Attempts(ctx context.Context, id string) ([]models.DispatchAttempt, error) {
	if _, err := c.Store.GetBooking(ctx, id); err != nil {
		return nil, err
	}
	return c.Store.ListAttempts(ctx, id)
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Controller) notifyProvider(ctx context.Context, providerID string, n models.Notification) {
	if c.Notifier == nil || providerID == "" {
		return
	}
	n.SentAt = c.now()
	if err := c.Notifier.NotifyProvider(ctx, providerID, n); err != nil {
		observability.NotifyFailuresTotal.WithLabelValues("provider").Inc()
		c.Logger.Warn("provider notification failed", "provider_id", providerID, "booking_id", n.BookingID, "kind", n.Kind, "error", err)
	}
}

func (c *Controller) notifyRequester(ctx context.Context, requesterID string, n models.Notification) {
	if c.Notifier == nil || requesterID == "" {
		return
	}
	n.SentAt = c.now()
	if err := c.Notifier.NotifyRequester(ctx, requesterID, n); err != nil {
		observability.NotifyFailuresTotal.WithLabelValues("requester").Inc()
		c.Logger.Warn("requester notification failed", "booking_id", n.BookingID, "kind", n.Kind, "error", err)
	}
}

func (c *Controller) notifyAdmins(ctx context.Context, n models.Notification) {
	if c.Notifier == nil {
		return
	}
	n.SentAt = c.now()
	if err := c.Notifier.NotifyAdmins(ctx, n); err != nil {
		observability.NotifyFailuresTotal.WithLabelValues("admin").Inc()
		c.Logger.Warn("admin notification failed", "booking_id", n.BookingID, "kind", n.Kind, "error", err)
	}
}

func (c *Controller) publish(ctx context.Context, typ string, b *models.Booking, data map[string]any) {
	observability.BookingTransitionsTotal.WithLabelValues(string(b.Status)).Inc()
	if c.Events == nil {
		return
	}
	ev := events.Event{
		Type:        typ,
		BookingID:   b.ID,
		ProviderID:  b.ProviderID,
		RequesterID: b.RequesterID,
		Status:      string(b.Status),
		At:          c.now(),
		Data:        data,
	}
	if err := c.Events.Publish(ctx, ev); err != nil {
		c.Logger.Warn("event publish failed", "type", typ, "booking_id", b.ID, "error", err)
	}
}

// expireOffers closes every SENT attempt on the booking.
func expireOffers(ctx context.Context, tx storage.Store, bookingID string) error {
	attempts, err := tx.ListAttempts(ctx, bookingID)
	if err != nil {
		return err
	}
	for i := range attempts {
		a := &attempts[i]
		if a.Status != models.AttemptSent {
			continue
		}
		a.Status = models.AttemptExpired
		if err := tx.UpdateAttempt(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
