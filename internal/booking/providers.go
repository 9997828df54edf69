package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// RegisterProvider creates p, or updates the profile of an existing provider.
// For an existing provider only Verified, Suspended, Tags and Rating are
// taken from p. Position and presence follow location updates, and
// availability follows SetAvailability and the booking transitions.
func (c *Controller) RegisterProvider(ctx context.Context, p models.Provider) (saved *models.Provider, created bool, err error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, false, models.Validationf("id is required")
	}
	if p.Loc != nil && !p.Loc.Valid() {
		return nil, false, models.Validationf("invalid location %v", *p.Loc)
	}
	if p.Rating < 0 || p.Rating > 5 {
		return nil, false, models.Validationf("rating must be between 0 and 5")
	}
	err = c.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		cur, err := tx.GetProvider(ctx, p.ID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			created = true
			next := p
			next.Earnings = 0
			saved = &next
		case err != nil:
			return err
		default:
			next := *cur
			next.Verified = p.Verified
			next.Suspended = p.Suspended
			next.Tags = p.Tags
			next.Rating = p.Rating
			saved = &next
		}
		saved.Updated = c.now()
		return tx.SaveProvider(ctx, saved)
	})
	if err != nil {
		return nil, false, err
	}
	c.Logger.Info("provider saved", "provider_id", saved.ID, "created", created)
	return saved, created, nil
}

// SetAvailability is the provider's own switch for taking new work. It is
// refused with models.ErrProviderEngaged while the provider is assigned to a
// booking that has not finished.
func (c *Controller) SetAvailability(ctx context.Context, providerID string, available bool) (*models.Provider, error) {
	var out *models.Provider
	err := c.Store.Atomically(ctx, func(ctx context.Context, tx storage.Store) error {
		p, err := tx.GetProvider(ctx, providerID)
		if err != nil {
			return err
		}
		b, err := tx.EngagedBooking(ctx, providerID)
		if err == nil {
			return fmt.Errorf("%w: booking %s", models.ErrProviderEngaged, b.ID)
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if p.Available != available {
			if err := tx.SetProviderAvailable(ctx, providerID, available); err != nil {
				return err
			}
			p.Available = available
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.Logger.Info("provider availability set", "provider_id", providerID, "available", available)
	return out, nil
}
