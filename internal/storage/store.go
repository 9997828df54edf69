// Package storage is the transactional data store seam used by the core.
package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store persists providers, bookings, dispatch attempts and zones.
//
// UpdateBooking is a conditional write: it succeeds only when the stored
// version equals b.Version, then bumps b.Version. Otherwise it returns
// models.ErrVersionConflict.
//
// Inside Atomically, GetProvider and GetBooking lock the row they read until
// the transaction ends.
type Store interface {
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	ListProviders(ctx context.Context, f ProviderFilter) ([]models.Provider, error)
	SaveProvider(ctx context.Context, p *models.Provider) error
	// SetProviderAvailable flips the availability flag only if it currently
	// equals !available, returning models.ErrConflict otherwise.
	SetProviderAvailable(ctx context.Context, id string, available bool) error
	// MoveProvider writes position and presence only, leaving availability
	// and profile fields alone. An update older than the stored LocatedAt
	// returns models.ErrStaleUpdate. wasOnline is the presence it replaced.
	MoveProvider(ctx context.Context, id string, loc *models.Coordinate, online bool, at time.Time) (wasOnline bool, err error)
	AccrueEarnings(ctx context.Context, id string, amount int64) error
	ProviderZones(ctx context.Context, providerID string) ([]models.ProviderZone, error)
	SaveProviderZone(ctx context.Context, pz models.ProviderZone) error

	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error
	// EngagedBooking returns the booking providerID is currently working, or
	// models.ErrNotFound when there is none.
	EngagedBooking(ctx context.Context, providerID string) (*models.Booking, error)

	// CreateAttempt inserts a SENT attempt unless one already exists for the
	// booking/provider pair; created reports whether a row was written.
	CreateAttempt(ctx context.Context, a *models.DispatchAttempt) (created bool, err error)
	ListAttempts(ctx context.Context, bookingID string) ([]models.DispatchAttempt, error)
	UpdateAttempt(ctx context.Context, a *models.DispatchAttempt) error

	ListZones(ctx context.Context) ([]models.ServiceZone, error)
	SaveZone(ctx context.Context, z models.ServiceZone) error

	// Atomically runs fn in a transaction. Writes made through tx are
	// discarded if fn returns an error.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// ProviderFilter is the typed predicate set for provider queries.
type ProviderFilter struct {
	IDs              []string // empty means all providers
	ExcludeIDs       []string
	OnlyOnline       bool
	OnlyAvailable    bool
	OnlyVerified     bool
	OnlyWithLocation bool
	ExcludeSuspended bool
	Tag              string // required compatibility tag, if set
	// InterRegionalZoneID restricts to providers that may take inter-regional
	// work from this zone.
	InterRegionalZoneID string
}

// MatchableFilter selects providers that may be offered new work.
func MatchableFilter() ProviderFilter {
	return ProviderFilter{
		OnlyOnline:       true,
		OnlyAvailable:    true,
		OnlyVerified:     true,
		OnlyWithLocation: true,
		ExcludeSuspended: true,
	}
}

// Matches evaluates the filter against p. zones are p's zone assignments and
// are only consulted when InterRegionalZoneID is set.
func (f ProviderFilter) Matches(p models.Provider, zones []models.ProviderZone) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, p.ID) {
		return false
	}
	if contains(f.ExcludeIDs, p.ID) {
		return false
	}
	if f.OnlyOnline && !p.Online {
		return false
	}
	if f.OnlyAvailable && !p.Available {
		return false
	}
	if f.OnlyVerified && !p.Verified {
		return false
	}
	if f.OnlyWithLocation && p.Loc == nil {
		return false
	}
	if f.ExcludeSuspended && p.Suspended {
		return false
	}
	if f.Tag != "" && !p.HasTag(f.Tag) {
		return false
	}
	if f.InterRegionalZoneID != "" {
		ok := false
		for _, z := range zones {
			if z.ZoneID == f.InterRegionalZoneID && z.CanAcceptInterRegional {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
