// Package directory answers "which providers may be offered this work"
// queries for the matching engine.
package directory

import (
	"context"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

// Query selects matchable providers. Center and RadiusMeters are a hint that
// lets position-indexed directories prefilter; callers still check distance.
type Query struct {
	ServiceType         models.ServiceType
	ExcludeIDs          []string
	InterRegionalZoneID string
	Center              *models.Coordinate
	RadiusMeters        float64
}

func (q Query) filter() storage.ProviderFilter {
	f := storage.MatchableFilter()
	f.Tag = string(q.ServiceType)
	f.ExcludeIDs = q.ExcludeIDs
	f.InterRegionalZoneID = q.InterRegionalZoneID
	return f
}

// Directory returns a snapshot of online, available, verified, located and
// non-suspended providers in a stable order.
type Directory interface {
	Candidates(ctx context.Context, q Query) ([]models.Provider, error)
}

// StoreDirectory scans the store.
type StoreDirectory struct {
	Store storage.Store
}

func (d StoreDirectory) Candidates(ctx context.Context, q Query) ([]models.Provider, error) {
	return d.Store.ListProviders(ctx, q.filter())
}

// GeoDirectory narrows the store scan to the providers a position index
// reports near Center. Without a Center it behaves like StoreDirectory.
type GeoDirectory struct {
	Locator geo.Locator
	Store   storage.Store
	// Limit bounds the index query; 0 means unbounded.
	Limit int
}

func (d GeoDirectory) Candidates(ctx context.Context, q Query) ([]models.Provider, error) {
	if q.Center == nil || q.RadiusMeters <= 0 {
		return StoreDirectory{Store: d.Store}.Candidates(ctx, q)
	}
	hits, err := d.Locator.Nearby(ctx, *q.Center, q.RadiusMeters, d.Limit)
	if err != nil {
		return nil, models.Dependency("provider index", err)
	}
	if len(hits) == 0 {
		return []models.Provider{}, nil
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	f := q.filter()
	f.IDs = ids
	return d.Store.ListProviders(ctx, f)
}
