// Package zones resolves coordinates to service zones and decides whether a
// trip between two zones may be served.
package zones

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/cache"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Source is the read side of zone reference data.
type Source interface {
	ListZones(ctx context.Context) ([]models.ServiceZone, error)
	ProviderZones(ctx context.Context, providerID string) ([]models.ProviderZone, error)
}

const zonesKey = "zones"

// Resolver owns a TTL cache of the zone list. Call Invalidate after zones
// change.
type Resolver struct {
	src Source
	// PerKmRate is the inter-regional surcharge per kilometre, minor units.
	PerKmRate int64
	cache     *cache.TTL[string, []models.ServiceZone]
	Logger    *slog.Logger
}

func NewResolver(src Source, perKmRate int64, ttl time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{src: src, PerKmRate: perKmRate, cache: cache.New[string, []models.ServiceZone](ttl), Logger: logger}
}

func (r *Resolver) Invalidate() { r.cache.Purge() }

// zones returns active zones, circles first, each group by priority
// descending then id.
func (r *Resolver) zones(ctx context.Context) ([]models.ServiceZone, error) {
	if zs, ok := r.cache.Get(zonesKey); ok {
		return zs, nil
	}
	all, err := r.src.ListZones(ctx)
	if err != nil {
		return nil, models.Dependency("list zones", err)
	}
	active := make([]models.ServiceZone, 0, len(all))
	for _, z := range all {
		if z.Active {
			active = append(active, z)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		ci, cj := active[i].Shape == models.ShapeCircle, active[j].Shape == models.ShapeCircle
		if ci != cj {
			return ci
		}
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].ID < active[j].ID
	})
	r.cache.Set(zonesKey, active)
	return active, nil
}

// ResolveZone returns the zone containing c, or nil when none does.
func (r *Resolver) ResolveZone(ctx context.Context, c models.Coordinate) (*models.ServiceZone, error) {
	if !c.Valid() {
		return nil, models.Validationf("invalid coordinate %v", c)
	}
	zs, err := r.zones(ctx)
	if err != nil {
		return nil, err
	}
	for i := range zs {
		if Contains(zs[i], c) {
			z := zs[i]
			return &z, nil
		}
	}
	return nil, nil
}

// Evaluation is the inter-regional verdict for an origin/destination pair.
// Surcharge is in minor units.
type Evaluation struct {
	Permitted        bool                `json:"permitted"`
	Surcharge        int64               `json:"surcharge"`
	RequiresApproval bool                `json:"requires_approval"`
	OriginZone       *models.ServiceZone `json:"origin_zone,omitempty"`
	DestinationZone  *models.ServiceZone `json:"destination_zone,omitempty"`
}

// InterRegional reports whether the pair spans two zones.
func (e Evaluation) InterRegional() bool {
	return e.OriginZone != nil && e.DestinationZone != nil && e.OriginZone.ID != e.DestinationZone.ID
}

func (r *Resolver) EvaluateInterRegional(ctx context.Context, origin, destination models.Coordinate) (Evaluation, error) {
	oz, err := r.ResolveZone(ctx, origin)
	if err != nil {
		return Evaluation{}, err
	}
	dz, err := r.ResolveZone(ctx, destination)
	if err != nil {
		return Evaluation{}, err
	}
	ev := Evaluation{OriginZone: oz, DestinationZone: dz}
	if oz == nil || dz == nil {
		return ev, nil
	}
	if oz.ID == dz.ID {
		ev.Permitted = true
		return ev, nil
	}
	ev.RequiresApproval = oz.HighRisk || oz.International || dz.HighRisk || dz.International
	ev.Permitted = oz.AllowsInterRegional && dz.AllowsInterRegional &&
		(oz.ConnectedTo(dz.ID) || dz.ConnectedTo(oz.ID))
	if ev.Permitted {
		km := geo.Distance(origin, destination) / 1000
		ev.Surcharge = max(oz.InterRegionalFee, dz.InterRegionalFee) + int64(math.Round(km*float64(r.PerKmRate)))
	}
	return ev, nil
}

// CanServeInterRegional reports whether the provider is assigned to zoneID
// with the inter-regional capability.
func (r *Resolver) CanServeInterRegional(ctx context.Context, providerID, zoneID string) (bool, error) {
	pzs, err := r.src.ProviderZones(ctx, providerID)
	if err != nil {
		return false, models.Dependency("provider zones", err)
	}
	for _, pz := range pzs {
		if pz.ZoneID == zoneID && pz.CanAcceptInterRegional {
			return true, nil
		}
	}
	return false, nil
}
