// Package eta computes traffic-adjusted arrival estimates for providers.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/cache"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Router returns a road-network driving duration in seconds.
type Router interface {
	EstimateSeconds(ctx context.Context, from, to models.Coordinate) (float64, error)
}

// Estimator returns ETAs in whole minutes. With no Router, or when the Router
// fails, it falls back to the straight-line driving estimate.
type Estimator struct {
	Router Router
	Cache  *cache.TTL[string, float64] // optional, caches router seconds
	Now    func() time.Time
	Logger *slog.Logger
}

func NewEstimator(router Router, cacheTTL time.Duration, logger *slog.Logger) *Estimator {
	e := &Estimator{Router: router, Logger: logger}
	if router != nil && cacheTTL > 0 {
		e.Cache = cache.New[string, float64](cacheTTL)
	}
	return e
}

// Minutes is the traffic-adjusted ETA from a provider position to a pickup.
func (e *Estimator) Minutes(ctx context.Context, from, to models.Coordinate) int {
	return geo.AdjustForTraffic(e.baseMinutes(ctx, from, to), e.now())
}

func (e *Estimator) baseMinutes(ctx context.Context, from, to models.Coordinate) int {
	if e == nil || e.Router == nil {
		return geo.EstimatedTravelTime(from, to, geo.ModeDriving).DurationMinutes
	}
	k := keyFor(from, to)
	if e.Cache != nil {
		if v, ok := e.Cache.Get(k); ok {
			return secondsToMinutes(v)
		}
	}
	sec, err := e.Router.EstimateSeconds(ctx, from, to)
	if err != nil || math.IsNaN(sec) || sec < 0 {
		if e.Logger != nil {
			e.Logger.Warn("eta router failed; using straight-line estimate", "error", err)
		}
		return geo.EstimatedTravelTime(from, to, geo.ModeDriving).DurationMinutes
	}
	if e.Cache != nil {
		e.Cache.Set(k, sec)
	}
	return secondsToMinutes(sec)
}

func (e *Estimator) now() time.Time {
	if e != nil && e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func secondsToMinutes(sec float64) int { return int(math.Ceil(sec / 60)) }

func keyFor(a, b models.Coordinate) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coordinate) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}
