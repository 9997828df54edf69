package zones

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	accraCenter  = models.Coordinate{Lat: 5.6037, Lon: -0.1870}
	kumasiCenter = models.Coordinate{Lat: 6.6885, Lon: -1.6244}
)

func seedZones(t *testing.T, zs ...models.ServiceZone) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	for _, z := range zs {
		require.NoError(t, s.SaveZone(context.Background(), z))
	}
	return s
}

func circle(id string, c models.Coordinate, radius float64, prio int) models.ServiceZone {
	return models.ServiceZone{ID: id, Name: id, Shape: models.ShapeCircle, Center: c, RadiusMeters: radius, Priority: prio, Active: true}
}

func TestPointInPolygon(t *testing.T) {
	square := []models.Coordinate{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}}
	concave := []models.Coordinate{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 2}, {Lat: 2, Lon: 2}, {Lat: 2, Lon: 1.5}, {Lat: 0.5, Lon: 1}, {Lat: 2, Lon: 0.5}, {Lat: 2, Lon: 0}}
	cases := []struct {
		name string
		ring []models.Coordinate
		c    models.Coordinate
		want bool
	}{
		{"inside square", square, models.Coordinate{Lat: 0.5, Lon: 0.5}, true},
		{"outside square", square, models.Coordinate{Lat: 1.5, Lon: 0.5}, false},
		{"left of square", square, models.Coordinate{Lat: 0.5, Lon: -0.1}, false},
		{"concave notch", concave, models.Coordinate{Lat: 1.5, Lon: 1}, false},
		{"concave arm", concave, models.Coordinate{Lat: 1.5, Lon: 0.25}, true},
		{"degenerate", square[:2], models.Coordinate{Lat: 0, Lon: 0.5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, pointInPolygon(tc.c, tc.ring))
		})
	}
}

func TestResolveZoneOrdering(t *testing.T) {
	poly := models.ServiceZone{
		ID: "poly", Shape: models.ShapePolygon, Priority: 100, Active: true,
		Boundary: []models.Coordinate{{Lat: 5.5, Lon: -0.3}, {Lat: 5.5, Lon: -0.1}, {Lat: 5.7, Lon: -0.1}, {Lat: 5.7, Lon: -0.3}},
	}
	big := circle("metro", accraCenter, 50000, 1)
	small := circle("centre", accraCenter, 5000, 5)
	off := circle("disabled", accraCenter, 1000, 99)
	off.Active = false

	r := NewResolver(seedZones(t, poly, big, small, off), 0, time.Minute, nil)
	ctx := context.Background()

	z, err := r.ResolveZone(ctx, accraCenter)
	require.NoError(t, err)
	require.NotNil(t, z)
	assert.Equal(t, "centre", z.ID)

	z, err = r.ResolveZone(ctx, models.Coordinate{Lat: 5.56, Lon: -0.205})
	require.NoError(t, err)
	assert.Equal(t, "metro", z.ID)

	z, err = r.ResolveZone(ctx, kumasiCenter)
	require.NoError(t, err)
	assert.Nil(t, z)

	_, err = r.ResolveZone(ctx, models.Coordinate{Lat: 95})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestResolveZonePolygonOnly(t *testing.T) {
	poly := models.ServiceZone{
		ID: "poly", Shape: models.ShapePolygon, Active: true,
		Boundary: []models.Coordinate{{Lat: 5.5, Lon: -0.3}, {Lat: 5.5, Lon: -0.1}, {Lat: 5.7, Lon: -0.1}, {Lat: 5.7, Lon: -0.3}},
	}
	r := NewResolver(seedZones(t, poly), 0, time.Minute, nil)
	z, err := r.ResolveZone(context.Background(), accraCenter)
	require.NoError(t, err)
	require.NotNil(t, z)
	assert.Equal(t, "poly", z.ID)
}

func TestEvaluateInterRegionalSameZone(t *testing.T) {
	r := NewResolver(seedZones(t, circle("accra", accraCenter, 50000, 1)), 150, time.Minute, nil)
	ev, err := r.EvaluateInterRegional(context.Background(), accraCenter, models.Coordinate{Lat: 5.5600, Lon: -0.2050})
	require.NoError(t, err)
	assert.True(t, ev.Permitted)
	assert.Equal(t, int64(0), ev.Surcharge)
	assert.False(t, ev.RequiresApproval)
	assert.False(t, ev.InterRegional())
}

func TestEvaluateInterRegionalConnectedZones(t *testing.T) {
	accra := circle("accra", accraCenter, 30000, 1)
	accra.AllowsInterRegional = true
	accra.ConnectedZones = []string{"kumasi"}
	accra.InterRegionalFee = 2000
	kumasi := circle("kumasi", kumasiCenter, 30000, 1)
	kumasi.AllowsInterRegional = true
	kumasi.InterRegionalFee = 3500

	r := NewResolver(seedZones(t, accra, kumasi), 10, time.Minute, nil)
	ev, err := r.EvaluateInterRegional(context.Background(), accraCenter, kumasiCenter)
	require.NoError(t, err)
	assert.True(t, ev.Permitted)
	assert.True(t, ev.InterRegional())
	assert.False(t, ev.RequiresApproval)
	// ~199.5 km at 10 per km on top of the larger fee
	assert.InDelta(t, 3500+1995, ev.Surcharge, 1)
}

func TestEvaluateInterRegionalRejections(t *testing.T) {
	ctx := context.Background()
	accra := circle("accra", accraCenter, 30000, 1)
	accra.AllowsInterRegional = true
	kumasi := circle("kumasi", kumasiCenter, 30000, 1)
	kumasi.AllowsInterRegional = true

	r := NewResolver(seedZones(t, accra, kumasi), 10, time.Minute, nil)
	ev, err := r.EvaluateInterRegional(ctx, accraCenter, kumasiCenter)
	require.NoError(t, err)
	assert.False(t, ev.Permitted, "zones are not connected")
	assert.Equal(t, int64(0), ev.Surcharge)

	ev, err = r.EvaluateInterRegional(ctx, accraCenter, models.Coordinate{Lat: 9.4, Lon: -0.85})
	require.NoError(t, err)
	assert.False(t, ev.Permitted, "destination outside every zone")
	assert.Nil(t, ev.DestinationZone)
}

func TestEvaluateInterRegionalApprovalFlags(t *testing.T) {
	accra := circle("accra", accraCenter, 30000, 1)
	accra.AllowsInterRegional = true
	kumasi := circle("kumasi", kumasiCenter, 30000, 1)
	kumasi.AllowsInterRegional = true
	kumasi.ConnectedZones = []string{"accra"}
	kumasi.HighRisk = true

	r := NewResolver(seedZones(t, accra, kumasi), 0, time.Minute, nil)
	ev, err := r.EvaluateInterRegional(context.Background(), accraCenter, kumasiCenter)
	require.NoError(t, err)
	assert.True(t, ev.Permitted)
	assert.True(t, ev.RequiresApproval)
}

func TestResolverCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	s := seedZones(t)
	r := NewResolver(s, 0, time.Hour, nil)

	z, err := r.ResolveZone(ctx, accraCenter)
	require.NoError(t, err)
	assert.Nil(t, z)

	require.NoError(t, s.SaveZone(ctx, circle("accra", accraCenter, 1000, 1)))
	z, err = r.ResolveZone(ctx, accraCenter)
	require.NoError(t, err)
	assert.Nil(t, z, "cached empty zone list")

	r.Invalidate()
	z, err = r.ResolveZone(ctx, accraCenter)
	require.NoError(t, err)
	require.NotNil(t, z)
	assert.Equal(t, "accra", z.ID)
}

func TestCanServeInterRegional(t *testing.T) {
	ctx := context.Background()
	s := seedZones(t, circle("accra", accraCenter, 1000, 1))
	require.NoError(t, s.SaveProviderZone(ctx, models.ProviderZone{ProviderID: "p1", ZoneID: "accra", CanAcceptInterRegional: true}))
	require.NoError(t, s.SaveProviderZone(ctx, models.ProviderZone{ProviderID: "p2", ZoneID: "accra"}))
	r := NewResolver(s, 0, time.Minute, nil)

	ok, err := r.CanServeInterRegional(ctx, "p1", "accra")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.CanServeInterRegional(ctx, "p2", "accra")
	require.NoError(t, err)
	assert.False(t, ok)
}
