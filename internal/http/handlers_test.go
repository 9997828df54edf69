package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

var accra = models.Coordinate{Lat: 5.6037, Lon: -0.1870}

type recordingStream struct {
	updates []ingest.LocationUpdate
}

func (r *recordingStream) PublishLocation(_ context.Context, u ingest.LocationUpdate) error {
	r.updates = append(r.updates, u)
	return nil
}

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *recordingStream) {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	ws := dispatch.NewWSRegistry(nil)
	eng := matcher.New(directory.GeoDirectory{Locator: idx, Store: store}, store, ws, nil, matcher.DefaultConfig(), nil)
	eng.Timers = matcher.NewRoundTimers(func(time.Duration, func()) func() bool { return func() bool { return true } })
	zr := zones.NewResolver(store, 10, time.Minute, nil)
	ctl := booking.NewController(store, eng, zr, ws, nil, booking.DefaultPricing("GHS", 0), nil)
	stream := &recordingStream{}
	return NewServer(ctl, zr, ingest.NewApplier(store, idx, nil), stream, ws, nil), store, stream
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func seedZone(t *testing.T, s *Server) {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/api/v1/zones", models.ServiceZone{
		ID: "accra", Shape: models.ShapeCircle, Center: accra, RadiusMeters: 50000, Active: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func seedProvider(t *testing.T, s *Server, id string, northMeters float64) {
	t.Helper()
	loc := models.Coordinate{Lat: accra.Lat + northMeters/111194.93, Lon: accra.Lon}
	rec := do(t, s, http.MethodPost, "/api/v1/providers", models.Provider{
		ID: id, Loc: &loc, Online: true, Available: true, Verified: true, Tags: []string{"ride"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestBookingFlowOverHTTP(t *testing.T) {
	s, store, _ := newTestServer(t)
	seedZone(t, s)
	seedProvider(t, s, "p1", 800)
	seedProvider(t, s, "p2", 1600)

	dropoff := models.Coordinate{Lat: 5.56, Lon: -0.205}
	rec := do(t, s, http.MethodPost, "/api/v1/bookings", map[string]any{
		"requester_id": "rider-1", "service_type": "ride", "pickup": accra, "dropoff": dropoff,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Booking  models.Booking         `json:"booking"`
		Dispatch matcher.DispatchResult `json:"dispatch"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Booking.ID
	assert.Equal(t, models.StatusPending, created.Booking.Status)
	assert.Equal(t, 2, created.Dispatch.Offered)
	assert.Equal(t, 0, created.Dispatch.Notified, "no websocket sessions are connected")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/api/v1/bookings/"+id+"/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts []models.DispatchAttempt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &attempts))
	assert.Len(t, attempts, 2)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/accept", map[string]string{"provider_id": "p2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/accept", map[string]string{"provider_id": "p1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/start", map[string]string{"provider_id": "p1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/arrive", map[string]string{"provider_id": "p2"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/start", map[string]string{"provider_id": "p2"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/complete", map[string]any{"provider_id": "p2", "final_price": 2000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var done models.Booking
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, int64(2000), done.FinalPrice)
	assert.Equal(t, int64(360), done.PlatformCommission)

	p, err := store.GetProvider(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, int64(1640), p.Earnings)
	assert.True(t, p.Available)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/cancel", map[string]string{"role": "requester", "id": "rider-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBookingErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	seedZone(t, s)

	rec := do(t, s, http.MethodGet, "/api/v1/bookings/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings", map[string]any{"requester_id": "r", "service_type": "ride"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings/x/accept", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProviderLocationEndpoint(t *testing.T) {
	s, store, stream := newTestServer(t)
	seedProvider(t, s, "p1", 0)

	loc := models.Coordinate{Lat: 5.61, Lon: -0.19}
	rec := do(t, s, http.MethodPost, "/internal/providers/p1/location", map[string]any{"loc": loc, "online": true})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	require.Len(t, stream.updates, 1)
	assert.Equal(t, "p1", stream.updates[0].ProviderID)

	p, err := store.GetProvider(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, loc, *p.Loc)

	rec = do(t, s, http.MethodPost, "/internal/providers/ghost/location", map[string]any{"loc": loc, "online": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodPost, "/internal/providers/p1/location", map[string]any{"online": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, stream.updates, 1)
}

func TestCandidatesEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	seedProvider(t, s, "near", 500)
	seedProvider(t, s, "far", 20000)

	rec := do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/candidates?lat=%f&lon=%f&service_type=ride", accra.Lat, accra.Lon), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cands []matcher.Candidate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cands))
	require.Len(t, cands, 1)
	assert.Equal(t, "near", cands[0].ProviderID)

	rec = do(t, s, http.MethodGet, "/api/v1/candidates?lat=200&lon=0&service_type=ride", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestZoneEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)
	seedZone(t, s)

	rec := do(t, s, http.MethodPost, "/api/v1/zones", models.ServiceZone{ID: "bad", Shape: models.ShapePolygon})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/zones/resolve?lat=%f&lon=%f", accra.Lat, accra.Lon), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var z models.ServiceZone
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &z))
	assert.Equal(t, "accra", z.ID)

	rec = do(t, s, http.MethodGet, "/api/v1/zones/resolve?lat=9.4&lon=-0.85", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/zones/evaluate", map[string]any{"origin": accra, "destination": accra})
	require.Equal(t, http.StatusOK, rec.Code)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, true, ev["permitted"])
	assert.Equal(t, false, ev["inter_regional"])
}

func TestOptimalRouteEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/routes/optimal", map[string]any{
		"waypoints": []models.Coordinate{accra, {Lat: 5.70, Lon: -0.187}, {Lat: 5.62, Lon: -0.187}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var route geo.Route
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &route))
	assert.Equal(t, []int{0, 2, 1}, route.Order)

	rec = do(t, s, http.MethodPost, "/api/v1/routes/optimal", map[string]any{"waypoints": []models.Coordinate{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.Validationf("x"):                        http.StatusBadRequest,
		models.NotFoundf("x"):                          http.StatusNotFound,
		models.ErrBookingUnavailable:                   http.StatusConflict,
		models.ErrWrongProvider:                        http.StatusConflict,
		models.Dependency("redis", errors.New("down")): http.StatusServiceUnavailable,
		errors.New("boom"):                             http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestProviderAvailabilityOverHTTP(t *testing.T) {
	s, store, _ := newTestServer(t)
	ctx := context.Background()
	seedZone(t, s)
	seedProvider(t, s, "p1", 800)

	rec := do(t, s, http.MethodPost, "/api/v1/bookings", map[string]any{
		"requester_id": "rider-1", "service_type": "ride", "pickup": accra, "dropoff": models.Coordinate{Lat: 5.56, Lon: -0.205},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Booking models.Booking `json:"booking"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	id := created.Booking.ID
	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/accept", map[string]string{"provider_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPut, "/api/v1/providers/p1/availability", map[string]bool{"available": true})
	assert.Equal(t, http.StatusConflict, rec.Code)

	loc := models.Coordinate{Lat: accra.Lat + 0.001, Lon: accra.Lon}
	rec = do(t, s, http.MethodPost, "/api/v1/providers", models.Provider{
		ID: "p1", Loc: &loc, Online: true, Available: true, Verified: true, Tags: []string{"ride", "comfort"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPost, "/internal/providers/p1/location", map[string]any{"loc": loc, "online": true, "available": true})
	require.Equal(t, http.StatusNoContent, rec.Code)

	p, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.Available)
	assert.Equal(t, []string{"ride", "comfort"}, p.Tags)

	rec = do(t, s, http.MethodPost, "/api/v1/bookings/"+id+"/cancel", map[string]string{"role": "requester", "id": "rider-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodPut, "/api/v1/providers/p1/availability", map[string]bool{"available": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p, err = store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, p.Available)

	rec = do(t, s, http.MethodPut, "/api/v1/providers/p1/availability", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodPut, "/api/v1/providers/ghost/availability", map[string]bool{"available": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
