// Package httpapi is the thin HTTP surface over the dispatch core.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/zones"
)

// LocationPublisher forwards accepted location updates to the stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, u ingest.LocationUpdate) error
}

type Server struct {
	Bookings  *booking.Controller
	Matcher   *matcher.Engine
	Zones     *zones.Resolver
	Store     storage.Store
	Locations *ingest.Applier
	Stream    LocationPublisher // optional
	WSReg     *dispatch.WSRegistry
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(ctl *booking.Controller, zr *zones.Resolver, locations *ingest.Applier, stream LocationPublisher, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Bookings:  ctl,
		Matcher:   ctl.Matcher,
		Zones:     zr,
		Store:     ctl.Store,
		Locations: locations,
		Stream:    stream,
		WSReg:     ws,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.useMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.handleRequestBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/attempts", s.handleAttempts).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/arrive", s.providerAction(s.Bookings.MarkArrived)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/start", s.providerAction(s.Bookings.StartTrip)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/providers", s.handleSaveProvider).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/zones", s.handleProviderZone).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/availability", s.handleAvailability).Methods(http.MethodPut)
	api.HandleFunc("/zones", s.handleSaveZone).Methods(http.MethodPost)
	api.HandleFunc("/zones/resolve", s.handleResolveZone).Methods(http.MethodGet)
	api.HandleFunc("/zones/evaluate", s.handleEvaluateZones).Methods(http.MethodPost)
	api.HandleFunc("/routes/optimal", s.handleOptimalRoute).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/providers/{id}/location", s.handleProviderLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{role}/{id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestBooking(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if !decode(w, r, &req) {
		return
	}
	b, res, err := s.Bookings.RequestBooking(r.Context(), req)
	if err != nil && b == nil {
		s.writeError(w, r, err)
		return
	}
	if err != nil {
		s.logger.Warn("initial dispatch failed", "booking_id", b.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"booking": b, "dispatch": res})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.Bookings.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	list, err := s.Bookings.Attempts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type providerBody struct {
	ProviderID string `json:"provider_id"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.providerAction(s.Bookings.Accept)(w, r)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if !decode(w, r, &body) {
		return
	}
	if err := s.Bookings.Reject(r.Context(), mux.Vars(r)["id"], body.ProviderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) providerAction(fn func(ctx context.Context, bookingID, providerID string) (*models.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body providerBody
		if !decode(w, r, &body) {
			return
		}
		if body.ProviderID == "" {
			s.writeError(w, r, models.Validationf("provider_id is required"))
			return
		}
		b, err := fn(r.Context(), mux.Vars(r)["id"], body.ProviderID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProviderID string `json:"provider_id"`
		booking.CompleteInput
	}
	if !decode(w, r, &body) {
		return
	}
	b, err := s.Bookings.Complete(r.Context(), mux.Vars(r)["id"], body.ProviderID, body.CompleteInput)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		booking.Actor
		Reason string `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	b, err := s.Bookings.Cancel(r.Context(), mux.Vars(r)["id"], body.Actor, body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin, err := coordFromQuery(q.Get("lat"), q.Get("lon"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cq := matcher.CandidateQuery{
		Origin:      origin,
		ServiceType: models.ServiceType(q.Get("service_type")),
		RideType:    q.Get("ride_type"),
	}
	if v := q.Get("radius_m"); v != "" {
		if cq.RadiusMeters, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, r, models.Validationf("invalid radius_m"))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		if cq.MaxResults, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, models.Validationf("invalid limit"))
			return
		}
	}
	cands, err := s.Matcher.FindCandidates(r.Context(), cq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cands)
}

func (s *Server) handleSaveProvider(w http.ResponseWriter, r *http.Request) {
	var p models.Provider
	if !decode(w, r, &p) {
		return
	}
	saved, created, err := s.Bookings.RegisterProvider(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if created && s.Locations != nil && saved.Online && saved.Loc != nil {
		if _, err := s.Locations.Apply(r.Context(), ingest.LocationUpdate{ProviderID: saved.ID, Loc: saved.Loc, Online: true, At: saved.Updated}); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Available *bool `json:"available"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Available == nil {
		s.writeError(w, r, models.Validationf("available is required"))
		return
	}
	p, err := s.Bookings.SetAvailability(r.Context(), mux.Vars(r)["id"], *req.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProviderZone(w http.ResponseWriter, r *http.Request) {
	var pz models.ProviderZone
	if !decode(w, r, &pz) {
		return
	}
	pz.ProviderID = mux.Vars(r)["id"]
	if pz.ZoneID == "" {
		s.writeError(w, r, models.Validationf("zone_id is required"))
		return
	}
	if err := s.Store.SaveProviderZone(r.Context(), pz); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pz)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var u ingest.LocationUpdate
	if !decode(w, r, &u) {
		return
	}
	u.ProviderID = mux.Vars(r)["id"]
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	if err := u.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Locations != nil {
		if _, err := s.Locations.Apply(r.Context(), u); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if s.Stream != nil {
		if err := s.Stream.PublishLocation(r.Context(), u); err != nil {
			s.logger.Warn("location publish failed", "provider_id", u.ProviderID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSaveZone(w http.ResponseWriter, r *http.Request) {
	var z models.ServiceZone
	if !decode(w, r, &z) {
		return
	}
	if err := validateZone(z); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.SaveZone(r.Context(), z); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Zones != nil {
		s.Zones.Invalidate()
	}
	writeJSON(w, http.StatusCreated, z)
}

func validateZone(z models.ServiceZone) error {
	if z.ID == "" {
		return models.Validationf("id is required")
	}
	switch z.Shape {
	case models.ShapeCircle:
		if !z.Center.Valid() || z.RadiusMeters <= 0 {
			return models.Validationf("circle zones need a valid center and a positive radius")
		}
	case models.ShapePolygon:
		if len(z.Boundary) < 3 {
			return models.Validationf("polygon zones need at least three vertices")
		}
		for _, c := range z.Boundary {
			if !c.Valid() {
				return models.Validationf("invalid boundary vertex %v", c)
			}
		}
	default:
		return models.Validationf("unknown shape %q", z.Shape)
	}
	if z.InterRegionalFee < 0 {
		return models.Validationf("inter_regional_fee must not be negative")
	}
	return nil
}

func (s *Server) handleResolveZone(w http.ResponseWriter, r *http.Request) {
	c, err := coordFromQuery(r.URL.Query().Get("lat"), r.URL.Query().Get("lon"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	z, err := s.Zones.ResolveZone(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if z == nil {
		s.writeError(w, r, models.NotFoundf("no active zone contains %v", c))
		return
	}
	writeJSON(w, http.StatusOK, z)
}

func (s *Server) handleEvaluateZones(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Origin      models.Coordinate `json:"origin"`
		Destination models.Coordinate `json:"destination"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !body.Origin.Valid() || !body.Destination.Valid() {
		s.writeError(w, r, models.Validationf("origin and destination must be valid coordinates"))
		return
	}
	ev, err := s.Zones.EvaluateInterRegional(r.Context(), body.Origin, body.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{
		"permitted":         ev.Permitted,
		"surcharge":         ev.Surcharge,
		"requires_approval": ev.RequiresApproval,
		"inter_regional":    ev.InterRegional(),
	}
	if ev.OriginZone != nil {
		out["origin_zone_id"] = ev.OriginZone.ID
	}
	if ev.DestinationZone != nil {
		out["destination_zone_id"] = ev.DestinationZone.ID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOptimalRoute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Waypoints []models.Coordinate `json:"waypoints"`
		Mode      geo.Mode            `json:"mode"`
	}
	if !decode(w, r, &body) {
		return
	}
	if len(body.Waypoints) == 0 {
		s.writeError(w, r, models.Validationf("at least one waypoint is required"))
		return
	}
	for _, c := range body.Waypoints {
		if !c.Valid() {
			s.writeError(w, r, models.Validationf("invalid waypoint %v", c))
			return
		}
	}
	if body.Mode == "" {
		body.Mode = geo.ModeDriving
	}
	writeJSON(w, http.StatusOK, geo.OptimalRoute(body.Waypoints, body.Mode))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role := dispatch.Role(vars["role"])
	switch role {
	case dispatch.RoleProvider, dispatch.RoleRequester, dispatch.RoleAdmin:
	default:
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}
	id := vars["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "role", role, "id", id, "error", err)
		return
	}
	s.WSReg.Add(role, id, conn)
	defer s.WSReg.Remove(role, id, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func coordFromQuery(lat, lon string) (models.Coordinate, error) {
	la, err1 := strconv.ParseFloat(lat, 64)
	lo, err2 := strconv.ParseFloat(lon, 64)
	c := models.Coordinate{Lat: la, Lon: lo}
	if err1 != nil || err2 != nil || !c.Valid() {
		return c, models.Validationf("lat and lon must be valid coordinates")
	}
	return c, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoCandidate), errors.Is(err, models.ErrDependency):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestID(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { return uuid.NewString() }
