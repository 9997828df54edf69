// Package matcher finds nearby providers for a booking, offers it to them in
// rounds and escalates when a round times out.
package matcher

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ETA estimates minutes from a provider position to a pickup.
type ETA interface {
	Minutes(ctx context.Context, from, to models.Coordinate) int
}

// ExhaustionHandler finalizes a booking that no round could place.
type ExhaustionHandler interface {
	NoProviderAvailable(ctx context.Context, bookingID string) error
}

type Config struct {
	RadiusMeters           float64
	MaxResults             int
	EscalationRadiusMeters float64
	EscalationMaxResults   int
	Fanout                 int
	Timeout                time.Duration
	MaxRounds              int
}

func DefaultConfig() Config {
	return Config{
		RadiusMeters:           15000,
		MaxResults:             10,
		EscalationRadiusMeters: 30000,
		EscalationMaxResults:   8,
		Fanout:                 5,
		Timeout:                60 * time.Second,
		MaxRounds:              3,
	}
}

type Engine struct {
	Directory directory.Directory
	Store     storage.Store
	Notifier  dispatch.Notifier
	ETA       ETA // nil uses the straight-line estimate
	Events    events.Publisher
	Timers    *RoundTimers
	// Exhausted must be set before the first timeout fires.
	Exhausted ExhaustionHandler
	Config    Config
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

func New(dir directory.Directory, store storage.Store, notifier dispatch.Notifier, eta ETA, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Directory: dir,
		Store:     store,
		Notifier:  notifier,
		ETA:       eta,
		Events:    events.Nop{},
		Timers:    NewRoundTimers(nil),
		Config:    cfg,
		Logger:    logger,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

// Candidate is a provider considered for one dispatch round.
type Candidate struct {
	ProviderID     string          `json:"provider_id"`
	DistanceMeters float64         `json:"distance_meters"`
	ETAMinutes     int             `json:"eta_minutes"`
	Profile        models.Provider `json:"profile"`
}

type CandidateQuery struct {
	Origin      models.Coordinate
	ServiceType models.ServiceType
	// RideType, when set, must be one of the provider's tags.
	RideType     string
	RadiusMeters float64 // 0 uses Config.RadiusMeters
	MaxResults   int     // 0 uses Config.MaxResults
	ExcludeIDs   []string
	// InterRegionalZoneID limits candidates to providers allowed to take
	// inter-regional work from that zone.
	InterRegionalZoneID string
}

// FindCandidates returns matchable providers within the radius, nearest
// first, ties kept in directory order.
func (e *Engine) FindCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	start := time.Now()
	defer func() { observability.CandidateSearchLatency.Observe(time.Since(start).Seconds()) }()

	if !q.Origin.Valid() {
		return nil, models.Validationf("invalid origin %v", q.Origin)
	}
	if !q.ServiceType.Valid() {
		return nil, models.Validationf("unknown service type %q", q.ServiceType)
	}
	radius := q.RadiusMeters
	if radius <= 0 {
		radius = e.Config.RadiusMeters
	}
	limit := q.MaxResults
	if limit <= 0 {
		limit = e.Config.MaxResults
	}

	origin := q.Origin
	providers, err := e.Directory.Candidates(ctx, directory.Query{
		ServiceType:         q.ServiceType,
		ExcludeIDs:          q.ExcludeIDs,
		InterRegionalZoneID: q.InterRegionalZoneID,
		Center:              &origin,
		RadiusMeters:        radius,
	})
	if err != nil {
		return nil, models.Dependency("provider directory", err)
	}

	out := make([]Candidate, 0, len(providers))
	for _, p := range providers {
		if p.Loc == nil {
			continue
		}
		d := geo.Distance(origin, *p.Loc)
		if d > radius {
			continue
		}
		if q.RideType != "" && !p.HasTag(q.RideType) {
			continue
		}
		out = append(out, Candidate{ProviderID: p.ID, DistanceMeters: d, Profile: p})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	if len(out) > limit {
		out = out[:limit]
	}
	for i := range out {
		out[i].ETAMinutes = e.eta(ctx, *out[i].Profile.Loc, origin)
	}
	observability.CandidatesFound.Observe(float64(len(out)))
	return out, nil
}

func (e *Engine) eta(ctx context.Context, from, to models.Coordinate) int {
	if e.ETA != nil {
		return e.ETA.Minutes(ctx, from, to)
	}
	return geo.ETA(from, to, e.now())
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.Events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.Logger.Warn("event publish failed", "type", ev.Type, "booking_id", ev.BookingID, "error", err)
	}
}
