package geo

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Mode string

const (
	ModeDriving Mode = "driving"
	ModeWalking Mode = "walking"
	ModeTransit Mode = "transit"
)

// Average straight-line speeds. These approximate travel time without a road
// network; see eta.Router for real routing.
var speedsKmh = map[Mode]float64{
	ModeDriving: 30,
	ModeWalking: 5,
	ModeTransit: 15,
}

// Travel is a duration/distance pair for one straight-line movement.
type Travel struct {
	DurationMinutes int     `json:"duration_minutes"`
	DistanceMeters  float64 `json:"distance_meters"`
}

// EstimatedTravelTime divides the straight-line distance by the mode's average
// speed and rounds up to whole minutes. Unknown modes use the driving speed and
// unusable inputs yield a zero estimate.
func EstimatedTravelTime(a, b models.Coordinate, mode Mode) Travel {
	d := Distance(a, b)
	if math.IsNaN(d) || math.IsInf(d, 0) {
		return Travel{}
	}
	return Travel{DurationMinutes: minutesFor(d, mode), DistanceMeters: d}
}

func minutesFor(meters float64, mode Mode) int {
	kmh, ok := speedsKmh[mode]
	if !ok {
		kmh = speedsKmh[ModeDriving]
	}
	return int(math.Ceil(meters / 1000 / kmh * 60))
}

// TrafficMultiplier scales a base duration by time of day. Weekends win over
// the weekday windows.
func TrafficMultiplier(t time.Time) float64 {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return 0.8
	}
	h := t.Hour()
	switch {
	case (h >= 7 && h < 9) || (h >= 17 && h < 19):
		return 1.5
	case h >= 22 || h < 6:
		return 0.7
	default:
		return 1.0
	}
}

// AdjustForTraffic applies the traffic multiplier for now to a base duration.
func AdjustForTraffic(baseMinutes int, now time.Time) int {
	return int(math.Ceil(float64(baseMinutes) * TrafficMultiplier(now)))
}

// ETA is the traffic-adjusted driving time from a to b in minutes.
func ETA(a, b models.Coordinate, now time.Time) int {
	return AdjustForTraffic(EstimatedTravelTime(a, b, ModeDriving).DurationMinutes, now)
}
