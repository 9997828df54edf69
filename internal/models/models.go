package models

import (
	"math"
	"time"
)

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is finite and within WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type ServiceType string

const (
	ServiceRide     ServiceType = "ride"
	ServiceDelivery ServiceType = "delivery"
	ServiceCourier  ServiceType = "courier"
)

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceRide, ServiceDelivery, ServiceCourier:
		return true
	}
	return false
}

type Provider struct {
	ID        string      `json:"id"`
	Loc       *Coordinate `json:"loc,omitempty"` // nil while offline
	Online    bool        `json:"online"`
	Available bool        `json:"available"`
	Verified  bool        `json:"verified"`
	Suspended bool        `json:"suspended"`
	// Tags lists the service and ride types the provider can fulfil.
	Tags     []string  `json:"tags"`
	Rating   float64   `json:"rating"` // 0..5
	Earnings int64     `json:"earnings"`
	Updated  time.Time `json:"updated"`
	// LocatedAt is the device time of the last applied position update.
	LocatedAt time.Time `json:"located_at,omitempty"`
}

// HasTag reports whether the provider advertises the given compatibility tag.
func (p Provider) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ProviderZone assigns a provider to a service zone.
type ProviderZone struct {
	ProviderID             string `json:"provider_id"`
	ZoneID                 string `json:"zone_id"`
	CanAcceptInterRegional bool   `json:"can_accept_inter_regional"`
}

type AttemptStatus string

const (
	AttemptSent     AttemptStatus = "SENT"
	AttemptAccepted AttemptStatus = "ACCEPTED"
	AttemptRejected AttemptStatus = "REJECTED"
	AttemptExpired  AttemptStatus = "EXPIRED"
)

// Terminal reports whether no further transition is allowed for the attempt.
func (s AttemptStatus) Terminal() bool { return s != AttemptSent }

// DispatchAttempt records that a provider was offered a booking in a given round.
type DispatchAttempt struct {
	ID          string        `json:"id"`
	BookingID   string        `json:"booking_id"`
	ProviderID  string        `json:"provider_id"`
	Round       int           `json:"round"`
	Status      AttemptStatus `json:"status"`
	NotifiedAt  time.Time     `json:"notified_at"`
	RespondedAt *time.Time    `json:"responded_at,omitempty"`
}

// Notification is the payload handed to the notification channel.
type Notification struct {
	Kind      string         `json:"kind"`
	BookingID string         `json:"booking_id,omitempty"`
	Title     string         `json:"title"`
	Data      map[string]any `json:"data,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

const (
	NotifyBookingOffer     = "booking.offer"
	NotifyProviderAssigned = "booking.provider_assigned"
	NotifyProviderArrived  = "booking.provider_arrived"
	NotifyTripStarted      = "booking.trip_started"
	NotifyTripCompleted    = "booking.trip_completed"
	NotifyNoProvider       = "booking.no_provider"
	NotifyBookingCancelled = "booking.cancelled"
	NotifyApprovalRequired = "booking.approval_required"
)
