package models

import "time"

type BookingStatus string

const (
	StatusPending           BookingStatus = "PENDING"
	StatusDriverAssigned    BookingStatus = "DRIVER_ASSIGNED"
	StatusDriverArrived     BookingStatus = "DRIVER_ARRIVED"
	StatusInProgress        BookingStatus = "IN_PROGRESS"
	StatusCompleted         BookingStatus = "COMPLETED"
	StatusNoDriverAvailable BookingStatus = "NO_DRIVER_AVAILABLE"
	StatusCancelled         BookingStatus = "CANCELLED"
)

// allowedTransitions is the booking state machine as code.
var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:        {StatusDriverAssigned, StatusNoDriverAvailable, StatusCancelled},
	StatusDriverAssigned: {StatusDriverArrived, StatusInProgress, StatusCancelled},
	StatusDriverArrived:  {StatusInProgress},
	StatusInProgress:     {StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the booking state machine.
func CanTransition(from, to BookingStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s BookingStatus) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Engaged reports whether a provider assigned at this status is still on the job.
func (s BookingStatus) Engaged() bool {
	switch s {
	case StatusDriverAssigned, StatusDriverArrived, StatusInProgress:
		return true
	}
	return false
}

type BookingType string

const (
	BookingImmediate BookingType = "immediate"
	BookingScheduled BookingType = "scheduled"
)

type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "card"
	PaymentCash   PaymentMethod = "cash"
	PaymentWallet PaymentMethod = "wallet"
)

// Booking is the aggregate driven by the lifecycle controller. Money fields
// are in minor currency units.
type Booking struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id"`
	ProviderID  string        `json:"provider_id,omitempty"`
	ServiceType ServiceType   `json:"service_type"`
	RideType    string        `json:"ride_type,omitempty"`
	Type        BookingType   `json:"type"`
	ScheduledAt *time.Time    `json:"scheduled_at,omitempty"`
	Pickup      Coordinate    `json:"pickup"`
	Dropoff     Coordinate    `json:"dropoff"`
	Status      BookingStatus `json:"status"`
	// Version is bumped on every persisted change and guards conditional updates.
	Version       int `json:"version"`
	DispatchRound int `json:"dispatch_round"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	ArrivedAt    *time.Time `json:"arrived_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	NoProviderAt *time.Time `json:"no_provider_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledBy  string     `json:"cancelled_by,omitempty"`
	ProviderETA  int        `json:"provider_eta_minutes,omitempty"`

	Currency             string        `json:"currency"`
	SurgeMultiplier      float64       `json:"surge_multiplier"`
	EstimatedPrice       int64         `json:"estimated_price"`
	FinalPrice           int64         `json:"final_price"`
	PlatformCommission   int64         `json:"platform_commission"`
	ProviderEarning      int64         `json:"provider_earning"`
	ActualDistanceMeters float64       `json:"actual_distance_meters,omitempty"`
	PaymentMethod        PaymentMethod `json:"payment_method"`
	PaymentTxID          string        `json:"payment_tx_id,omitempty"`
	PaymentStatus        string        `json:"payment_status,omitempty"`

	OriginZoneID      string `json:"origin_zone_id,omitempty"`
	DestinationZoneID string `json:"destination_zone_id,omitempty"`
	InterRegionalFee  int64  `json:"inter_regional_fee"`
	IsInterRegional   bool   `json:"is_inter_regional"`
	RequiresApproval  bool   `json:"requires_approval"`
}

// Clone returns a copy that shares no pointers with b.
func (b *Booking) Clone() *Booking {
	c := *b
	c.ScheduledAt = cloneTime(b.ScheduledAt)
	c.AssignedAt = cloneTime(b.AssignedAt)
	c.ArrivedAt = cloneTime(b.ArrivedAt)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	c.CancelledAt = cloneTime(b.CancelledAt)
	c.NoProviderAt = cloneTime(b.NoProviderAt)
	return &c
}

// MarkStatus moves the booking to status and stamps the matching timestamp.
// Callers check CanTransition first.
func (b *Booking) MarkStatus(status BookingStatus, at time.Time) {
	b.Status = status
	b.UpdatedAt = at
	t := at
	switch status {
	case StatusDriverAssigned:
		b.AssignedAt = &t
	case StatusDriverArrived:
		b.ArrivedAt = &t
	case StatusInProgress:
		b.StartedAt = &t
	case StatusCompleted:
		b.CompletedAt = &t
	case StatusCancelled:
		b.CancelledAt = &t
	case StatusNoDriverAvailable:
		b.NoProviderAt = &t
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
