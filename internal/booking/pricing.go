package booking

import (
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

// Tariff amounts are in minor currency units.
type Tariff struct {
	Base  int64 `json:"base"`
	PerKm int64 `json:"per_km"`
}

type Pricing struct {
	Currency string
	Tariffs  map[models.ServiceType]Tariff
	// CommissionRates overrides DefaultCommissionRate per service type.
	CommissionRates       map[models.ServiceType]float64
	DefaultCommissionRate float64
	// UnitSize is the number of minor units in one whole currency unit.
	UnitSize int64
}

func DefaultPricing(currency string, commissionRate float64) Pricing {
	if commissionRate <= 0 {
		commissionRate = 0.18
	}
	return Pricing{
		Currency: currency,
		Tariffs: map[models.ServiceType]Tariff{
			models.ServiceRide:     {Base: 500, PerKm: 150},
			models.ServiceDelivery: {Base: 400, PerKm: 120},
			models.ServiceCourier:  {Base: 300, PerKm: 100},
		},
		DefaultCommissionRate: commissionRate,
		UnitSize:              100,
	}
}

func (p Pricing) unit() int64 {
	if p.UnitSize <= 0 {
		return 1
	}
	return p.UnitSize
}

// Fare is (base + km * perKm) * surge rounded to the nearest whole currency
// unit. A surge below 1 is treated as 1.
func (p Pricing) Fare(st models.ServiceType, distanceMeters, surge float64) int64 {
	t := p.Tariffs[st]
	if surge < 1 || math.IsNaN(surge) {
		surge = 1
	}
	raw := (float64(t.Base) + distanceMeters/1000*float64(t.PerKm)) * surge
	u := float64(p.unit())
	return int64(math.Round(raw/u)) * p.unit()
}

func (p Pricing) CommissionRate(st models.ServiceType) float64 {
	if r, ok := p.CommissionRates[st]; ok && r >= 0 && r <= 1 {
		return r
	}
	if p.DefaultCommissionRate > 0 {
		return p.DefaultCommissionRate
	}
	return 0.18
}

// Split divides a final price so that commission + earning == final.
func (p Pricing) Split(st models.ServiceType, final int64) (commission, earning int64) {
	commission = int64(math.Round(float64(final) * p.CommissionRate(st)))
	return commission, final - commission
}
