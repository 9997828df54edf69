package models

type ZoneShape string

const (
	ShapeCircle  ZoneShape = "circle"
	ShapePolygon ZoneShape = "polygon"
)

// ServiceZone is read-only reference data describing where the marketplace
// operates. Fees are in minor currency units.
type ServiceZone struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ParentZoneID string       `json:"parent_zone_id,omitempty"`
	Shape        ZoneShape    `json:"shape"`
	Center       Coordinate   `json:"center"`
	RadiusMeters float64      `json:"radius_meters,omitempty"`
	Boundary     []Coordinate `json:"boundary,omitempty"`
	Priority     int          `json:"priority"`
	Active       bool         `json:"active"`

	ConnectedZones      []string `json:"connected_zones,omitempty"`
	AllowsInterRegional bool     `json:"allows_inter_regional"`
	InterRegionalFee    int64    `json:"inter_regional_fee"`
	HighRisk            bool     `json:"high_risk"`
	International       bool     `json:"international"`
}

// ConnectedTo reports whether other is listed in z's connected zones.
func (z ServiceZone) ConnectedTo(other string) bool {
	for _, id := range z.ConnectedZones {
		if id == other {
			return true
		}
	}
	return false
}
