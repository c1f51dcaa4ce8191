package domain

// FareBreakdown is an itemized fare quote. A re-quote produces a new value.
type FareBreakdown struct {
	DistanceKm       float64 `json:"distance_km"`
	BaseCost         float64 `json:"base_cost"`
	PickupDistanceKm float64 `json:"pickup_distance_km"`
	PickupCost       float64 `json:"pickup_cost"`
	NightFee         float64 `json:"night_fee"`
	WaitingMinutes   float64 `json:"waiting_minutes"`
	WaitingCost      float64 `json:"waiting_cost"`
	TotalCost        float64 `json:"total_cost"`
	Currency         string  `json:"currency"`
}
