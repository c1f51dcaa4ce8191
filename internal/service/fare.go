package service

import (
	"math"

	"ridecore/internal/config"
	"ridecore/internal/domain"
	"ridecore/internal/metrics"
)

// FareRequest is the geometry and context of one quote.
type FareRequest struct {
	DistanceKm       float64
	PickupDistanceKm float64
	WaitingMinutes   float64
	IsNight          bool
	StopsCount       int // Accepted for the contract; stops are already part of DistanceKm
}

// FareCalculator computes itemized fares from a tariff. It has no state
// beyond the tariff and never fails.
type FareCalculator struct {
	tariff  config.FareConfig
	metrics *metrics.Metrics
}

// NewFareCalculator creates a FareCalculator for tariff.
func NewFareCalculator(tariff config.FareConfig, m *metrics.Metrics) *FareCalculator {
	return &FareCalculator{tariff: tariff, metrics: m}
}

// Tariff returns the configured tariff.
func (c *FareCalculator) Tariff() config.FareConfig {
	return c.tariff
}

// Calculate returns the fare for req. Negative inputs are treated as zero.
func (c *FareCalculator) Calculate(req FareRequest) domain.FareBreakdown {
	t := c.tariff

	distance := clamp(req.DistanceKm)
	pickupDistance := clamp(req.PickupDistanceKm)
	waiting := clamp(req.WaitingMinutes)

	baseCost := t.BaseFareFirst5Km
	if distance > 5 {
		baseCost += (distance - 5) * t.FarePerKmAfter5
	}

	var pickupCost float64
	if pickupDistance > t.PickupFreeDistanceKm {
		pickupCost = (pickupDistance - t.PickupFreeDistanceKm) * t.PickupFarePerKm
	}

	var nightFee float64
	if req.IsNight {
		nightFee = t.NightFee
	}

	waitingCost := math.Max(0, waiting-t.WaitingFreeMinutes) * t.WaitingFarePerMinute

	c.metrics.FareQuoted()

	return domain.FareBreakdown{
		DistanceKm:       round2(distance),
		BaseCost:         round2(baseCost),
		PickupDistanceKm: round2(pickupDistance),
		PickupCost:       round2(pickupCost),
		NightFee:         round2(nightFee),
		WaitingMinutes:   round2(waiting),
		WaitingCost:      round2(waitingCost),
		TotalCost:        roundCurrency(baseCost + pickupCost + nightFee + waitingCost),
		Currency:         t.Currency,
	}
}

// roundCurrency rounds to a whole unit, half up.
func roundCurrency(v float64) float64 {
	whole := math.Floor(v)
	if v-whole >= 0.5 {
		return whole + 1
	}
	return whole
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}
