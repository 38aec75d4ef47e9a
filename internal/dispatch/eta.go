package dispatch

import (
	"context"
	"time"

	"vandispatch/internal/model"
	"vandispatch/internal/routing"
	"vandispatch/internal/store"
)

// Eta is an estimated pickup for one ride.
type Eta struct {
	RideID      string    `json:"rideId"`
	DurationSec float64   `json:"durationSec"`
	Arrival     time.Time `json:"arrival"`
}

// EtaCalculator derives a ride's expected pickup time by summing the drive
// legs from its vehicle's current position through the remaining stops
// ahead of the pickup.
type EtaCalculator struct {
	Store   store.Store
	Routing routing.Provider
}

// Eta returns nil (no error) when the ride has no vehicle, the vehicle has
// no known position, or the pickup is already done. Those are expected
// states, not failures.
func (e *EtaCalculator) Eta(ctx context.Context, tenantID, rideID string) (*Eta, error) {
	ride, err := e.Store.GetRide(ctx, tenantID, rideID)
	if err != nil {
		return nil, err
	}
	if ride.VehicleID == "" || ride.PickupTaskID == "" {
		return nil, nil
	}
	vehicle, err := e.Store.GetVehicle(ctx, tenantID, ride.VehicleID)
	if err != nil {
		return nil, err
	}
	if vehicle.Position == nil {
		return nil, nil
	}

	var pickup *model.Task
	for i := range vehicle.Tasks {
		if vehicle.Tasks[i].ID == ride.PickupTaskID {
			pickup = &vehicle.Tasks[i]
			break
		}
	}
	if pickup == nil || pickup.Completed {
		return nil, nil
	}

	legs := []model.GeoPoint{*vehicle.Position}
	for _, t := range vehicle.Tasks {
		if t.Completed || t.Position >= pickup.Position || t.Location == nil {
			continue
		}
		legs = append(legs, *t.Location)
	}
	legs = append(legs, *pickup.Location)

	var total float64
	for i := 1; i < len(legs); i++ {
		total += e.Routing.PointToPoint(ctx, legs[i-1], legs[i]).DurationSec
	}
	return &Eta{
		RideID:      rideID,
		DurationSec: total,
		Arrival:     time.Now().UTC().Add(time.Duration(total * float64(time.Second))),
	}, nil
}
