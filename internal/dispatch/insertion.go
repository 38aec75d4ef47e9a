package dispatch

import (
	"context"

	"vandispatch/internal/model"
	"vandispatch/internal/routing"
)

// InsertionSearch enumerates the feasible ways to splice one ride's
// pickup/dropoff pair into one vehicle's task sequence and scores each by
// added drive time. The score is a local estimate against the current
// sequence, not a re-solved tour.
type InsertionSearch struct {
	Routing routing.Provider
}

// Candidates returns every capacity-feasible insertion for ride into v.
// Positions in the returned candidates index the post-insertion sequence.
// Rides missing a coordinate and vehicles without a known position yield
// no candidates.
func (s *InsertionSearch) Candidates(ctx context.Context, ride *model.Ride, v *model.Vehicle) []model.Candidate {
	if !ride.HasCoordinates() || v.Position == nil {
		return nil
	}
	t := len(v.Tasks)

	// Waypoints: vehicle position, existing stops in order, then the two new
	// stops appended at the tail. Insertion slots move only as matrix lookup
	// indices; the physical list order is fixed so one matrix call covers
	// every candidate.
	points := make([]model.GeoPoint, 0, t+3)
	points = append(points, *v.Position)
	for _, task := range v.Tasks {
		points = append(points, *task.Location)
	}
	points = append(points, *ride.Pickup, *ride.Dropoff)

	m := s.Routing.Matrix(ctx, points)
	if len(m.Durations) != len(points) {
		return nil
	}

	var out []model.Candidate
	for p := 0; p <= t; p++ {
		for d := p + 1; d <= t+1; d++ {
			if !capacityFeasible(v, ride.Passengers, p, d) {
				continue
			}
			out = append(out, model.Candidate{
				VehicleID:  v.ID,
				PickupPos:  p,
				DropoffPos: d,
				AddedSec:   addedDuration(m.Durations, t, p, d),
			})
		}
	}
	return out
}

// capacityFeasible simulates the onboard count through the sequence with
// the new pair inserted at (pickupPos, dropoffPos). The ride's passengers
// are held until after the existing task at index dropoffPos-1, so a
// dropoff slotted into the same gap as a following pickup does not free
// capacity for it. Any step outside [0, capacity] rejects the whole
// candidate.
func capacityFeasible(v *model.Vehicle, passengers, pickupPos, dropoffPos int) bool {
	load := v.Onboard
	for i := 0; i <= len(v.Tasks); i++ {
		if i == pickupPos {
			load += passengers
			if load > v.Capacity {
				return false
			}
		}
		if i < len(v.Tasks) {
			load += v.Tasks[i].PassengerDelta
			if load < 0 || load > v.Capacity {
				return false
			}
		}
		if i+1 == dropoffPos {
			load -= passengers
			if load < 0 {
				return false
			}
		}
	}
	return true
}

// addedDuration scores one insertion from the duration matrix. Matrix
// layout: 0 is the vehicle position, 1..t are the existing stops, t+1 and
// t+2 are the new pickup and dropoff. Existing edges bypassed by an
// insertion are subtracted so the delta is not double-counted; the result
// is clamped at zero to absorb matrix noise at the boundaries.
func addedDuration(dur [][]float64, t, pickupPos, dropoffPos int) float64 {
	pickupIdx := t + 1
	dropoffIdx := t + 2

	// Stop immediately preceding the pickup slot (the vehicle itself when
	// pickupPos is 0) happens to share its matrix index with pickupPos.
	added := dur[pickupPos][pickupIdx]

	if dropoffPos == pickupPos+1 {
		added += dur[pickupIdx][dropoffIdx]
		if pickupPos < t {
			added -= dur[pickupPos][pickupPos+1]
		}
	} else {
		added += dur[pickupIdx][pickupPos+1]
		added -= dur[pickupPos][pickupPos+1]
		added += dur[dropoffPos-1][dropoffIdx]
		if dropoffPos <= t {
			added -= dur[dropoffPos-1][dropoffPos]
		}
	}
	if dropoffPos <= t {
		added += dur[dropoffIdx][dropoffPos]
	}
	if added < 0 {
		added = 0
	}
	return added
}
