package dispatch

import (
	"math"

	"vandispatch/internal/model"
)

// ImproveVehicleOrder applies a 2-opt heuristic to a vehicle's open task
// sequence, accepting a reversal only when it shortens the path while
// keeping every pickup ahead of its dropoff and the onboard count within
// capacity. Returns the (possibly unchanged) sequence.
func ImproveVehicleOrder(v *model.Vehicle, iterations int) []model.Task {
	if iterations <= 0 {
		iterations = 1
	}
	best := append([]model.Task(nil), v.Tasks...)
	if len(best) < 4 || v.Position == nil {
		return best
	}
	bestDist := sequenceDistance(*v.Position, best)
	n := len(best)
	for it := 0; it < iterations; it++ {
		improved := false
		for i := 0; i < n-1; i++ {
			for k := i + 1; k < n; k++ {
				cand := twoOptSwap(best, i, k)
				if !sequenceValid(v, cand) {
					continue
				}
				d := sequenceDistance(*v.Position, cand)
				if d+1e-3 < bestDist {
					best = cand
					bestDist = d
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return best
}

func twoOptSwap(tasks []model.Task, i, k int) []model.Task {
	out := make([]model.Task, len(tasks))
	copy(out, tasks[:i])
	// reverse i..k
	pos := i
	for j := k; j >= i; j-- {
		out[pos] = tasks[j]
		pos++
	}
	copy(out[pos:], tasks[k+1:])
	return out
}

// sequenceValid checks the pairing and capacity invariants over a
// candidate order.
func sequenceValid(v *model.Vehicle, tasks []model.Task) bool {
	load := v.Onboard
	pickupSeen := map[string]bool{}
	for _, t := range tasks {
		if t.RideID != "" {
			switch t.Kind {
			case model.TaskPickup:
				pickupSeen[t.RideID] = true
			case model.TaskDropoff:
				if !pickupSeen[t.RideID] {
					// Dropoff for a ride already onboard has no pickup task
					// in the open sequence; that is fine. A reordered-ahead
					// dropoff of an open pair is not.
					if hasPickup(tasks, t.RideID) {
						return false
					}
				}
			}
		}
		load += t.PassengerDelta
		if load < 0 || load > v.Capacity {
			return false
		}
	}
	return true
}

func hasPickup(tasks []model.Task, rideID string) bool {
	for _, t := range tasks {
		if t.RideID == rideID && t.Kind == model.TaskPickup {
			return true
		}
	}
	return false
}

func sequenceDistance(start model.GeoPoint, tasks []model.Task) float64 {
	total := 0.0
	cur := start
	for _, t := range tasks {
		if t.Location == nil {
			continue
		}
		total += haversineMeters(cur.Lat, cur.Lng, t.Location.Lat, t.Location.Lng)
		cur = *t.Location
	}
	return total
}

// Haversine duplicate; the routing package keeps its estimator unexported.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
