package routing

import (
	"math"

	"vandispatch/internal/model"
)

const (
	earthRadiusM = 6371000.0
	// fallbackSpeedMS is 25 mph in m/s, the assumed average speed when the
	// routing backend is unavailable.
	fallbackSpeedMS = 11.176
)

func haversineM(a, b model.GeoPoint) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// estimate is the deterministic fallback for a single leg.
func estimate(from, to model.GeoPoint) Result {
	d := haversineM(from, to)
	return Result{DurationSec: d / fallbackSpeedMS, DistanceM: d}
}

// estimateMatrix computes the pairwise fallback matrix. For fewer than two
// points it returns a trivial 1x1 zero matrix.
func estimateMatrix(points []model.GeoPoint) MatrixResult {
	if len(points) < 2 {
		return MatrixResult{Durations: [][]float64{{0}}, Distances: [][]float64{{0}}}
	}
	n := len(points)
	dur := make([][]float64, n)
	dist := make([][]float64, n)
	for i := 0; i < n; i++ {
		dur[i] = make([]float64, n)
		dist[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			r := estimate(points[i], points[j])
			dur[i][j] = r.DurationSec
			dist[i][j] = r.DistanceM
		}
	}
	return MatrixResult{Durations: dur, Distances: dist}
}
