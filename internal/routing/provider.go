package routing

import (
	"context"

	"vandispatch/internal/model"
)

// Result is one point-to-point travel estimate. Units are always seconds
// and meters regardless of how the estimate was produced.
type Result struct {
	DurationSec float64 `json:"durationSec"`
	DistanceM   float64 `json:"distanceM"`
}

// MatrixResult holds pairwise travel estimates over an ordered point list.
// Durations is always NxN; Distances may be nil when the backend omits it.
type MatrixResult struct {
	Durations [][]float64 `json:"durations"`
	Distances [][]float64 `json:"distances,omitempty"`
}

// Provider answers travel-time questions. Implementations never return an
// error: transient backend failures resolve to a deterministic geometric
// estimate, so callers can treat every answer as usable.
type Provider interface {
	PointToPoint(ctx context.Context, from, to model.GeoPoint) Result
	Matrix(ctx context.Context, points []model.GeoPoint) MatrixResult
}
