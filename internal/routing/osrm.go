package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vandispatch/internal/metrics"
	"vandispatch/internal/model"
)

// OSRM speaks the OSRM HTTP API (route, table, trip endpoints) with a
// bounded per-request timeout. Every failure path degrades to the haversine
// estimator; callers never see an error.
type OSRM struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

func NewOSRM(baseURL string, timeout time.Duration, logger *slog.Logger) *OSRM {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("routing backend returned %d: %s", e.Code, e.Body)
}

type routeResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

type tableResponse struct {
	Code      string      `json:"code"`
	Durations [][]float64 `json:"durations"`
	Distances [][]float64 `json:"distances"`
}

type tripResponse struct {
	Code      string `json:"code"`
	Waypoints []struct {
		WaypointIndex int `json:"waypoint_index"`
	} `json:"waypoints"`
	Trips []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"trips"`
}

// coordPath renders points as the OSRM "lng,lat;lng,lat" path segment.
func coordPath(points []model.GeoPoint) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%f,%f", p.Lng, p.Lat)
	}
	return strings.Join(parts, ";")
}

func (o *OSRM) get(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PointToPoint returns the drive estimate between two points, falling back
// to the haversine estimator on any backend failure.
func (o *OSRM) PointToPoint(ctx context.Context, from, to model.GeoPoint) Result {
	if from == to {
		return Result{}
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=false", o.baseURL, coordPath([]model.GeoPoint{from, to}))
	var rr routeResponse
	if err := o.get(ctx, url, &rr); err != nil {
		o.fallback("route", err)
		return estimate(from, to)
	}
	if rr.Code != "Ok" || len(rr.Routes) == 0 {
		o.fallback("route", fmt.Errorf("code=%q routes=%d", rr.Code, len(rr.Routes)))
		return estimate(from, to)
	}
	return Result{DurationSec: rr.Routes[0].Duration, DistanceM: rr.Routes[0].Distance}
}

// Matrix returns the NxN duration matrix (plus distances when available)
// over the ordered point list. For fewer than two points it returns the
// trivial 1x1 zero matrix without touching the network.
func (o *OSRM) Matrix(ctx context.Context, points []model.GeoPoint) MatrixResult {
	if len(points) < 2 {
		return estimateMatrix(points)
	}
	url := fmt.Sprintf("%s/table/v1/driving/%s?annotations=duration,distance", o.baseURL, coordPath(points))
	var tr tableResponse
	if err := o.get(ctx, url, &tr); err != nil {
		o.fallback("table", err)
		return estimateMatrix(points)
	}
	if tr.Code != "Ok" || len(tr.Durations) != len(points) {
		o.fallback("table", fmt.Errorf("code=%q rows=%d", tr.Code, len(tr.Durations)))
		return estimateMatrix(points)
	}
	for _, row := range tr.Durations {
		if len(row) != len(points) {
			o.fallback("table", fmt.Errorf("ragged duration row: %d", len(row)))
			return estimateMatrix(points)
		}
	}
	return MatrixResult{Durations: tr.Durations, Distances: tr.Distances}
}

// Trip asks the backend for an optimized visiting order over the waypoints,
// keeping the first point fixed as the start. On failure it returns the
// identity order with a fallback duration sum.
func (o *OSRM) Trip(ctx context.Context, points []model.GeoPoint) ([]int, Result) {
	identity := func() ([]int, Result) {
		order := make([]int, len(points))
		var total Result
		for i := range points {
			order[i] = i
			if i > 0 {
				leg := estimate(points[i-1], points[i])
				total.DurationSec += leg.DurationSec
				total.DistanceM += leg.DistanceM
			}
		}
		return order, total
	}
	if len(points) < 2 {
		return identity()
	}
	url := fmt.Sprintf("%s/trip/v1/driving/%s?source=first&roundtrip=false", o.baseURL, coordPath(points))
	var tr tripResponse
	if err := o.get(ctx, url, &tr); err != nil {
		o.fallback("trip", err)
		return identity()
	}
	if tr.Code != "Ok" || len(tr.Trips) == 0 || len(tr.Waypoints) != len(points) {
		o.fallback("trip", fmt.Errorf("code=%q trips=%d", tr.Code, len(tr.Trips)))
		return identity()
	}
	order := make([]int, len(points))
	for i, wp := range tr.Waypoints {
		if wp.WaypointIndex < 0 || wp.WaypointIndex >= len(points) {
			o.fallback("trip", fmt.Errorf("waypoint index %d out of range", wp.WaypointIndex))
			return identity()
		}
		order[wp.WaypointIndex] = i
	}
	return order, Result{DurationSec: tr.Trips[0].Duration, DistanceM: tr.Trips[0].Distance}
}

// fallback records a degraded call. Not an application error.
func (o *OSRM) fallback(endpoint string, err error) {
	metrics.RoutingFallbacks.WithLabelValues(endpoint).Inc()
	o.logger.Warn("routing backend unavailable, using haversine estimate",
		"endpoint", endpoint, "err", err)
}
