package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vandispatch/internal/model"
)

var (
	ptA = model.GeoPoint{Lat: 40.0, Lng: -75.0}
	ptB = model.GeoPoint{Lat: 40.1, Lng: -75.1}
	ptC = model.GeoPoint{Lat: 40.2, Lng: -75.2}
)

func TestEstimateDeterministic(t *testing.T) {
	r1 := estimate(ptA, ptB)
	r2 := estimate(ptA, ptB)
	if r1 != r2 {
		t.Fatalf("estimate not deterministic: %+v vs %+v", r1, r2)
	}
	if r1.DurationSec <= 0 || r1.DistanceM <= 0 {
		t.Fatalf("distinct points must yield positive estimate, got %+v", r1)
	}
	same := estimate(ptA, ptA)
	if same.DurationSec != 0 || same.DistanceM != 0 {
		t.Fatalf("identical points must yield zero, got %+v", same)
	}
}

func TestEstimateMatrixShape(t *testing.T) {
	m := estimateMatrix([]model.GeoPoint{ptA, ptB, ptC})
	if len(m.Durations) != 3 {
		t.Fatalf("want 3 rows, got %d", len(m.Durations))
	}
	for i, row := range m.Durations {
		if len(row) != 3 {
			t.Fatalf("row %d: want 3 cols, got %d", i, len(row))
		}
		if row[i] != 0 {
			t.Fatalf("diagonal must be zero, got %f", row[i])
		}
	}
	if m.Durations[0][1] <= 0 {
		t.Fatal("off-diagonal must be positive for distinct points")
	}

	single := estimateMatrix([]model.GeoPoint{ptA})
	if len(single.Durations) != 1 || single.Durations[0][0] != 0 {
		t.Fatalf("single point must yield 1x1 zero matrix, got %+v", single)
	}
}

func TestPointToPointUsesBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5,"distance":4200}]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	got := o.PointToPoint(context.Background(), ptA, ptB)
	if got.DurationSec != 321.5 || got.DistanceM != 4200 {
		t.Fatalf("unexpected result %+v", got)
	}
}

func TestPointToPointIdenticalPointsShortCircuit(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	got := o.PointToPoint(context.Background(), ptA, ptA)
	if got.DurationSec != 0 || got.DistanceM != 0 {
		t.Fatalf("want zero result, got %+v", got)
	}
	if called {
		t.Fatal("identical points must not hit the backend")
	}
}

func TestPointToPointFallsBackOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	got := o.PointToPoint(context.Background(), ptA, ptB)
	want := estimate(ptA, ptB)
	if got != want {
		t.Fatalf("want fallback estimate %+v, got %+v", want, got)
	}
}

func TestPointToPointFallsBackOnBadCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	got := o.PointToPoint(context.Background(), ptA, ptB)
	if got != estimate(ptA, ptB) {
		t.Fatalf("want fallback estimate, got %+v", got)
	}
}

func TestMatrixValidatesShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 3 points requested, 2x2 returned: must be rejected.
		_, _ = w.Write([]byte(`{"code":"Ok","durations":[[0,1],[1,0]]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	points := []model.GeoPoint{ptA, ptB, ptC}
	got := o.Matrix(context.Background(), points)
	if len(got.Durations) != 3 {
		t.Fatalf("fallback matrix must match point count, got %d rows", len(got.Durations))
	}
}

func TestMatrixPassesThroughBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "annotations=duration,distance") {
			t.Errorf("missing annotations query: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","durations":[[0,10],[12,0]],"distances":[[0,100],[120,0]]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	got := o.Matrix(context.Background(), []model.GeoPoint{ptA, ptB})
	if got.Durations[0][1] != 10 || got.Durations[1][0] != 12 {
		t.Fatalf("unexpected durations %+v", got.Durations)
	}
	if got.Distances[1][0] != 120 {
		t.Fatalf("unexpected distances %+v", got.Distances)
	}
}

func TestTripReturnsOptimizedOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Backend visits point 0 first, point 2 second, point 1 last.
		_, _ = w.Write([]byte(`{"code":"Ok","waypoints":[{"waypoint_index":0},{"waypoint_index":2},{"waypoint_index":1}],"trips":[{"duration":900,"distance":8000}]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	order, total := o.Trip(context.Background(), []model.GeoPoint{ptA, ptB, ptC})
	if len(order) != 3 || order[0] != 0 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("unexpected order %v", order)
	}
	if total.DurationSec != 900 {
		t.Fatalf("unexpected total %+v", total)
	}
}

func TestTripIdentityFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, time.Second, nil)
	order, total := o.Trip(context.Background(), []model.GeoPoint{ptA, ptB, ptC})
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("want identity order, got %v", order)
	}
	if total.DurationSec <= 0 {
		t.Fatalf("fallback total must be positive, got %+v", total)
	}
}
