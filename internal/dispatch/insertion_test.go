package dispatch

import (
	"context"
	"math"
	"testing"

	"vandispatch/internal/model"
	"vandispatch/internal/routing"
)

// l1Routing is a deterministic metric for tests: one second per 0.001
// degree of Manhattan distance. Triangle inequality holds, so insertion
// deltas are never negative.
type l1Routing struct{}

func l1(a, b model.GeoPoint) float64 {
	return (math.Abs(a.Lat-b.Lat) + math.Abs(a.Lng-b.Lng)) * 1000
}

func (l1Routing) PointToPoint(_ context.Context, from, to model.GeoPoint) routing.Result {
	d := l1(from, to)
	return routing.Result{DurationSec: d, DistanceM: d}
}

func (l1Routing) Matrix(_ context.Context, points []model.GeoPoint) routing.MatrixResult {
	n := len(points)
	dur := make([][]float64, n)
	for i := range dur {
		dur[i] = make([]float64, n)
		for j := range dur[i] {
			dur[i][j] = l1(points[i], points[j])
		}
	}
	return routing.MatrixResult{Durations: dur}
}

func gp(lat, lng float64) *model.GeoPoint { return &model.GeoPoint{Lat: lat, Lng: lng} }

func testRide(passengers int, pickup, dropoff *model.GeoPoint) *model.Ride {
	return &model.Ride{
		ID:         "ride-1",
		TenantID:   "t1",
		Status:     model.RidePending,
		Passengers: passengers,
		Pickup:     pickup,
		Dropoff:    dropoff,
	}
}

func TestCandidatesEmptyVehicle(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	v := &model.Vehicle{ID: "v1", Capacity: 4, Position: gp(0, 0)}
	ride := testRide(2, gp(0.001, 0), gp(0.002, 0))

	got := s.Candidates(context.Background(), ride, v)
	if len(got) != 1 {
		t.Fatalf("want exactly one candidate for an empty vehicle, got %d", len(got))
	}
	c := got[0]
	if c.PickupPos != 0 || c.DropoffPos != 1 {
		t.Fatalf("want (0,1), got (%d,%d)", c.PickupPos, c.DropoffPos)
	}
	// vehicle->pickup (1s) + pickup->dropoff (1s)
	if c.AddedSec != 2 {
		t.Fatalf("want addedSec 2, got %f", c.AddedSec)
	}
}

func TestCandidatesOfflineVehicle(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	v := &model.Vehicle{ID: "v1", Capacity: 4}
	if got := s.Candidates(context.Background(), testRide(1, gp(0.001, 0), gp(0.002, 0)), v); got != nil {
		t.Fatalf("offline vehicle must yield no candidates, got %v", got)
	}
}

func TestCandidatesRideWithoutCoordinates(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	v := &model.Vehicle{ID: "v1", Capacity: 4, Position: gp(0, 0)}
	if got := s.Candidates(context.Background(), testRide(1, gp(0.001, 0), nil), v); got != nil {
		t.Fatalf("ride without dropoff must yield no candidates, got %v", got)
	}
}

// A pending 2-seat pickup already in the sequence blocks a 3-passenger ride
// on a 4-seat vehicle at every position: the ride's seats are counted as
// held across the existing pickup no matter where the new dropoff lands.
func TestCandidatesCapacityRejectsEveryPosition(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	v := &model.Vehicle{
		ID: "v1", Capacity: 4, Onboard: 0, Position: gp(0, 0),
		Tasks: []model.Task{
			{ID: "t-existing", Kind: model.TaskPickup, Location: gp(0.005, 0), Position: 0, PassengerDelta: 2},
		},
	}
	got := s.Candidates(context.Background(), testRide(3, gp(0.001, 0), gp(0.002, 0)), v)
	if len(got) != 0 {
		t.Fatalf("want no feasible insertion, got %d candidates: %+v", len(got), got)
	}
}

func TestCandidatesOnboardCountsAgainstCapacity(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	v := &model.Vehicle{ID: "v1", Capacity: 4, Onboard: 3, Position: gp(0, 0)}

	if got := s.Candidates(context.Background(), testRide(2, gp(0.001, 0), gp(0.002, 0)), v); len(got) != 0 {
		t.Fatalf("2 passengers with 3 onboard must not fit capacity 4, got %d", len(got))
	}
	if got := s.Candidates(context.Background(), testRide(1, gp(0.001, 0), gp(0.002, 0)), v); len(got) != 1 {
		t.Fatalf("1 passenger with 3 onboard must fit capacity 4, got %d", len(got))
	}
}

func TestCandidatesEnumerationBounds(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	// Two existing zero-delta stops so every slot pair is feasible.
	v := &model.Vehicle{
		ID: "v1", Capacity: 4, Position: gp(0, 0),
		Tasks: []model.Task{
			{ID: "a", Location: gp(0.003, 0), Position: 0},
			{ID: "b", Location: gp(0.004, 0), Position: 1},
		},
	}
	got := s.Candidates(context.Background(), testRide(1, gp(0.001, 0), gp(0.002, 0)), v)
	// pairs (p,d) with 0<=p<=2, p<d<=3
	if len(got) != 6 {
		t.Fatalf("want 6 candidates, got %d", len(got))
	}
	seenTail := false
	for _, c := range got {
		if c.DropoffPos <= c.PickupPos {
			t.Fatalf("dropoff must follow pickup: %+v", c)
		}
		if c.AddedSec < 0 {
			t.Fatalf("added duration must be non-negative: %+v", c)
		}
		if c.PickupPos == 2 && c.DropoffPos == 3 {
			seenTail = true
		}
	}
	if !seenTail {
		t.Fatal("tail append (2,3) must be enumerated")
	}
}

func TestAddedDurationTailAppend(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	v := &model.Vehicle{
		ID: "v1", Capacity: 4, Position: gp(0, 0),
		Tasks: []model.Task{{ID: "a", Location: gp(0.010, 0), Position: 0}},
	}
	ride := testRide(1, gp(0.011, 0), gp(0.012, 0))
	got := s.Candidates(context.Background(), ride, v)

	var tail *model.Candidate
	for i := range got {
		if got[i].PickupPos == 1 && got[i].DropoffPos == 2 {
			tail = &got[i]
		}
	}
	if tail == nil {
		t.Fatal("tail candidate missing")
	}
	// last stop -> pickup (1s) + pickup -> dropoff (1s); no bypassed edge.
	if tail.AddedSec != 2 {
		t.Fatalf("want tail addedSec 2, got %f", tail.AddedSec)
	}
}

func TestAddedDurationDetourBeatsBacktrack(t *testing.T) {
	s := &InsertionSearch{Routing: l1Routing{}}
	// Vehicle heading to a stop at 0.010; the new ride lies on the way.
	v := &model.Vehicle{
		ID: "v1", Capacity: 4, Position: gp(0, 0),
		Tasks: []model.Task{{ID: "a", Location: gp(0.010, 0), Position: 0}},
	}
	ride := testRide(1, gp(0.002, 0), gp(0.004, 0))
	got := s.Candidates(context.Background(), ride, v)

	byPos := map[[2]int]float64{}
	for _, c := range got {
		byPos[[2]int{c.PickupPos, c.DropoffPos}] = c.AddedSec
	}
	// On-the-way insertion before the existing stop costs nothing extra.
	if byPos[[2]int{0, 1}] != 0 {
		t.Fatalf("on-the-way insertion should add 0, got %f", byPos[[2]int{0, 1}])
	}
	// Appending after the far stop forces a backtrack.
	if byPos[[2]int{1, 2}] <= byPos[[2]int{0, 1}] {
		t.Fatalf("backtracking append must cost more: %v", byPos)
	}
}
