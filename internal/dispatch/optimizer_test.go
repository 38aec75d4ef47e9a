package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"vandispatch/internal/events"
	"vandispatch/internal/model"
	"vandispatch/internal/routing"
	"vandispatch/internal/store"
)

type recordPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordPublisher) Publish(_ context.Context, evt events.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recordPublisher) byType(typ string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func newTestOptimizer(t *testing.T, s store.Store) (*Optimizer, *recordPublisher) {
	t.Helper()
	pub := &recordPublisher{}
	return NewOptimizer(s, l1Routing{}, pub, nil), pub
}

func seedVehicle(t *testing.T, s store.Store, capacity int, at *model.GeoPoint) model.Vehicle {
	t.Helper()
	v, err := s.CreateVehicle(context.Background(), "t1", model.Vehicle{Capacity: capacity, Position: at})
	if err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	return v
}

func seedRide(t *testing.T, s store.Store, priority, passengers int, pickup, dropoff *model.GeoPoint) model.Ride {
	t.Helper()
	r, err := s.CreateRide(context.Background(), "t1", model.RideInput{
		Priority: priority, Passengers: passengers, Pickup: pickup, Dropoff: dropoff,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestRunEmptyIsNoop(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)
	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Assignments) != 0 || summary.TotalAddedSec != 0 {
		t.Fatalf("want empty summary, got %+v", summary)
	}
	if summary.FinishedAt.IsZero() {
		t.Fatal("FinishedAt must be set")
	}
}

func TestRunAssignsHighestPriorityFirst(t *testing.T) {
	mem := store.NewMemory()
	opt, pub := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0, 0))
	low := seedRide(t, mem, 1, 4, gp(0.001, 0), gp(0.002, 0))
	high := seedRide(t, mem, 5, 4, gp(0.005, 0), gp(0.006, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Assignments) != 2 {
		t.Fatalf("want both rides assigned, got %d", len(summary.Assignments))
	}
	if summary.Assignments[0].RideID != high.ID {
		t.Fatalf("priority 5 must be placed before priority 1, got first=%s", summary.Assignments[0].RideID)
	}
	if summary.Assignments[1].RideID != low.ID {
		t.Fatalf("priority 1 must be placed second, got %s", summary.Assignments[1].RideID)
	}

	got, _ := mem.GetRide(context.Background(), "t1", high.ID)
	if got.Status != model.RideAssigned || got.PickupTaskID == "" || got.DropoffTaskID == "" {
		t.Fatalf("ride not fully committed: %+v", got)
	}
	if n := len(pub.byType(events.RideUpdated)); n != 2 {
		t.Fatalf("want 2 ride.updated events, got %d", n)
	}
}

func TestRunSharedCapacityAcrossPass(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0, 0))
	// Two 3-passenger rides with interleaved stops. The second ride's
	// cheapest slots lie inside the first ride's leg, but the first ride's
	// seats are already held there, so the second is pushed to the tail.
	first := seedRide(t, mem, 0, 3, gp(0.001, 0), gp(0.010, 0))
	second := seedRide(t, mem, 0, 3, gp(0.002, 0), gp(0.003, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Assignments) != 2 {
		t.Fatalf("want both rides assigned, got %d", len(summary.Assignments))
	}
	if summary.Assignments[0].RideID != first.ID {
		t.Fatalf("earlier ride must be placed first, got %s", summary.Assignments[0].RideID)
	}
	got := summary.Assignments[1]
	if got.RideID != second.ID || got.PickupPos != 2 || got.DropoffPos != 3 {
		t.Fatalf("second ride must land after the first ride's dropoff, got %+v", got)
	}
}

func TestRunInfeasibleRideStaysPending(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0, 0))
	r := seedRide(t, mem, 0, 5, gp(0.001, 0), gp(0.002, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Assignments) != 0 {
		t.Fatalf("5 passengers cannot fit capacity 4, got %+v", summary.Assignments)
	}
	got, _ := mem.GetRide(context.Background(), "t1", r.ID)
	if got.Status != model.RidePending {
		t.Fatalf("ride must stay pending, got %s", got.Status)
	}
}

func TestRunPicksCheapestVehicle(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0.100, 0)) // far
	near := seedVehicle(t, mem, 4, gp(0, 0))
	r := seedRide(t, mem, 0, 1, gp(0.001, 0), gp(0.002, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Assignments) != 1 {
		t.Fatalf("want one assignment, got %d", len(summary.Assignments))
	}
	if summary.Assignments[0].VehicleID != near.ID {
		t.Fatalf("nearest vehicle must win, got %s", summary.Assignments[0].VehicleID)
	}
	got, _ := mem.GetRide(context.Background(), "t1", r.ID)
	if got.VehicleID != near.ID {
		t.Fatalf("ride must be bound to the near vehicle, got %s", got.VehicleID)
	}
}

func TestRunCancelledBeforeCommit(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0, 0))
	r := seedRide(t, mem, 0, 1, gp(0.001, 0), gp(0.002, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := opt.Run(ctx, "t1")
	if err == nil {
		t.Fatal("cancelled context must surface as an error")
	}
	got, _ := mem.GetRide(context.Background(), "t1", r.ID)
	if got.Status != model.RidePending {
		t.Fatalf("nothing may be committed after cancellation, ride is %s", got.Status)
	}
}

// failCommitStore rejects commits for one ride id.
type failCommitStore struct {
	store.Store
	failRide string
}

func (f *failCommitStore) CommitAssignment(ctx context.Context, tenantID, rideID, vehicleID string, pickupPos, dropoffPos int) (model.Ride, model.Task, model.Task, error) {
	if rideID == f.failRide {
		return model.Ride{}, model.Task{}, model.Task{}, errors.New("storage unavailable")
	}
	return f.Store.CommitAssignment(ctx, tenantID, rideID, vehicleID, pickupPos, dropoffPos)
}

func TestRunCommitFailureDoesNotPoisonOthers(t *testing.T) {
	mem := store.NewMemory()
	seedVehicle(t, mem, 4, gp(0, 0))
	bad := seedRide(t, mem, 5, 1, gp(0.001, 0), gp(0.002, 0))
	good := seedRide(t, mem, 1, 1, gp(0.003, 0), gp(0.004, 0))

	fs := &failCommitStore{Store: mem, failRide: bad.ID}
	opt, _ := newTestOptimizer(t, fs)

	summary, err := opt.Run(context.Background(), "t1")
	if err == nil {
		t.Fatal("failed commit must be reported")
	}
	if len(summary.Assignments) != 1 || summary.Assignments[0].RideID != good.ID {
		t.Fatalf("surviving ride must still commit, got %+v", summary.Assignments)
	}
	gotBad, _ := mem.GetRide(context.Background(), "t1", bad.ID)
	if gotBad.Status != model.RidePending {
		t.Fatalf("failed ride must stay pending, got %s", gotBad.Status)
	}
}

// taskPosition finds the persisted position of a task on a vehicle.
func taskPosition(t *testing.T, s store.Store, vehicleID, taskID string) int {
	t.Helper()
	v, err := s.GetVehicle(context.Background(), "t1", vehicleID)
	if err != nil {
		t.Fatalf("get vehicle: %v", err)
	}
	for _, task := range v.Tasks {
		if task.ID == taskID {
			return task.Position
		}
	}
	t.Fatalf("task %s not on vehicle %s", taskID, vehicleID)
	return -1
}

func TestRunSummaryPositionsMatchPersistedOrder(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0, 0))
	// The high-priority ride commits first at the head, then the low one
	// inserts ahead of it (zero detour), shifting the committed pair to
	// positions 2 and 3. The summary must report the final order.
	low := seedRide(t, mem, 1, 4, gp(0.001, 0), gp(0.002, 0))
	high := seedRide(t, mem, 5, 4, gp(0.005, 0), gp(0.006, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Assignments) != 2 {
		t.Fatalf("want both rides assigned, got %d", len(summary.Assignments))
	}
	for _, a := range summary.Assignments {
		ride, err := mem.GetRide(context.Background(), "t1", a.RideID)
		if err != nil {
			t.Fatalf("get ride: %v", err)
		}
		if got := taskPosition(t, mem, a.VehicleID, ride.PickupTaskID); got != a.PickupPos {
			t.Fatalf("ride %s: summary pickup pos %d, persisted %d", a.RideID, a.PickupPos, got)
		}
		if got := taskPosition(t, mem, a.VehicleID, ride.DropoffTaskID); got != a.DropoffPos {
			t.Fatalf("ride %s: summary dropoff pos %d, persisted %d", a.RideID, a.DropoffPos, got)
		}
	}
	byRide := map[string]model.Assignment{}
	for _, a := range summary.Assignments {
		byRide[a.RideID] = a
	}
	if a := byRide[high.ID]; a.PickupPos != 2 || a.DropoffPos != 3 {
		t.Fatalf("shifted pair must report final positions 2,3, got %d,%d", a.PickupPos, a.DropoffPos)
	}
	if a := byRide[low.ID]; a.PickupPos != 0 || a.DropoffPos != 1 {
		t.Fatalf("head pair must report positions 0,1, got %d,%d", a.PickupPos, a.DropoffPos)
	}
}

func TestSyncSummaryPositionsFollowsReorder(t *testing.T) {
	v := &model.Vehicle{ID: "v1", Tasks: []model.Task{
		{ID: "pk", Position: 0},
		{ID: "do", Position: 1},
		{ID: "x", Position: 2},
		{ID: "y", Position: 3},
	}}
	assignments := []model.Assignment{{RideID: "r1", VehicleID: "v1", PickupPos: 0, DropoffPos: 3}}
	pairs := map[string][2]string{"r1": {"pk", "do"}}

	syncSummaryPositions(assignments, pairs, map[string]*model.Vehicle{"v1": v})
	if assignments[0].PickupPos != 0 || assignments[0].DropoffPos != 1 {
		t.Fatalf("positions must come from the final order, got %d,%d",
			assignments[0].PickupPos, assignments[0].DropoffPos)
	}
}

func TestRunWithImproverKeepsSummaryConsistent(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)
	opt.ImproveIterations = 10

	seedVehicle(t, mem, 4, gp(0, 0))
	seedRide(t, mem, 1, 2, gp(0.001, 0), gp(0.010, 0))
	seedRide(t, mem, 1, 2, gp(0.002, 0), gp(0.003, 0))
	seedRide(t, mem, 1, 2, gp(0.004, 0), gp(0.011, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Assignments) == 0 {
		t.Fatal("expected at least one assignment")
	}
	for _, a := range summary.Assignments {
		ride, err := mem.GetRide(context.Background(), "t1", a.RideID)
		if err != nil {
			t.Fatalf("get ride: %v", err)
		}
		if got := taskPosition(t, mem, a.VehicleID, ride.PickupTaskID); got != a.PickupPos {
			t.Fatalf("ride %s: summary pickup pos %d, persisted %d", a.RideID, a.PickupPos, got)
		}
		if got := taskPosition(t, mem, a.VehicleID, ride.DropoffTaskID); got != a.DropoffPos {
			t.Fatalf("ride %s: summary dropoff pos %d, persisted %d", a.RideID, a.DropoffPos, got)
		}
		if a.PickupPos >= a.DropoffPos {
			t.Fatalf("ride %s: pickup %d must precede dropoff %d", a.RideID, a.PickupPos, a.DropoffPos)
		}
	}
}

func TestRunTwiceAssignsNothingNew(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	seedVehicle(t, mem, 4, gp(0, 0))
	seedRide(t, mem, 0, 1, gp(0.001, 0), gp(0.002, 0))

	first, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first.Assignments) != 1 {
		t.Fatalf("want one assignment on first run, got %d", len(first.Assignments))
	}
	second, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(second.Assignments) != 0 {
		t.Fatalf("second run with unchanged state must assign nothing, got %+v", second.Assignments)
	}
}

func TestRunSurvivesRoutingOutage(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	mem := store.NewMemory()
	pub := &recordPublisher{}
	provider := routing.NewOSRM(backend.URL, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	opt := NewOptimizer(mem, provider, pub, nil)

	seedVehicle(t, mem, 4, gp(0, 0))
	r := seedRide(t, mem, 0, 1, gp(0.001, 0), gp(0.002, 0))

	summary, err := opt.Run(context.Background(), "t1")
	if err != nil {
		t.Fatalf("run must complete on estimated durations: %v", err)
	}
	if len(summary.Assignments) != 1 || summary.Assignments[0].RideID != r.ID {
		t.Fatalf("want the ride assigned via fallback estimates, got %+v", summary.Assignments)
	}
	if summary.Assignments[0].AddedSec <= 0 {
		t.Fatalf("estimated detour must be positive, got %f", summary.Assignments[0].AddedSec)
	}
}

func TestRunRenumbersDensely(t *testing.T) {
	mem := store.NewMemory()
	opt, _ := newTestOptimizer(t, mem)

	v := seedVehicle(t, mem, 4, gp(0, 0))
	seedRide(t, mem, 0, 1, gp(0.001, 0), gp(0.002, 0))
	seedRide(t, mem, 0, 1, gp(0.003, 0), gp(0.004, 0))

	if _, err := opt.Run(context.Background(), "t1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	got, _ := mem.GetVehicle(context.Background(), "t1", v.ID)
	if len(got.Tasks) != 4 {
		t.Fatalf("want 4 open tasks, got %d", len(got.Tasks))
	}
	for i, task := range got.Tasks {
		if task.Position != i {
			t.Fatalf("positions must be dense 0-based, task %d has position %d", i, task.Position)
		}
	}
}
