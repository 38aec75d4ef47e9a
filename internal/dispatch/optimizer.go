package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vandispatch/internal/events"
	"vandispatch/internal/metrics"
	"vandispatch/internal/model"
	"vandispatch/internal/routing"
	"vandispatch/internal/store"
)

// Optimizer runs one greedy insertion pass per tenant: pending rides in
// priority order, each placed at the globally cheapest feasible insertion
// across all online vehicles. Rides in one pass are assigned sequentially
// against shared in-memory vehicle state, so a later ride sees capacity
// already consumed by an earlier one.
type Optimizer struct {
	store  store.Store
	search *InsertionSearch
	events events.Publisher
	logger *slog.Logger

	// ImproveIterations enables the post-commit 2-opt pass when positive.
	ImproveIterations int

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

func NewOptimizer(s store.Store, rp routing.Provider, pub events.Publisher, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		store:   s,
		search:  &InsertionSearch{Routing: rp},
		events:  pub,
		logger:  logger,
		tenants: map[string]*sync.Mutex{},
	}
}

// tenantLock returns the per-tenant run lock, creating it on first use.
// Debouncing already collapses triggers, but direct callers exist (the
// manual dispatch endpoint), so RUNNING stays exclusive per tenant.
func (o *Optimizer) tenantLock(tenantID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.tenants[tenantID]
	if !ok {
		l = &sync.Mutex{}
		o.tenants[tenantID] = l
	}
	return l
}

// pendingAssign tracks one chosen insertion until commit. The placeholder
// task ids locate the pair inside the vehicle's mutating in-memory
// sequence; final positions are derived at commit time.
type pendingAssign struct {
	rideID        string
	vehicle       *model.Vehicle
	pickupTaskID  string
	dropoffTaskID string
	addedSec      float64
}

// Run executes one optimization pass for the tenant. A cancelled context
// aborts before any commit; a persistence failure for one ride never rolls
// back another ride's already-committed assignment.
func (o *Optimizer) Run(ctx context.Context, tenantID string) (model.RunSummary, error) {
	lock := o.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	summary := model.RunSummary{TenantID: tenantID}

	rides, err := o.store.LoadPendingRides(ctx, tenantID)
	if err != nil {
		metrics.OptimizerRuns.WithLabelValues(tenantID, "error").Inc()
		return summary, fmt.Errorf("load pending rides: %w", err)
	}
	vehicles, err := o.store.LoadOnlineVehicles(ctx, tenantID)
	if err != nil {
		metrics.OptimizerRuns.WithLabelValues(tenantID, "error").Inc()
		return summary, fmt.Errorf("load online vehicles: %w", err)
	}
	if len(rides) == 0 || len(vehicles) == 0 {
		summary.FinishedAt = time.Now().UTC()
		metrics.OptimizerRuns.WithLabelValues(tenantID, "noop").Inc()
		return summary, nil
	}

	fleet := make([]*model.Vehicle, len(vehicles))
	for i := range vehicles {
		fleet[i] = &vehicles[i]
	}

	var pending []pendingAssign
	for i := range rides {
		ride := &rides[i]
		if err := ctx.Err(); err != nil {
			// Superseded run: nothing has been committed yet.
			metrics.OptimizerRuns.WithLabelValues(tenantID, "cancelled").Inc()
			return summary, err
		}

		var best *model.Candidate
		var bestVehicle *model.Vehicle
		for _, v := range fleet {
			if v.Position == nil {
				continue
			}
			for _, c := range o.search.Candidates(ctx, ride, v) {
				// Strict less-than keeps the first-seen minimum, so the
				// pass is reproducible for the same input ordering.
				if best == nil || c.AddedSec < best.AddedSec {
					best = &c
					bestVehicle = v
				}
			}
		}
		if best == nil {
			// No feasible slot anywhere; the ride stays pending and is
			// reconsidered on the next triggered pass.
			continue
		}

		pa := materialize(bestVehicle, ride, best)
		pa.addedSec = best.AddedSec
		pending = append(pending, pa)
	}

	if err := ctx.Err(); err != nil {
		metrics.OptimizerRuns.WithLabelValues(tenantID, "cancelled").Inc()
		return summary, err
	}

	var commitErrs []error
	touched := map[string]*model.Vehicle{}
	pairs := map[string][2]string{}
	for _, pa := range pending {
		// Positions are computed against the persisted sequence: committed
		// tasks count, placeholders of rides not yet committed do not.
		pPos, dPos := commitPositions(pa.vehicle, pa.pickupTaskID, pa.dropoffTaskID)
		ride, pickup, dropoff, err := o.store.CommitAssignment(ctx, tenantID, pa.rideID, pa.vehicle.ID, pPos, dPos)
		if err != nil {
			o.logger.Error("assignment commit failed",
				"tenant", tenantID, "ride", pa.rideID, "vehicle", pa.vehicle.ID, "err", err)
			commitErrs = append(commitErrs, fmt.Errorf("ride %s: %w", pa.rideID, err))
			stripTasks(pa.vehicle, pa.pickupTaskID, pa.dropoffTaskID)
			continue
		}
		replaceTaskID(pa.vehicle, pa.pickupTaskID, pickup.ID)
		replaceTaskID(pa.vehicle, pa.dropoffTaskID, dropoff.ID)
		touched[pa.vehicle.ID] = pa.vehicle
		pairs[ride.ID] = [2]string{pickup.ID, dropoff.ID}

		summary.Assignments = append(summary.Assignments, model.Assignment{
			RideID:     ride.ID,
			VehicleID:  pa.vehicle.ID,
			PickupPos:  pPos,
			DropoffPos: dPos,
			AddedSec:   pa.addedSec,
		})
		summary.TotalAddedSec += pa.addedSec
		metrics.Assignments.WithLabelValues(tenantID).Inc()
		metrics.AddedDuration.Observe(pa.addedSec)
		o.logger.Info("ride assigned",
			"tenant", tenantID, "ride", ride.ID, "vehicle", pa.vehicle.ID,
			"pickupPos", pPos, "dropoffPos", dPos, "addedSec", pa.addedSec)

		o.events.Publish(ctx, events.Event{
			Type:     events.RideUpdated,
			TenantID: tenantID,
			Data: map[string]any{
				"rideId":    ride.ID,
				"vehicleId": pa.vehicle.ID,
				"status":    string(ride.Status),
			},
		})
	}

	for _, v := range touched {
		if o.ImproveIterations > 0 {
			v.Tasks = ImproveVehicleOrder(v, o.ImproveIterations)
		}
		ids := make([]string, len(v.Tasks))
		for i := range v.Tasks {
			v.Tasks[i].Position = i
			ids[i] = v.Tasks[i].ID
		}
		if err := o.store.RenumberTasks(ctx, tenantID, v.ID, ids); err != nil {
			commitErrs = append(commitErrs, fmt.Errorf("renumber vehicle %s: %w", v.ID, err))
			continue
		}
		o.events.Publish(ctx, events.Event{
			Type:     events.TasksReordered,
			TenantID: tenantID,
			Data:     map[string]any{"vehicleId": v.ID, "taskIds": ids},
		})
	}

	// The improver may have moved a just-committed pair, so the summary
	// reports positions from the final persisted order, not the insertion.
	syncSummaryPositions(summary.Assignments, pairs, touched)

	summary.FinishedAt = time.Now().UTC()
	outcome := "noop"
	if len(summary.Assignments) > 0 {
		outcome = "committed"
	}
	if len(commitErrs) > 0 {
		outcome = "error"
	}
	metrics.OptimizerRuns.WithLabelValues(tenantID, outcome).Inc()
	return summary, errors.Join(commitErrs...)
}

// syncSummaryPositions rewrites each assignment's pickup and dropoff
// positions from its vehicle's final task order.
func syncSummaryPositions(assignments []model.Assignment, pairs map[string][2]string, vehicles map[string]*model.Vehicle) {
	for i := range assignments {
		a := &assignments[i]
		v := vehicles[a.VehicleID]
		pair, ok := pairs[a.RideID]
		if v == nil || !ok {
			continue
		}
		for _, t := range v.Tasks {
			switch t.ID {
			case pair[0]:
				a.PickupPos = t.Position
			case pair[1]:
				a.DropoffPos = t.Position
			}
		}
	}
}

// placeholderPrefix marks in-memory tasks that have no persisted row yet.
const placeholderPrefix = "pending-"

// materialize splices the ride's task pair into the vehicle's in-memory
// sequence at the candidate slots and renumbers densely, so subsequent
// rides in the same pass score against the updated state.
func materialize(v *model.Vehicle, ride *model.Ride, c *model.Candidate) pendingAssign {
	pickup := model.Task{
		ID:             placeholderPrefix + uuid.New().String(),
		TenantID:       ride.TenantID,
		VehicleID:      v.ID,
		RideID:         ride.ID,
		Kind:           model.TaskPickup,
		Location:       ride.Pickup,
		PassengerDelta: ride.Passengers,
	}
	dropoff := model.Task{
		ID:             placeholderPrefix + uuid.New().String(),
		TenantID:       ride.TenantID,
		VehicleID:      v.ID,
		RideID:         ride.ID,
		Kind:           model.TaskDropoff,
		Location:       ride.Dropoff,
		PassengerDelta: -ride.Passengers,
	}
	v.Tasks = insertTask(v.Tasks, c.PickupPos, pickup)
	v.Tasks = insertTask(v.Tasks, c.DropoffPos, dropoff)
	for i := range v.Tasks {
		v.Tasks[i].Position = i
	}
	return pendingAssign{
		rideID:        ride.ID,
		vehicle:       v,
		pickupTaskID:  pickup.ID,
		dropoffTaskID: dropoff.ID,
	}
}

func insertTask(tasks []model.Task, pos int, t model.Task) []model.Task {
	if pos < 0 {
		pos = 0
	}
	if pos > len(tasks) {
		pos = len(tasks)
	}
	tasks = append(tasks, model.Task{})
	copy(tasks[pos+1:], tasks[pos:])
	tasks[pos] = t
	return tasks
}

// commitPositions locates the pair inside the vehicle's sequence, skipping
// placeholders that belong to other rides still awaiting commit.
func commitPositions(v *model.Vehicle, pickupID, dropoffID string) (int, int) {
	idx := 0
	p, d := -1, -1
	for _, t := range v.Tasks {
		switch t.ID {
		case pickupID:
			p = idx
			idx++
		case dropoffID:
			d = idx
			idx++
		default:
			if !strings.HasPrefix(t.ID, placeholderPrefix) {
				idx++
			}
		}
	}
	return p, d
}

func stripTasks(v *model.Vehicle, ids ...string) {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	out := v.Tasks[:0]
	for _, t := range v.Tasks {
		if !drop[t.ID] {
			out = append(out, t)
		}
	}
	v.Tasks = out
	for i := range v.Tasks {
		v.Tasks[i].Position = i
	}
}

func replaceTaskID(v *model.Vehicle, oldID, newID string) {
	for i := range v.Tasks {
		if v.Tasks[i].ID == oldID {
			v.Tasks[i].ID = newID
			return
		}
	}
}
