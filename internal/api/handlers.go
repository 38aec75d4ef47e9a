package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"vandispatch/internal/model"
	"vandispatch/internal/routing"
	"vandispatch/internal/store"
)

// RidesHandler handles POST/GET /v1/rides
func (s *Server) RidesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		ctx, tenant := s.withTenant(r)
		var in model.RideInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		ride, err := s.Store.CreateRide(ctx, tenant, in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create ride failed", err.Error(), r.URL.Path)
			return
		}
		if !ride.SkipAutoAssign && ride.HasCoordinates() {
			s.Debounce.Trigger(tenant)
		}
		writeJSON(w, http.StatusCreated, ride)
	case http.MethodGet:
		ctx, tenant := s.withTenant(r)
		status := model.RideStatus(r.URL.Query().Get("status"))
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, err := s.Store.ListRides(ctx, tenant, status, limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List rides failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RideByIDHandler handles /v1/rides/{id}, /v1/rides/{id}/eta and
// /v1/rides/{id}/unassign.
func (s *Server) RideByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/rides/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)

	if len(parts) == 2 && parts[1] == "eta" && r.Method == http.MethodGet {
		eta, err := s.Eta.Eta(ctx, tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Ride not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "ETA failed", err.Error(), r.URL.Path)
			return
		}
		if eta == nil {
			writeJSON(w, http.StatusOK, map[string]any{"available": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"available": true, "eta": eta})
		return
	}

	if len(parts) == 2 && parts[1] == "unassign" && r.Method == http.MethodPost {
		ride, err := s.Store.GetRide(ctx, tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Ride not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get ride failed", err.Error(), r.URL.Path)
			return
		}
		if ride.Status != model.RideAssigned || ride.PickupTaskID == "" {
			writeProblem(w, http.StatusConflict, "Ride not assigned", "only assigned rides can be unassigned", r.URL.Path)
			return
		}
		if err := s.Store.RemoveTask(ctx, tenant, ride.PickupTaskID); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Unassign failed", err.Error(), r.URL.Path)
			return
		}
		s.Debounce.Trigger(tenant)
		ride, _ = s.Store.GetRide(ctx, tenant, id)
		writeJSON(w, http.StatusOK, ride)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		ride, err := s.Store.GetRide(ctx, tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Ride not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get ride failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, ride)
		return
	}

	writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
}

// VehiclesHandler handles POST/GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		ctx, tenant := s.withTenant(r)
		var in model.Vehicle
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		v, err := s.Store.CreateVehicle(ctx, tenant, in)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create vehicle failed", err.Error(), r.URL.Path)
			return
		}
		if v.Status == model.VehicleInService && v.Position != nil {
			s.Debounce.Trigger(tenant)
		}
		writeJSON(w, http.StatusCreated, v)
	case http.MethodGet:
		ctx, tenant := s.withTenant(r)
		items, err := s.Store.ListVehicles(ctx, tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List vehicles failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// VehicleByIDHandler handles /v1/vehicles/{id} and /v1/vehicles/{id}/plan.
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/vehicles/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)

	if len(parts) == 2 && parts[1] == "plan" && r.Method == http.MethodGet {
		s.vehiclePlan(w, r, tenant, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		v, err := s.Store.GetVehicle(ctx, tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Vehicle not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get vehicle failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, v)
	case http.MethodPatch:
		var patch model.VehiclePatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		v, err := s.Store.PatchVehicle(ctx, tenant, id, patch)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Vehicle not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Patch vehicle failed", err.Error(), r.URL.Path)
			return
		}
		if v.Status == model.VehicleInService && v.Position != nil {
			s.Debounce.Trigger(tenant)
		}
		writeJSON(w, http.StatusOK, v)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// tripPlanner is the optional optimized-order capability of the routing
// backend. The haversine fallback path does not provide it.
type tripPlanner interface {
	Trip(ctx context.Context, points []model.GeoPoint) ([]int, routing.Result)
}

func (s *Server) vehiclePlan(w http.ResponseWriter, r *http.Request, tenant, id string) {
	ctx := r.Context()
	v, err := s.Store.GetVehicle(ctx, tenant, id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Vehicle not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get vehicle failed", err.Error(), r.URL.Path)
		return
	}
	if v.Position == nil || len(v.Tasks) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"vehicleId": v.ID, "stops": v.Tasks})
		return
	}
	points := make([]model.GeoPoint, 0, len(v.Tasks)+1)
	points = append(points, *v.Position)
	for _, t := range v.Tasks {
		points = append(points, *t.Location)
	}
	stops := v.Tasks
	var total routing.Result
	if tp, ok := s.Routing.(tripPlanner); ok {
		order, res := tp.Trip(ctx, points)
		total = res
		reordered := make([]model.Task, 0, len(v.Tasks))
		for _, idx := range order {
			if idx == 0 {
				continue // vehicle position
			}
			if idx-1 < len(v.Tasks) {
				reordered = append(reordered, v.Tasks[idx-1])
			}
		}
		if len(reordered) == len(v.Tasks) {
			stops = reordered
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicleId":   v.ID,
		"stops":       stops,
		"durationSec": total.DurationSec,
		"distanceM":   total.DistanceM,
	})
}

// TaskByIDHandler handles POST /v1/tasks/{id}/complete and DELETE /v1/tasks/{id}.
func (s *Server) TaskByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)

	if len(parts) == 2 && parts[1] == "complete" && r.Method == http.MethodPost {
		t, err := s.Store.CompleteTask(ctx, tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Task not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Complete task failed", err.Error(), r.URL.Path)
			return
		}
		// Completing a dropoff frees seats; give waiting rides a chance.
		s.Debounce.Trigger(tenant)
		writeJSON(w, http.StatusOK, t)
		return
	}

	if len(parts) == 1 && r.Method == http.MethodDelete {
		err := s.Store.RemoveTask(ctx, tenant, id)
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Task not found", "", r.URL.Path)
			return
		}
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Remove task failed", err.Error(), r.URL.Path)
			return
		}
		s.Debounce.Trigger(tenant)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
}

// DispatchRunHandler handles POST /v1/dispatch/run: a synchronous
// optimizer pass for the tenant, bypassing the debounce window.
func (s *Server) DispatchRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	summary, err := s.Optimizer.Run(ctx, tenant)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Dispatch run failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// OptimizerConfigHandler handles GET/PUT /v1/optimizer/config
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetOptimizerConfig(ctx, tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Get config failed", err.Error(), r.URL.Path)
			return
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
		if _, ok := cfg["autoAssign"]; !ok {
			cfg["autoAssign"] = true
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Config == nil {
			writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
			return
		}
		if err := s.Store.SaveOptimizerConfig(ctx, tenant, body.Config); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles POST /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	var req model.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid subscription", "url and events are required", r.URL.Path)
		return
	}
	req.TenantID = tenant
	sub, err := s.Store.CreateSubscription(ctx, req)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	_, tenant := s.withTenant(r)
	if _, err := s.Store.ListVehicles(r.Context(), tenant); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
