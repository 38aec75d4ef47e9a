package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vandispatch/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// It backs tests and local development.
type Memory struct {
	mu       sync.Mutex
	rides    map[string]model.Ride
	ridesTen map[string][]string // tenant -> ride ids in creation order
	vehicles map[string]*model.Vehicle
	vehTen   map[string][]string // tenant -> vehicle ids
	taskVeh  map[string]string   // task id -> vehicle id
	subs     map[string][]model.Subscription
	optCfg   map[string]map[string]any

	deliveries map[string]*memDelivery
}

// memDelivery augments WebhookDelivery with scheduling state.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	Failed        bool
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rides:      map[string]model.Ride{},
		ridesTen:   map[string][]string{},
		vehicles:   map[string]*model.Vehicle{},
		vehTen:     map[string][]string{},
		taskVeh:    map[string]string{},
		subs:       map[string][]model.Subscription{},
		optCfg:     map[string]map[string]any{},
		deliveries: map[string]*memDelivery{},
	}
}

func (m *Memory) CreateRide(ctx context.Context, tenantID string, in model.RideInput) (model.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	passengers := in.Passengers
	if passengers <= 0 {
		passengers = 1
	}
	r := model.Ride{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Status:         model.RidePending,
		Priority:       in.Priority,
		Passengers:     passengers,
		Pickup:         in.Pickup,
		Dropoff:        in.Dropoff,
		SkipAutoAssign: in.SkipAutoAssign,
		CreatedAt:      time.Now().UTC(),
	}
	m.rides[r.ID] = r
	m.ridesTen[tenantID] = append(m.ridesTen[tenantID], r.ID)
	return r, nil
}

func (m *Memory) GetRide(ctx context.Context, tenantID, rideID string) (model.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.TenantID != tenantID {
		return model.Ride{}, ErrNotFound
	}
	// Repair path: a ride marked assigned without its task pair gets the
	// pair synthesized at the tail of its vehicle's sequence.
	if r.Status == model.RideAssigned && r.PickupTaskID == "" && r.VehicleID != "" && r.HasCoordinates() {
		if v, ok := m.vehicles[r.VehicleID]; ok {
			pickup, dropoff := m.newTaskPair(&r, v.ID, len(v.Tasks), len(v.Tasks)+1)
			v.Tasks = append(v.Tasks, pickup, dropoff)
			r.PickupTaskID = pickup.ID
			r.DropoffTaskID = dropoff.ID
			m.rides[r.ID] = r
		}
	}
	return r, nil
}

func (m *Memory) ListRides(ctx context.Context, tenantID string, status model.RideStatus, limit int) ([]model.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.Ride{}
	for _, id := range m.ridesTen[tenantID] {
		r := m.rides[id]
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LoadPendingRides(ctx context.Context, tenantID string) ([]model.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Ride{}
	for _, id := range m.ridesTen[tenantID] {
		r := m.rides[id]
		if r.Status != model.RidePending || r.SkipAutoAssign || !r.HasCoordinates() {
			continue
		}
		out = append(out, r)
	}
	// Priority desc, creation asc; stable so arrival order breaks ties.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateVehicle(ctx context.Context, tenantID string, in model.Vehicle) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := in
	v.ID = uuid.New().String()
	v.TenantID = tenantID
	if v.Status == "" {
		v.Status = model.VehicleInService
	}
	if v.Capacity < 1 {
		v.Capacity = 1
	}
	v.Tasks = nil
	v.UpdatedAt = time.Now().UTC()
	m.vehicles[v.ID] = &v
	m.vehTen[tenantID] = append(m.vehTen[tenantID], v.ID)
	return copyVehicle(&v), nil
}

func (m *Memory) GetVehicle(ctx context.Context, tenantID, vehicleID string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return model.Vehicle{}, ErrNotFound
	}
	return copyVehicle(v), nil
}

func (m *Memory) ListVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, id := range m.vehTen[tenantID] {
		out = append(out, copyVehicle(m.vehicles[id]))
	}
	return out, nil
}

func (m *Memory) LoadOnlineVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, id := range m.vehTen[tenantID] {
		v := m.vehicles[id]
		if v.Status != model.VehicleInService || v.Position == nil {
			continue
		}
		out = append(out, copyVehicle(v))
	}
	return out, nil
}

func (m *Memory) PatchVehicle(ctx context.Context, tenantID, vehicleID string, patch model.VehiclePatch) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return model.Vehicle{}, ErrNotFound
	}
	if patch.Status != "" {
		v.Status = patch.Status
		if v.Status == model.VehicleOutOfService {
			v.Position = nil
		}
	}
	if patch.Position != nil {
		p := *patch.Position
		v.Position = &p
	}
	if patch.Capacity != nil && *patch.Capacity >= 1 {
		v.Capacity = *patch.Capacity
	}
	if patch.Onboard != nil && *patch.Onboard >= 0 {
		v.Onboard = *patch.Onboard
	}
	v.UpdatedAt = time.Now().UTC()
	return copyVehicle(v), nil
}

func (m *Memory) CompleteTask(ctx context.Context, tenantID, taskID string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vehID, ok := m.taskVeh[taskID]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	v := m.vehicles[vehID]
	if v == nil || v.TenantID != tenantID {
		return model.Task{}, ErrNotFound
	}
	for i := range v.Tasks {
		if v.Tasks[i].ID != taskID {
			continue
		}
		done := v.Tasks[i]
		done.Completed = true
		v.Onboard += done.PassengerDelta
		if v.Onboard < 0 {
			v.Onboard = 0
		}
		v.Tasks = append(v.Tasks[:i], v.Tasks[i+1:]...)
		renumber(v)
		delete(m.taskVeh, taskID)
		if done.RideID != "" && done.Kind == model.TaskDropoff {
			if r, ok := m.rides[done.RideID]; ok {
				r.Status = model.RideComplete
				m.rides[r.ID] = r
			}
		}
		return done, nil
	}
	return model.Task{}, ErrNotFound
}

// RemoveTask is the dispatcher's manual removal. Ride-linked tasks only
// exist as a pair, so removing either side removes both and returns the
// ride to the pending pool.
func (m *Memory) RemoveTask(ctx context.Context, tenantID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vehID, ok := m.taskVeh[taskID]
	if !ok {
		return ErrNotFound
	}
	v := m.vehicles[vehID]
	if v == nil || v.TenantID != tenantID {
		return ErrNotFound
	}
	var rideID string
	for i := range v.Tasks {
		if v.Tasks[i].ID == taskID {
			rideID = v.Tasks[i].RideID
			break
		}
	}
	keep := v.Tasks[:0]
	for _, t := range v.Tasks {
		if t.ID == taskID || (rideID != "" && t.RideID == rideID) {
			delete(m.taskVeh, t.ID)
			continue
		}
		keep = append(keep, t)
	}
	v.Tasks = keep
	renumber(v)
	if rideID != "" {
		if r, ok := m.rides[rideID]; ok {
			r.Status = model.RidePending
			r.VehicleID = ""
			r.PickupTaskID = ""
			r.DropoffTaskID = ""
			r.AssignedAt = nil
			m.rides[r.ID] = r
		}
	}
	return nil
}

func (m *Memory) CommitAssignment(ctx context.Context, tenantID, rideID, vehicleID string, pickupPos, dropoffPos int) (model.Ride, model.Task, model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.TenantID != tenantID {
		return model.Ride{}, model.Task{}, model.Task{}, ErrNotFound
	}
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return model.Ride{}, model.Task{}, model.Task{}, ErrNotFound
	}
	pickup, dropoff := m.newTaskPair(&r, vehicleID, pickupPos, dropoffPos)
	v.Tasks = insertAt(v.Tasks, pickupPos, pickup)
	v.Tasks = insertAt(v.Tasks, dropoffPos, dropoff)
	renumber(v)

	now := time.Now().UTC()
	r.Status = model.RideAssigned
	r.VehicleID = vehicleID
	r.PickupTaskID = pickup.ID
	r.DropoffTaskID = dropoff.ID
	r.AssignedAt = &now
	m.rides[r.ID] = r

	var pOut, dOut model.Task
	for _, t := range v.Tasks {
		if t.ID == pickup.ID {
			pOut = t
		}
		if t.ID == dropoff.ID {
			dOut = t
		}
	}
	return r, pOut, dOut, nil
}

func (m *Memory) RenumberTasks(ctx context.Context, tenantID, vehicleID string, orderedTaskIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok || v.TenantID != tenantID {
		return ErrNotFound
	}
	byID := map[string]model.Task{}
	for _, t := range v.Tasks {
		byID[t.ID] = t
	}
	ordered := make([]model.Task, 0, len(v.Tasks))
	for _, id := range orderedTaskIDs {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
			delete(byID, id)
		}
	}
	// Tasks missing from the requested order keep their relative position
	// at the tail.
	for _, t := range v.Tasks {
		if _, ok := byID[t.ID]; ok {
			ordered = append(ordered, t)
		}
	}
	v.Tasks = ordered
	renumber(v)
	return nil
}

func (m *Memory) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.optCfg[tenantID]
	if !ok {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	for k, v := range cfg {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg[tenantID] = cfg
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.deliveries[id] = &memDelivery{
		WebhookDelivery: WebhookDelivery{
			ID: id, TenantID: tenantID, SubscriptionID: subscriptionID,
			EventType: eventType, URL: url, Secret: secret, Payload: payload,
		},
		NextAttemptAt: time.Now(),
	}
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	now := time.Now()
	out := []WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.Failed || d.DeliveredAt != nil || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d.WebhookDelivery)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	if success {
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Failed = true
	d.LastError = lastError
	d.ResponseCode = responseCode
	return nil
}

func (m *Memory) newTaskPair(r *model.Ride, vehicleID string, pickupPos, dropoffPos int) (model.Task, model.Task) {
	pickup := model.Task{
		ID:             uuid.New().String(),
		TenantID:       r.TenantID,
		VehicleID:      vehicleID,
		RideID:         r.ID,
		Kind:           model.TaskPickup,
		Location:       r.Pickup,
		Position:       pickupPos,
		PassengerDelta: r.Passengers,
	}
	dropoff := model.Task{
		ID:             uuid.New().String(),
		TenantID:       r.TenantID,
		VehicleID:      vehicleID,
		RideID:         r.ID,
		Kind:           model.TaskDropoff,
		Location:       r.Dropoff,
		Position:       dropoffPos,
		PassengerDelta: -r.Passengers,
	}
	m.taskVeh[pickup.ID] = vehicleID
	m.taskVeh[dropoff.ID] = vehicleID
	return pickup, dropoff
}

func insertAt(tasks []model.Task, pos int, t model.Task) []model.Task {
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

func renumber(v *model.Vehicle) {
	for i := range v.Tasks {
		v.Tasks[i].Position = i
	}
}

func copyVehicle(v *model.Vehicle) model.Vehicle {
	out := *v
	if v.Position != nil {
		p := *v.Position
		out.Position = &p
	}
	out.Tasks = append([]model.Task(nil), v.Tasks...)
	return out
}
