package model

import "time"

// Core domain types for the dispatch engine.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type TaskKind string

const (
	TaskPickup  TaskKind = "pickup"
	TaskDropoff TaskKind = "dropoff"
)

// Task is one stop in a vehicle's route. Tasks belong to exactly one
// vehicle; a ride's pickup and dropoff tasks only ever exist as a pair.
type Task struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	VehicleID string    `json:"vehicleId"`
	RideID    string    `json:"rideId,omitempty"` // empty for ad hoc stops
	Kind      TaskKind  `json:"kind"`
	Location  *GeoPoint `json:"location"`
	// Position is a dense 0-based ordering, unique per vehicle among open tasks.
	Position       int  `json:"position"`
	PassengerDelta int  `json:"passengerDelta"` // +N at pickup, -N at dropoff
	Completed      bool `json:"completed"`
}

type VehicleStatus string

const (
	VehicleInService    VehicleStatus = "in_service"
	VehicleOutOfService VehicleStatus = "out_of_service"
)

// Vehicle carries riders and exclusively owns its open task list.
// Invariant: at every prefix of Tasks, onboard passengers stay in [0, Capacity].
type Vehicle struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Name      string        `json:"name,omitempty"`
	Status    VehicleStatus `json:"status"`
	Position  *GeoPoint     `json:"position,omitempty"` // nil when offline
	Capacity  int           `json:"capacity"`
	Onboard   int           `json:"onboard"`
	Tasks     []Task        `json:"tasks"` // open tasks ordered by Position
	UpdatedAt time.Time     `json:"updatedAt,omitempty"`
}

type RideStatus string

const (
	RidePending  RideStatus = "pending"
	RideAssigned RideStatus = "assigned"
	RideComplete RideStatus = "complete"
)

// Ride is one transport request. PickupTaskID/DropoffTaskID are set only as
// a pair by the optimizer's commit step; the pickup task always precedes the
// dropoff task in the owning vehicle's sequence.
type Ride struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	Status         RideStatus `json:"status"`
	Priority       int        `json:"priority"` // higher dispatched first
	Passengers     int        `json:"passengers"`
	Pickup         *GeoPoint  `json:"pickup"`
	Dropoff        *GeoPoint  `json:"dropoff"`
	VehicleID      string     `json:"vehicleId,omitempty"`
	PickupTaskID   string     `json:"pickupTaskId,omitempty"`
	DropoffTaskID  string     `json:"dropoffTaskId,omitempty"`
	SkipAutoAssign bool       `json:"skipAutoAssign,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	AssignedAt     *time.Time `json:"assignedAt,omitempty"`
}

// HasCoordinates reports whether the ride can be considered for
// auto-assignment at all.
func (r *Ride) HasCoordinates() bool {
	return r.Pickup != nil && r.Dropoff != nil
}

// Candidate is one feasible insertion of a ride into a vehicle's sequence.
// Positions are 0-based slots in the post-insertion task order.
type Candidate struct {
	VehicleID  string  `json:"vehicleId"`
	PickupPos  int     `json:"pickupPos"`
	DropoffPos int     `json:"dropoffPos"`
	AddedSec   float64 `json:"addedSec"`
}

// Assignment is the transient result of committing one candidate.
type Assignment struct {
	RideID     string  `json:"rideId"`
	VehicleID  string  `json:"vehicleId"`
	PickupPos  int     `json:"pickupPos"`
	DropoffPos int     `json:"dropoffPos"`
	AddedSec   float64 `json:"addedSec"`
}

// RunSummary reports one optimization pass.
type RunSummary struct {
	TenantID      string       `json:"tenantId"`
	Assignments   []Assignment `json:"assignments"`
	TotalAddedSec float64      `json:"totalAddedSec"`
	FinishedAt    time.Time    `json:"finishedAt"`
}

type RideInput struct {
	Priority       int       `json:"priority,omitempty"`
	Passengers     int       `json:"passengers"`
	Pickup         *GeoPoint `json:"pickup"`
	Dropoff        *GeoPoint `json:"dropoff"`
	SkipAutoAssign bool      `json:"skipAutoAssign,omitempty"`
}

type VehiclePatch struct {
	Status   VehicleStatus `json:"status,omitempty"`
	Position *GeoPoint     `json:"position,omitempty"`
	Capacity *int          `json:"capacity,omitempty"`
	Onboard  *int          `json:"onboard,omitempty"`
}

type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"-"`
}
