package store

import (
	"context"
	"errors"
	"time"

	"vandispatch/internal/model"
)

// Store is the persistence interface consumed by the dispatch engine and
// the API shell. Every operation is tenant-scoped.
type Store interface {
	// Rides
	CreateRide(ctx context.Context, tenantID string, in model.RideInput) (model.Ride, error)
	GetRide(ctx context.Context, tenantID, rideID string) (model.Ride, error)
	ListRides(ctx context.Context, tenantID string, status model.RideStatus, limit int) ([]model.Ride, error)
	// LoadPendingRides returns unassigned, coordinate-complete rides not
	// flagged skip-auto-assign, ordered by priority desc then created asc.
	LoadPendingRides(ctx context.Context, tenantID string) ([]model.Ride, error)

	// Vehicles
	CreateVehicle(ctx context.Context, tenantID string, in model.Vehicle) (model.Vehicle, error)
	GetVehicle(ctx context.Context, tenantID, vehicleID string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error)
	// LoadOnlineVehicles returns in-service vehicles with a known position,
	// open tasks ordered by position.
	LoadOnlineVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error)
	PatchVehicle(ctx context.Context, tenantID, vehicleID string, patch model.VehiclePatch) (model.Vehicle, error)

	// Tasks
	CompleteTask(ctx context.Context, tenantID, taskID string) (model.Task, error)
	RemoveTask(ctx context.Context, tenantID, taskID string) error

	// Optimizer commit. CommitAssignment atomically creates the ride's
	// pickup/dropoff task pair at the given post-insertion positions,
	// shifts later tasks, and flips the ride to assigned. A ride is either
	// fully committed or untouched.
	CommitAssignment(ctx context.Context, tenantID, rideID, vehicleID string, pickupPos, dropoffPos int) (model.Ride, model.Task, model.Task, error)
	RenumberTasks(ctx context.Context, tenantID, vehicleID string, orderedTaskIDs []string) error

	// Optimizer config per tenant (auto-assign gate and friends)
	GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error)
	SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error

	// Webhook subscriptions & delivery queue
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int) error
}

// WebhookDelivery is one queued outbound notification.
type WebhookDelivery struct {
	ID             string
	TenantID       string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Attempts       int
}

var ErrNotFound = errors.New("not found")
