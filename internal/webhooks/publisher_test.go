package webhooks

import (
	"context"
	"encoding/json"
	"testing"

	"vandispatch/internal/events"
	"vandispatch/internal/model"
	"vandispatch/internal/store"
)

func TestEmitEnqueuesPerMatchingSubscription(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	if _, err := mem.CreateSubscription(ctx, model.SubscriptionRequest{
		TenantID: "t1", URL: "http://a.example/hook", Events: []string{"ride.updated"},
	}); err != nil {
		t.Fatalf("sub a: %v", err)
	}
	if _, err := mem.CreateSubscription(ctx, model.SubscriptionRequest{
		TenantID: "t1", URL: "http://b.example/hook", Events: []string{"*"},
	}); err != nil {
		t.Fatalf("sub b: %v", err)
	}
	if _, err := mem.CreateSubscription(ctx, model.SubscriptionRequest{
		TenantID: "t1", URL: "http://c.example/hook", Events: []string{"tasks.reordered"},
	}); err != nil {
		t.Fatalf("sub c: %v", err)
	}

	p := NewPublisher(mem)
	p.Publish(ctx, events.Event{
		Type: events.RideUpdated, TenantID: "t1",
		Data: map[string]any{"rideId": "r1"},
	})

	due, err := mem.FetchDueWebhookDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("want deliveries for the two matching subscriptions, got %d", len(due))
	}
	var payload struct {
		Type     string         `json:"type"`
		TenantID string         `json:"tenantId"`
		Data     map[string]any `json:"data"`
	}
	if err := json.Unmarshal(due[0].Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Type != "ride.updated" || payload.TenantID != "t1" || payload.Data["rideId"] != "r1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestEmitNoSubscriptionsIsSilent(t *testing.T) {
	mem := store.NewMemory()
	p := NewPublisher(mem)
	p.Emit(context.Background(), "t1", "ride.updated", nil)
	due, _ := mem.FetchDueWebhookDeliveries(context.Background(), 10)
	if len(due) != 0 {
		t.Fatalf("no subscriptions means no deliveries, got %d", len(due))
	}
}
