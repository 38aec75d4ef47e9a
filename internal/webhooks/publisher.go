package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"vandispatch/internal/events"
	"vandispatch/internal/store"
)

type Publisher struct {
	Store store.Store
}

func NewPublisher(s store.Store) *Publisher {
	return &Publisher{Store: s}
}

// Publish lets the dispatcher fan events out to webhook subscribers.
func (p *Publisher) Publish(ctx context.Context, evt events.Event) {
	p.Emit(ctx, evt.TenantID, evt.Type, evt.Data)
}

// Emit enqueues the event for every matching subscription of the tenant.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil || len(subs) == 0 {
		return
	}
	payload := map[string]any{
		"id":       fmt.Sprintf("evt_%d", time.Now().UnixNano()),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, _ := json.Marshal(payload)
	for _, s := range subs {
		_, _ = p.Store.EnqueueWebhook(ctx, tenantID, s.ID, eventType, s.URL, s.Secret, body)
	}
}
