package events

import "context"

// Event types emitted by the dispatch core.
const (
	RideUpdated    = "ride.updated"
	TasksReordered = "tasks.reordered"
)

type Event struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenantId"`
	Data     map[string]any `json:"data,omitempty"`
}

// Publisher is the fire-and-forget notification sink the optimizer writes
// to. Implementations must not block the caller on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Fanout publishes to every sink in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		p.Publish(ctx, evt)
	}
}
