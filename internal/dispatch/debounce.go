package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"vandispatch/internal/metrics"
	"vandispatch/internal/store"
)

// Debouncer collapses bursts of trigger events (ride created, task
// completed, vehicle status changed) into a single optimization pass per
// tenant after a quiet period. The tenant→timer map is the only shared
// state; its mutex is held around cancel/replace only, never across a run.
type Debouncer struct {
	optimizer *Optimizer
	store     store.Store
	quiet     time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer

	// baseCtx bounds every debounced run; Close cancels it so in-flight
	// routing calls abort instead of being awaited.
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewDebouncer(o *Optimizer, s store.Store, quiet time.Duration, logger *slog.Logger) *Debouncer {
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Debouncer{
		optimizer: o,
		store:     s,
		quiet:     quiet,
		logger:    logger,
		timers:    map[string]*time.Timer{},
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Trigger schedules an optimization pass for the tenant after the quiet
// period, replacing any pass already pending for it.
func (d *Debouncer) Trigger(tenantID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[tenantID]; ok {
		t.Stop()
		metrics.DebounceCollapsed.WithLabelValues(tenantID).Inc()
	}
	d.timers[tenantID] = time.AfterFunc(d.quiet, func() { d.fire(tenantID) })
}

// Pending reports whether a pass is currently scheduled for the tenant.
func (d *Debouncer) Pending(tenantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[tenantID]
	return ok
}

// Close cancels every pending timer and aborts in-flight runs.
func (d *Debouncer) Close() {
	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.cancel()
}

// fire runs the pass for one tenant. The timer slot is cleared before the
// run and failures are swallowed after logging, so a broken run can never
// starve future triggers.
func (d *Debouncer) fire(tenantID string) {
	d.mu.Lock()
	delete(d.timers, tenantID)
	d.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("optimization pass panicked", "tenant", tenantID, "panic", r)
		}
	}()

	if !d.autoAssignEnabled(tenantID) {
		d.logger.Debug("auto-assign disabled, skipping pass", "tenant", tenantID)
		return
	}

	summary, err := d.optimizer.Run(d.baseCtx, tenantID)
	if err != nil {
		d.logger.Error("debounced optimization pass failed", "tenant", tenantID, "err", err)
		return
	}
	d.logger.Debug("optimization pass finished",
		"tenant", tenantID, "assignments", len(summary.Assignments), "addedSec", summary.TotalAddedSec)
}

// autoAssignEnabled reads the per-tenant gate. Missing config means on.
func (d *Debouncer) autoAssignEnabled(tenantID string) bool {
	ctx, cancel := context.WithTimeout(d.baseCtx, 2*time.Second)
	defer cancel()
	cfg, err := d.store.GetOptimizerConfig(ctx, tenantID)
	if err != nil {
		return true
	}
	if v, ok := cfg["autoAssign"].(bool); ok {
		return v
	}
	return true
}
