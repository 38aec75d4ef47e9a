package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"vandispatch/internal/config"
	"vandispatch/internal/dispatch"
	"vandispatch/internal/events"
	"vandispatch/internal/routing"
	"vandispatch/internal/store"
	"vandispatch/internal/webhooks"
)

// EventBroker feeds the SSE and WebSocket live event streams.
type EventBroker interface {
	Subscribe(tenantID string) chan events.Event
	Unsubscribe(tenantID string, ch chan events.Event)
	Publish(ctx context.Context, evt events.Event)
}

type Server struct {
	Cfg       *config.Config
	Store     store.Store
	Routing   routing.Provider
	Optimizer *dispatch.Optimizer
	Debounce  *dispatch.Debouncer
	Eta       *dispatch.EtaCalculator
	Broker    EventBroker
	Pub       *webhooks.Publisher
	Logger    *slog.Logger
}

// NewServer wires the full dispatch stack. With no DATABASE_URL the store
// is in-memory; with no REDIS_URL the event broker is in-process.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if err := sp.MigrateDir("db/migrations"); err != nil {
			logger.Warn("migrations", "err", err)
		}
		s = sp
	}

	var broker EventBroker
	if cfg.RedisURL != "" {
		rb, err := events.NewRedisBroker(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("redis broker unavailable, using in-process broker", "err", err)
			broker = events.NewBroker()
		} else {
			broker = rb
		}
	} else {
		broker = events.NewBroker()
	}

	rp := routing.NewOSRM(cfg.RoutingBaseURL, cfg.RoutingTimeout, logger)
	pub := webhooks.NewPublisher(s)

	opt := dispatch.NewOptimizer(s, rp, events.Fanout{broker, pub}, logger)
	if cfg.ImproveEnabled {
		opt.ImproveIterations = cfg.ImproveIterations
	}
	deb := dispatch.NewDebouncer(opt, s, cfg.DebounceQuiet, logger)

	return &Server{
		Cfg:       cfg,
		Store:     s,
		Routing:   rp,
		Optimizer: opt,
		Debounce:  deb,
		Eta:       &dispatch.EtaCalculator{Store: s, Routing: rp},
		Broker:    broker,
		Pub:       pub,
		Logger:    logger,
	}, nil
}

// NewWebhookWorker creates the background webhook delivery worker.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store, s.Cfg.WebhookMaxAttempts, s.Logger)
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	// Tenant from header; production deployments decode it from the JWT.
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}
