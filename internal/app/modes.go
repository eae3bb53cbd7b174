package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tradingbuddy/internal/listener"
	"github.com/alanyoungcy/tradingbuddy/internal/poller"
	"github.com/alanyoungcy/tradingbuddy/internal/server"
	"github.com/alanyoungcy/tradingbuddy/internal/server/handler"
	"github.com/alanyoungcy/tradingbuddy/internal/server/ws"
	"github.com/alanyoungcy/tradingbuddy/internal/service"
	"github.com/alanyoungcy/tradingbuddy/internal/session"
)

// FullMode runs sessions with live listeners, the reconciliation poller and
// the ops server in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	registry := a.newRegistry(deps, true)
	g.Go(func() error {
		return registry.Run(ctx)
	})
	p := a.newPoller(deps, registry)
	g.Go(func() error {
		return p.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, registry)

	return g.Wait()
}

// ListenersMode runs sessions with live listeners only. A separate poller
// process reconciles through the shared Postgres and Redis.
func (a *App) ListenersMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting listeners mode")

	g, ctx := errgroup.WithContext(ctx)

	registry := a.newRegistry(deps, true)
	g.Go(func() error {
		return registry.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, registry)

	return g.Wait()
}

// PollerMode runs the reconciliation poller only. Its sessions build
// engines without opening streams.
func (a *App) PollerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting poller mode")

	g, ctx := errgroup.WithContext(ctx)

	registry := a.newRegistry(deps, false)
	defer registry.Close()
	p := a.newPoller(deps, registry)
	g.Go(func() error {
		return p.Run(ctx)
	})
	a.startHTTPServer(ctx, g, deps, registry)

	return g.Wait()
}

func (a *App) newRegistry(deps *Dependencies, listen bool) *session.Registry {
	lc := a.cfg.Listener
	return session.NewRegistry(session.Deps{
		Venues:    deps.Venues,
		Positions: deps.PositionStore,
		Trades:    deps.TradeStore,
		Accounts:  deps.AccountStore,
		Audit:     deps.AuditStore,
		Bus:       deps.EventBus,
		Prices:    deps.PriceCache,
		Alerts:    deps.Notifier,
		Locker:    deps.Locker,
		Logger:    a.logger,
	}, session.Config{
		Listen: listen,
		Orders: listener.OrderListenerConfig{
			RenewEvery: lc.RenewEvery.Duration,
			Backoff:    listener.Backoff{Min: lc.ReconnectMin.Duration, Max: lc.ReconnectMax.Duration},
		},
		PriceBackoff: listener.Backoff{Min: lc.ReconnectMin.Duration, Max: lc.ReconnectMax.Duration},
		SyncEvery:    lc.SyncEvery.Duration,
	})
}

func (a *App) newPoller(deps *Dependencies, engines poller.Engines) *poller.Poller {
	pc := a.cfg.Poller
	return poller.New(deps.AccountStore, engines, deps.Notifier, poller.Config{
		Interval:    pc.Interval.Duration,
		HistoryLead: pc.HistoryLead.Duration,
		StallAfter:  pc.StallAfter,
	}, a.logger)
}

// startHTTPServer adds the ops server and the WebSocket hub to g. The
// server drains when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, registry *session.Registry) {
	if !a.cfg.Server.Enabled {
		return
	}

	positions := service.NewPositionService(deps.AccountStore, deps.PositionStore, deps.PriceCache, a.logger)
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Checks, a.logger),
		Positions:  handler.NewPositionHandler(positions, a.logger),
		Accounts:   handler.NewAccountHandler(deps.AccountStore, deps.Venues, registry, a.logger),
		Operations: handler.NewOperationsHandler(registry, a.logger),
		Events:     handler.NewEventHandler(deps.EventLog, a.logger),
	}

	if deps.BlobWriter != nil {
		charts := service.NewChartService(deps.TradeStore, deps.AuditStore, service.ChartBlobs{
			Writer:  deps.BlobWriter,
			Reader:  deps.BlobReader,
			Deleter: deps.BlobReader,
		}, a.logger)
		handlers.Trades = handler.NewTradeHandler(deps.TradeStore, charts, a.logger)
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, a.logger)
	} else {
		handlers.Trades = handler.NewTradeHandler(deps.TradeStore, nil, a.logger)
	}

	hub := ws.NewHub(deps.EventBus, a.cfg.Mode, a.logger)
	handlers.Hub = hub
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down", slog.Int("port", a.cfg.Server.Port))
		return srv.Shutdown(shutCtx)
	})
}
