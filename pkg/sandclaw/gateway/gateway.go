// Package gateway exposes the HTTP bridge surface consumed by channel
// adapter processes: health endpoints, inbound message ingress, outbound
// send/edit delegation, and slash-command handling.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/channels"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/config"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/orchestrator"
	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// Gateway is the HTTP bridge server.
type Gateway struct {
	cfg        config.Config
	store      store.Store
	state      *orchestrator.State
	queue      *orchestrator.Queue
	dispatcher *orchestrator.Dispatcher
	manager    *channels.Manager
	server     *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// New creates a Gateway.
func New(cfg config.Config, st store.Store, state *orchestrator.State, queue *orchestrator.Queue, dispatcher *orchestrator.Dispatcher, manager *channels.Manager, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:        cfg,
		store:      st,
		state:      state,
		queue:      queue,
		dispatcher: dispatcher,
		manager:    manager,
		logger:     logger.With("component", "gateway"),
	}
}

// Start begins serving in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealthz)
	mux.HandleFunc("GET /readyz", g.handleReadyz)
	mux.HandleFunc("POST /v1/ingress", g.handleIngress)
	mux.HandleFunc("POST /v1/send", g.handleSend)
	mux.HandleFunc("POST /v1/edit", g.handleEdit)
	mux.HandleFunc("POST /v1/commands", g.handleCommands)

	g.server = &http.Server{
		Addr:    g.cfg.Server.BindAddress,
		Handler: mux,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.cfg.Server.BindAddress)
	return nil
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}
