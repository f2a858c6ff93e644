package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/api/handlers"
	"github.com/vantage6/vantage6-sub005/config"
	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/internal/database"
	"github.com/vantage6/vantage6-sub005/internal/hub"
	"github.com/vantage6/vantage6-sub005/internal/metrics"
	"github.com/vantage6/vantage6-sub005/internal/token"
	"github.com/vantage6/vantage6-sub005/store"
)

// buildRouter wires every HTTP surface: the authenticated REST API, the node
// websocket, the unauthenticated token exchange and health probes, and the
// Prometheus scrape endpoint.
func buildRouter(
	cfg *config.Config,
	st *store.Store,
	coord *coordination.Coordinator,
	nodeHub *hub.Hub,
	pool *database.PoolManager,
	collector *metrics.Collector,
	version string,
	logger *zap.Logger,
) http.Handler {
	tokenCfg := token.Config{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.TTL,
	}

	taskHandler := handlers.NewTaskHandler(coord, logger)
	runHandler := handlers.NewRunHandler(coord, logger)
	nodeHandler := handlers.NewNodeHandler(st, tokenCfg, logger)
	orgHandler := handlers.NewOrganizationHandler(st, logger)
	collabHandler := handlers.NewCollaborationHandler(st, coord, cfg.Liveness.OnlineCheckTimeout, logger)
	socketHandler := handlers.NewSocketHandler(st, nodeHub, collector, logger)
	healthHandler := handlers.NewHealthHandler(pool, version, logger)

	authn := Auth(tokenCfg)

	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/token/node", nodeHandler.HandleNodeToken)

	// Organizations and collaborations.
	mux.Handle("POST /api/v1/organizations", authn(http.HandlerFunc(orgHandler.HandleCreate)))
	mux.Handle("GET /api/v1/organizations/{id}", authn(http.HandlerFunc(orgHandler.HandleGet)))
	mux.Handle("PUT /api/v1/organizations/{id}/public-key", authn(http.HandlerFunc(orgHandler.HandleSetPublicKey)))
	mux.Handle("POST /api/v1/collaborations", authn(http.HandlerFunc(collabHandler.HandleCreate)))
	mux.Handle("GET /api/v1/collaborations/{id}", authn(http.HandlerFunc(collabHandler.HandleGet)))
	mux.Handle("POST /api/v1/collaborations/{id}/online-check", authn(http.HandlerFunc(collabHandler.HandleOnlineCheck)))
	mux.Handle("GET /api/v1/collaborations/{id}/nodes", authn(http.HandlerFunc(nodeHandler.HandleList)))
	mux.Handle("GET /api/v1/collaborations/{id}/tasks", authn(http.HandlerFunc(taskHandler.HandleList)))

	// Tasks.
	mux.Handle("POST /api/v1/tasks", authn(http.HandlerFunc(taskHandler.HandleCreate)))
	mux.Handle("GET /api/v1/tasks/{uuid}/status", authn(http.HandlerFunc(taskHandler.HandleStatus)))
	mux.Handle("GET /api/v1/tasks/{uuid}/results", authn(http.HandlerFunc(taskHandler.HandleResults)))
	mux.Handle("DELETE /api/v1/tasks/{uuid}", authn(http.HandlerFunc(taskHandler.HandleDelete)))

	// Node surface.
	mux.Handle("POST /api/v1/nodes", authn(http.HandlerFunc(nodeHandler.HandleRegister)))
	mux.Handle("GET /api/v1/runs/pending", authn(http.HandlerFunc(runHandler.HandlePending)))
	mux.Handle("GET /api/v1/runs/{id}", authn(http.HandlerFunc(runHandler.HandleGet)))
	mux.Handle("PATCH /api/v1/runs/{id}", authn(http.HandlerFunc(runHandler.HandlePost)))
	mux.Handle("GET /api/v1/socket", authn(http.HandlerFunc(socketHandler.HandleConnect)))

	return Chain(mux,
		Recovery(logger),
		RequestID(),
		RequestLogger(logger),
		Metrics(collector),
		Tracing(),
		RateLimit(100, 200),
	)
}
