package handlers

import (
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/internal/hub"
	"github.com/vantage6/vantage6-sub005/internal/metrics"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

// SocketHandler upgrades an authenticated node connection to a websocket and
// hands it to the hub. Connecting flips the node online; disconnecting flips
// it offline.
type SocketHandler struct {
	store   *store.Store
	hub     *hub.Hub
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewSocketHandler(st *store.Store, h *hub.Hub, collector *metrics.Collector, logger *zap.Logger) *SocketHandler {
	return &SocketHandler{
		store:   st,
		hub:     h,
		metrics: collector,
		logger:  logger.With(zap.String("component", "socket_handler")),
	}
}

// HandleConnect handles GET /api/v1/socket. Requires a node token.
func (h *SocketHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := types.NodeID(r.Context())
	if !ok || nodeID == 0 {
		WriteError(w, types.NewError(types.ErrAuthorization, "socket endpoint requires a node token"))
		return
	}

	node, err := h.store.GetNode(r.Context(), nodeID)
	if err != nil {
		WriteError(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Uint("node_id", nodeID), zap.Error(err))
		return
	}

	h.metrics.NodeConnected()
	defer h.metrics.NodeDisconnected()

	if err := h.hub.Serve(r.Context(), node, conn); err != nil {
		h.logger.Debug("websocket session ended",
			zap.Uint("node_id", nodeID),
			zap.Error(err))
	}
}
