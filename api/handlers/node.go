package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/internal/token"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

// NodeHandler serves node registration and the api-key-to-token exchange.
type NodeHandler struct {
	store    *store.Store
	tokenCfg token.Config
	logger   *zap.Logger
}

func NewNodeHandler(st *store.Store, tokenCfg token.Config, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{
		store:    st,
		tokenCfg: tokenCfg,
		logger:   logger.With(zap.String("component", "node_handler")),
	}
}

type registerNodeRequest struct {
	Name            string `json:"name"`
	CollaborationID uint   `json:"collaboration_id"`
}

type registerNodeResponse struct {
	ID              uint   `json:"id"`
	Name            string `json:"name"`
	OrganizationID  uint   `json:"organization_id"`
	CollaborationID uint   `json:"collaboration_id"`
	// APIKey is returned exactly once, at registration.
	APIKey string `json:"api_key"`
}

// HandleRegister handles POST /api/v1/nodes. A user registers the node of
// their own organization for one collaboration; the generated api key is the
// node's credential and is only ever returned here.
func (h *NodeHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}

	var req registerNodeRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.CollaborationID == 0 {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "collaboration_id is required"))
		return
	}

	member, err := h.store.IsMember(r.Context(), req.CollaborationID, callerOrg)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !member {
		WriteError(w, types.Errorf(types.ErrAuthorization,
			"organization %d is not a member of collaboration %d", callerOrg, req.CollaborationID))
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to generate api key").WithCause(err))
		return
	}

	node := &store.Node{
		Name:            req.Name,
		OrganizationID:  callerOrg,
		CollaborationID: req.CollaborationID,
		APIKey:          apiKey,
		Status:          store.NodeOffline,
	}
	if err := h.store.RegisterNode(r.Context(), node); err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info("node registered",
		zap.Uint("node_id", node.ID),
		zap.Uint("organization_id", callerOrg),
		zap.Uint("collaboration_id", req.CollaborationID))

	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: registerNodeResponse{
		ID:              node.ID,
		Name:            node.Name,
		OrganizationID:  node.OrganizationID,
		CollaborationID: node.CollaborationID,
		APIKey:          apiKey,
	}})
}

type nodeTokenRequest struct {
	APIKey string `json:"api_key"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HandleNodeToken handles POST /api/v1/token/node: a node exchanges its api
// key for a bearer token carrying its resolved organization and
// collaboration. This endpoint is the only unauthenticated surface besides
// health checks.
func (h *NodeHandler) HandleNodeToken(w http.ResponseWriter, r *http.Request) {
	var req nodeTokenRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.APIKey == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "api_key is required"))
		return
	}

	node, err := h.store.NodeByAPIKey(r.Context(), req.APIKey)
	if err != nil {
		// Same answer for unknown key and lookup failure: no oracle.
		WriteError(w, types.NewError(types.ErrAuthentication, "invalid api key"))
		return
	}

	signed, err := token.Issue(h.tokenCfg, token.Identity{
		OrganizationID:  node.OrganizationID,
		CollaborationID: node.CollaborationID,
		NodeID:          node.ID,
	})
	if err != nil {
		WriteError(w, types.NewError(types.ErrInternalError, "failed to issue token").WithCause(err))
		return
	}
	WriteSuccess(w, tokenResponse{Token: signed})
}

// HandleList handles GET /api/v1/collaborations/{id}/nodes.
func (h *NodeHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}
	collabID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid collaboration id"))
		return
	}

	member, err := h.store.IsMember(r.Context(), uint(collabID), callerOrg)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !member {
		WriteError(w, types.Errorf(types.ErrAuthorization,
			"organization %d is not a member of collaboration %d", callerOrg, collabID))
		return
	}

	nodes, err := h.store.NodesForCollaboration(r.Context(), uint(collabID))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, nodes)
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
