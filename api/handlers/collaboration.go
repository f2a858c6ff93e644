package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

const defaultOnlineCheckTimeout = 10 * time.Second

// CollaborationHandler serves collaboration records and the online-check
// probe.
type CollaborationHandler struct {
	store   *store.Store
	coord   *coordination.Coordinator
	timeout time.Duration
	logger  *zap.Logger
}

func NewCollaborationHandler(st *store.Store, coord *coordination.Coordinator, timeout time.Duration, logger *zap.Logger) *CollaborationHandler {
	if timeout <= 0 {
		timeout = defaultOnlineCheckTimeout
	}
	return &CollaborationHandler{
		store:   st,
		coord:   coord,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "collaboration_handler")),
	}
}

type createCollaborationRequest struct {
	Name      string `json:"name"`
	Encrypted bool   `json:"encrypted"`
	MemberIDs []uint `json:"member_ids"`
}

// HandleCreate handles POST /api/v1/collaborations. The encrypted flag is
// fixed at creation; flipping it later would strand sealed inputs.
func (h *CollaborationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCollaborationRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "name is required"))
		return
	}
	if len(req.MemberIDs) == 0 {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "member_ids must name at least one organization"))
		return
	}

	collab := &store.Collaboration{Name: req.Name, Encrypted: req.Encrypted}
	if err := h.store.CreateCollaboration(r.Context(), collab, req.MemberIDs); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: collab})
}

// HandleGet handles GET /api/v1/collaborations/{id}.
func (h *CollaborationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid collaboration id"))
		return
	}
	collab, err := h.store.GetCollaboration(r.Context(), uint(id))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, collab)
}

// HandleOnlineCheck handles POST /api/v1/collaborations/{id}/online-check.
// The optional timeout query parameter bounds the probe; it cannot exceed
// the server-configured maximum.
func (h *CollaborationHandler) HandleOnlineCheck(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid collaboration id"))
		return
	}

	member, err := h.store.IsMember(r.Context(), uint(id), callerOrg)
	if err != nil {
		WriteError(w, err)
		return
	}
	if !member {
		WriteError(w, types.Errorf(types.ErrAuthorization,
			"organization %d is not a member of collaboration %d", callerOrg, id))
		return
	}

	timeout := h.timeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "timeout must be a positive duration"))
			return
		}
		if parsed < timeout {
			timeout = parsed
		}
	}

	report, err := h.coord.OnlineCheck(r.Context(), uint(id), timeout)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, report)
}
