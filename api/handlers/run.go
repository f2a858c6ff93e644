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

// RunHandler serves the node-facing run surface: pulling assigned work and
// reporting state transitions with results.
type RunHandler struct {
	coord  *coordination.Coordinator
	logger *zap.Logger
}

func NewRunHandler(coord *coordination.Coordinator, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "run_handler")),
	}
}

// nodeIdentity extracts the node principal from the request context. All run
// endpoints require a node token; user tokens are rejected here.
func nodeIdentity(r *http.Request) (coordination.NodeIdentity, *types.Error) {
	nodeID, ok := types.NodeID(r.Context())
	if !ok || nodeID == 0 {
		return coordination.NodeIdentity{}, types.NewError(types.ErrAuthorization, "endpoint requires a node token")
	}
	orgID, _ := types.OrganizationID(r.Context())
	collabID, _ := types.CollaborationID(r.Context())
	return coordination.NodeIdentity{
		NodeID:          nodeID,
		OrganizationID:  orgID,
		CollaborationID: collabID,
	}, nil
}

type runResponse struct {
	ID             uint       `json:"id"`
	UUID           string     `json:"uuid"`
	TaskID         uint       `json:"task_id"`
	OrganizationID uint       `json:"organization_id"`
	Status         string     `json:"status"`
	Input          []byte     `json:"input,omitempty"`
	AssignedAt     time.Time  `json:"assigned_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

func toRunResponse(run *store.Run, includeInput bool) runResponse {
	resp := runResponse{
		ID:             run.ID,
		UUID:           run.UUID,
		TaskID:         run.TaskID,
		OrganizationID: run.OrganizationID,
		Status:         string(run.Status),
		AssignedAt:     run.AssignedAt,
		StartedAt:      run.StartedAt,
		FinishedAt:     run.FinishedAt,
	}
	if includeInput {
		resp.Input = run.Input
	}
	return resp
}

// HandleGet handles GET /api/v1/runs/{id}, returning the run with its
// encrypted input to the owning node.
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	node, terr := nodeIdentity(r)
	if terr != nil {
		WriteError(w, terr)
		return
	}
	runID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid run id"))
		return
	}

	run, err := h.coord.FetchRun(r.Context(), uint(runID), node)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, toRunResponse(run, true))
}

// HandlePending handles GET /api/v1/runs/pending: the catch-up query a node
// issues on startup and after reconnecting.
func (h *RunHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	node, terr := nodeIdentity(r)
	if terr != nil {
		WriteError(w, terr)
		return
	}

	runs, err := h.coord.PendingRuns(r.Context(), node)
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for i := range runs {
		resp = append(resp, toRunResponse(&runs[i], true))
	}
	WriteSuccess(w, resp)
}

// postRunRequest is the JSON body for PATCH /api/v1/runs/{id}. Result is the
// base64 of the encrypted payload; it is only accepted together with a
// terminal status.
type postRunRequest struct {
	Status     string     `json:"status"`
	Log        string     `json:"log"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Result     []byte     `json:"result"`
}

// HandlePost handles PATCH /api/v1/runs/{id}: a node reporting a state
// transition, optionally with the encrypted result.
func (h *RunHandler) HandlePost(w http.ResponseWriter, r *http.Request) {
	node, terr := nodeIdentity(r)
	if terr != nil {
		WriteError(w, terr)
		return
	}
	runID, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid run id"))
		return
	}

	var req postRunRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	run, err := h.coord.PostRun(r.Context(), uint(runID), node, coordination.RunPost{
		Status:     store.RunStatus(req.Status),
		Log:        req.Log,
		StartedAt:  req.StartedAt,
		FinishedAt: req.FinishedAt,
		Result:     req.Result,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, toRunResponse(run, false))
}
