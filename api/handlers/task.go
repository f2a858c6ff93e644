package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/types"
)

// TaskHandler serves the task lifecycle: creation with per-organization
// fan-out, status polling, result collection and deletion.
type TaskHandler struct {
	coord  *coordination.Coordinator
	logger *zap.Logger
}

func NewTaskHandler(coord *coordination.Coordinator, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		coord:  coord,
		logger: logger.With(zap.String("component", "task_handler")),
	}
}

// createTaskRequest is the JSON body for POST /api/v1/tasks. Input arrives
// base64-encoded, already wire-encoded by the client.
type createTaskRequest struct {
	CollaborationID uint     `json:"collaboration_id"`
	TargetOrgIDs    []uint   `json:"organizations"`
	Image           string   `json:"image"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	Input           []byte   `json:"input"`
	Databases       []string `json:"databases"`
}

type taskResponse struct {
	ID              uint   `json:"id"`
	UUID            string `json:"uuid"`
	Name            string `json:"name"`
	Image           string `json:"image"`
	CollaborationID uint   `json:"collaboration_id"`
	Status          string `json:"status"`
	RunIDs          []uint `json:"run_ids"`
}

// HandleCreate handles POST /api/v1/tasks.
func (h *TaskHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}
	userID, _ := types.UserID(r.Context())

	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	task, err := h.coord.CreateTask(r.Context(), coordination.TaskRequest{
		InitiatorOrgID:  callerOrg,
		InitiatorUserID: userID,
		CollaborationID: req.CollaborationID,
		TargetOrgIDs:    req.TargetOrgIDs,
		Image:           req.Image,
		Name:            req.Name,
		Description:     req.Description,
		Input:           req.Input,
		Databases:       req.Databases,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := taskResponse{
		ID:              task.ID,
		UUID:            task.UUID,
		Name:            task.Name,
		Image:           task.Image,
		CollaborationID: task.CollaborationID,
		Status:          string(task.Status()),
	}
	for _, run := range task.Runs {
		resp.RunIDs = append(resp.RunIDs, run.ID)
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: resp})
}

// HandleStatus handles GET /api/v1/tasks/{uuid}/status, the polling
// endpoint of the wait loop.
func (h *TaskHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}

	summary, err := h.coord.TaskStatus(r.Context(), r.PathValue("uuid"), callerOrg)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, summary)
}

// HandleResults handles GET /api/v1/tasks/{uuid}/results. Payloads stay
// encrypted; only the initiating organization may read them.
func (h *TaskHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}

	entries, err := h.coord.CollectResults(r.Context(), r.PathValue("uuid"), callerOrg)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, entries)
}

// HandleDelete handles DELETE /api/v1/tasks/{uuid}.
func (h *TaskHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}

	if err := h.coord.DeleteTask(r.Context(), r.PathValue("uuid"), callerOrg); err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"uuid": r.PathValue("uuid"), "deleted": "true"})
}

// HandleList handles GET /api/v1/collaborations/{id}/tasks.
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
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

	tasks, err := h.coord.ListTasks(r.Context(), uint(collabID), callerOrg)
	if err != nil {
		WriteError(w, err)
		return
	}

	resp := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		entry := taskResponse{
			ID:              task.ID,
			UUID:            task.UUID,
			Name:            task.Name,
			Image:           task.Image,
			CollaborationID: task.CollaborationID,
			Status:          string(task.Status()),
		}
		for _, run := range task.Runs {
			entry.RunIDs = append(entry.RunIDs, run.ID)
		}
		resp = append(resp, entry)
	}
	WriteSuccess(w, resp)
}
