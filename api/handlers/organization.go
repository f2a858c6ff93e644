package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

// OrganizationHandler serves organization records and public key
// advertisement.
type OrganizationHandler struct {
	store  *store.Store
	logger *zap.Logger
}

func NewOrganizationHandler(st *store.Store, logger *zap.Logger) *OrganizationHandler {
	return &OrganizationHandler{
		store:  st,
		logger: logger.With(zap.String("component", "organization_handler")),
	}
}

type createOrganizationRequest struct {
	Name      string `json:"name"`
	PublicKey []byte `json:"public_key"`
}

// HandleCreate handles POST /api/v1/organizations.
func (h *OrganizationHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.Name == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "name is required"))
		return
	}
	if len(req.PublicKey) > 0 {
		if _, err := crypto.ParsePublicKey(req.PublicKey); err != nil {
			WriteError(w, types.NewError(types.ErrInvalidRequest, "public_key is not a valid PEM public key").WithCause(err))
			return
		}
	}

	org := &store.Organization{Name: req.Name, PublicKey: req.PublicKey}
	if err := h.store.CreateOrganization(r.Context(), org); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, Response{Success: true, Data: org})
}

// HandleGet handles GET /api/v1/organizations/{id}.
func (h *OrganizationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid organization id"))
		return
	}
	org, err := h.store.GetOrganization(r.Context(), uint(id))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteSuccess(w, org)
}

type setPublicKeyRequest struct {
	PublicKey []byte `json:"public_key"`
}

// HandleSetPublicKey handles PUT /api/v1/organizations/{id}/public-key.
// Only callers authenticated for the organization may rotate its key; tasks
// created afterwards encrypt against the new key, existing runs keep the
// input sealed with the key current at creation time.
func (h *OrganizationHandler) HandleSetPublicKey(w http.ResponseWriter, r *http.Request) {
	callerOrg, ok := types.OrganizationID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuthentication, "missing authenticated organization"))
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "invalid organization id"))
		return
	}
	if uint(id) != callerOrg {
		WriteError(w, types.NewError(types.ErrAuthorization, "cannot set another organization's public key"))
		return
	}

	var req setPublicKeyRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if _, err := crypto.ParsePublicKey(req.PublicKey); err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "public_key is not a valid PEM public key").WithCause(err))
		return
	}

	if err := h.store.SetPublicKey(r.Context(), callerOrg, req.PublicKey); err != nil {
		WriteError(w, err)
		return
	}

	h.logger.Info("public key updated", zap.Uint("organization_id", callerOrg))
	WriteSuccess(w, map[string]uint{"organization_id": callerOrg})
}
