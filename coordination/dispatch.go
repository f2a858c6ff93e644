// Package coordination implements the task fan-out, run lifecycle writes,
// result collection, and node online-check of the federated computation
// server. The server is a ciphertext relay: inputs are encrypted per
// recipient organization at dispatch time and results are decrypted only by
// the initiating organization.
package coordination

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/internal/metrics"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

// Coordinator owns the coordination core. All persistent state goes through
// the injected store; there are no package-level sessions.
type Coordinator struct {
	store   *store.Store
	bus     bus.Bus
	crypto  crypto.Provider
	metrics *metrics.Collector
	logger  *zap.Logger
}

// New creates a Coordinator.
func New(st *store.Store, eventBus bus.Bus, provider crypto.Provider, collector *metrics.Collector, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:   st,
		bus:     eventBus,
		crypto:  provider,
		metrics: collector,
		logger:  logger.With(zap.String("component", "coordinator")),
	}
}

// TaskRequest is one create-task call: an algorithm image addressed to a set
// of target organizations inside a collaboration. Input is the wire-encoded
// plaintext; the coordinator encrypts a copy per recipient.
type TaskRequest struct {
	InitiatorOrgID  uint
	InitiatorUserID uint
	CollaborationID uint
	TargetOrgIDs    []uint
	Image           string
	Name            string
	Description     string
	Input           []byte
	Databases       []string
}

// CreateTask resolves each target organization's current public key,
// encrypts a copy of the input for each, and creates the task with exactly
// one pending run per target as a single atomic unit. Any per-target failure
// aborts the whole call with an ATOMICITY error and nothing is persisted.
// After the commit a task_created notification is published best-effort.
func (c *Coordinator) CreateTask(ctx context.Context, req TaskRequest) (*store.Task, error) {
	if len(req.TargetOrgIDs) == 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "task must target at least one organization")
	}
	if req.Image == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "task image is required")
	}

	collab, err := c.store.GetCollaboration(ctx, req.CollaborationID)
	if err != nil {
		return nil, err
	}

	// Permission gate: the initiator must be a member of the collaboration.
	// This short-circuits before any run is created.
	if err := c.requireMember(ctx, collab.ID, req.InitiatorOrgID, "initiator"); err != nil {
		return nil, err
	}

	task := &store.Task{
		UUID:            uuid.NewString(),
		Name:            req.Name,
		Description:     req.Description,
		Image:           req.Image,
		CollaborationID: collab.ID,
		InitiatorOrgID:  req.InitiatorOrgID,
		InitiatorUserID: req.InitiatorUserID,
		Databases:       req.Databases,
	}

	seen := make(map[uint]bool, len(req.TargetOrgIDs))
	for _, orgID := range req.TargetOrgIDs {
		if seen[orgID] {
			return nil, types.Errorf(types.ErrInvalidRequest, "duplicate target organization %d", orgID)
		}
		seen[orgID] = true

		if err := c.requireMember(ctx, collab.ID, orgID, "target"); err != nil {
			return nil, err
		}

		input, err := c.encryptForOrganization(ctx, collab, orgID, req.Input)
		if err != nil {
			return nil, err
		}

		task.Runs = append(task.Runs, store.Run{
			UUID:           uuid.NewString(),
			OrganizationID: orgID,
			Input:          input,
			Status:         store.RunPending,
			AssignedAt:     time.Now().UTC(),
		})
	}

	if err := c.store.CreateTaskWithRuns(ctx, task); err != nil {
		return nil, err
	}

	c.metrics.RecordTaskCreated(len(task.Runs))
	c.logger.Info("task created",
		zap.String("task_uuid", task.UUID),
		zap.Uint("collaboration_id", collab.ID),
		zap.Int("runs", len(task.Runs)),
	)

	// Best-effort push: connected nodes wake up immediately, offline nodes
	// discover the run on their next poll or reconnect. A publish failure
	// never rolls back the committed task.
	event := bus.Event{
		Kind:            bus.KindTaskCreated,
		CollaborationID: collab.ID,
		TaskUUID:        task.UUID,
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("task notification failed", zap.String("task_uuid", task.UUID), zap.Error(err))
	} else {
		c.metrics.RecordEventPublished(string(bus.KindTaskCreated))
	}

	return task, nil
}

// encryptForOrganization looks up the organization's current public key
// (fresh per call, keys can rotate) and applies the collaboration's
// encryption policy. An encrypted collaboration with a keyless recipient is
// an ATOMICITY failure: the platform never falls back to plaintext silently.
func (c *Coordinator) encryptForOrganization(ctx context.Context, collab *store.Collaboration, orgID uint, input []byte) ([]byte, error) {
	if !collab.Encrypted {
		return input, nil
	}

	org, err := c.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, types.Errorf(types.ErrAtomicity,
			"key lookup failed for organization %d", orgID).WithCause(err)
	}
	if len(org.PublicKey) == 0 {
		return nil, types.Errorf(types.ErrAtomicity,
			"collaboration %d requires encryption but organization %d has no public key",
			collab.ID, orgID)
	}

	ciphertext, err := c.crypto.EncryptFor(input, org.PublicKey)
	if err != nil {
		return nil, types.Errorf(types.ErrAtomicity,
			"encrypt input for organization %d", orgID).WithCause(err)
	}
	return ciphertext, nil
}

func (c *Coordinator) requireMember(ctx context.Context, collabID, orgID uint, role string) error {
	member, err := c.store.IsMember(ctx, collabID, orgID)
	if err != nil {
		return err
	}
	if !member {
		return types.Errorf(types.ErrAuthorization,
			"%s organization %d is not a member of collaboration %d", role, orgID, collabID)
	}
	return nil
}
