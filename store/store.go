// Package store holds the persisted coordination state (organizations,
// collaborations, nodes, tasks, runs, results) and the run lifecycle state
// machine enforced at every write path. All mutations happen inside a
// database transaction scoped to the calling request; sessions are injected,
// never global.
package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vantage6/vantage6-sub005/types"
)

// Store is the repository over the relational schema. A Store is safe for
// concurrent use; each call runs in its own transaction.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// New wraps an open gorm session in a Store.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "store")),
	}
}

// Migrate creates or updates the relational schema.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Organization{},
		&Collaboration{},
		&Node{},
		&Task{},
		&Run{},
		&Result{},
	)
}

// DB exposes the underlying session for callers that need to compose a
// larger transaction (the dispatch coordinator).
func (s *Store) DB() *gorm.DB {
	return s.db
}

// =============================================================================
// Organizations
// =============================================================================

// CreateOrganization persists a new organization.
func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if err := s.db.WithContext(ctx).Create(org).Error; err != nil {
		return types.NewError(types.ErrInternalError, "create organization").WithCause(err)
	}
	return nil
}

// GetOrganization loads one organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id uint) (*Organization, error) {
	var org Organization
	err := s.db.WithContext(ctx).First(&org, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "organization %d not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load organization").WithCause(err)
	}
	return &org, nil
}

// SetPublicKey stores the public key advertised by an organization. Only the
// owning organization may rotate its key; the caller enforces that.
func (s *Store) SetPublicKey(ctx context.Context, orgID uint, key []byte) error {
	res := s.db.WithContext(ctx).Model(&Organization{}).Where("id = ?", orgID).Update("public_key", key)
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "update public key").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "organization %d not found", orgID)
	}
	return nil
}

// =============================================================================
// Collaborations
// =============================================================================

// CreateCollaboration persists a collaboration and its member organizations.
func (s *Store) CreateCollaboration(ctx context.Context, collab *Collaboration, memberIDs []uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(collab).Error; err != nil {
			return types.NewError(types.ErrInternalError, "create collaboration").WithCause(err)
		}
		for _, orgID := range memberIDs {
			var org Organization
			if err := tx.First(&org, orgID).Error; err != nil {
				return types.Errorf(types.ErrNotFound, "member organization %d not found", orgID)
			}
			if err := tx.Model(collab).Association("Organizations").Append(&org); err != nil {
				return types.NewError(types.ErrInternalError, "attach member organization").WithCause(err)
			}
		}
		return nil
	})
}

// GetCollaboration loads one collaboration with its member organizations.
func (s *Store) GetCollaboration(ctx context.Context, id uint) (*Collaboration, error) {
	var collab Collaboration
	err := s.db.WithContext(ctx).Preload("Organizations").First(&collab, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "collaboration %d not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load collaboration").WithCause(err)
	}
	return &collab, nil
}

// IsMember reports whether the organization belongs to the collaboration.
func (s *Store) IsMember(ctx context.Context, collabID, orgID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Table("collaboration_members").
		Where("collaboration_id = ? AND organization_id = ?", collabID, orgID).
		Count(&count).Error
	if err != nil {
		return false, types.NewError(types.ErrInternalError, "check membership").WithCause(err)
	}
	return count > 0, nil
}

// =============================================================================
// Nodes
// =============================================================================

// RegisterNode persists a node. The (organization, collaboration) pair is
// unique: one compute agent per organization per collaboration.
func (s *Store) RegisterNode(ctx context.Context, node *Node) error {
	if err := s.db.WithContext(ctx).Create(node).Error; err != nil {
		return types.NewError(types.ErrInternalError, "register node").WithCause(err)
	}
	return nil
}

// GetNode loads one node by ID.
func (s *Store) GetNode(ctx context.Context, id uint) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).First(&node, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "node %d not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load node").WithCause(err)
	}
	return &node, nil
}

// NodeByAPIKey resolves a node credential to its identity.
func (s *Store) NodeByAPIKey(ctx context.Context, apiKey string) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewError(types.ErrAuthentication, "unknown node credential")
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load node").WithCause(err)
	}
	return &node, nil
}

// NodeForOrganization resolves the node serving an organization inside a
// collaboration.
func (s *Store) NodeForOrganization(ctx context.Context, collabID, orgID uint) (*Node, error) {
	var node Node
	err := s.db.WithContext(ctx).
		Where("collaboration_id = ? AND organization_id = ?", collabID, orgID).
		First(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "no node for organization %d in collaboration %d", orgID, collabID)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load node").WithCause(err)
	}
	return &node, nil
}

// NodesForCollaboration lists every node registered in a collaboration.
func (s *Store) NodesForCollaboration(ctx context.Context, collabID uint) ([]Node, error) {
	var nodes []Node
	err := s.db.WithContext(ctx).Where("collaboration_id = ?", collabID).Find(&nodes).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list nodes").WithCause(err)
	}
	return nodes, nil
}

// SetNodeStatus records a liveness flip with the observation time.
func (s *Store) SetNodeStatus(ctx context.Context, nodeID uint, status NodeStatus, seenAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&Node{}).Where("id = ?", nodeID).Updates(map[string]any{
		"status":       status,
		"last_seen_at": seenAt,
	})
	if res.Error != nil {
		return types.NewError(types.ErrInternalError, "update node status").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "node %d not found", nodeID)
	}
	return nil
}

// =============================================================================
// Tasks
// =============================================================================

// CreateTaskWithRuns persists a task and its attached runs as one atomic
// unit. Either everything commits or nothing is visible to any party.
func (s *Store) CreateTaskWithRuns(ctx context.Context, task *Task) error {
	if len(task.Runs) == 0 {
		return types.NewError(types.ErrAtomicity, "task must have at least one run")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(task).Error
	})
	if err != nil {
		return types.NewError(types.ErrAtomicity, "task creation could not complete").WithCause(err)
	}
	return nil
}

// runsInCreationOrder forces an explicit ORDER BY on preloaded runs. Without
// it the row order is driver-dependent: postgres rewrites run rows on every
// status transition, so heap order drifts from insertion order.
func runsInCreationOrder(db *gorm.DB) *gorm.DB {
	return db.Order("runs.id")
}

// GetTask loads a task with its runs, in creation order, and their results.
func (s *Store) GetTask(ctx context.Context, id uint) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Preload("Runs", runsInCreationOrder).Preload("Runs.Result").First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "task %d not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load task").WithCause(err)
	}
	return &task, nil
}

// GetTaskByUUID loads a task by its external identifier.
func (s *Store) GetTaskByUUID(ctx context.Context, uuid string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Preload("Runs", runsInCreationOrder).Preload("Runs.Result").
		Where("uuid = ?", uuid).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "task %s not found", uuid)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load task").WithCause(err)
	}
	return &task, nil
}

// ListTasks returns the non-diagnostic tasks of a collaboration, runs loaded.
func (s *Store) ListTasks(ctx context.Context, collabID uint) ([]Task, error) {
	var tasks []Task
	err := s.db.WithContext(ctx).Preload("Runs", runsInCreationOrder).
		Where("collaboration_id = ? AND diagnostic = ?", collabID, false).
		Order("id").Find(&tasks).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list tasks").WithCause(err)
	}
	return tasks, nil
}

// DeleteTask removes a task together with its runs and results. Used both by
// initiator cleanup and to erase diagnostic tasks without trace.
func (s *Store) DeleteTask(ctx context.Context, taskID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runIDs []uint
		if err := tx.Model(&Run{}).Where("task_id = ?", taskID).Pluck("id", &runIDs).Error; err != nil {
			return types.NewError(types.ErrInternalError, "list task runs").WithCause(err)
		}
		if len(runIDs) > 0 {
			if err := tx.Where("run_id IN ?", runIDs).Delete(&Result{}).Error; err != nil {
				return types.NewError(types.ErrInternalError, "delete results").WithCause(err)
			}
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&Run{}).Error; err != nil {
			return types.NewError(types.ErrInternalError, "delete runs").WithCause(err)
		}
		if err := tx.Unscoped().Delete(&Task{}, taskID).Error; err != nil {
			return types.NewError(types.ErrInternalError, "delete task").WithCause(err)
		}
		return nil
	})
}

// =============================================================================
// Runs
// =============================================================================

// GetRun loads one run by ID.
func (s *Store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	err := s.db.WithContext(ctx).Preload("Result").First(&run, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "run %d not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "load run").WithCause(err)
	}
	return &run, nil
}

// PendingRunsForOrganization lists the runs a node should pick up: pending
// runs addressed to its organization in its collaboration. This backs both
// catch-up delivery on reconnect and ordinary polling.
func (s *Store) PendingRunsForOrganization(ctx context.Context, collabID, orgID uint) ([]Run, error) {
	var runs []Run
	err := s.db.WithContext(ctx).
		Joins("JOIN tasks ON tasks.id = runs.task_id").
		Where("tasks.collaboration_id = ? AND runs.organization_id = ? AND runs.status = ?",
			collabID, orgID, RunPending).
		Order("runs.id").Find(&runs).Error
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "list pending runs").WithCause(err)
	}
	return runs, nil
}

// RunUpdate is the mutation a node posts against its own run.
type RunUpdate struct {
	Status     RunStatus
	Log        string
	StartedAt  *time.Time
	FinishedAt *time.Time

	// Result, when non-nil, is stored alongside a terminal status.
	Result *Result
}

// TransitionRun applies a state transition to a run, enforcing the forward-
// only state machine. It returns the refreshed run and whether the update was
// applied: a duplicate of the run's current terminal status is a no-op
// (applied=false, no error) so result-post retries stay idempotent. Any other
// backward or terminal-targeting move is rejected with a CONSISTENCY error
// and the stored state is unchanged.
func (s *Store) TransitionRun(ctx context.Context, runID uint, update RunUpdate) (*Run, bool, error) {
	if !update.Status.Valid() {
		return nil, false, types.Errorf(types.ErrInvalidRequest, "unknown run status %q", update.Status)
	}

	var run Run
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&run, runID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return types.Errorf(types.ErrNotFound, "run %d not found", runID)
			}
			return types.NewError(types.ErrInternalError, "load run").WithCause(err)
		}

		if run.Status.Terminal() && run.Status == update.Status {
			// Idempotent redelivery of the same terminal post.
			return nil
		}
		if !run.Status.CanTransition(update.Status) {
			return types.Errorf(types.ErrConsistency,
				"illegal run transition %s -> %s", run.Status, update.Status)
		}

		run.Status = update.Status
		if update.Log != "" {
			run.Log = update.Log
		}
		if update.StartedAt != nil {
			run.StartedAt = update.StartedAt
		}
		if update.FinishedAt != nil {
			run.FinishedAt = update.FinishedAt
		} else if update.Status.Terminal() {
			now := time.Now().UTC()
			run.FinishedAt = &now
		}

		if err := tx.Save(&run).Error; err != nil {
			return types.NewError(types.ErrInternalError, "save run").WithCause(err)
		}

		if update.Result != nil && update.Status.Terminal() {
			update.Result.RunID = run.ID
			if update.Result.FinishedAt.IsZero() {
				update.Result.FinishedAt = time.Now().UTC()
			}
			if err := tx.Create(update.Result).Error; err != nil {
				return types.NewError(types.ErrInternalError, "save result").WithCause(err)
			}
		}

		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Debug("run transition",
		zap.Uint("run_id", runID),
		zap.String("status", string(run.Status)),
		zap.Bool("applied", applied),
	)
	return &run, applied, nil
}
