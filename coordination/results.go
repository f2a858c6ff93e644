package coordination

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

// NodeIdentity is the authenticated caller of a run mutation, resolved from
// the node's credential.
type NodeIdentity struct {
	NodeID          uint
	OrganizationID  uint
	CollaborationID uint
}

// RunPost is a node's report against its own run: a state transition,
// optionally carrying the encrypted result payload and execution log.
type RunPost struct {
	Status     store.RunStatus
	Log        string
	StartedAt  *time.Time
	FinishedAt *time.Time
	Result     []byte // encrypted result bytes, nil when the run failed before producing one
}

// FetchRun returns a run to the node that owns it. Ownership is the
// organization+collaboration the node resolves to; anyone else gets an
// AUTHORIZATION error without learning whether the run exists beyond that.
func (c *Coordinator) FetchRun(ctx context.Context, runID uint, node NodeIdentity) (*store.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := c.requireRunOwner(ctx, run, node); err != nil {
		return nil, err
	}
	return run, nil
}

// PendingRuns returns the pending runs addressed to the node's organization.
// Nodes call this on reconnect and on their regular poll.
func (c *Coordinator) PendingRuns(ctx context.Context, node NodeIdentity) ([]store.Run, error) {
	return c.store.PendingRunsForOrganization(ctx, node.CollaborationID, node.OrganizationID)
}

// PostRun applies a node's state transition to its run. The ownership check
// runs before any mutation; the forward-only state machine rejects backward
// moves with a CONSISTENCY error; redelivering the identical terminal post is
// a no-op so network retries stay safe.
func (c *Coordinator) PostRun(ctx context.Context, runID uint, node NodeIdentity, post RunPost) (*store.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := c.requireRunOwner(ctx, run, node); err != nil {
		return nil, err
	}

	update := store.RunUpdate{
		Status:     post.Status,
		Log:        post.Log,
		StartedAt:  post.StartedAt,
		FinishedAt: post.FinishedAt,
	}
	if post.Status.Terminal() && (post.Result != nil || post.Log != "") {
		update.Result = &store.Result{
			Payload: post.Result,
			Log:     post.Log,
		}
	}

	updated, applied, err := c.store.TransitionRun(ctx, runID, update)
	if err != nil {
		if types.IsCode(err, types.ErrConsistency) {
			c.metrics.RecordResultPosted("rejected")
		}
		return nil, err
	}

	if applied {
		c.metrics.RecordRunTransition(string(updated.Status))
		if updated.Status.Terminal() {
			c.metrics.RecordResultPosted("applied")
		}
	} else {
		c.metrics.RecordResultPosted("duplicate")
	}

	c.logger.Info("run updated",
		zap.Uint("run_id", runID),
		zap.String("status", string(updated.Status)),
		zap.Bool("applied", applied),
	)
	return updated, nil
}

func (c *Coordinator) requireRunOwner(ctx context.Context, run *store.Run, node NodeIdentity) error {
	if run.OrganizationID != node.OrganizationID {
		return types.Errorf(types.ErrAuthorization,
			"run %d is not owned by organization %d", run.ID, node.OrganizationID)
	}
	task, err := c.store.GetTask(ctx, run.TaskID)
	if err != nil {
		return err
	}
	if task.CollaborationID != node.CollaborationID {
		return types.Errorf(types.ErrAuthorization,
			"run %d does not belong to collaboration %d", run.ID, node.CollaborationID)
	}
	return nil
}

// TaskSummary is the polled view of a task: its derived status and whether
// every run is terminal.
type TaskSummary struct {
	UUID     string           `json:"uuid"`
	Status   store.TaskStatus `json:"status"`
	Finished bool             `json:"finished"`
	Runs     []RunStatusEntry `json:"runs"`
}

// RunStatusEntry is one run's position in the summary.
type RunStatusEntry struct {
	RunID          uint            `json:"run_id"`
	OrganizationID uint            `json:"organization_id"`
	Status         store.RunStatus `json:"status"`
}

// TaskStatus derives a task's current status for the polling wait loop.
// Reading is purely observational; it never locks anything server-side.
func (c *Coordinator) TaskStatus(ctx context.Context, taskUUID string, callerOrgID uint) (*TaskSummary, error) {
	task, err := c.store.GetTaskByUUID(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if err := c.requireTaskReader(ctx, task, callerOrgID); err != nil {
		return nil, err
	}

	summary := &TaskSummary{
		UUID:     task.UUID,
		Status:   task.Status(),
		Finished: task.Finished(),
	}
	for _, run := range task.Runs {
		summary.Runs = append(summary.Runs, RunStatusEntry{
			RunID:          run.ID,
			OrganizationID: run.OrganizationID,
			Status:         run.Status,
		})
	}
	return summary, nil
}

// ResultEntry is one organization's outcome within a finished task. A run
// that failed before producing a payload yields an entry carrying its
// failure status and log instead of a payload, so callers can inspect
// partial success across organizations.
type ResultEntry struct {
	RunID          uint            `json:"run_id"`
	OrganizationID uint            `json:"organization_id"`
	Status         store.RunStatus `json:"status"`
	Payload        []byte          `json:"payload,omitempty"`
	Log            string          `json:"log,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// CollectResults returns each run's (still encrypted) result in the original
// target-organization order. Only the task's initiating organization may
// read results. Decryption happens caller-side with the organization's own
// private key.
func (c *Coordinator) CollectResults(ctx context.Context, taskUUID string, callerOrgID uint) ([]ResultEntry, error) {
	task, err := c.store.GetTaskByUUID(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	// Result payloads are encrypted for the initiator; only the initiating
	// organization may collect them.
	if task.InitiatorOrgID != callerOrgID {
		return nil, types.Errorf(types.ErrAuthorization,
			"results of task %s belong to organization %d", taskUUID, task.InitiatorOrgID)
	}

	// Runs are preloaded with an explicit ORDER BY run id; creation order is
	// the original target-organization order of the create-task call.
	entries := make([]ResultEntry, 0, len(task.Runs))
	for _, run := range task.Runs {
		entry := ResultEntry{
			RunID:          run.ID,
			OrganizationID: run.OrganizationID,
			Status:         run.Status,
			Log:            run.Log,
			FinishedAt:     run.FinishedAt,
		}
		if run.Result != nil {
			entry.Payload = run.Result.Payload
			if run.Result.Log != "" {
				entry.Log = run.Result.Log
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteTask removes a task with its runs and results. Only the initiating
// organization may clean up its tasks.
func (c *Coordinator) DeleteTask(ctx context.Context, taskUUID string, callerOrgID uint) error {
	task, err := c.store.GetTaskByUUID(ctx, taskUUID)
	if err != nil {
		return err
	}
	if task.InitiatorOrgID != callerOrgID {
		return types.Errorf(types.ErrAuthorization,
			"task %s was not initiated by organization %d", taskUUID, callerOrgID)
	}
	return c.store.DeleteTask(ctx, task.ID)
}

// ListTasks lists the collaboration's tasks for a member organization.
func (c *Coordinator) ListTasks(ctx context.Context, collabID, callerOrgID uint) ([]store.Task, error) {
	if err := c.requireMember(ctx, collabID, callerOrgID, "caller"); err != nil {
		return nil, err
	}
	return c.store.ListTasks(ctx, collabID)
}

// requireTaskReader admits the initiator and fellow collaboration members.
// Status is observable by members; result payloads are gated separately.
func (c *Coordinator) requireTaskReader(ctx context.Context, task *store.Task, callerOrgID uint) error {
	if task.InitiatorOrgID == callerOrgID {
		return nil
	}
	member, err := c.store.IsMember(ctx, task.CollaborationID, callerOrgID)
	if err != nil {
		return err
	}
	if !member {
		return types.Errorf(types.ErrAuthorization,
			"organization %d may not view task %s", callerOrgID, task.UUID)
	}
	return nil
}
