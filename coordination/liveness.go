package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/retry"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

// onlineCheckImage is the diagnostic no-op image nodes run to prove
// reachability.
const onlineCheckImage = "vantage6/ping"

// OnlineCheckReport is the outcome of one online-check. The check only
// upgrades confidence: organizations that did not respond within the timeout
// keep their prior known node status.
type OnlineCheckReport struct {
	CollaborationID uint   `json:"collaboration_id"`
	Online          []uint `json:"online"`       // organization IDs whose node responded
	Unresponsive    []uint `json:"unresponsive"` // organization IDs that did not respond in time
	Elapsed         string `json:"elapsed"`
}

// OnlineCheck probes every organization of a collaboration by creating a
// throwaway diagnostic task, waiting up to timeout for each run to leave
// pending, and marking responding organizations' nodes online. The
// diagnostic task and its runs are deleted afterwards, leaving no trace.
func (c *Coordinator) OnlineCheck(ctx context.Context, collabID uint, timeout time.Duration) (*OnlineCheckReport, error) {
	collab, err := c.store.GetCollaboration(ctx, collabID)
	if err != nil {
		return nil, err
	}
	if len(collab.Organizations) == 0 {
		return nil, types.Errorf(types.ErrInvalidRequest, "collaboration %d has no member organizations", collabID)
	}

	started := time.Now()

	// The diagnostic payload is a plaintext marker even in encrypted
	// collaborations: it carries no data and is erased once the check ends.
	task := &store.Task{
		UUID:            uuid.NewString(),
		Name:            "online-check",
		Image:           onlineCheckImage,
		CollaborationID: collab.ID,
		Diagnostic:      true,
	}
	task.InitiatorOrgID = collab.Organizations[0].ID
	for _, org := range collab.Organizations {
		task.Runs = append(task.Runs, store.Run{
			UUID:           uuid.NewString(),
			OrganizationID: org.ID,
			Input:          []byte("ping"),
			Status:         store.RunPending,
		})
	}

	if err := c.store.CreateTaskWithRuns(ctx, task); err != nil {
		return nil, err
	}
	// Erase the diagnostic task regardless of outcome.
	defer func() {
		if err := c.store.DeleteTask(context.WithoutCancel(ctx), task.ID); err != nil {
			c.logger.Warn("diagnostic task cleanup failed", zap.Uint("task_id", task.ID), zap.Error(err))
		}
	}()

	event := bus.Event{
		Kind:            bus.KindTaskCreated,
		CollaborationID: collab.ID,
		TaskUUID:        task.UUID,
	}
	if err := c.bus.Publish(ctx, event); err != nil {
		c.logger.Warn("online-check notification failed", zap.Error(err))
	}

	report := &OnlineCheckReport{CollaborationID: collab.ID}
	var mu sync.Mutex

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := retry.Policy{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}

	// One watcher per run: a node proves liveness by moving its diagnostic
	// run out of pending. The bounded wait expiring is information, not an
	// error, and never downgrades an unresponsive node's status.
	g, gctx := errgroup.WithContext(waitCtx)
	for _, run := range task.Runs {
		run := run
		g.Go(func() error {
			responded := c.awaitResponse(gctx, run.ID, policy)
			mu.Lock()
			defer mu.Unlock()
			if responded {
				report.Online = append(report.Online, run.OrganizationID)
			} else {
				report.Unresponsive = append(report.Unresponsive, run.OrganizationID)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, orgID := range report.Online {
		node, err := c.store.NodeForOrganization(ctx, collab.ID, orgID)
		if err != nil {
			continue
		}
		if err := c.store.SetNodeStatus(ctx, node.ID, store.NodeOnline, time.Now().UTC()); err != nil {
			c.logger.Warn("node status upgrade failed", zap.Uint("node_id", node.ID), zap.Error(err))
			continue
		}
		statusEvent := bus.Event{
			Kind:            bus.KindNodeStatus,
			CollaborationID: collab.ID,
			NodeID:          node.ID,
			NodeStatus:      string(store.NodeOnline),
		}
		if err := c.bus.Publish(ctx, statusEvent); err != nil {
			c.logger.Warn("node status publish failed", zap.Uint("node_id", node.ID), zap.Error(err))
		}
	}

	report.Elapsed = time.Since(started).String()
	c.logger.Info("online-check finished",
		zap.Uint("collaboration_id", collab.ID),
		zap.Int("online", len(report.Online)),
		zap.Int("unresponsive", len(report.Unresponsive)),
	)
	return report, nil
}

// awaitResponse polls one diagnostic run until it leaves pending or the
// bounded wait expires.
func (c *Coordinator) awaitResponse(ctx context.Context, runID uint, policy retry.Policy) bool {
	for attempt := 0; ; attempt++ {
		run, err := c.store.GetRun(ctx, runID)
		if err == nil && run.Status != store.RunPending {
			return true
		}
		if err := policy.Wait(ctx, attempt+1); err != nil {
			return false
		}
	}
}
