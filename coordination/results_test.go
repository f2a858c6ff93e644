package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantage6/vantage6-sub005/coordination"
	"github.com/vantage6/vantage6-sub005/crypto"
	"github.com/vantage6/vantage6-sub005/internal/testutil"
	"github.com/vantage6/vantage6-sub005/store"
	"github.com/vantage6/vantage6-sub005/types"
)

func nodeOf(fixture *testutil.Fixture, i int) coordination.NodeIdentity {
	return coordination.NodeIdentity{
		NodeID:          fixture.Nodes[i].ID,
		OrganizationID:  fixture.Organizations[i].ID,
		CollaborationID: fixture.Collaboration.ID,
	}
}

func TestFetchRunOwnership(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 2, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[0].ID))
	require.NoError(t, err)
	runID := task.Runs[0].ID

	run, err := coord.FetchRun(ctx, runID, nodeOf(fixture, 0))
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.NotEmpty(t, run.Input)

	// The other organization's node may not read it.
	_, err = coord.FetchRun(ctx, runID, nodeOf(fixture, 1))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthorization))
}

func TestPostRunLifecycle(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 1, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()
	node := nodeOf(fixture, 0)

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[0].ID))
	require.NoError(t, err)
	runID := task.Runs[0].ID

	started := time.Now().UTC()
	run, err := coord.PostRun(ctx, runID, node, coordination.RunPost{
		Status:    store.RunActive,
		StartedAt: &started,
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunActive, run.Status)

	run, err = coord.PostRun(ctx, runID, node, coordination.RunPost{
		Status: store.RunCompleted,
		Result: []byte("sealed result"),
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	summary, err := coord.TaskStatus(ctx, task.UUID, fixture.Organizations[0].ID)
	require.NoError(t, err)
	assert.True(t, summary.Finished)
	assert.Equal(t, store.TaskCompleted, summary.Status)
}

func TestPostRunDuplicateTerminalIsIdempotent(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 1, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()
	node := nodeOf(fixture, 0)

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[0].ID))
	require.NoError(t, err)
	runID := task.Runs[0].ID

	_, err = coord.PostRun(ctx, runID, node, coordination.RunPost{
		Status: store.RunCompleted,
		Result: []byte("first"),
	})
	require.NoError(t, err)

	// A network retry redelivers the identical terminal post.
	run, err := coord.PostRun(ctx, runID, node, coordination.RunPost{
		Status: store.RunCompleted,
		Result: []byte("second"),
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)

	// The first result stands.
	entries, err := coord.CollectResults(ctx, task.UUID, fixture.Organizations[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("first"), entries[0].Payload)
}

func TestPostRunRejectsConflictingTerminal(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 1, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()
	node := nodeOf(fixture, 0)

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[0].ID))
	require.NoError(t, err)
	runID := task.Runs[0].ID

	_, err = coord.PostRun(ctx, runID, node, coordination.RunPost{Status: store.RunCompleted})
	require.NoError(t, err)

	_, err = coord.PostRun(ctx, runID, node, coordination.RunPost{Status: store.RunCrashed})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConsistency))
}

func TestPostRunRejectsForeignNode(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 2, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[0].ID))
	require.NoError(t, err)

	_, err = coord.PostRun(ctx, task.Runs[0].ID, nodeOf(fixture, 1),
		coordination.RunPost{Status: store.RunActive})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthorization))

	// State untouched by the rejected write.
	run, err := st.GetRun(ctx, task.Runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunPending, run.Status)
}

func TestCollectResultsPartialFailure(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 2, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	task, err := coord.CreateTask(ctx, taskRequest(fixture,
		fixture.Organizations[0].ID, fixture.Organizations[1].ID))
	require.NoError(t, err)

	_, err = coord.PostRun(ctx, task.Runs[0].ID, nodeOf(fixture, 0), coordination.RunPost{
		Status: store.RunCompleted,
		Result: []byte("sealed payload"),
	})
	require.NoError(t, err)
	_, err = coord.PostRun(ctx, task.Runs[1].ID, nodeOf(fixture, 1), coordination.RunPost{
		Status: store.RunCrashed,
		Log:    "container exited 137",
	})
	require.NoError(t, err)

	// Finished and failed: every run terminal, one of them a failure.
	summary, err := coord.TaskStatus(ctx, task.UUID, fixture.Organizations[0].ID)
	require.NoError(t, err)
	assert.True(t, summary.Finished)
	assert.Equal(t, store.TaskFailed, summary.Status)

	entries, err := coord.CollectResults(ctx, task.UUID, fixture.Organizations[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, store.RunCompleted, entries[0].Status)
	assert.Equal(t, []byte("sealed payload"), entries[0].Payload)

	assert.Equal(t, store.RunCrashed, entries[1].Status)
	assert.Empty(t, entries[1].Payload)
	assert.Equal(t, "container exited 137", entries[1].Log)
}

func TestCollectResultsKeepTargetOrderAfterTransitions(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 3, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	task, err := coord.CreateTask(ctx, taskRequest(fixture,
		fixture.Organizations[0].ID,
		fixture.Organizations[1].ID,
		fixture.Organizations[2].ID))
	require.NoError(t, err)
	require.Len(t, task.Runs, 3)

	// Complete the runs back to front so every row is rewritten out of its
	// creation order.
	for i := len(task.Runs) - 1; i >= 0; i-- {
		_, err := coord.PostRun(ctx, task.Runs[i].ID, nodeOf(fixture, i), coordination.RunPost{
			Status: store.RunCompleted,
			Result: []byte{byte('a' + i)},
		})
		require.NoError(t, err)
	}

	entries, err := coord.CollectResults(ctx, task.UUID, fixture.Organizations[0].ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	for i, entry := range entries {
		assert.Equal(t, fixture.Organizations[i].ID, entry.OrganizationID)
		assert.Equal(t, task.Runs[i].ID, entry.RunID)
		assert.Equal(t, []byte{byte('a' + i)}, entry.Payload)
	}
}

func TestCollectResultsInitiatorOnly(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 2, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[1].ID))
	require.NoError(t, err)

	// A fellow member may watch the status...
	summary, err := coord.TaskStatus(ctx, task.UUID, fixture.Organizations[1].ID)
	require.NoError(t, err)
	assert.False(t, summary.Finished)

	// ...but only the initiator may collect result payloads.
	_, err = coord.CollectResults(ctx, task.UUID, fixture.Organizations[1].ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthorization))

	_, err = coord.CollectResults(ctx, task.UUID, fixture.Organizations[0].ID)
	require.NoError(t, err)
}

func TestDeleteTaskInitiatorOnly(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 2, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[1].ID))
	require.NoError(t, err)

	err = coord.DeleteTask(ctx, task.UUID, fixture.Organizations[1].ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthorization))

	require.NoError(t, coord.DeleteTask(ctx, task.UUID, fixture.Organizations[0].ID))

	_, err = coord.TaskStatus(ctx, task.UUID, fixture.Organizations[0].ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestTaskStatusOutsiderRejected(t *testing.T) {
	st := testutil.NewStore(t)
	fixture := testutil.SeedCollaboration(t, st, 1, false)
	coord, _ := newCoordinator(t, st, crypto.NopProvider{})
	ctx := context.Background()

	outsider := &store.Organization{Name: "outsider"}
	require.NoError(t, st.CreateOrganization(ctx, outsider))

	task, err := coord.CreateTask(ctx, taskRequest(fixture, fixture.Organizations[0].ID))
	require.NoError(t, err)

	_, err = coord.TaskStatus(ctx, task.UUID, outsider.ID)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrAuthorization))
}
