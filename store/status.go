package store

// RunStatus is the lifecycle state of a single Run. Transitions only move
// forward: pending -> initializing -> active -> one terminal state.
type RunStatus string

const (
	RunPending      RunStatus = "pending"
	RunInitializing RunStatus = "initializing"
	RunActive       RunStatus = "active"

	// Terminal states. Completed is the only success; the rest carry the
	// distinct failure reason reported by the node.
	RunCompleted     RunStatus = "completed"
	RunCrashed       RunStatus = "crashed"
	RunFailed        RunStatus = "failed"
	RunStartFailed   RunStatus = "start failed"
	RunNoDockerImage RunStatus = "no-docker-image"
	RunKilledByUser  RunStatus = "killed-by-user"
	RunNotAllowed    RunStatus = "not-allowed"
	RunUnknownError  RunStatus = "unknown-error"
)

// phaseRank orders the run phases. Terminal states share the highest rank so
// any terminal-to-terminal move is rejected as a backward transition unless
// it is the identical status (the idempotent retry case).
func phaseRank(s RunStatus) int {
	switch s {
	case RunPending:
		return 0
	case RunInitializing:
		return 1
	case RunActive:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunInitializing, RunActive, RunCompleted, RunCrashed,
		RunFailed, RunStartFailed, RunNoDockerImage, RunKilledByUser,
		RunNotAllowed, RunUnknownError:
		return true
	}
	return false
}

// Terminal reports whether s is a state from which no transition occurs.
func (s RunStatus) Terminal() bool {
	return s.Valid() && phaseRank(s) == 3
}

// Alive reports whether the run is still progressing.
func (s RunStatus) Alive() bool {
	return s.Valid() && !s.Terminal()
}

// Failure reports whether s is a terminal state other than completed.
func (s RunStatus) Failure() bool {
	return s.Terminal() && s != RunCompleted
}

// CanTransition reports whether a run may move from s to next. Backward moves
// and writes to an already-terminal run are illegal; the caller surfaces them
// as a consistency conflict. The identical-status case is reported separately
// so duplicate terminal posts can be treated as no-ops.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	if s.Terminal() {
		return false
	}
	return phaseRank(next) > phaseRank(s)
}

// TaskStatus is the derived state of a Task, a pure function of its runs.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DeriveTaskStatus computes a task's status from its runs' statuses.
// A task is finished iff every run is terminal; it is failed iff it is
// finished and at least one run ended in a failure state.
func DeriveTaskStatus(runs []RunStatus) TaskStatus {
	if len(runs) == 0 {
		return TaskPending
	}

	finished := true
	anyFailure := false
	anyStarted := false
	for _, s := range runs {
		if s.Alive() {
			finished = false
		}
		if s.Failure() {
			anyFailure = true
		}
		if s != RunPending {
			anyStarted = true
		}
	}

	switch {
	case finished && anyFailure:
		return TaskFailed
	case finished:
		return TaskCompleted
	case anyStarted:
		return TaskActive
	default:
		return TaskPending
	}
}

// TaskFinished reports whether every run is terminal.
func TaskFinished(runs []RunStatus) bool {
	for _, s := range runs {
		if s.Alive() {
			return false
		}
	}
	return len(runs) > 0
}
