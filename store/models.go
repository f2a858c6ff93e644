package store

import (
	"time"

	"gorm.io/gorm"
)

// Organization is a participating legal entity. Its public key is what other
// organizations use to encrypt payloads addressed to it; a nil key means the
// organization has not advertised one (encryption disabled or not yet set up).
type Organization struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"size:200;not null;uniqueIndex" json:"name"`
	PublicKey []byte `gorm:"type:blob" json:"public_key,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Collaboration is a named set of organizations that compute together.
// Encrypted is the collaboration-wide policy: when true, every task payload
// must be encrypted for its recipient.
type Collaboration struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"size:200;not null;uniqueIndex" json:"name"`
	Encrypted bool   `gorm:"default:false" json:"encrypted"`

	Organizations []Organization `gorm:"many2many:collaboration_members" json:"organizations,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeStatus is a node's last known connectivity state.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeUnknown NodeStatus = "unknown"
)

// Node is one compute agent per (organization, collaboration) pair. Its
// status is mutated by socket connect/disconnect events and by the
// online-check; connectivity checks only ever upgrade confidence.
type Node struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	Name            string `gorm:"size:200;not null" json:"name"`
	OrganizationID  uint   `gorm:"not null;index;uniqueIndex:idx_node_org_collab" json:"organization_id"`
	CollaborationID uint   `gorm:"not null;index;uniqueIndex:idx_node_org_collab" json:"collaboration_id"`

	// APIKey is the node's credential, issued at registration.
	APIKey string     `gorm:"size:128;not null;uniqueIndex" json:"-"`
	Status NodeStatus `gorm:"size:16;default:unknown" json:"status"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Task is one request to execute an algorithm image, addressed to a
// collaboration and a set of target organizations. Execution state lives on
// the runs; a task row is never mutated after creation except for soft-delete.
type Task struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UUID        string `gorm:"size:36;not null;uniqueIndex" json:"uuid"`
	Name        string `gorm:"size:200" json:"name"`
	Description string `gorm:"size:1000" json:"description"`
	Image       string `gorm:"size:500;not null" json:"image"`

	CollaborationID uint `gorm:"not null;index" json:"collaboration_id"`
	InitiatorOrgID  uint `gorm:"not null;index" json:"initiator_org_id"`
	InitiatorUserID uint `gorm:"index" json:"initiator_user_id,omitempty"`

	// Databases the algorithm reads, as opaque references resolved node-side.
	// JSON-serialized so references may contain any character.
	Databases []string `gorm:"serializer:json" json:"databases,omitempty"`

	// Diagnostic marks throwaway online-check tasks, which are deleted once
	// the check completes and are excluded from task listings.
	Diagnostic bool `gorm:"default:false" json:"diagnostic,omitempty"`

	Runs []Run `gorm:"foreignKey:TaskID" json:"runs,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// Status derives the task's state from its loaded runs.
func (t *Task) Status() TaskStatus {
	return DeriveTaskStatus(runStatuses(t.Runs))
}

// Finished reports whether every run of the task is terminal. Requires Runs
// to be loaded.
func (t *Task) Finished() bool {
	return TaskFinished(runStatuses(t.Runs))
}

func runStatuses(runs []Run) []RunStatus {
	statuses := make([]RunStatus, len(runs))
	for i, r := range runs {
		statuses[i] = r.Status
	}
	return statuses
}

// Run is one execution attempt of a task for one target organization. There
// is exactly one run per (task, organization); Input holds the task input
// encrypted specifically for that organization's key.
type Run struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	UUID string `gorm:"size:36;not null;uniqueIndex" json:"uuid"`

	TaskID         uint `gorm:"not null;index;uniqueIndex:idx_run_task_org" json:"task_id"`
	OrganizationID uint `gorm:"not null;index;uniqueIndex:idx_run_task_org" json:"organization_id"`

	Input  []byte    `gorm:"type:blob" json:"input,omitempty"`
	Status RunStatus `gorm:"size:32;not null;default:pending" json:"status"`
	Log    string    `gorm:"type:text" json:"log,omitempty"`

	AssignedAt time.Time  `json:"assigned_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Result *Result `gorm:"foreignKey:RunID" json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is the encrypted output of a terminal run. Failed runs may carry a
// result holding only the log text.
type Result struct {
	ID    uint `gorm:"primaryKey" json:"id"`
	RunID uint `gorm:"not null;uniqueIndex" json:"run_id"`

	Payload    []byte    `gorm:"type:blob" json:"payload,omitempty"`
	Log        string    `gorm:"type:text" json:"log,omitempty"`
	FinishedAt time.Time `json:"finished_at"`

	CreatedAt time.Time `json:"created_at"`
}
