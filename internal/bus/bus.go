// Package bus carries the fire-and-forget coordination events: new-task
// notifications and node liveness flips. Delivery is best effort; nodes that
// miss an event discover their work on the next poll or reconnect. The memory
// backend serves single-replica deployments and tests, the Redis backend
// fans events out across server replicas.
package bus

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Kind discriminates event payloads.
type Kind string

const (
	// KindTaskCreated announces a committed task. The payload carries only
	// the task identifier; nodes fetch their run over the authenticated API.
	KindTaskCreated Kind = "task_created"

	// KindNodeStatus announces a node liveness flip.
	KindNodeStatus Kind = "node_status"
)

// Event is the wire form of a coordination event.
type Event struct {
	Kind            Kind   `json:"kind"`
	CollaborationID uint   `json:"collaboration_id"`
	TaskUUID        string `json:"task_uuid,omitempty"`
	NodeID          uint   `json:"node_id,omitempty"`
	NodeStatus      string `json:"node_status,omitempty"`
}

// Bus publishes and subscribes to coordination events.
type Bus interface {
	// Publish delivers the event to current subscribers. Failure to reach a
	// subscriber never propagates to the publisher.
	Publish(ctx context.Context, event Event) error

	// Subscribe returns a channel of events and a cancel function. The
	// channel is closed after cancel is called.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)

	// Close releases backend resources.
	Close() error
}

// Backend selects a bus implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config describes the event bus.
type Config struct {
	Backend Backend `yaml:"backend" json:"backend"`

	// Redis connection settings, used when Backend is "redis".
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
}

// New creates a Bus for the configured backend.
func New(cfg Config, logger *zap.Logger) (Bus, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryBus(logger), nil
	case BackendRedis:
		return NewRedisBus(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported bus backend: %s", cfg.Backend)
	}
}
