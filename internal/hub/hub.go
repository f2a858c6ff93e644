// Package hub maintains the persistent websocket sessions through which
// nodes learn about new work. A connect marks the node online and replays
// its pending runs (catch-up delivery); a disconnect marks it offline.
// Notifications carry task identifiers only; nodes fetch the encrypted
// payload over the authenticated API.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/vantage6/vantage6-sub005/internal/bus"
	"github.com/vantage6/vantage6-sub005/store"
)

// Message is the frame pushed to a connected node.
type Message struct {
	Type      string `json:"type"`
	TaskUUID  string `json:"task_uuid,omitempty"`
	RunID     uint   `json:"run_id,omitempty"`
	NodeID    uint   `json:"node_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// writeTimeout bounds a single frame write to a node.
const writeTimeout = 10 * time.Second

// session is one connected node. Writes are serialized by mu because the
// websocket does not support concurrent writers.
type session struct {
	node *store.Node
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

// Hub routes coordination events to connected node sessions.
type Hub struct {
	store  *store.Store
	bus    bus.Bus
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[uint]*session // node ID -> session
}

// New creates a Hub.
func New(st *store.Store, eventBus bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		store:    st,
		bus:      eventBus,
		logger:   logger.With(zap.String("component", "hub")),
		sessions: make(map[uint]*session),
	}
}

// Run subscribes to the event bus and routes events to sessions until ctx is
// cancelled. Routing is best effort: a failed write is logged and the node
// relies on its poll loop.
func (h *Hub) Run(ctx context.Context) error {
	events, cancel, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			h.route(ctx, event)
		}
	}
}

func (h *Hub) route(ctx context.Context, event bus.Event) {
	msg := Message{
		Type:      string(event.Kind),
		TaskUUID:  event.TaskUUID,
		NodeID:    event.NodeID,
		Status:    event.NodeStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	for _, s := range h.collaborationSessions(event.CollaborationID) {
		if err := s.send(ctx, msg); err != nil {
			h.logger.Warn("notification delivery failed",
				zap.Uint("node_id", s.node.ID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
		}
	}
}

func (h *Hub) collaborationSessions(collabID uint) []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*session
	for _, s := range h.sessions {
		if s.node.CollaborationID == collabID {
			out = append(out, s)
		}
	}
	return out
}

// Connected reports whether the node currently holds a session on this
// replica.
func (h *Hub) Connected(nodeID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[nodeID]
	return ok
}

// Serve attaches an authenticated node connection and blocks until the node
// disconnects or ctx is cancelled. On attach the node is marked online and
// its pending runs are replayed; on detach it is marked offline.
func (h *Hub) Serve(ctx context.Context, node *store.Node, conn *websocket.Conn) error {
	s := &session{node: node, conn: conn}

	h.mu.Lock()
	if old, ok := h.sessions[node.ID]; ok {
		// A reconnect supersedes the old session.
		_ = old.conn.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
	h.sessions[node.ID] = s
	h.mu.Unlock()

	h.setStatus(ctx, node, store.NodeOnline)
	h.logger.Info("node connected",
		zap.Uint("node_id", node.ID),
		zap.Uint("organization_id", node.OrganizationID),
	)

	h.replayPending(ctx, s)

	err := h.readLoop(ctx, s)

	h.mu.Lock()
	if h.sessions[node.ID] == s {
		delete(h.sessions, node.ID)
	}
	h.mu.Unlock()

	// Detach without a replacement session means the node went offline.
	if !h.Connected(node.ID) {
		h.setStatus(context.WithoutCancel(ctx), node, store.NodeOffline)
	}
	h.logger.Info("node disconnected", zap.Uint("node_id", node.ID))
	return err
}

// replayPending delivers notifications for runs created while the node was
// offline. This is the catch-up path for nodes that missed the create_task
// push.
func (h *Hub) replayPending(ctx context.Context, s *session) {
	runs, err := h.store.PendingRunsForOrganization(ctx, s.node.CollaborationID, s.node.OrganizationID)
	if err != nil {
		h.logger.Warn("catch-up delivery failed", zap.Uint("node_id", s.node.ID), zap.Error(err))
		return
	}

	seen := make(map[uint]string)
	for _, run := range runs {
		if _, ok := seen[run.TaskID]; ok {
			continue
		}
		task, err := h.store.GetTask(ctx, run.TaskID)
		if err != nil {
			continue
		}
		seen[run.TaskID] = task.UUID

		msg := Message{
			Type:      string(bus.KindTaskCreated),
			TaskUUID:  task.UUID,
			RunID:     run.ID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := s.send(ctx, msg); err != nil {
			h.logger.Warn("catch-up delivery failed", zap.Uint("node_id", s.node.ID), zap.Error(err))
			return
		}
	}

	if len(seen) > 0 {
		h.logger.Info("replayed pending work",
			zap.Uint("node_id", s.node.ID),
			zap.Int("tasks", len(seen)),
		)
	}
}

// readLoop drains inbound frames. Nodes do not send application data over
// the socket; reading is how the hub notices a closed connection.
func (h *Hub) readLoop(ctx context.Context, s *session) error {
	for {
		if _, _, err := s.conn.Read(ctx); err != nil {
			return err
		}
	}
}

func (h *Hub) setStatus(ctx context.Context, node *store.Node, status store.NodeStatus) {
	if err := h.store.SetNodeStatus(ctx, node.ID, status, time.Now().UTC()); err != nil {
		h.logger.Warn("node status update failed", zap.Uint("node_id", node.ID), zap.Error(err))
		return
	}
	event := bus.Event{
		Kind:            bus.KindNodeStatus,
		CollaborationID: node.CollaborationID,
		NodeID:          node.ID,
		NodeStatus:      string(status),
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.Warn("node status publish failed", zap.Uint("node_id", node.ID), zap.Error(err))
	}
}
