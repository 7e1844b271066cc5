package realtime

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/session"
)

// Router classifies inbound messages by op code, applies the state change to
// the ephemeral session, and fans the resulting event out to the other
// connections. State is mutated before anything is broadcast so peers never
// see an event the store refused.
type Router struct {
	sessions *session.Manager
	registry *Registry
}

func NewRouter(sessions *session.Manager, registry *Registry) *Router {
	return &Router{sessions: sessions, registry: registry}
}

// Handle processes one decoded message from user on flowID's session. Errors
// are terminal for the message only: the sender gets an error event and the
// connection stays up.
func (rt *Router) Handle(ctx context.Context, flowID string, user flow.User, msg Message) {
	switch msg.Op {
	case OpCursor:
		var position flow.Position
		if err := json.Unmarshal(msg.Data, &position); err != nil {
			rt.reject(flowID, user.ID, invalidOperationEvent())
			return
		}
		if err := rt.sessions.UpdateCursor(ctx, flowID, user.ID, position); err != nil {
			rt.fail(flowID, user.ID, msg.Op, err)
			return
		}
		rt.registry.Broadcast(flowID, cursorEvent(user.ID, position), user.ID)

	case OpNodeChange:
		var node flow.Doc
		if err := json.Unmarshal(msg.Data, &node); err != nil || node.ID() == "" {
			rt.reject(flowID, user.ID, invalidOperationEvent())
			return
		}
		if err := rt.sessions.UpsertNode(ctx, flowID, node); err != nil {
			rt.fail(flowID, user.ID, msg.Op, err)
			return
		}
		rt.registry.Broadcast(flowID, nodeChangeEvent(user.ID, msg.Data), user.ID)

	case OpEdgeChange:
		var edge flow.Doc
		if err := json.Unmarshal(msg.Data, &edge); err != nil || edge.ID() == "" {
			rt.reject(flowID, user.ID, invalidOperationEvent())
			return
		}
		if err := rt.sessions.UpsertEdge(ctx, flowID, edge); err != nil {
			rt.fail(flowID, user.ID, msg.Op, err)
			return
		}
		rt.registry.Broadcast(flowID, edgeChangeEvent(user.ID, msg.Data), user.ID)

	case OpChat:
		var chat struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(msg.Data, &chat); err != nil {
			rt.reject(flowID, user.ID, invalidOperationEvent())
			return
		}
		if err := rt.sessions.UpdateChat(ctx, flowID, user.ID, chat.Message); err != nil {
			rt.fail(flowID, user.ID, msg.Op, err)
			return
		}
		rt.registry.Broadcast(flowID, chatEvent(user.ID, chat.Message), user.ID)

	default:
		rt.reject(flowID, user.ID, invalidOperationEvent())
	}
}

// reject answers only the originating connection, never the peers.
func (rt *Router) reject(flowID, userID string, event Event) {
	sender, ok := rt.registry.Get(flowID, userID)
	if !ok {
		return
	}
	if err := sender.SendEvent(event); err != nil {
		slog.Error("failed to reject message", "flow", flowID, "user", userID, "err", err)
	}
}

func (rt *Router) fail(flowID, userID string, op int, err error) {
	slog.Error("mutation failed", "flow", flowID, "user", userID, "op", op, "err", err)
	rt.reject(flowID, userID, operationFailedEvent("websocket.store.unavailable"))
}
