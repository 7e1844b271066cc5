// Package realtime carries the live collaborative channel: the wire
// protocol, the per-process connection registry, and the routing of inbound
// mutations into session state and outbound broadcasts.
package realtime

import (
	"encoding/json"

	"github.com/sparkflow/sparkflow/pkg/flow"
)

// Op codes are a stable wire contract with the editor frontend.
const (
	OpConnected  = 0
	OpUserJoined = 1
	OpUserLeft   = 2
	OpCursor     = 3
	OpNodeChange = 4
	OpEdgeChange = 5
	OpChat       = 6
	OpError      = -3
)

// Message is a decoded client-to-server frame.
type Message struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Event is a server-to-client frame. Connection-level notices use Msg,
// application events use Data.
type Event struct {
	Op   int    `json:"op"`
	Msg  string `json:"msg,omitempty"`
	Data any    `json:"data,omitempty"`
}

func connectedEvent() Event {
	return Event{Op: OpConnected, Msg: "Connected"}
}

func rejectionEvent(msg string) Event {
	return Event{Op: OpError, Msg: msg}
}

func userJoinedEvent(user flow.User) Event {
	return Event{Op: OpUserJoined, Data: map[string]any{
		"uid":         user.ID,
		"name":        user.Name,
		"username":    user.Username,
		"profile_url": user.ProfileURL,
	}}
}

func userLeftEvent(user flow.User) Event {
	return Event{Op: OpUserLeft, Data: map[string]any{
		"uid":         user.ID,
		"username":    user.Username,
		"profile_url": user.ProfileURL,
	}}
}

func cursorEvent(userID string, position flow.Position) Event {
	return Event{Op: OpCursor, Data: map[string]any{
		"uid":      userID,
		"position": position,
	}}
}

// nodeChangeEvent relays the submitted payload untouched: peers receive the
// raw change, not the merged node.
func nodeChangeEvent(userID string, raw json.RawMessage) Event {
	return Event{Op: OpNodeChange, Data: map[string]any{
		"uid":  userID,
		"node": raw,
	}}
}

func edgeChangeEvent(userID string, raw json.RawMessage) Event {
	return Event{Op: OpEdgeChange, Data: map[string]any{
		"uid":  userID,
		"flow": raw,
	}}
}

func chatEvent(userID string, message string) Event {
	return Event{Op: OpChat, Data: map[string]any{
		"uid":     userID,
		"message": message,
	}}
}

func invalidOperationEvent() Event {
	return Event{Op: OpError, Data: map[string]any{
		"message": "Invalid Operation",
		"error":   "websocket.invalid.opcode",
	}}
}

func operationFailedEvent(code string) Event {
	return Event{Op: OpError, Data: map[string]any{
		"message": "Operation Failed",
		"error":   code,
	}}
}
