package realtime

import (
	"log/slog"
	"sync"
)

// Sender is the send side of one live connection.
type Sender interface {
	SendEvent(event Event) error
}

// Registry tracks which user owns which live connection, per flow. It is
// purely in-memory and scoped to one server process; it is constructed and
// injected explicitly rather than held as package state so tests do not
// share connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{conns: map[string]map[string]Sender{}}
}

// Connect registers a connection for (flowID, userID). A second connection
// for the same pair replaces the first; there is no multiplexing.
func (r *Registry) Connect(flowID, userID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[flowID] == nil {
		r.conns[flowID] = map[string]Sender{}
	}
	r.conns[flowID][userID] = sender
}

// DisconnectIf removes the connection for (flowID, userID) only when sender
// still owns that entry, and reports whether it did. A connection that was
// replaced by a newer one for the same pair must not tear down its successor.
func (r *Registry) DisconnectIf(flowID, userID string, sender Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[flowID][userID] != sender {
		return false
	}
	delete(r.conns[flowID], userID)
	if len(r.conns[flowID]) == 0 {
		delete(r.conns, flowID)
	}
	return true
}

// Get looks up a single connection.
func (r *Registry) Get(flowID, userID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sender, ok := r.conns[flowID][userID]
	return sender, ok
}

// Broadcast sends the event to every registered connection for flowID except
// excludeUserID (pass "" to reach everyone). Per-recipient failures are
// logged and never abort delivery to the remaining recipients: one
// unreachable peer must not degrade the session for everyone else.
func (r *Registry) Broadcast(flowID string, event Event, excludeUserID string) {
	r.mu.RLock()
	recipients := make(map[string]Sender, len(r.conns[flowID]))
	for userID, sender := range r.conns[flowID] {
		if userID == excludeUserID {
			continue
		}
		recipients[userID] = sender
	}
	r.mu.RUnlock()

	for userID, sender := range recipients {
		if err := sender.SendEvent(event); err != nil {
			slog.Error("broadcast failed", "flow", flowID, "user", userID, "op", event.Op, "err", err)
		}
	}
}

// Counts reports the number of flows with live connections and the total
// connection count.
func (r *Registry) Counts() (flows int, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, users := range r.conns {
		connections += len(users)
	}
	return len(r.conns), connections
}
