package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/kv"
)

// FlowStore is the slice of the durable store the session layer needs: load
// a flow to seed a session, write the merged graph back when it ends.
type FlowStore interface {
	GetFlow(ctx context.Context, id string) (*flow.Flow, error)
	ReplaceGraph(ctx context.Context, id string, nodes []flow.Doc, edges []flow.Doc) error
}

// Manager drives the session lifecycle. Join/Leave for the same flow are
// serialized through a per-flow mutex so that two near-simultaneous last
// leaves cannot both observe an empty session and merge twice; graph and
// cursor mutations rely only on the store's atomic Update.
type Manager struct {
	flows FlowStore
	store kv.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(flows FlowStore, store kv.Store) *Manager {
	return &Manager{flows: flows, store: store, locks: map[string]*sync.Mutex{}}
}

func (m *Manager) flowLock(flowID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[flowID]
	if !ok {
		lock = new(sync.Mutex)
		m.locks[flowID] = lock
	}
	return lock
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrSessionNotEstablished) || errors.Is(err, ErrCorruptRecord) {
		return err
	}
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, err)
}

// Join admits a user into the flow's session. The first join seeds the
// working copy and membership record from durable storage; later joins only
// merge the user into membership, and rejoining is a no-op. The returned
// snapshot has permission and editor-option fields stripped.
func (m *Manager) Join(ctx context.Context, flowID string, user flow.User) (*flow.Snapshot, error) {
	f, err := m.flows.GetFlow(ctx, flowID)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
		}
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if _, ok := f.Permission[user.ID]; !ok {
		return nil, fmt.Errorf("%w: user %s on flow %s", ErrPermissionDenied, user.ID, flowID)
	}

	lock := m.flowLock(flowID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := m.store.Exists(ctx, graphKey(flowID))
	if err != nil {
		return nil, storeErr(err)
	}
	if !exists {
		graph := flow.Graph{Nodes: f.Nodes, Edges: f.Edges}
		encoded, err := graph.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode working copy: %w", err)
		}
		if err := m.store.Set(ctx, graphKey(flowID), encoded); err != nil {
			return nil, storeErr(err)
		}
		members := Members{user.ID: Member{Database: user}}
		encodedMembers, err := json.Marshal(members)
		if err != nil {
			return nil, fmt.Errorf("failed to encode membership record: %w", err)
		}
		if err := m.store.Set(ctx, membersKey(flowID), encodedMembers); err != nil {
			return nil, storeErr(err)
		}
		slog.Info("session started", "flow", flowID, "user", user.ID)
		return f.Snapshot(), nil
	}

	err = m.store.Update(ctx, membersKey(flowID), func(current []byte) ([]byte, error) {
		members := Members{}
		if current != nil {
			var err error
			if members, err = decodeMembers(current); err != nil {
				return nil, err
			}
		}
		if _, ok := members[user.ID]; !ok {
			members[user.ID] = Member{Database: user}
		}
		return json.Marshal(members)
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return f.Snapshot(), nil
}

// Established reports whether user may attach a live connection for flowID:
// the flow must exist and the user must already be a session member.
func (m *Manager) Established(ctx context.Context, flowID, userID string) error {
	if _, err := m.flows.GetFlow(ctx, flowID); err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrFlowNotFound, flowID)
		}
		return fmt.Errorf("failed to load flow: %w", err)
	}
	raw, err := m.store.Get(ctx, membersKey(flowID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("%w: no session for flow %s", ErrSessionNotEstablished, flowID)
		}
		return storeErr(err)
	}
	members, err := decodeMembers(raw)
	if err != nil {
		return err
	}
	if _, ok := members[userID]; !ok {
		return fmt.Errorf("%w: user %s has not joined flow %s", ErrSessionNotEstablished, userID, flowID)
	}
	return nil
}

// Leave removes the user from the session. When the last member leaves, the
// working copy is merged back into durable storage and both ephemeral
// records are deleted, synchronously with this call.
func (m *Manager) Leave(ctx context.Context, flowID string, userID string) error {
	lock := m.flowLock(flowID)
	lock.Lock()
	defer lock.Unlock()

	empty := false
	err := m.store.Update(ctx, membersKey(flowID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		members, err := decodeMembers(current)
		if err != nil {
			return nil, err
		}
		delete(members, userID)
		if len(members) == 0 {
			empty = true
			return nil, nil
		}
		return json.Marshal(members)
	})
	if err != nil {
		return storeErr(err)
	}
	if !empty {
		return nil
	}

	raw, err := m.store.Get(ctx, graphKey(flowID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		return storeErr(err)
	}
	graph, err := flow.DecodeGraph(raw)
	if err != nil {
		return fmt.Errorf("%w: working copy: %s", ErrCorruptRecord, err)
	}
	if err := m.flows.ReplaceGraph(ctx, flowID, graph.Nodes, graph.Edges); err != nil {
		return fmt.Errorf("failed to merge working copy: %w", err)
	}
	if err := m.store.Delete(ctx, graphKey(flowID)); err != nil {
		return storeErr(err)
	}
	slog.Info("session ended", "flow", flowID, "last_user", userID)
	return nil
}

// Members returns the current membership record for a flow's session.
func (m *Manager) Members(ctx context.Context, flowID string) (Members, error) {
	raw, err := m.store.Get(ctx, membersKey(flowID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: no session for flow %s", ErrSessionNotEstablished, flowID)
		}
		return nil, storeErr(err)
	}
	return decodeMembers(raw)
}

// UpdateCursor records a present user's cursor position. Users that have
// already left are ignored rather than resurrected.
func (m *Manager) UpdateCursor(ctx context.Context, flowID, userID string, position flow.Position) error {
	return storeErr(m.store.Update(ctx, membersKey(flowID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		members, err := decodeMembers(current)
		if err != nil {
			return nil, err
		}
		member, ok := members[userID]
		if !ok {
			return current, nil
		}
		member.Position = position
		members[userID] = member
		return json.Marshal(members)
	}))
}

// UpdateChat stores the user's transient chat line. Only the latest line is
// kept.
func (m *Manager) UpdateChat(ctx context.Context, flowID, userID, message string) error {
	return storeErr(m.store.Update(ctx, membersKey(flowID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, nil
		}
		members, err := decodeMembers(current)
		if err != nil {
			return nil, err
		}
		member, ok := members[userID]
		if !ok {
			return current, nil
		}
		member.Chat = &message
		members[userID] = member
		return json.Marshal(members)
	}))
}

// UpsertNode applies a node-change document to the working copy.
func (m *Manager) UpsertNode(ctx context.Context, flowID string, node flow.Doc) error {
	return m.mutateGraph(ctx, flowID, func(g *flow.Graph) {
		g.UpsertNode(node)
	})
}

// UpsertEdge applies an edge-change document to the working copy.
func (m *Manager) UpsertEdge(ctx context.Context, flowID string, edge flow.Doc) error {
	return m.mutateGraph(ctx, flowID, func(g *flow.Graph) {
		g.UpsertEdge(edge)
	})
}

func (m *Manager) mutateGraph(ctx context.Context, flowID string, mutate func(*flow.Graph)) error {
	return storeErr(m.store.Update(ctx, graphKey(flowID), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, fmt.Errorf("%w: no working copy for flow %s", ErrSessionNotEstablished, flowID)
		}
		graph, err := flow.DecodeGraph(current)
		if err != nil {
			return nil, fmt.Errorf("%w: working copy: %s", ErrCorruptRecord, err)
		}
		mutate(graph)
		return graph.Encode()
	}))
}

// Graph returns the working copy for a flow's live session.
func (m *Manager) Graph(ctx context.Context, flowID string) (*flow.Graph, error) {
	raw, err := m.store.Get(ctx, graphKey(flowID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: no working copy for flow %s", ErrSessionNotEstablished, flowID)
		}
		return nil, storeErr(err)
	}
	graph, err := flow.DecodeGraph(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: working copy: %s", ErrCorruptRecord, err)
	}
	return graph, nil
}
