package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/kv"
	"github.com/sparkflow/sparkflow/pkg/session"
)

type stubFlows struct {
	flows map[string]*flow.Flow
}

func (s *stubFlows) GetFlow(_ context.Context, id string) (*flow.Flow, error) {
	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", id, flow.ErrNotFound)
	}
	return f, nil
}

func (s *stubFlows) ReplaceGraph(_ context.Context, id string, nodes []flow.Doc, edges []flow.Doc) error {
	f, ok := s.flows[id]
	if !ok {
		return fmt.Errorf("flow %q: %w", id, flow.ErrNotFound)
	}
	f.Nodes, f.Edges = nodes, edges
	return nil
}

// brokenStore fails every Update once enabled, simulating an unreachable
// ephemeral store mid-session.
type brokenStore struct {
	kv.Store
	broken bool
}

func (b *brokenStore) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if b.broken {
		return errors.New("connection refused")
	}
	return b.Store.Update(ctx, key, fn)
}

func mustDoc(t *testing.T, raw string) flow.Doc {
	t.Helper()
	var d flow.Doc
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

var (
	userA = flow.User{ID: "ua", Name: "Ada", Username: "ada"}
	userB = flow.User{ID: "ub", Name: "Bob", Username: "bob"}
)

type routerFixture struct {
	sessions *session.Manager
	registry *Registry
	router   *Router
	store    *brokenStore
	a, b     *fakeSender
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &flow.Flow{
		ID:         "f1",
		Permission: map[string]flow.Role{"ua": flow.RoleOwner, "ub": flow.RoleWrite},
		Nodes:      []flow.Doc{mustDoc(t, `{"id":"n1","position":{"x":0,"y":0},"data":{"label":"a"}}`)},
		Edges:      []flow.Doc{},
	}
	store := &brokenStore{Store: kv.NewMemory()}
	sessions := session.NewManager(&stubFlows{flows: map[string]*flow.Flow{"f1": f}}, store)
	registry := NewRegistry()
	router := NewRouter(sessions, registry)

	ctx := context.Background()
	_, err := sessions.Join(ctx, "f1", userA)
	require.NoError(t, err)
	_, err = sessions.Join(ctx, "f1", userB)
	require.NoError(t, err)

	fx := &routerFixture{
		sessions: sessions,
		registry: registry,
		router:   router,
		store:    store,
		a:        &fakeSender{},
		b:        &fakeSender{},
	}
	registry.Connect("f1", "ua", fx.a)
	registry.Connect("f1", "ub", fx.b)
	return fx
}

func message(t *testing.T, op int, data string) Message {
	t.Helper()
	return Message{Op: op, Data: json.RawMessage(data)}
}

func TestRouterCursorMove(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()

	fx.router.Handle(ctx, "f1", userA, message(t, OpCursor, `{"x":3,"y":4}`))

	// only the peer sees the event
	assert.Empty(t, fx.a.Events())
	require.Len(t, fx.b.Events(), 1)
	event := fx.b.Events()[0]
	assert.Equal(t, OpCursor, event.Op)
	data := event.Data.(map[string]any)
	assert.Equal(t, "ua", data["uid"])
	assert.Equal(t, flow.Position{X: 3, Y: 4}, data["position"])

	members, err := fx.sessions.Members(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, flow.Position{X: 3, Y: 4}, members["ua"].Position)

	// cursor traffic never touches the working copy
	graph, err := fx.sessions.Graph(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 1)
}

func TestRouterNodeChangeMergesAndRelaysRawPayload(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()
	payload := `{"id":"n1","position":{"x":5,"y":5}}`

	fx.router.Handle(ctx, "f1", userB, message(t, OpNodeChange, payload))

	require.Len(t, fx.a.Events(), 1)
	event := fx.a.Events()[0]
	assert.Equal(t, OpNodeChange, event.Op)
	data := event.Data.(map[string]any)
	assert.Equal(t, "ub", data["uid"])
	assert.JSONEq(t, payload, string(data["node"].(json.RawMessage)))

	graph, err := fx.sessions.Graph(ctx, "f1")
	require.NoError(t, err)
	node, ok := graph.FindNode("n1")
	require.True(t, ok)
	position, _ := node.Get("position")
	assert.JSONEq(t, `{"x":5,"y":5}`, string(position))
	// untouched field survives the merge
	nodeData, _ := node.Get("data")
	assert.JSONEq(t, `{"label":"a"}`, string(nodeData))
}

func TestRouterNodeChangeCreatesUnseenNode(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()

	fx.router.Handle(ctx, "f1", userA, message(t, OpNodeChange, `{"id":"n2","type":"idea","data":{}}`))

	graph, err := fx.sessions.Graph(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 2)
}

func TestRouterEdgeChange(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()
	payload := `{"id":"e1","source":"n1","target":"n2"}`

	fx.router.Handle(ctx, "f1", userA, message(t, OpEdgeChange, payload))

	require.Len(t, fx.b.Events(), 1)
	data := fx.b.Events()[0].Data.(map[string]any)
	assert.JSONEq(t, payload, string(data["flow"].(json.RawMessage)))

	graph, err := fx.sessions.Graph(ctx, "f1")
	require.NoError(t, err)
	assert.Len(t, graph.Edges, 1)
}

func TestRouterChat(t *testing.T) {
	fx := newRouterFixture(t)
	ctx := context.Background()

	fx.router.Handle(ctx, "f1", userA, message(t, OpChat, `{"message":"hi all"}`))

	require.Len(t, fx.b.Events(), 1)
	data := fx.b.Events()[0].Data.(map[string]any)
	assert.Equal(t, "hi all", data["message"])

	members, err := fx.sessions.Members(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, members["ua"].Chat)
	assert.Equal(t, "hi all", *members["ua"].Chat)
}

func TestRouterInvalidOpAnswersSenderOnly(t *testing.T) {
	fx := newRouterFixture(t)

	fx.router.Handle(context.Background(), "f1", userA, message(t, 9, `{}`))

	require.Len(t, fx.a.Events(), 1)
	event := fx.a.Events()[0]
	assert.Equal(t, OpError, event.Op)
	data := event.Data.(map[string]any)
	assert.Equal(t, "Invalid Operation", data["message"])
	assert.Equal(t, "websocket.invalid.opcode", data["error"])
	assert.Empty(t, fx.b.Events())
}

func TestRouterNodeChangeWithoutIDIsRejected(t *testing.T) {
	fx := newRouterFixture(t)

	fx.router.Handle(context.Background(), "f1", userA, message(t, OpNodeChange, `{"position":{"x":1,"y":1}}`))

	require.Len(t, fx.a.Events(), 1)
	assert.Equal(t, OpError, fx.a.Events()[0].Op)
	assert.Empty(t, fx.b.Events())
}

func TestRouterStoreFailureDoesNotBroadcast(t *testing.T) {
	fx := newRouterFixture(t)
	fx.store.broken = true

	fx.router.Handle(context.Background(), "f1", userA, message(t, OpNodeChange, `{"id":"n1","position":{"x":9,"y":9}}`))

	require.Len(t, fx.a.Events(), 1)
	event := fx.a.Events()[0]
	assert.Equal(t, OpError, event.Op)
	data := event.Data.(map[string]any)
	assert.Equal(t, "websocket.store.unavailable", data["error"])
	assert.Empty(t, fx.b.Events())

	// the connection is still usable afterwards
	fx.store.broken = false
	fx.router.Handle(context.Background(), "f1", userA, message(t, OpChat, `{"message":"back"}`))
	assert.Len(t, fx.b.Events(), 1)
}
