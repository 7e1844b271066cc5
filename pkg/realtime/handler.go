package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/session"
)

// TokenResolver resolves a bearer credential to a user record, or fails.
type TokenResolver interface {
	ResolveToken(ctx context.Context, token string) (*flow.User, error)
}

// dispatchBuffer is the per-connection queue between the receive loop and
// the dispatch worker. Receiving only blocks once a client is this many
// unprocessed messages ahead.
const dispatchBuffer = 64

// Handler serves the live websocket endpoint for a flow's session.
type Handler struct {
	auth     TokenResolver
	sessions *session.Manager
	registry *Registry
	router   *Router
	upgrader websocket.Upgrader
}

func NewHandler(auth TokenResolver, sessions *session.Manager, registry *Registry, router *Router) *Handler {
	return &Handler{
		auth:     auth,
		sessions: sessions,
		registry: registry,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// wsPeer wraps a websocket connection with a write lock: gorilla permits
// only one concurrent writer, and broadcasts arrive from many goroutines.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPeer) SendEvent(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteJSON(event)
}

// ServeWS upgrades the connection, authenticates the token query parameter,
// verifies the user already joined the session, and then relays messages
// until the connection drops. Disconnecting for any reason follows the same
// leave path as an explicit departure.
func (h *Handler) ServeWS(writer http.ResponseWriter, request *http.Request) {
	flowID := mux.Vars(request)["flow"]

	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "flow", flowID, "err", err)
		return
	}
	defer conn.Close()

	// The session must outlive the HTTP request: closing the socket cancels
	// only the receive loop, never an in-flight mutation or the leave merge.
	ctx := context.WithoutCancel(request.Context())
	peer := &wsPeer{conn: conn}

	user, err := h.auth.ResolveToken(ctx, request.URL.Query().Get("token"))
	if err != nil {
		_ = peer.SendEvent(rejectionEvent("Invalid Credential"))
		return
	}
	if err := h.sessions.Established(ctx, flowID, user.ID); err != nil {
		switch {
		case errors.Is(err, session.ErrFlowNotFound), errors.Is(err, session.ErrSessionNotEstablished):
			_ = peer.SendEvent(rejectionEvent("Flow not found"))
		default:
			slog.Error("failed to check session", "flow", flowID, "user", user.ID, "err", err)
			_ = peer.SendEvent(rejectionEvent("Service Unavailable"))
		}
		return
	}

	h.registry.Connect(flowID, user.ID, peer)
	if err := peer.SendEvent(connectedEvent()); err != nil {
		h.registry.DisconnectIf(flowID, user.ID, peer)
		return
	}
	h.registry.Broadcast(flowID, userJoinedEvent(*user), user.ID)
	slog.Info("connection attached", "flow", flowID, "user", user.ID)

	// One worker per connection: handling never blocks the receive loop, and
	// a single worker keeps this user's messages in order as seen by peers.
	tasks := make(chan Message, dispatchBuffer)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range tasks {
			h.router.Handle(ctx, flowID, *user, msg)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// A malformed frame rejects only itself, not the connection.
			_ = peer.SendEvent(invalidOperationEvent())
			continue
		}
		tasks <- msg
	}
	close(tasks)
	<-workerDone

	// Only the current owner of the registry entry leaves the session: a
	// socket that was replaced by a reconnect must not end its successor's
	// session when it finally closes.
	if !h.registry.DisconnectIf(flowID, user.ID, peer) {
		slog.Info("connection superseded", "flow", flowID, "user", user.ID)
		return
	}
	h.registry.Broadcast(flowID, userLeftEvent(*user), user.ID)
	if err := h.sessions.Leave(ctx, flowID, user.ID); err != nil {
		slog.Error("failed to leave session", "flow", flowID, "user", user.ID, "err", err)
	}
	slog.Info("connection detached", "flow", flowID, "user", user.ID)
}
