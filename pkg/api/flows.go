package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/session"
	"github.com/sparkflow/sparkflow/pkg/viz"
)

func (s *Server) createFlow(writer http.ResponseWriter, request *http.Request) {
	user, ok := s.currentUser(writer, request)
	if !ok {
		return
	}
	var inputs struct {
		ID    string     `json:"id"`
		Nodes []flow.Doc `json:"nodes"`
		Edges []flow.Doc `json:"edges"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid request body")
		return
	}
	if inputs.ID == "" {
		inputs.ID = uuid.NewString()
	}
	f := &flow.Flow{
		ID:           inputs.ID,
		Permission:   map[string]flow.Role{user.ID: flow.RoleOwner},
		EditorOption: map[string]flow.EditorOption{user.ID: {Viewport: flow.Viewport{Zoom: 1}}},
		Nodes:        inputs.Nodes,
		Edges:        inputs.Edges,
	}
	if f.Nodes == nil {
		f.Nodes = []flow.Doc{}
	}
	if f.Edges == nil {
		f.Edges = []flow.Doc{}
	}
	if err := s.flows.CreateFlow(request.Context(), f); err != nil {
		slog.Error("failed to create flow", "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(writer, http.StatusCreated, f)
}

// loadAuthorized fetches the flow and checks the user holds any role on it.
func (s *Server) loadAuthorized(writer http.ResponseWriter, request *http.Request, user *flow.User) (*flow.Flow, bool) {
	flowID := mux.Vars(request)["flow"]
	f, err := s.flows.GetFlow(request.Context(), flowID)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			writeDetail(writer, http.StatusNotFound, "Flow not found")
			return nil, false
		}
		slog.Error("failed to load flow", "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return nil, false
	}
	if _, ok := f.Permission[user.ID]; !ok {
		writeDetail(writer, http.StatusForbidden, "Permission Denied")
		return nil, false
	}
	return f, true
}

func (s *Server) getFlow(writer http.ResponseWriter, request *http.Request) {
	user, ok := s.currentUser(writer, request)
	if !ok {
		return
	}
	f, ok := s.loadAuthorized(writer, request, user)
	if !ok {
		return
	}
	writeJSON(writer, http.StatusOK, f)
}

func (s *Server) updateFlow(writer http.ResponseWriter, request *http.Request) {
	user, ok := s.currentUser(writer, request)
	if !ok {
		return
	}
	f, ok := s.loadAuthorized(writer, request, user)
	if !ok {
		return
	}
	if role := f.Permission[user.ID]; role != flow.RoleOwner && role != flow.RoleWrite {
		writeDetail(writer, http.StatusForbidden, "Permission Denied")
		return
	}
	var inputs struct {
		Nodes        []flow.Doc                   `json:"nodes"`
		Edges        []flow.Doc                   `json:"edges"`
		EditorOption map[string]flow.EditorOption `json:"editor_option"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil {
		writeDetail(writer, http.StatusBadRequest, "Invalid request body")
		return
	}
	if inputs.Nodes != nil {
		f.Nodes = inputs.Nodes
	}
	if inputs.Edges != nil {
		f.Edges = inputs.Edges
	}
	if inputs.EditorOption != nil {
		f.EditorOption = inputs.EditorOption
	}
	if err := s.flows.UpdateFlow(request.Context(), f); err != nil {
		slog.Error("failed to update flow", "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(writer, http.StatusOK, f)
}

func (s *Server) renderFlow(writer http.ResponseWriter, request *http.Request) {
	user, ok := s.currentUser(writer, request)
	if !ok {
		return
	}
	f, ok := s.loadAuthorized(writer, request, user)
	if !ok {
		return
	}
	svg, err := viz.RenderSVG(&flow.Graph{Nodes: f.Nodes, Edges: f.Edges})
	if err != nil {
		slog.Error("failed to render flow", "flow", f.ID, "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(svg); err != nil {
		slog.Error("failed to write svg", "err", err)
	}
}

func (s *Server) joinRealtime(writer http.ResponseWriter, request *http.Request) {
	user, ok := s.currentUser(writer, request)
	if !ok {
		return
	}
	var inputs struct {
		FlowID string `json:"flow_id"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.FlowID == "" {
		writeDetail(writer, http.StatusBadRequest, "Invalid request body")
		return
	}
	snapshot, err := s.sessions.Join(request.Context(), inputs.FlowID, *user)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrFlowNotFound):
			writeDetail(writer, http.StatusNotFound, "Flow not found")
		case errors.Is(err, session.ErrPermissionDenied):
			writeDetail(writer, http.StatusForbidden, "Permission Denied")
		case errors.Is(err, session.ErrStoreUnavailable):
			slog.Error("failed to join session", "flow", inputs.FlowID, "err", err)
			writeDetail(writer, http.StatusServiceUnavailable, "Session store unavailable")
		default:
			slog.Error("failed to join session", "flow", inputs.FlowID, "err", err)
			writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	writeJSON(writer, http.StatusOK, map[string]any{
		"message": "Joined Realtime Session",
		"data":    snapshot,
	})
}
