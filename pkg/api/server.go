// Package api is the HTTP surface: the join-before-connect endpoint, the
// websocket mount, and the thin flow/auth handlers around them.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/sparkflow/sparkflow/pkg/auth"
	"github.com/sparkflow/sparkflow/pkg/flow"
	"github.com/sparkflow/sparkflow/pkg/realtime"
	"github.com/sparkflow/sparkflow/pkg/session"
)

// tokenTTL is how long issued credentials stay valid.
const tokenTTL = 72 * time.Hour

type Server struct {
	flows    *flow.Store
	auth     *auth.Authenticator
	sessions *session.Manager
	ws       *realtime.Handler
}

func NewServer(flows *flow.Store, authn *auth.Authenticator, sessions *session.Manager, ws *realtime.Handler) *Server {
	return &Server{flows: flows, auth: authn, sessions: sessions, ws: ws}
}

func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.root)
	r.Methods(http.MethodPost).Path("/auth/login").HandlerFunc(s.login)
	r.Methods(http.MethodPost).Path("/auth/logout").HandlerFunc(s.logout)
	r.Methods(http.MethodPost).Path("/flows").HandlerFunc(s.createFlow)
	r.Methods(http.MethodGet).Path("/flows/{flow}").HandlerFunc(s.getFlow)
	r.Methods(http.MethodPut).Path("/flows/{flow}").HandlerFunc(s.updateFlow)
	r.Methods(http.MethodGet).Path("/flows/{flow}/viz").HandlerFunc(s.renderFlow)
	r.Methods(http.MethodPost).Path("/realtime/join").HandlerFunc(s.joinRealtime)
	r.Path("/realtime/{flow}").HandlerFunc(s.ws.ServeWS)
	return r
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		slog.Error("failed to write response", "err", err)
	}
}

func writeDetail(writer http.ResponseWriter, status int, detail string) {
	writeJSON(writer, status, map[string]string{"detail": detail})
}

// currentUser resolves the Authorization bearer header, writing the error
// response itself when the credential is unusable.
func (s *Server) currentUser(writer http.ResponseWriter, request *http.Request) (*flow.User, bool) {
	header := request.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeDetail(writer, http.StatusUnauthorized, "Could not validate credentials")
		return nil, false
	}
	user, err := s.auth.ResolveToken(request.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredential) {
			writeDetail(writer, http.StatusUnauthorized, "Could not validate credentials")
		} else {
			slog.Error("failed to resolve credential", "err", err)
			writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		}
		return nil, false
	}
	return user, true
}

func (s *Server) root(writer http.ResponseWriter, _ *http.Request) {
	writeJSON(writer, http.StatusOK, map[string]string{"message": "Hello World"})
}

func (s *Server) login(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(request.Body).Decode(&inputs); err != nil || inputs.Username == "" {
		writeDetail(writer, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := s.flows.GetUserByUsername(request.Context(), inputs.Username)
	if err != nil {
		if errors.Is(err, flow.ErrNotFound) {
			writeDetail(writer, http.StatusNotFound, "User not found")
			return
		}
		slog.Error("failed to load user", "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	token, err := s.auth.IssueToken(request.Context(), user, tokenTTL)
	if err != nil {
		slog.Error("failed to issue token", "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(writer, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) logout(writer http.ResponseWriter, request *http.Request) {
	header := request.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		writeDetail(writer, http.StatusUnauthorized, "Could not validate credentials")
		return
	}
	if err := s.auth.RevokeToken(request.Context(), token); err != nil {
		slog.Error("failed to revoke token", "err", err)
		writeDetail(writer, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writer.WriteHeader(http.StatusNoContent)
}
