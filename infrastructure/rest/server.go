// Package rest serves registration and history reads over HTTP.
package rest

import (
	"chat-relay/errors"
	"chat-relay/services"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

const maxRequestBody = 1 << 16

// Presence reports live connections and users.
type Presence interface {
	Stats() (connections int, users int)
}

type Server struct {
	log      *slog.Logger
	users    services.IUserService
	chat     services.IChatService
	presence Presence
	ws       http.Handler
	router   *httprouter.Router
	server   *http.Server
}

type registerRequest struct {
	Username string `json:"username"`
}

type postRequest struct {
	Username string `json:"username"`
	Body     string `json:"body"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

// NewServer wires the routes. ws is mounted on GET /ws and may be nil.
func NewServer(log *slog.Logger, addr string, users services.IUserService, chat services.IChatService,
	presence Presence, ws http.Handler) *Server {
	s := &Server{
		log:      log,
		users:    users,
		chat:     chat,
		presence: presence,
		ws:       ws,
		router:   httprouter.New(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/users", s.handleRegister)
	s.router.GET("/users", s.handleUsers)

	s.router.POST("/messages", s.handlePost)
	s.router.GET("/messages/public", s.handlePublicHistory)
	s.router.GET("/messages/private/:userA/:userB", s.handlePrivateHistory)
	s.router.GET("/messages/search", s.handleSearch)

	if s.ws != nil {
		s.router.Handler(http.MethodGet, "/ws", s.ws)
	}
}

// Handler exposes the routes, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A graceful Stop is not an error.
func (s *Server) Start() error {
	s.log.Info("Starting HTTP server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	connections, users := s.presence.Stats()
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Connections: connections, Users: users})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body registerRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", errors.ErrValidation))
		return
	}
	user, err := s.users.Register(r.Context(), body.Username)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	users, err := s.users.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, users)
}

// handlePost broadcasts a public message for a registered user, like a live send.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body postRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&body); err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid request body", errors.ErrValidation))
		return
	}
	message, err := s.chat.Post(r.Context(), body.Username, body.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, message)
}

func (s *Server) handlePublicHistory(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	messages, err := s.chat.PublicHistory(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handlePrivateHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	messages, err := s.chat.PrivateHistory(r.Context(), ps.ByName("userA"), ps.ByName("userB"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: limit must be a number", errors.ErrValidation))
			return
		}
		limit = parsed
	}
	messages, err := s.chat.Search(r.Context(), query.Get("q"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messages)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Debug("Error writing response", "error", err)
	}
}

// writeError hides storage details from clients; they are logged instead.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	message := err.Error()
	switch {
	case errors.Is(err, errors.ErrUserAlreadyExists):
		message = "Username already exists"
	case status >= http.StatusInternalServerError:
		s.log.Error("Request failed", "error", err)
		message = "internal error"
	}
	s.writeJSON(w, status, errorResponse{Error: message, Code: errors.Code(err)})
}
