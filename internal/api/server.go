package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"careflow/internal/actions"
	"careflow/internal/auth"
	"careflow/internal/logging"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

// ActionService is what the HTTP layer needs from the action service.
type ActionService interface {
	Create(ctx context.Context, caller types.Identity, req actions.CreateRequest) (*types.ClinicalAction, error)
	UpdateStatus(ctx context.Context, caller types.Identity, actionID string, req actions.StatusRequest) (*types.ClinicalAction, error)
	AddNote(ctx context.Context, caller types.Identity, actionID, text string) (*types.ClinicalAction, error)
	Get(ctx context.Context, actionID string) (*types.ClinicalAction, error)
	ListForPatient(ctx context.Context, patientID string) ([]*types.ClinicalAction, error)
	Dashboard(ctx context.Context, caller types.Identity) ([]*types.ClinicalAction, error)
}

// Authenticator verifies bearer tokens.
type Authenticator interface {
	Authenticate(token string) (types.Identity, error)
}

// HealthChecker reports storage health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Presence reports live connection state from the gateway.
type Presence interface {
	Stats() map[string]int
	Subscriptions(userID string) []types.Subscription
	RoomSize(room types.RoomID) int
}

// Server is a thin HTTP shell around the action service: it decodes
// requests, maps errors to status codes and encodes responses.
type Server struct {
	actions  ActionService
	auth     Authenticator
	health   HealthChecker
	presence Presence
	router   *http.ServeMux
	log      *zap.Logger
	started  time.Time
	maxBytes int64
}

func NewServer(svc ActionService, authenticator Authenticator, health HealthChecker, presence Presence, logger *zap.Logger) *Server {
	s := &Server{
		actions:  svc,
		auth:     authenticator,
		health:   health,
		presence: presence,
		router:   http.NewServeMux(),
		log:      logging.Component(logger, "api"),
		started:  time.Now(),
		maxBytes: 1 << 20,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.handle("POST /api/actions", s.authenticated(s.createAction))
	s.handle("GET /api/actions", s.authenticated(s.dashboard))
	s.handle("GET /api/actions/{id}", s.authenticated(s.getAction))
	s.handle("PATCH /api/actions/{id}/status", s.authenticated(s.updateStatus))
	s.handle("PUT /api/actions/{id}/status", s.authenticated(s.updateStatus))
	s.handle("POST /api/actions/{id}/notes", s.authenticated(s.addNote))
	s.handle("GET /api/patients/{patientId}/actions", s.authenticated(s.patientActions))
	s.handle("GET /api/subscriptions", s.authenticated(s.subscriptions))
	s.handle("GET /api/rooms/{room}", s.authenticated(s.roomInfo))
	s.handle("GET /health", s.healthCheck)
	s.router.Handle("OPTIONS /", s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(h)))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type NoteRequest struct {
	Note string `json:"note"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type RoomResponse struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// authenticated resolves the bearer token before the handler runs.
func (s *Server) authenticated(next func(http.ResponseWriter, *http.Request, types.Identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(auth.TokenFromRequest(r))
		if err != nil {
			s.sendError(w, "Authentication error", http.StatusUnauthorized)
			return
		}
		next(w, r, identity)
	}
}

// POST /api/actions
func (s *Server) createAction(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	var req actions.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := s.actions.Create(r.Context(), caller, req)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, action)
}

// GET /api/actions
func (s *Server) dashboard(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	list, err := s.actions.Dashboard(r.Context(), caller)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GET /api/actions/{id}
func (s *Server) getAction(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	action, err := s.actions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

// PATCH /api/actions/{id}/status
func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	var req actions.StatusRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := s.actions.UpdateStatus(r.Context(), caller, r.PathValue("id"), req)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

// POST /api/actions/{id}/notes
func (s *Server) addNote(w http.ResponseWriter, r *http.Request, caller types.Identity) {
	var req NoteRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, err := s.actions.AddNote(r.Context(), caller, r.PathValue("id"), req.Note)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

// GET /api/patients/{patientId}/actions
func (s *Server) patientActions(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	list, err := s.actions.ListForPatient(r.Context(), r.PathValue("patientId"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

// GET /api/subscriptions
func (s *Server) subscriptions(w http.ResponseWriter, _ *http.Request, caller types.Identity) {
	s.writeJSON(w, http.StatusOK, s.presence.Subscriptions(caller.UserID))
}

// GET /api/rooms/{room}, e.g. /api/rooms/patient:P1
func (s *Server) roomInfo(w http.ResponseWriter, r *http.Request, _ types.Identity) {
	room, err := types.ParseRoomID(r.PathValue("room"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RoomResponse{Room: room.String(), Members: s.presence.RoomSize(room)})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.health.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.presence.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBytes)).Decode(dst); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, actions.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, types.ErrActionNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrIllegalTransition), errors.Is(err, interfaces.ErrStaleAction):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, actions.ErrValidation),
		errors.Is(err, types.ErrEmptyNote),
		errors.Is(err, types.ErrInvalidPatientID),
		errors.Is(err, types.ErrInvalidRoom),
		errors.Is(err, types.ErrInvalidRole):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		s.sendError(w, "Server error", code)
		return
	}
	s.sendError(w, err.Error(), code)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response write failed", zap.Error(err))
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
