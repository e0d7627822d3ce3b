package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"examrelay/internal/hub"
	"examrelay/internal/logging"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// APIKeyHeader carries the admin key on /api routes
const APIKeyHeader = "X-API-Key"

// maxBodyBytes leaves room for the envelope around a 64KB payload
const maxBodyBytes = 128 * 1024

// TokenIssuer is the access-token side of the authenticator
type TokenIssuer interface {
	Issue(ctx context.Context, principalID, displayName string, ttl time.Duration) (string, *interfaces.AccessToken, error)
	Revoke(ctx context.Context, tokenID string) error
}

// HealthChecker reports storage health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider is satisfied by the hubs
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Options wires the server's collaborators; nil Tokens, Health or Metrics disable
// the corresponding routes or checks
type Options struct {
	Exams     interfaces.ExamPublisher
	Announcer interfaces.Announcer
	Tokens    TokenIssuer
	Health    HealthChecker
	Channels  map[string]StatsProvider
	Metrics   http.Handler
	APIKey    string
	Logger    *zap.Logger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	exams     interfaces.ExamPublisher
	announcer interfaces.Announcer
	tokens    TokenIssuer
	health    HealthChecker
	channels  map[string]StatsProvider
	apiKey    string
	started   time.Time
	router    *http.ServeMux
	handler   http.Handler
	logger    *zap.Logger
}

// NewServer builds the admin API
func NewServer(opts Options) *Server {
	s := &Server{
		exams:     opts.Exams,
		announcer: opts.Announcer,
		tokens:    opts.Tokens,
		health:    opts.Health,
		channels:  opts.Channels,
		apiKey:    opts.APIKey,
		started:   time.Now(),
		router:    http.NewServeMux(),
		logger:    logging.OrNop(opts.Logger).Named("api"),
	}

	s.setupRoutes(opts.Metrics)
	// ARCHITECTURAL DISCOVERY: Middleware wraps the whole mux so CORS preflight is
	// answered before method-qualified patterns can reject OPTIONS
	s.handler = s.corsMiddleware(s.jsonMiddleware(s.router))
	return s
}

func (s *Server) setupRoutes(metricsHandler http.Handler) {
	s.router.Handle("POST /api/exams/assignments", s.requireAPIKey(http.HandlerFunc(s.pushAssignment)))
	s.router.Handle("POST /api/exams/status", s.requireAPIKey(http.HandlerFunc(s.pushStatus)))
	s.router.Handle("POST /api/announcements", s.requireAPIKey(http.HandlerFunc(s.announce)))

	if s.tokens != nil {
		s.router.Handle("POST /api/tokens", s.requireAPIKey(http.HandlerFunc(s.issueToken)))
		s.router.Handle("DELETE /api/tokens/{id}", s.requireAPIKey(http.HandlerFunc(s.revokeToken)))
	}

	s.router.HandleFunc("GET /health", s.healthCheck)
	if metricsHandler != nil {
		s.router.Handle("GET /metrics", metricsHandler)
	}
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type IssueTokenRequest struct {
	PrincipalID string `json:"principal_id"`
	DisplayName string `json:"display_name"`
	// TTL as a Go duration string; empty issues a non-expiring token
	TTL string `json:"ttl,omitempty"`
}

type IssueTokenResponse struct {
	Token       string                  `json:"token"`
	AccessToken *interfaces.AccessToken `json:"access_token"`
}

type HealthResponse struct {
	Status    string                            `json:"status"`
	Timestamp time.Time                         `json:"timestamp"`
	Database  string                            `json:"database"`
	Channels  map[string]map[string]interface{} `json:"channels"`
	System    map[string]interface{}            `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: POST /api/exams/assignments - ReceiveExam to the assignment's class group
func (s *Server) pushAssignment(w http.ResponseWriter, r *http.Request) {
	var assignment types.ExamAssignment
	if !s.decode(w, r, &assignment) {
		return
	}

	report, err := s.exams.PushExamAssignment(r.Context(), assignment.ClassGroup, assignment)
	if err != nil {
		s.sendPushError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// FUNCTIONAL DISCOVERY: POST /api/exams/status - UpdateExamStatus to the class group
func (s *Server) pushStatus(w http.ResponseWriter, r *http.Request) {
	var change types.ExamStatusChange
	if !s.decode(w, r, &change) {
		return
	}

	report, err := s.exams.PushExamStatusChange(r.Context(), change.ClassGroup, change)
	if err != nil {
		s.sendPushError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// FUNCTIONAL DISCOVERY: POST /api/announcements - body is the announcement itself, any JSON value
func (s *Server) announce(w http.ResponseWriter, r *http.Request) {
	var announcement json.RawMessage
	if !s.decode(w, r, &announcement) {
		return
	}

	report, err := s.announcer.Broadcast(r.Context(), types.Announcement(announcement))
	if err != nil {
		s.sendPushError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// FUNCTIONAL DISCOVERY: POST /api/tokens - the raw token appears only in this response
func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.PrincipalID == "" {
		s.sendError(w, "principal_id is required", http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		parsed, err := time.ParseDuration(req.TTL)
		if err != nil || parsed <= 0 {
			s.sendError(w, "ttl must be a positive duration such as 24h", http.StatusBadRequest)
			return
		}
		ttl = parsed
	}

	raw, token, err := s.tokens.Issue(r.Context(), req.PrincipalID, req.DisplayName, ttl)
	if err != nil {
		s.logger.Error("token issue failed", zap.Error(err))
		s.sendError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusCreated, IssueTokenResponse{Token: raw, AccessToken: token})
}

// FUNCTIONAL DISCOVERY: DELETE /api/tokens/{id} - revocation takes effect on the next handshake
func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.sendError(w, "Token ID required", http.StatusBadRequest)
		return
	}

	if err := s.tokens.Revoke(r.Context(), id); err != nil {
		if errors.Is(err, interfaces.ErrTokenNotFound) {
			s.sendError(w, "Token not found", http.StatusNotFound)
			return
		}
		s.logger.Error("token revoke failed", zap.String("token_id", id), zap.Error(err))
		s.sendError(w, "Failed to revoke token", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Token revoked"})
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.health != nil {
		dbStatus = "healthy"
		if err := s.health.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	channels := make(map[string]map[string]interface{}, len(s.channels))
	for name, provider := range s.channels {
		stats := provider.GetStats()
		channels[name] = stats
		if running, ok := stats["running"].(bool); ok && !running {
			status = "unhealthy"
		}
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now(),
		Database:  dbStatus,
		Channels:  channels,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	// FUNCTIONAL DISCOVERY: Return 503 if any component is unhealthy
	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, types.ErrPayloadTooLarge.Error(), http.StatusRequestEntityTooLarge)
			return false
		}
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// sendPushError maps hub and validation errors to status codes
func (s *Server) sendPushError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidGroupName),
		errors.Is(err, types.ErrMissingExamID),
		errors.Is(err, types.ErrMissingStatus),
		errors.Is(err, types.ErrInvalidAnnouncement):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrPayloadTooLarge):
		s.sendError(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, hub.ErrHubNotRunning):
		s.sendError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error("push failed", zap.Error(err))
		s.sendError(w, "Failed to push", http.StatusInternalServerError)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed", zap.Error(err))
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// requireAPIKey guards admin routes when an API key is configured
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			provided := r.Header.Get(APIKeyHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(s.apiKey)) != 1 {
				s.sendError(w, "Invalid or missing API key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
// Allows all origins in development - would be restricted in production
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+APIKeyHeader)
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// FUNCTIONAL DISCOVERY: JSON middleware ensures proper content-type headers
func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
