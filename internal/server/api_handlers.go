package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/consolidator/internal/domain"
)

const (
	maxBodyBytes = 8 << 20
	defaultLimit = 100
	maxLimit     = 1000
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "consolidator"})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := true
	components := make(map[string]string, len(s.health))
	for _, name := range s.healthNames {
		if err := s.health[name].Health(ctx); err != nil {
			ready = false
			components[name] = "unhealthy"
			s.logger.Warn("Dependency unhealthy", zap.String("component", name), zap.Error(err))
			continue
		}
		components[name] = "healthy"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": components})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.authService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

type agentTokenRequest struct {
	Subject string `json:"subject"`
	TTL     string `json:"ttl,omitempty"`
}

func (s *Server) handleIssueAgentToken(w http.ResponseWriter, r *http.Request) {
	var req agentTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			s.writeError(w, errors.Join(domain.ErrInvalidArgument, err))
			return
		}
		ttl = d
	}
	token, err := s.authService.IssueAgentToken(r.Context(), req.Subject, ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	var samples []domain.Sample
	if !s.decode(w, r, &samples) {
		return
	}
	accepted := s.samples.Ingest(samples)
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "dropped": len(samples) - accepted})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.MigrationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.requests.Submit(r.Context(), req); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.plans.InFlight())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.alerts.ListAlerts(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleMigrations(w http.ResponseWriter, r *http.Request) {
	records, err := s.migrations.ListMigrations(r.Context(), limitParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// decode reads a JSON body into dst, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, errors.Join(domain.ErrInvalidArgument, err))
		return false
	}
	return true
}

func limitParam(r *http.Request) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil && l > 0 {
			limit = min(l, maxLimit)
		}
	}
	return limit
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrTransientIO):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	msg := err.Error()
	if status == http.StatusForbidden {
		msg = "permission denied"
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
