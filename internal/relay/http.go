package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nupi-ai/domlink/internal/constants"
	"github.com/nupi-ai/domlink/internal/protocol"
	"github.com/nupi-ai/domlink/internal/version"
)

const maxCommandBody = 1 << 20

// maxResultWait caps the ?wait= long poll on GET /results/{id}.
const maxResultWait = constants.Duration60Seconds

// ErrorResponse is the JSON error envelope returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EnqueueResponse is returned by POST /commands.
type EnqueueResponse struct {
	RequestID string `json:"requestId"`
	Agents    int    `json:"agents"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Agents  int    `json:"agents"`
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	mux.HandleFunc("POST /commands", s.handleEnqueue)
	mux.HandleFunc("GET /results/{id}", s.handleResult)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxCommandBody {
		writeError(w, http.StatusRequestEntityTooLarge, "command too large")
		return
	}
	payload, reason, err := protocol.DecodeCommand(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if reason != "" {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	payload, agents, err := s.Enqueue(r.Context(), payload)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, EnqueueResponse{RequestID: payload.RequestID, Agents: agents}, s.logger)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	id := r.PathValue("id")

	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, err := time.ParseDuration(raw)
		if err != nil || wait < 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		if wait > maxResultWait {
			wait = maxResultWait
		}
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if res, ok := s.WaitResult(ctx, id); ok {
			writeJSON(w, http.StatusOK, res, s.logger)
			return
		}
		writeError(w, http.StatusNotFound, "no result for request "+id)
		return
	}

	res, ok := s.Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no result for request "+id)
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, s.Agents(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Agents:  s.ClientCount(),
	}, s.logger)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if _, err := w.Write(s.exporter.Export()); err != nil {
		s.logger.Warn("failed to write metrics", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}

// writeError writes a JSON error response with the given HTTP status code.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
