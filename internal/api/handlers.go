package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mattjoyce/bascule/internal/auth"
	"github.com/mattjoyce/bascule/internal/dispatch"
	"github.com/mattjoyce/bascule/internal/script"
)

// callerIdentity derives the guard-quota identity from the authenticated
// principal. Unlabeled tokens share the generic "api" bucket.
func callerIdentity(ctx context.Context) string {
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.Label != "" {
		return p.Label
	}
	return "api"
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	stats := s.pool.Stats()

	open := 0
	for _, c := range s.breaker.Snapshot() {
		if c.State != dispatch.CircuitClosed {
			open++
		}
	}

	status := "ok"
	if stats.Broken == stats.Capacity || open > 0 {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        status,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		SlotsIdle:     stats.Idle,
		SlotsBusy:     stats.Busy,
		SlotsBroken:   stats.Broken,
		CircuitsOpen:  open,
	})
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Pool:          s.pool.Stats(),
		Slots:         s.pool.Snapshot(),
		Circuits:      s.breaker.Snapshot(),
		InFlight:      s.boundary.Snapshot(),
		Templates:     s.registry.Len(),
	}

	if s.journal != nil {
		if stats, err := s.journal.Stats(r.Context()); err == nil {
			resp.Journal = &stats
		} else {
			s.logger.Warn("journal stats unavailable", "error", err)
		}
		if recent, err := s.journal.Recent(r.Context(), 20); err == nil {
			resp.Recent = recent
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleDispatch handles POST /dispatch: a manual, synchronous dispatch
// for smoke testing. The caller identity is the bearer token's label so
// each token spends its own quota; the same validation, boundary, and
// recovery path as library callers applies.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	category, err := script.ParseCategory(body.Category)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Template == "" {
		s.writeError(w, http.StatusBadRequest, "template is required")
		return
	}

	req := script.NewRequest(callerIdentity(r.Context()), category, body.Template, body.Params)
	if body.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.DispatchTimeout)
	defer cancel()

	out, err := s.dispatcher.Dispatch(ctx, req)
	if err != nil {
		var cerr *dispatch.ClassifiedError
		if errors.As(err, &cerr) {
			respondJSON(w, dispatchStatusCode(cerr.Kind), DispatchErrorResponse{
				Error:    cerr.Error(),
				Kind:     cerr.Kind.String(),
				Attempts: cerr.Attempts,
			})
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, DispatchResponse{
		RequestID:  out.RequestID,
		Output:     out.Stdout,
		Attempts:   out.Attempts,
		DurationMS: out.Duration.Milliseconds(),
	})
}

// dispatchStatusCode maps a classified kind to an HTTP status.
func dispatchStatusCode(kind dispatch.Kind) int {
	switch kind {
	case dispatch.KindValidation, dispatch.KindScriptSyntax:
		return http.StatusBadRequest
	case dispatch.KindPermission:
		return http.StatusForbidden
	case dispatch.KindCircuitOpen, dispatch.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case dispatch.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleTemplates handles GET /templates.
func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	templates := s.registry.All()
	out := make([]TemplateInfo, 0, len(templates))
	for _, t := range templates {
		info := TemplateInfo{
			ID:          t.ID,
			Category:    string(t.Category),
			Description: t.Description,
		}
		for _, p := range t.Params {
			info.Params = append(info.Params, TemplateParam{
				Name:     p.Name,
				Type:     string(p.Type),
				Kind:     string(p.Kind),
				Required: p.Required,
				Min:      p.Min,
				Max:      p.Max,
				Pattern:  p.Pattern,
			})
		}
		out = append(out, info)
	}
	respondJSON(w, http.StatusOK, out)
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
