package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/helioshq/helios/pkg/anomaly"
	"github.com/helioshq/helios/pkg/budget"
	"github.com/helioshq/helios/pkg/policy"
	"github.com/helioshq/helios/pkg/usage"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses: validation
// errors are 400, unknown references 404, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, usage.ErrValidation),
		errors.Is(err, budget.ErrValidation),
		errors.Is(err, policy.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, budget.ErrNotFound), errors.Is(err, policy.ErrNotFound):
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// ============================================================================
// Hot path
// ============================================================================

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var ev usage.Event
	if !s.decode(w, r, &ev) {
		return
	}
	if err := s.gov.RecordUsage(r.Context(), &ev); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.ID})
}

type budgetCheckRequest struct {
	AgentID string       `json:"agent_id"`
	Metric  usage.Metric `json:"metric"`
	Amount  float64      `json:"amount"`
}

func (s *Server) handleCheckBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !usage.ValidMetric(req.Metric) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown metric"})
		return
	}
	d, err := s.gov.CheckBudget(req.AgentID, req.Metric, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	metric := usage.Metric(r.URL.Query().Get("metric"))
	if agentID == "" || !usage.ValidMetric(metric) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent_id and a valid metric are required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.gov.BudgetStatus(agentID, metric))
}

type rateLimitCheckRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleCheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req rateLimitCheckRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "agent_id is required"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.gov.CheckRateLimit(req.AgentID))
}

// ============================================================================
// Detection
// ============================================================================

type detectRequest struct {
	// Window is how far back to scan, e.g. "1h". Default: 1h.
	Window string `json:"window"`
}

func (s *Server) handleDetectAnomalies(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if !s.decode(w, r, &req) {
		return
	}
	window := time.Hour
	if req.Window != "" {
		d, err := time.ParseDuration(req.Window)
		if err != nil || d <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid window"})
			return
		}
		window = d
	}
	found, err := s.gov.DetectAnomalies(r.Context(), window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found == nil {
		found = []anomaly.Anomaly{}
	}
	s.writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleAnalyzeSpikes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentID := q.Get("agent_id")
	metric := usage.Metric(q.Get("metric"))
	from, errFrom := time.Parse(time.RFC3339, q.Get("from"))
	to, errTo := time.Parse(time.RFC3339, q.Get("to"))
	if agentID == "" || !usage.ValidMetric(metric) || errFrom != nil || errTo != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "agent_id, metric, and RFC3339 from/to are required",
		})
		return
	}
	report, err := s.gov.AnalyzeSpikes(r.Context(), agentID, metric, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Policy
// ============================================================================

func (s *Server) handleEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent")
	ep, err := s.gov.EffectivePolicy(agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ep)
}

type syncRequest struct {
	DryRun bool   `json:"dry_run"`
	Scope  string `json:"scope"`
}

func (s *Server) handleSyncPolicies(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !s.decode(w, r, &req) {
		return
	}
	report, err := s.gov.SyncPolicies(r.Context(), policy.SyncOptions{DryRun: req.DryRun, Scope: req.Scope})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}
