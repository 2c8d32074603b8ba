package status

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"taskwarden/internal/storage"
	"taskwarden/internal/task/engine"
)

const defaultRunsLimit = 50

// envelope is the JSON shape of every API response.
type envelope struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, envelope{Status: "ok", RequestID: reqID, Data: data})
}

func respondError(w http.ResponseWriter, reqID string, status int, code, msg string) {
	respondJSON(w, status, envelope{Status: "error", RequestID: reqID, Error: &apiError{Code: code, Message: msg}})
}

func respondJSON(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

type healthResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	GoVersion   string    `json:"go_version"`
	Uptime      string    `json:"uptime"`
	Engine      string    `json:"engine"`
	Workers     int       `json:"workers"`
	BusyWorkers int       `json:"busy_workers"`
	Entries     int       `json:"entries"`
	Pending     int       `json:"pending"`
	NextDue     time.Time `json:"next_due,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snap := s.eng.Snapshot()

	resp := healthResponse{
		Status:      "healthy",
		Version:     s.version,
		GoVersion:   runtime.Version(),
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Engine:      "running",
		Workers:     snap.Workers,
		BusyWorkers: snap.BusyWorkers,
		Entries:     snap.Entries,
		Pending:     snap.Pending,
		NextDue:     snap.ArmedAt,
	}
	if !snap.Started {
		resp.Status = "unavailable"
		resp.Engine = "stopped"
		respondJSON(w, http.StatusServiceUnavailable, envelope{Status: "error", RequestID: reqID, Data: resp})
		return
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	tasks := s.eng.Tasks()
	if tasks == nil {
		tasks = []engine.TaskInfo{}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	respondOK(w, reqID, tasks)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.runs == nil {
		respondError(w, reqID, http.StatusNotFound, "journal_disabled", "run journal is not configured")
		return
	}

	limit := defaultRunsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, reqID, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			respondError(w, reqID, http.StatusNotFound, "journal_disabled", "run journal is not configured")
			return
		}
		respondError(w, reqID, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	respondOK(w, reqID, runs)
}
