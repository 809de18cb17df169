package server

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stageci/internal/core"
	"stageci/internal/storage"
)

const maxPipelineSize = 1 << 20

type runStatus struct {
	ID      string       `json:"id"`
	Status  core.Outcome `json:"status"`
	Outcome core.Outcome `json:"outcome,omitempty"`
	Result  *core.Result `json:"result,omitempty"`
}

// POST /pipelines -> submit a pipeline definition (YAML body)
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPipelineSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body: "+err.Error())
		return
	}
	pipeline, err := core.ParsePipeline(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pipeline: "+err.Error())
		return
	}

	id := uuid.NewString()
	if runs := s.orch.Runs(); runs != nil {
		if err := runs.Enqueue(r.Context(), id, pipeline.Name); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.setStatus(id, core.OutcomePending)

	select {
	case s.queue <- job{id: id, pipeline: pipeline}:
	default:
		s.setStatus(id, core.OutcomeSkipped)
		if runs := s.orch.Runs(); runs != nil {
			_ = runs.Finish(r.Context(), &core.Result{RunID: id, Pipeline: pipeline.Name, Outcome: core.OutcomeSkipped, Error: "run queue is full"})
		}
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, runStatus{ID: id, Status: core.OutcomePending})
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if runs := s.orch.Runs(); runs != nil {
		list, err := runs.List(r.Context(), storage.ListOptions{Limit: 100})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	s.mu.Lock()
	out := make([]runStatus, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		id := s.order[i]
		out = append(out, runStatus{ID: id, Status: s.status[id]})
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if runs := s.orch.Runs(); runs != nil {
		rec, err := runs.Get(r.Context(), id)
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	s.mu.Lock()
	status, ok := s.status[id]
	res := s.results[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	out := runStatus{ID: id, Status: status, Result: res}
	if res != nil {
		out.Outcome = res.Outcome
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /runs/{id}/logs/{stage}/{step}
func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	content, err := s.orch.Logs().ReadStepLog(chi.URLParam(r, "id"), chi.URLParam(r, "stage"), chi.URLParam(r, "step"))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, content)
}

// GET /ledger/verify -> verify the chain and the recorded files
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	l := s.orch.Ledger()
	entries := len(l.Entries())
	if err := errors.Join(l.VerifyChain(), l.VerifyFiles()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{"ok": false, "entries": entries, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
