package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/logger"
	"github.com/viperbmw/netstacks-sub000/storage"
	"github.com/viperbmw/netstacks-sub000/workflow"
)

// RunRequest starts a run of either an inline workflow document or a
// workflow registered under Name.
type RunRequest struct {
	Workflow any            `json:"workflow,omitempty"`
	Name     string         `json:"name,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

// HandleRun executes the requested workflow synchronously and returns the
// run result. A failed run is still a 200: the outcome is in the body.
func (s *Server) HandleRun(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Workflow != nil {
		wf, err := workflow.Load(req.Workflow)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, s.runner.Run(r.Context(), wf, req.Context))
		return
	}

	if req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "either workflow or name is required")
		return
	}
	res, err := s.runner.RunStored(r.Context(), req.Name, req.Context)
	if err != nil {
		if errors.Is(err, workflow.ErrWorkflowNotRegistered) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error running workflow", zap.String("name", req.Name), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error running workflow")
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	res, err := s.runner.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("error loading run", zap.Uint64("run_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error loading run")
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
