package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/worker"
)

type healthResponse struct {
	Status  string   `json:"status"`
	Kinds   []string `json:"kinds"`
	Clients int      `json:"clients"`
}

type enqueueResponse struct {
	ID string `json:"id"`
}

type cancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Kinds: s.queue.Kinds()}
	if s.hub != nil {
		resp.Clients = s.hub.Clients()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req worker.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		badRequest(w, "invalid request body: "+err.Error())
		return
	}
	id, err := s.queue.Enqueue(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{ID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := storage.JobFilter{
		Kind:   r.URL.Query().Get("kind"),
		Status: model.JobStatus(r.URL.Query().Get("status")),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		badRequest(w, "unknown status "+string(filter.Status))
		return
	}
	jobs, err := s.queue.ListJobs(r.Context(), filter)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.queue.ListJobRuns(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeRuns(w, runs)
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.queue.GetLatestRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.queue.CancelJob(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{ID: id, Cancelled: cancelled})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Retry(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	job, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.queue.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// listRuns only supports state=failed, the dead letter view of runs.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if state := r.URL.Query().Get("state"); state != string(model.RunFailed) {
		badRequest(w, "state must be failed")
		return
	}
	runs, err := s.queue.ListFailedRuns(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeRuns(w, runs)
}

func writeRuns(w http.ResponseWriter, runs []*model.Run) {
	if runs == nil {
		runs = []*model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}
