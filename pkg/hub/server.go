package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/jobstore"
	"github.com/pulsedeck/realtime/pkg/wire"
)

// Mount registers the hub routes on a mux: the websocket attach point, the
// metrics ingest endpoint, and the job history API.
func (h *Hub) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/api/metrics", h.handleMetrics)
	mux.HandleFunc("/api/jobs", h.handleJobs)
	mux.HandleFunc("/api/jobs/", h.handleJobByID)
}

func (h *Hub) handleMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload wire.AnalyticsBatchPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid metric batch: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.IngestMetrics(payload.Updates); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Hub) handleJobs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := jobstore.Query{
		ContentID: req.URL.Query().Get("content_id"),
		Status:    wire.JobStatus(req.URL.Query().Get("status")),
	}
	if v := req.URL.Query().Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil {
			q.Limit = limit
		}
	}
	jobs, err := h.opts.Store.List(req.Context(), q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, jobs)
}

func (h *Hub) handleJobByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := req.URL.Path[len("/api/jobs/"):]
	if jobID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}
	// running jobs live in the engine, finished ones in the store
	if job, ok := h.engine.Job(jobID); ok {
		writeJSON(w, job)
		return
	}
	job, ok, err := h.opts.Store.Get(req.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, job)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "hub").Msg("write json response")
	}
}

// BuildHTTPServer wires the hub routes into an http.Server with sane
// timeouts. WriteTimeout stays at zero so long-lived websocket upgrades are
// not cut off.
func BuildHTTPServer(addr string, h *Hub) *http.Server {
	mux := http.NewServeMux()
	h.Mount(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// RunServer serves until ctx is cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, srv *http.Server, h *Hub) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "http shutdown")
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http serve")
	}
}
