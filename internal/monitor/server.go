// Package monitor serves the HTTP job-control API and live charts of
// running sweeps.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/sweeper/internal/db"
	"github.com/banshee-data/sweeper/internal/httputil"
	"github.com/banshee-data/sweeper/internal/monitoring"
	"github.com/banshee-data/sweeper/internal/sweep"
	"github.com/banshee-data/sweeper/internal/version"
)

// Controller is the job-control surface the API drives. Unknown ids give
// errors wrapping sweep.ErrNotFound.
type Controller interface {
	Create(def sweep.Definition) (sweep.Info, error)
	Start(id string) error
	Pause(id string) error
	Resume(id string) error
	Kill(id string) error
	ClearError(id string) error
	Status(id string) (sweep.Info, error)
	List() []sweep.Info
	Export(id string) (sweep.Definition, error)

	Enqueue(id string) (sweep.EntryInfo, error)
	EnqueueContext(database, experiment, sample string) sweep.EntryInfo
	QueueStart() error
	QueuePause() error
	QueueResume() error
	QueueKill() error
	QueueStatus() sweep.QueueInfo
}

// DatasetSource answers queries about stored datasets.
type DatasetSource interface {
	ListDatasets(ctx context.Context, limit int) ([]db.DatasetSummary, error)
	GetDataset(ctx context.Context, id string) (*db.DatasetSummary, error)
	DatasetRows(ctx context.Context, id string) ([]db.Row, error)
}

// Config holds the collaborators of a Server. Datasets and Metrics are
// optional.
type Config struct {
	Address    string
	Controller Controller
	Plots      *LivePlot
	Datasets   DatasetSource
	Metrics    http.Handler
}

// Server is the monitor HTTP server.
type Server struct {
	address    string
	controller Controller
	plots      *LivePlot
	datasets   DatasetSource
	metrics    http.Handler
	server     *http.Server
	mux        *http.ServeMux
}

// NewServer builds the routes. Extra handlers, such as the /debug/ routes,
// can be added to Mux before Start.
func NewServer(cfg Config) *Server {
	s := &Server{
		address:    cfg.Address,
		controller: cfg.Controller,
		plots:      cfg.Plots,
		datasets:   cfg.Datasets,
		metrics:    cfg.Metrics,
	}
	if s.plots == nil {
		s.plots = NewLivePlot(0)
	}
	s.mux = s.setupRoutes()
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Mux returns the route multiplexer.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[monitor] listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	monitoring.Logf("[monitor] shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[monitor] HTTP server shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			monitoring.Logf("[monitor] HTTP server force close error: %v", err)
		}
	}
	return nil
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sweeps", s.handleSweeps)
	mux.HandleFunc("/api/sweeps/{id}", s.handleSweep)
	mux.HandleFunc("/api/sweeps/{id}/export", s.handleExport)
	mux.HandleFunc("/api/sweeps/{id}/summary", s.handleSummary)
	mux.HandleFunc("/api/sweeps/{id}/samples", s.handleSamples)
	mux.HandleFunc("/api/sweeps/{id}/{action}", s.handleSweepAction)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/{action}", s.handleQueueAction)
	mux.HandleFunc("/api/datasets", s.handleDatasets)
	mux.HandleFunc("/api/datasets/{id}", s.handleDataset)
	mux.HandleFunc("/api/datasets/{id}/rows", s.handleDatasetRows)
	mux.HandleFunc("/charts/{id}", s.handleChart)
	mux.HandleFunc("/plots/{file}", s.handlePlot)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// writeError maps controller errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusConflict
	switch {
	case errors.Is(err, sweep.ErrNotFound), errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sweep.ErrValidation):
		status = http.StatusBadRequest
	}
	httputil.WriteJSONError(w, status, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

// createRequest is the body of POST /api/sweeps.
type createRequest struct {
	sweep.Definition
	Start bool `json:"start"`
}

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.controller.List())
	case http.MethodPost:
		var req createRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid request: "+err.Error())
			return
		}
		info, err := s.controller.Create(req.Definition)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.Start {
			if err := s.controller.Start(info.ID); err != nil {
				writeError(w, err)
				return
			}
			if info, err = s.controller.Status(info.ID); err != nil {
				writeError(w, err)
				return
			}
		}
		httputil.WriteJSON(w, http.StatusCreated, info)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	info, err := s.controller.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	def, err := s.controller.Export(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, def)
}

func (s *Server) handleSweepAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = s.controller.Start(id)
	case "pause":
		err = s.controller.Pause(id)
	case "resume":
		err = s.controller.Resume(id)
	case "kill":
		err = s.controller.Kill(id)
	case "clear":
		err = s.controller.ClearError(id)
	case "enqueue":
		var entry sweep.EntryInfo
		if entry, err = s.controller.Enqueue(id); err == nil {
			httputil.WriteJSONOK(w, entry)
			return
		}
	default:
		httputil.NotFound(w, "unknown action "+strconv.Quote(action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.controller.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, info)
}

// queueRequest is the body of POST /api/queue. Exactly one of SweepID and
// Database/Experiment/Sample is used.
type queueRequest struct {
	SweepID    string `json:"sweep_id"`
	Database   string `json:"database"`
	Experiment string `json:"experiment"`
	Sample     string `json:"sample"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.controller.QueueStatus())
	case http.MethodPost:
		var req queueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid request: "+err.Error())
			return
		}
		if req.SweepID != "" {
			entry, err := s.controller.Enqueue(req.SweepID)
			if err != nil {
				writeError(w, err)
				return
			}
			httputil.WriteJSON(w, http.StatusCreated, entry)
			return
		}
		if req.Database == "" && req.Experiment == "" && req.Sample == "" {
			httputil.BadRequest(w, "sweep_id or a database context is required")
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, s.controller.EnqueueContext(req.Database, req.Experiment, req.Sample))
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = s.controller.QueueStart()
	case "pause":
		err = s.controller.QueuePause()
	case "resume":
		err = s.controller.QueueResume()
	case "kill":
		err = s.controller.QueueKill()
	default:
		httputil.NotFound(w, "unknown action "+strconv.Quote(action))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.controller.QueueStatus())
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.datasets == nil {
		httputil.ServiceUnavailable(w, "no dataset store configured")
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = v
	}
	list, err := s.datasets.ListDatasets(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, list)
}

func (s *Server) handleDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.datasets == nil {
		httputil.ServiceUnavailable(w, "no dataset store configured")
		return
	}
	ds, err := s.datasets.GetDataset(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, ds)
}

func (s *Server) handleDatasetRows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.datasets == nil {
		httputil.ServiceUnavailable(w, "no dataset store configured")
		return
	}
	rows, err := s.datasets.DatasetRows(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, rows)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	if _, err := s.controller.Status(id); err != nil {
		writeError(w, err)
		return
	}
	samples := s.plots.Samples(id)
	if samples == nil {
		samples = []sweep.Sample{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"total":   s.plots.Total(id),
		"samples": samples,
	})
}
