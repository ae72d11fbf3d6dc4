package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raysh454/vigil/internal/app"
	"github.com/raysh454/vigil/internal/evidence"
	"github.com/raysh454/vigil/internal/logging"
	"github.com/raysh454/vigil/internal/model"
	"github.com/raysh454/vigil/internal/queue"
	"github.com/raysh454/vigil/internal/registry"
)

// Server is the polling HTTP API surface for Vigil. It only enqueues
// work; scans run in the worker pool.
type Server struct {
	app      *app.Application
	cfg      app.ServerConfig
	router   chi.Router
	logger   logging.Logger
}

// NewServer builds the API over an already wired application.
func NewServer(a *app.Application) (*Server, error) {
	if a == nil || a.Registry == nil || a.Evidence == nil || a.Queue == nil || a.Orch == nil {
		return nil, errors.New("server: application is not fully wired")
	}

	logger := a.Logger
	if logger == nil {
		logger = logging.NewStdoutLogger("Server")
	}

	r := chi.NewRouter()
	s := &Server{
		app:    a,
		cfg:    a.Config.Server,
		router: r,
		logger: logger.With(logging.Field{Key: "component", Value: "server"}),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.Use(s.corsMiddleware)

	// CORS preflight
	r.Options("/scans", s.optionsHandler("GET, POST"))
	r.Options("/scans/{scanID}", s.optionsHandler("GET"))
	r.Options("/scans/{scanID}/run", s.optionsHandler("DELETE"))
	r.Options("/scans/{scanID}/*", s.optionsHandler("GET"))
	r.Options("/jobs/{jobID}", s.optionsHandler("GET"))

	// Scans
	r.Post("/scans", s.handleCreateScan)
	r.Get("/scans", s.handleListScans)
	r.Get("/scans/{scanID}", s.handleGetScan)
	r.Delete("/scans/{scanID}/run", s.handleCancelScan)

	// Evidence and results
	r.Get("/scans/{scanID}/artifacts", s.handleListArtifacts)
	r.Get("/scans/{scanID}/findings", s.handleListFindings)
	r.Get("/scans/{scanID}/risk", s.handleGetRisk)
	r.Get("/scans/{scanID}/components", s.handleListComponents)

	// Queue
	r.Get("/jobs/{jobID}", s.handleGetJob)
	r.Get("/tasks", s.handleListTasks)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.app.Metrics.Handler())
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.AllowOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) optionsHandler(methods string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", methods)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fields := []logging.Field{
		{Key: "method", Value: r.Method},
		{Key: "path", Value: r.URL.Path},
	}

	if q := r.URL.Query(); len(q) > 0 {
		fields = append(fields, logging.Field{Key: "query", Value: q})
	}

	if r.Body != nil && r.Method == http.MethodPost {
		if bodyBytes, err := io.ReadAll(r.Body); err == nil {
			fields = append(fields, logging.Field{Key: "body", Value: string(bodyBytes)})
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}
	}

	s.logger.Info("http_request", fields...)

	s.router.ServeHTTP(w, r)
}

// HTTPServer creates an *http.Server ready to ListenAndServe.
func (s *Server) HTTPServer() *http.Server {
	readTimeout := s.cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	return &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s,
		ReadTimeout:  readTimeout,
		WriteTimeout: 0, // allow streaming
	}
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func queryLimit(r *http.Request) (int, error) {
	ls := r.URL.Query().Get("limit")
	if ls == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(ls)
	if err != nil || v < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return v, nil
}

// --- HTTP handlers ---

// Scans

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request) {
	var body CreateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	known := s.app.Orch.TaskNames()
	for _, name := range body.Tasks {
		if !slices.Contains(known, name) {
			writeError(w, http.StatusBadRequest, "unknown task: "+name)
			return
		}
	}

	job := model.Job{
		ScanID:           body.ScanID,
		OrganizationName: body.OrganizationName,
		Domain:           body.Domain,
		Profile:          body.Profile,
	}
	if len(body.Tasks) > 0 {
		job.Options = map[string]string{app.OptionTasks: strings.Join(body.Tasks, ",")}
	}
	jobID, scan, err := s.app.Submit(r.Context(), job)
	switch {
	case errors.Is(err, registry.ErrInvalidDomain):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, app.ErrScanBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Warn("submitting scan", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("enqueued scan",
		logging.Field{Key: "scan_id", Value: scan.ID},
		logging.Field{Key: "job_id", Value: jobID})
	writeJSON(w, http.StatusAccepted, CreateScanResponse{JobID: jobID, ScanID: scan.ID, Status: scan.Status})
}

var scanStatuses = []model.ScanStatus{
	model.ScanQueued, model.ScanProcessing, model.ScanModuleFailed,
	model.ScanGeneratingReport, model.ScanDone, model.ScanFailed,
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	status := model.ScanStatus(r.URL.Query().Get("status"))
	if status != "" && !slices.Contains(scanStatuses, status) {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	scans, err := s.app.Registry.List(r.Context(), status, limit)
	if err != nil {
		s.logger.Warn("listing scans", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(scans))
}

// loadScan writes the error response itself and returns nil when the scan
// cannot be served.
func (s *Server) loadScan(w http.ResponseWriter, r *http.Request) *model.Scan {
	id := chi.URLParam(r, "scanID")
	scan, err := s.app.Registry.Get(r.Context(), id)
	if errors.Is(err, registry.ErrScanNotFound) {
		writeError(w, http.StatusNotFound, "scan not found")
		return nil
	}
	if err != nil {
		s.logger.Warn("getting scan", logging.Field{Key: "scan_id", Value: id}, logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return scan
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	if scan := s.loadScan(w, r); scan != nil {
		writeJSON(w, http.StatusOK, scan)
	}
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scanID")
	if !s.app.Orch.CancelScan(id) {
		writeError(w, http.StatusNotFound, "scan is not running in this process")
		return
	}
	s.logger.Info("canceled scan", logging.Field{Key: "scan_id", Value: id})
	writeJSON(w, http.StatusAccepted, CancelResponse{ScanID: id, Canceled: true})
}

// Evidence

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	scan := s.loadScan(w, r)
	if scan == nil {
		return
	}
	q := r.URL.Query()
	filter := evidence.ArtifactFilter{Type: q.Get("type"), Task: q.Get("task")}
	if ms := q.Get("min_severity"); ms != "" {
		filter.MinSeverity = model.ParseSeverity(ms)
		if filter.MinSeverity == "" {
			writeError(w, http.StatusBadRequest, "unknown severity: "+ms)
			return
		}
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	arts, err := s.app.Evidence.ListArtifacts(r.Context(), scan.ID, scan.Run, filter)
	if err != nil {
		s.logger.Warn("listing artifacts", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(arts))
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	scan := s.loadScan(w, r)
	if scan == nil {
		return
	}
	fs, err := s.app.Evidence.ListFindings(r.Context(), scan.ID, scan.Run)
	if err != nil {
		s.logger.Warn("listing findings", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(fs))
}

// handleGetRisk serves the assessment of the scan's latest run, and only
// once that run is done.
func (s *Server) handleGetRisk(w http.ResponseWriter, r *http.Request) {
	scan := s.loadScan(w, r)
	if scan == nil {
		return
	}
	if scan.Status != model.ScanDone {
		writeError(w, http.StatusConflict, "scan is "+string(scan.Status)+", risk is available once it is done")
		return
	}
	calc, err := s.app.Evidence.GetRiskAssessment(r.Context(), scan.ID, scan.Run)
	if errors.Is(err, evidence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no risk assessment for scan")
		return
	}
	if err != nil {
		s.logger.Warn("getting risk assessment", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, calc)
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	scan := s.loadScan(w, r)
	if scan == nil {
		return
	}
	reps, err := s.app.Evidence.ListComponentReports(r.Context(), scan.ID, scan.Run)
	if err != nil {
		s.logger.Warn("listing component reports", logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nonNil(reps))
}

// Queue

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	entry, err := s.app.Queue.Get(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Warn("getting job", logging.Field{Key: "job_id", Value: jobID}, logging.Field{Key: "error", Value: err.Error()})
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: s.app.Orch.TaskNames()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DB.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
