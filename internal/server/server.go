package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tessera/internal/errors"
	"tessera/internal/manifest"
	"tessera/internal/pipeline"
	"tessera/internal/stages"
	"tessera/internal/storage"
	"tessera/internal/watcher"
)

// maxManifestBytes caps inline manifests posted to /stitch.
const maxManifestBytes = 8 << 20

// Runner is the part of the pipeline the server drives.
type Runner interface {
	Submit(job pipeline.Job) (string, error)
	Run(ctx context.Context, job pipeline.Job) pipeline.Result
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the stitch pipeline over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Runner
	registry *stages.Registry
	watcher  *watcher.Watcher
	hub      *hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server. watchDir, when not empty, is watched for new
// manifests which are queued as stitch jobs.
func NewServer(addr string, store *storage.Store, pipe Runner, watchDir string, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		registry: stages.DefaultRegistry(),
		hub:      newHub(log),
		log:      log,
	}

	if watchDir != "" {
		w, err := watcher.New(watchDir, pipe, log)
		if err != nil {
			return nil, err
		}
		s.watcher = w
		log.Info("manifest watcher initialized", "dir", watchDir)
	}

	return s, nil
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.log.Error("failed to start manifest watcher", "error", err)
			return err
		}
	}

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the route table. Result forwarding to websocket clients
// runs until ctx is done.
func (s *Server) Handler(ctx context.Context) http.Handler {
	go s.hub.run(ctx)
	go s.forwardResults(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/strategies", s.handleStrategies).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/stitch", s.handleStitch).Methods("POST")
	r.HandleFunc("/stream", s.handleRunStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Serve is a shorthand for NewServer followed by Start.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe Runner, watchDir string, log *slog.Logger) error {
	server, err := NewServer(addr, store, pipe, watchDir, log)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

// runEvent is the wire form of a pipeline result.
type runEvent struct {
	ID     string           `json:"id"`
	Type   pipeline.JobType `json:"type"`
	Status string           `json:"status"`
	Error  string           `json:"error,omitempty"`
	Meta   map[string]any   `json:"meta,omitempty"`
	Report any              `json:"report,omitempty"`
}

func newRunEvent(res pipeline.Result) runEvent {
	ev := runEvent{ID: res.Job.ID, Type: res.Job.Type, Status: storage.StatusCompleted, Meta: res.Meta}
	if res.Error != nil {
		ev.Status = storage.StatusFailed
		ev.Error = res.Error.Error()
	}
	if res.Report != nil {
		ev.Report = res.Report
	}
	return ev
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps a run error to an HTTP status: caller mistakes are 4xx,
// everything else is a server failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidInput), errors.Is(err, errors.ErrUnknownStrategy), errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest
	case errors.IsUserFacing(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	out := make(map[string][]string, len(stages.Roles))
	for _, role := range stages.Roles {
		out[string(role)] = s.registry.Names(role)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := struct {
		storage.RunRecord
		Report json.RawMessage `json:"report,omitempty"`
	}{RunRecord: rec}
	report, err := s.store.RunReport(id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if string(report) != "null" {
		resp.Report = report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	dec := json.NewDecoder(io.LimitReader(r.Body, maxManifestBytes))
	dec.UseNumber()
	if err := dec.Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if job.Manifest == "" {
		writeError(w, http.StatusBadRequest, errors.New("manifest is required"))
		return
	}
	if job.Type != "" && job.Type != pipeline.JobStitch && job.Type != pipeline.JobPairs {
		writeError(w, http.StatusBadRequest, errors.New("unknown job type: "+string(job.Type)))
		return
	}
	// Reports of remote jobs are read back from /runs/{id}.
	if job.Output != "" {
		writeError(w, http.StatusBadRequest, errors.New("output paths are not accepted over HTTP"))
		return
	}
	id, err := s.pipeline.Submit(job)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// handleStitch runs an inline manifest synchronously. ?type=pairs builds the
// pair table only; other query parameters are passed as job options.
func (s *Server) handleStitch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := manifest.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job := pipeline.Job{Type: pipeline.JobStitch, Inline: m, Options: map[string]any{}}
	for key, values := range r.URL.Query() {
		if key == "type" {
			job.Type = pipeline.JobType(values[0])
			continue
		}
		if f, err := strconv.ParseFloat(values[0], 64); err == nil {
			job.Options[key] = f
		} else {
			job.Options[key] = values[0]
		}
	}

	res := s.pipeline.Run(r.Context(), job)
	if res.Error != nil {
		writeJSON(w, statusFor(res.Error), newRunEvent(res))
		return
	}
	writeJSON(w, http.StatusOK, newRunEvent(res))
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newRunEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newRunEvent(res))
			if err != nil {
				s.log.Warn("failed to encode run event", "id", res.Job.ID, "error", err)
				continue
			}
			s.hub.send(ctx, payload)
		}
	}
}
