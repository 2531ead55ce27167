package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"megafield/internal/acquisition"
	"megafield/internal/config"
	"megafield/internal/hardware"
	"megafield/internal/pipeline"
	"megafield/internal/regions"
	"megafield/internal/storage"

	"github.com/gorilla/mux"
)

// Backend is the instrument the server acquires with.
type Backend struct {
	Megafield acquisition.Instrument
	Overview  acquisition.OverviewStream
	Stage     hardware.Stage
	Options   acquisition.Options
}

// SimBackend serves the simulated instrument.
func SimBackend(sim *hardware.SimInstrument, cfg *config.Config) Backend {
	hw, stream := acquisition.SimulatedInstrument(sim)
	return Backend{Megafield: hw, Overview: stream, Stage: sim.Stage, Options: acquisition.OptionsFromConfig(cfg)}
}

// Server exposes acquisitions over HTTP, with server-sent events and a
// websocket for progress.
type Server struct {
	addr    string
	store   *storage.Store
	acq     *acquisition.Acquirer
	backend Backend
	cfg     *config.Config
	log     *slog.Logger
	hub     *Hub
	server  *http.Server
}

// NewServer creates a server. It does not listen until Start.
func NewServer(addr string, store *storage.Store, acq *acquisition.Acquirer, backend Backend, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		store:   store,
		acq:     acq,
		backend: backend,
		cfg:     cfg,
		log:     log,
		hub:     newHub(log),
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.broadcastProgress(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/estimate", s.handleEstimate).Methods("POST")
	r.HandleFunc("/acquisitions", s.handleAcquire).Methods("POST")
	r.HandleFunc("/acquisitions", s.handleList).Methods("GET")
	r.HandleFunc("/acquisitions/{id}", s.handleStatus).Methods("GET")
	r.HandleFunc("/acquisitions/{id}", s.handleCancel).Methods("DELETE")
	r.HandleFunc("/overviews", s.handleOverview).Methods("POST")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/tiles", s.handleRunTiles).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
	return r
}

type regionRequest struct {
	Name            string       `json:"name"`
	Points          [][2]float64 `json:"points"`
	Overlap         *float64     `json:"overlap,omitempty"`
	PreCalibrations []string     `json:"pre_calibrations,omitempty"`
	SubPath         string       `json:"sub_path,omitempty"`
	SaveFullCells   bool         `json:"save_full_cells,omitempty"`
}

type estimateResponse struct {
	Fields      int     `json:"fields"`
	EstimateSec float64 `json:"estimate_sec"`
}

type overviewRequest struct {
	Area [4]float64 `json:"area"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, acquisition.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) region(req regionRequest) (*acquisition.Region, error) {
	if req.Name == "" {
		req.Name = "megafield"
	}
	f := regions.File{Name: req.Name, Overlap: req.Overlap, Points: req.Points}
	return f.Build(acquisition.FieldGeometryOf(s.backend.Megafield.MultiBeam), s.cfg.Acquisition.Overlap)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	region, err := s.region(req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	est := s.acq.EstimateAcquisitionTime(region, s.backend.Megafield.Detector.FrameDuration(), req.PreCalibrations)
	writeJSON(w, http.StatusOK, estimateResponse{Fields: len(region.Indices()), EstimateSec: est.Seconds()})
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req regionRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	region, err := s.region(req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	opts := s.backend.Options
	opts.PreCalibrations = req.PreCalibrations
	opts.SubPath = req.SubPath
	opts.SaveFullCells = opts.SaveFullCells || req.SaveFullCells

	// The run outlives the request.
	run, err := s.acq.Acquire(context.WithoutCancel(r.Context()), region, s.backend.Megafield, opts)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, run.Status())
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	var req overviewRequest
	if err := decode(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := s.acq.AcquireTiledArea(context.WithoutCancel(r.Context()), s.backend.Overview, s.backend.Stage, req.Area)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, run.Status())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.acq.List())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	h, ok := s.acq.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown acquisition", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, h.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	h, ok := s.acq.Get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown acquisition", http.StatusNotFound)
		return
	}
	if !h.Cancel() {
		http.Error(w, "acquisition already finished", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Status())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRunTiles(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RunTiles(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type resultEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Region string         `json:"region,omitempty"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func eventOf(res pipeline.Result) resultEvent {
	ev := resultEvent{ID: res.Job.ID, Type: string(res.Job.Type), Region: res.Job.Region, Status: res.Status, Meta: res.Meta}
	if res.Error != nil {
		ev.Error = res.Error.Error()
	}
	return ev
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.acq.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(eventOf(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// broadcastProgress pushes the run list to websocket clients every second
// and every finished run right away.
func (s *Server) broadcastProgress(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	resCh, unsubscribe := s.acq.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast(progressMessage{Type: "progress", Runs: s.acq.List(), Time: time.Now()})
		case res, ok := <-resCh:
			if !ok {
				return
			}
			ev := eventOf(res)
			s.hub.Broadcast(progressMessage{Type: "result", Result: &ev, Time: time.Now()})
		}
	}
}

type progressMessage struct {
	Type   string               `json:"type"`
	Runs   []acquisition.Status `json:"runs,omitempty"`
	Result *resultEvent         `json:"result,omitempty"`
	Time   time.Time            `json:"time"`
}
