package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"pngoptimiser-go/internal/batch"
	"pngoptimiser-go/internal/compressor"
	"pngoptimiser-go/internal/config"
	"pngoptimiser-go/internal/probe"
	"pngoptimiser-go/internal/session"
	"pngoptimiser-go/internal/statistics"
	"pngoptimiser-go/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Deps are the collaborators a Server drives.
type Deps struct {
	Compressor compressor.Compressor
	Session    *session.Session
	Saver      storage.Saver
	Stats      *statistics.Statistics
	Inspector  *probe.Inspector
}

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	deps       Deps
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	batchMutex   sync.Mutex
	batchRunning bool
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// CompressRequest is the JSON body of POST /api/compress for files already
// on the server's disk.
type CompressRequest struct {
	Path     string `json:"path"`
	Strategy string `json:"strategy"`
	Quality  *int   `json:"quality,omitempty"`
}

type BatchRequest struct {
	Inputs          []string `json:"inputs"`
	Strategy        string   `json:"strategy"`
	Quality         *int     `json:"quality,omitempty"`
	TargetDirectory string   `json:"target_directory,omitempty"`
}

type StrategyInfo struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	UsesQuality bool   `json:"uses_quality"`
}

// ResultView is the JSON form of a CompressionResult.
type ResultView struct {
	Ticket          uint64  `json:"ticket,omitempty"`
	Outcome         string  `json:"outcome"`
	Reason          string  `json:"reason,omitempty"`
	Strategy        string  `json:"strategy"`
	Quality         int     `json:"quality"`
	InputPath       string  `json:"input_path"`
	OutputPath      string  `json:"output_path,omitempty"`
	OriginalSize    int64   `json:"original_size"`
	CompressedSize  int64   `json:"compressed_size"`
	PercentageSaved float64 `json:"percentage_saved"`
	Message         string  `json:"message"`
	DurationMS      int64   `json:"duration_ms"`
	Stale           bool    `json:"stale,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, deps Deps) *Server {
	if deps.Stats == nil {
		deps.Stats = statistics.NewStatistics()
	}
	if deps.Inspector == nil {
		deps.Inspector = probe.NewInspector(log)
	}
	s := &Server{
		cfg:       cfg,
		log:       log,
		deps:      deps,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/strategies", s.handleStrategies).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/result", s.handleResult).Methods("GET")
	api.HandleFunc("/result", s.handleDiscard).Methods("DELETE")
	api.HandleFunc("/result/file", s.handleResultFile).Methods("GET")
	api.HandleFunc("/save", s.handleSave).Methods("POST")
	api.HandleFunc("/batch", s.handleBatch).Methods("POST")
	api.HandleFunc("/inspect", s.handleInspect).Methods("GET")
	api.HandleFunc("/statistics", s.handleGetStatistics).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.batchMutex.Lock()
	batchRunning := s.batchRunning
	s.batchMutex.Unlock()

	data := map[string]interface{}{
		"running":       s.deps.Session.Running(),
		"batch_running": batchRunning,
		"generation":    s.deps.Session.Generation(),
		"statistics":    s.deps.Stats.Snapshot(),
	}
	if res, ticket, ok := s.deps.Session.Current(); ok {
		data["current"] = newResultView(res, ticket, false)
	}
	s.writeJSON(w, APIResponse{Success: true, Data: data})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	var list []StrategyInfo
	for _, st := range compressor.AllStrategies() {
		list = append(list, StrategyInfo{ID: st.String(), Label: st.Label(), UsesQuality: st.UsesQuality()})
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"strategies":       list,
			"default_strategy": s.cfg.Compression.Strategy,
			"default_quality":  s.cfg.Compression.Quality,
		},
	})
}

// handleCompress accepts either a multipart upload (field "image") or a JSON
// body naming a file on disk. With ?wait=true the response carries the
// result; otherwise it returns the ticket and the result arrives over /ws.
func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var (
		req  compressor.CompressionRequest
		opts session.SubmitOptions
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, err = s.uploadRequest(w, r)
		opts.OwnsSource = true
	} else {
		req, err = s.pathRequest(r)
	}
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ticket, updates, err := s.deps.Session.Submit(context.Background(), req, opts)
	if err != nil {
		if opts.OwnsSource {
			_ = os.Remove(req.SourcePath)
		}
		s.writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.broadcastWSMessage("compression_started", map[string]interface{}{
		"ticket":   ticket,
		"strategy": req.Strategy.String(),
		"quality":  req.Quality,
	})

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		u := <-updates
		s.announce(u)
		view := newResultView(u.Result, u.Ticket, u.Stale)
		s.writeJSON(w, APIResponse{Success: u.Result.IsSuccess() && !u.Stale, Message: u.Result.UserMessage(), Data: view})
		return
	}

	go func() {
		s.announce(<-updates)
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(APIResponse{
		Success: true,
		Message: "Compression started",
		Data:    map[string]interface{}{"ticket": ticket},
	})
}

func (s *Server) uploadRequest(w http.ResponseWriter, r *http.Request) (compressor.CompressionRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return compressor.CompressionRequest{}, fmt.Errorf("invalid upload: %w", err)
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		return compressor.CompressionRequest{}, fmt.Errorf("image file is required")
	}
	defer file.Close()

	strategy, quality, err := s.resolve(r.FormValue("strategy"), r.FormValue("quality"))
	if err != nil {
		return compressor.CompressionRequest{}, err
	}

	// The upload keeps its original base name so derived files are named after it.
	dir := filepath.Join(s.cfg.ScratchDirectory, "uploads", uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return compressor.CompressionRequest{}, err
	}
	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	dst := filepath.Join(dir, name)
	out, err := os.Create(dst)
	if err != nil {
		return compressor.CompressionRequest{}, err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.RemoveAll(dir)
		return compressor.CompressionRequest{}, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.RemoveAll(dir)
		return compressor.CompressionRequest{}, err
	}

	return compressor.CompressionRequest{SourcePath: dst, Strategy: strategy, Quality: quality}, nil
}

func (s *Server) pathRequest(r *http.Request) (compressor.CompressionRequest, error) {
	var body CompressRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return compressor.CompressionRequest{}, fmt.Errorf("invalid request body")
	}
	if body.Path == "" {
		return compressor.CompressionRequest{}, fmt.Errorf("path is required")
	}
	q := ""
	if body.Quality != nil {
		q = strconv.Itoa(*body.Quality)
	}
	strategy, quality, err := s.resolve(body.Strategy, q)
	if err != nil {
		return compressor.CompressionRequest{}, err
	}
	return compressor.CompressionRequest{SourcePath: filepath.Clean(body.Path), Strategy: strategy, Quality: quality}, nil
}

// resolve applies configured defaults to an optional strategy and quality.
func (s *Server) resolve(strategyName, qualityStr string) (compressor.Strategy, int, error) {
	if strategyName == "" {
		strategyName = s.cfg.Compression.Strategy
	}
	strategy, err := compressor.ParseStrategy(strategyName)
	if err != nil {
		return 0, 0, err
	}
	quality := s.cfg.Compression.Quality
	if qualityStr != "" {
		quality, err = strconv.Atoi(qualityStr)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid quality: %s", qualityStr)
		}
	}
	return strategy, quality, nil
}

// announce broadcasts the outcome of a session update.
func (s *Server) announce(u session.Update) {
	view := newResultView(u.Result, u.Ticket, u.Stale)
	switch {
	case u.Stale:
		s.broadcastWSMessage("compression_superseded", view)
	case u.Result.IsSuccess():
		s.broadcastWSMessage("compression_completed", view)
	case u.Result.IsRejected():
		s.broadcastWSMessage("compression_rejected", map[string]interface{}{
			"result":  view,
			"message": u.Result.UserMessage(),
		})
	default:
		s.broadcastWSMessage("compression_failed", map[string]interface{}{
			"result":  view,
			"message": u.Result.UserMessage(),
		})
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, ticket, ok := s.deps.Session.Current()
	if !ok {
		s.writeError(w, "No compressed result", http.StatusNotFound)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: newResultView(res, ticket, false)})
}

func (s *Server) handleResultFile(w http.ResponseWriter, r *http.Request) {
	res, _, ok := s.deps.Session.Current()
	if !ok {
		s.writeError(w, "No compressed result", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(res.OutputPath)))
	http.ServeFile(w, r, res.OutputPath)
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Discard()
	s.writeJSON(w, APIResponse{Success: true, Message: "Result discarded"})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if s.deps.Saver == nil {
		s.writeError(w, "No storage backend configured", http.StatusServiceUnavailable)
		return
	}
	saved, err := s.deps.Session.Save(r.Context(), s.deps.Saver)
	if err != nil {
		if errors.Is(err, session.ErrNothingToSave) {
			s.writeError(w, "Nothing to save", http.StatusNotFound)
			return
		}
		s.writeError(w, fmt.Sprintf("Failed to save: %v", err), http.StatusInternalServerError)
		return
	}

	s.broadcastWSMessage("result_saved", saved)
	s.writeJSON(w, APIResponse{Success: true, Message: "Saved to " + saved.Location, Data: saved})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Inputs) == 0 {
		s.writeError(w, "At least one input is required", http.StatusBadRequest)
		return
	}
	q := ""
	if req.Quality != nil {
		q = strconv.Itoa(*req.Quality)
	}
	strategy, quality, err := s.resolve(req.Strategy, q)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.batchMutex.Lock()
	if s.batchRunning {
		s.batchMutex.Unlock()
		s.writeError(w, "Batch already in progress", http.StatusConflict)
		return
	}
	s.batchRunning = true
	s.batchMutex.Unlock()

	go s.runBatchAsync(batch.Params{
		Inputs:     req.Inputs,
		Strategy:   strategy,
		Quality:    quality,
		TargetDir:  req.TargetDirectory,
		Extensions: s.cfg.SupportedExtensions,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Message: "Batch started"})
}

func (s *Server) runBatchAsync(p batch.Params) {
	defer func() {
		s.batchMutex.Lock()
		s.batchRunning = false
		s.batchMutex.Unlock()
	}()

	s.broadcastWSMessage("batch_started", map[string]interface{}{
		"inputs":   p.Inputs,
		"strategy": p.Strategy.String(),
		"quality":  p.Quality,
	})

	stats := statistics.NewStatistics()
	runner := batch.NewRunner(s.deps.Compressor, s.log, stats,
		s.cfg.Performance.WorkerThreads, s.cfg.Performance.BatchSize)
	runner.OnProgress(func(done, total int, res compressor.CompressionResult) {
		s.deps.Stats.RecordResult(res)
		s.broadcastWSMessage("batch_progress", map[string]interface{}{
			"done":   done,
			"total":  total,
			"result": newResultView(res, 0, false),
		})
	})

	if _, err := runner.Run(context.Background(), p); err != nil {
		s.broadcastWSMessage("batch_error", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	s.broadcastWSMessage("batch_completed", map[string]interface{}{
		"statistics": stats.Snapshot(),
		"summary":    stats.GetSummary(),
	})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, "path is required", http.StatusBadRequest)
		return
	}
	info, err := s.deps.Inspector.Inspect(filepath.Clean(path))
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: info})
}

func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"summary":  s.deps.Stats.GetSummary(),
			"counters": s.deps.Stats.Snapshot(),
		},
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// broadcastWSMessage writes under the exclusive lock; gorilla connections
// allow only one concurrent writer.
func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	msgBytes, err := json.Marshal(WSMessage{Type: messageType, Data: data})
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}

func newResultView(res compressor.CompressionResult, ticket uint64, stale bool) ResultView {
	return ResultView{
		Ticket:          ticket,
		Outcome:         res.Outcome.String(),
		Reason:          string(res.Reason),
		Strategy:        res.Strategy.String(),
		Quality:         res.Quality,
		InputPath:       res.InputPath,
		OutputPath:      res.OutputPath,
		OriginalSize:    res.OriginalSize,
		CompressedSize:  res.CompressedSize,
		PercentageSaved: res.PercentageSaved,
		Message:         res.Message,
		DurationMS:      res.Duration().Milliseconds(),
		Stale:           stale,
	}
}
