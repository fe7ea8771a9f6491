// Package admin exposes the pipeline to the UI layer over a loopback
// HTTP listener: manual batch shares, an on-demand sweep, and read-only
// queue/record state. It renders nothing; callers get JSON.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"autopost/internal/config"
	"autopost/internal/content"
	"autopost/internal/publisher"
	"autopost/internal/storage"
	logx "autopost/pkg/logx"
)

const defaultAddr = "127.0.0.1:8787"

// Pipeline is the slice of the publisher the admin surface drives.
type Pipeline interface {
	HandleNewContent(ctx context.Context, item *content.Item) error
	DeliverMany(ctx context.Context, ids []int64) publisher.BatchResult
	ProcessPending(ctx context.Context) ([]publisher.ItemResult, error)
	RefreshMetrics(ctx context.Context, contentID int64) error
	Configured() bool
}

// Status mirrors the verification state the settings page shows.
type Status struct {
	Configured bool   `json:"configured"`
	Verified   bool   `json:"verified"`
	AuthError  string `json:"auth_error,omitempty"`
}

// Server manages lifecycle for the admin HTTP listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string

	cfg      config.AdminConfig
	pipeline Pipeline
	store    storage.Store
	status   func() Status
}

func NewServer(pipeline Pipeline, store storage.Store, status func() Status, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log.With(logx.String("comp", "admin")), pipeline: pipeline, store: store, status: status}
}

// Addr reports the bound address ("" while stopped).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Apply starts/stops/rebinds the server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg config.AdminConfig) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		s.cfg = cfg
		return
	}
	if s.srv != nil && s.cfg == cfg {
		return
	}
	s.stopLocked(ctx)
	s.cfg = cfg
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg config.AdminConfig) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /content", s.handleContent)
	mux.HandleFunc("POST /share", s.handleShare)
	mux.HandleFunc("POST /sweep", s.handleSweep)
	mux.HandleFunc("POST /metrics/refresh", s.handleRefreshMetrics)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.HandleFunc("GET /records/{id}", s.handleRecord)
	mux.HandleFunc("GET /status", s.handleStatus)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.auth(cfg.Token, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("admin listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server stopped", logx.Err(err))
		}
	}()
	s.log.Info("admin server listening", logx.String("addr", s.addr))
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	shCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(shCtx)
	s.srv = nil
	s.ln = nil
	s.addr = ""
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

// auth enforces the configured bearer token. An empty token means the
// collaborator has already authorized the caller (loopback bind).
func (s *Server) auth(token string, next http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type contentRequest struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Permalink   string    `json:"permalink"`
	ImagePath   string    `json:"image_path,omitempty"`
	CategoryIDs []int64   `json:"category_ids,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// handleContent is the "content published" notification from the host.
// The snapshot is stored first so later sweeps can resolve the item even
// if the immediate enqueue path errors.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	var req contentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == 0 || strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Permalink) == "" {
		http.Error(w, "id, title and permalink are required", http.StatusBadRequest)
		return
	}
	if req.PublishedAt.IsZero() {
		req.PublishedAt = time.Now()
	}
	item := &content.Item{
		ID:          req.ID,
		Title:       req.Title,
		Permalink:   req.Permalink,
		ImagePath:   req.ImagePath,
		CategoryIDs: req.CategoryIDs,
		Categories:  req.Categories,
		Tags:        req.Tags,
		PublishedAt: req.PublishedAt,
	}
	if err := s.store.PutContent(r.Context(), item); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Ack once the snapshot is durable. The enqueue plus an immediate
	// auto-share can take up to the API client timeout, longer than the
	// caller should wait for a 202.
	w.WriteHeader(http.StatusAccepted)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	if err := s.pipeline.HandleNewContent(context.WithoutCancel(r.Context()), item); err != nil {
		s.log.Warn("content ingest failed after ack",
			logx.Int64("content_id", item.ID), logx.Err(err))
	}
}

type shareRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.IDs) == 0 {
		http.Error(w, "no content ids selected", http.StatusBadRequest)
		return
	}
	if !s.pipeline.Configured() {
		http.Error(w, "api credentials not configured", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.pipeline.DeliverMany(r.Context(), req.IDs))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	results, err := s.pipeline.ProcessPending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []publisher.ItemResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleRefreshMetrics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.pipeline.RefreshMetrics(r.Context(), req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueEntryDTO struct {
	ContentID    int64      `json:"content_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	SharedAt     *time.Time `json:"shared_at,omitempty"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Entries(r.Context(), 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]queueEntryDTO, 0, len(entries))
	for _, e := range entries {
		dto := queueEntryDTO{
			ContentID:    e.ContentID,
			Status:       e.Status.String(),
			AttemptCount: e.AttemptCount,
			EnqueuedAt:   e.EnqueuedAt,
		}
		if !e.SharedAt.IsZero() {
			t := e.SharedAt
			dto.SharedAt = &t
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

type recordDTO struct {
	ContentID  int64     `json:"content_id"`
	Shared     bool      `json:"shared"`
	ShareTime  time.Time `json:"share_time"`
	ExternalID string    `json:"external_id"`
	Metrics    *struct {
		Likes  int `json:"likes"`
		Shares int `json:"shares"`
	} `json:"metrics,omitempty"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad content id", http.StatusBadRequest)
		return
	}
	rec, ok, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "no delivery record", http.StatusNotFound)
		return
	}
	dto := recordDTO{
		ContentID:  rec.ContentID,
		Shared:     rec.Shared,
		ShareTime:  rec.ShareTime,
		ExternalID: rec.ExternalID,
	}
	if rec.HasMetrics {
		dto.Metrics = &struct {
			Likes  int `json:"likes"`
			Shares int `json:"shares"`
		}{Likes: rec.Likes, Shares: rec.Shares}
	}
	writeJSON(w, http.StatusOK, dto)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{}
	if s.status != nil {
		st = s.status()
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
