package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/helpcenter-docstore/internal/config"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
	"github.com/JakeFAU/helpcenter-docstore/internal/ingest"
	"github.com/JakeFAU/helpcenter-docstore/internal/metrics"
	"github.com/JakeFAU/helpcenter-docstore/internal/query"
	"github.com/JakeFAU/helpcenter-docstore/internal/source"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultIngestTimeout  = 10 * time.Minute
	maxIngestBodyBytes    = 32 << 20
)

// Store is the write side the server needs from the document store.
type Store interface {
	UpsertFirm(ctx context.Context, info docstore.FirmInfo) (string, error)
	Ping(ctx context.Context) error
}

// Ingester processes crawler batches.
type Ingester interface {
	IngestBatch(ctx context.Context, firmID string, docs []docstore.RawDocument) (docstore.BatchReport, error)
}

// Server wires HTTP handlers to the query service and the ingester.
type Server struct {
	router   chi.Router
	store    Store
	query    *query.Service
	ingester Ingester
	cfg      config.Config
	logger   *zap.Logger

	ingestTimeout time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store Store,
	queries *query.Service,
	ingester Ingester,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		query:    queries,
		ingester: ingester,
		cfg:      cfg,
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s.ingestTimeout = cfg.Server.IngestTimeout
	if s.ingestTimeout <= 0 {
		s.ingestTimeout = defaultIngestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Ingest runs synchronously and bounds itself so the partial report
		// is still written when the deadline passes.
		r.Post("/firms/{firm}/ingest", s.ingestBatch)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/firms", s.listFirms)
			r.Get("/documents", s.currentDocuments)
			r.Get("/documents/{id}/paragraphs", s.paragraphs)
			r.Get("/history", s.history)
			r.Get("/search", s.search)
			r.Get("/stats", s.stats)
			r.Get("/merged", s.merged)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listFirms(w http.ResponseWriter, r *http.Request) {
	firms, err := s.query.Firms(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"firms": firms})
}

func (s *Server) currentDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docType, err := docstore.ParseDocType(q.Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sortKey, err := query.ParseSortKey(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	firmID, found, err := s.query.ResolveFirm(r.Context(), q.Get("firm"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, documentsResponse{Documents: []docstore.Document{}})
		return
	}
	docs, err := s.query.CurrentDocuments(r.Context(), query.Filter{FirmID: firmID, DocType: docType, Sort: sortKey})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentsResponse{Documents: docs})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	firm, rawURL := strings.TrimSpace(q.Get("firm")), strings.TrimSpace(q.Get("url"))
	if firm == "" || rawURL == "" {
		writeError(w, http.StatusBadRequest, "firm and url are required")
		return
	}
	firmID, found, err := s.query.ResolveFirm(r.Context(), firm)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, documentsResponse{Documents: []docstore.Document{}})
		return
	}
	docs, err := s.query.History(r.Context(), firmID, rawURL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentsResponse{Documents: docs})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	firmID, found, err := s.query.ResolveFirm(r.Context(), q.Get("firm"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, documentsResponse{Documents: []docstore.Document{}})
		return
	}
	docs, err := s.query.Search(r.Context(), q.Get("q"), firmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentsResponse{Documents: docs})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	firmID, found, err := s.query.ResolveFirm(r.Context(), r.URL.Query().Get("firm"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, docstore.Stats{
			ByType: map[docstore.DocType]int{},
			ByFirm: map[string]int{},
		})
		return
	}
	stats, err := s.query.Stats(r.Context(), firmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) merged(w http.ResponseWriter, r *http.Request) {
	firmID, found, err := s.query.ResolveFirm(r.Context(), r.URL.Query().Get("firm"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	merged := []query.MergedURL{}
	if found {
		if merged, err = s.query.MergedURLs(r.Context(), firmID); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"merged": merged})
}

func (s *Server) paragraphs(w http.ResponseWriter, r *http.Request) {
	paras, err := s.query.Paragraphs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paragraphs": paras})
}

func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	firm := strings.TrimSpace(chi.URLParam(r, "firm"))
	if firm == "" {
		writeError(w, http.StatusBadRequest, "firm is required")
		return
	}
	docs, err := source.Load(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.ingestTimeout)
	defer cancel()
	firmID, err := s.store.UpsertFirm(ctx, ingest.FirmInfo(firm, r.URL.Query().Get("domain"), docs))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.ingester.IngestBatch(ctx, firmID, docs)
	if err != nil {
		s.logger.Error("ingest request stopped",
			zap.String("firm", firm), zap.String("request_id", requestID(r.Context())), zap.Error(err))
		writeJSON(w, statusFor(err), ingestResponse{FirmID: firmID, BatchReport: report, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{FirmID: firmID, BatchReport: report})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.String("request_id", requestID(r.Context())), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, docstore.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, docstore.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

type documentsResponse struct {
	Documents []docstore.Document `json:"documents"`
}

type ingestResponse struct {
	FirmID string `json:"firm_id"`
	docstore.BatchReport
	Error string `json:"error,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.String("request_id", requestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec), zap.String("request_id", requestID(r.Context())))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
