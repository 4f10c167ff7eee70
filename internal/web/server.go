// Package web exposes the download service over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvcoi/ytdl-web/internal/catalog"
	"github.com/lvcoi/ytdl-web/internal/gateway"
	"github.com/lvcoi/ytdl-web/internal/jobs"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

const (
	msgURLRequired       = "URL is required"
	msgProbeFailed       = "Could not fetch video information. Please check the URL and try again."
	msgDownloadRequired  = "URL and format are required"
	msgDownloadStarted   = "Download started successfully"
	msgFileNotAvailable  = "File not available or download not completed"
	msgFileNotFound      = "File not found on server"
	msgInternalErrPrefix = "An error occurred: "
)

// Config wires a Server. Gateway and Manager are required; Live, when set,
// is mounted at /ws.
type Config struct {
	Gateway    gateway.Gateway
	Manager    *jobs.Manager
	Reconciler catalog.Reconciler
	Live       http.Handler
	Logger     *zap.Logger
}

type Server struct {
	gateway    gateway.Gateway
	manager    *jobs.Manager
	reconciler catalog.Reconciler
	live       http.Handler
	logger     *zap.Logger
	startedAt  time.Time
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		gateway:    cfg.Gateway,
		manager:    cfg.Manager,
		reconciler: cfg.Reconciler,
		live:       cfg.Live,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

type fetchFormatsRequest struct {
	URL string `json:"url"`
}

type fetchFormatsResponse struct {
	Title      string          `json:"title"`
	Thumbnail  string          `json:"thumbnail"`
	Duration   string          `json:"duration"`
	Uploader   string          `json:"uploader"`
	WebpageURL string          `json:"webpage_url"`
	Formats    []catalog.Entry `json:"formats"`
}

type downloadRequest struct {
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	Artist   string `json:"artist"`
}

type downloadResponse struct {
	DownloadID      string `json:"download_id"`
	Message         string `json:"message"`
	DownloadsFolder string `json:"downloads_folder"`
}

// Handler returns the routed handler with recovery, logging and security
// headers applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fetch_formats", s.handleFetchFormats)
	mux.HandleFunc("POST /download", s.handleDownload)
	mux.HandleFunc("GET /progress/{id}", s.handleProgress)
	mux.HandleFunc("GET /download_file/{id}", s.handleDownloadFile)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/downloads", s.handleList)
	if s.live != nil {
		mux.Handle("GET /ws", s.live)
	}
	return s.withRecovery(s.withRequestLog(withSecurityHeaders(mux)))
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleFetchFormats(w http.ResponseWriter, r *http.Request) {
	var req fetchFormatsRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		writeJSONError(w, http.StatusBadRequest, msgURLRequired)
		return
	}

	res, err := s.gateway.Probe(r.Context(), url)
	if err != nil {
		s.logger.Warn("probe failed", zap.String("url", url), zap.Error(err))
		writeJSONError(w, http.StatusBadRequest, msgProbeFailed)
		return
	}

	writeJSON(w, http.StatusOK, fetchFormatsResponse{
		Title:      res.Title,
		Thumbnail:  res.Thumbnail,
		Duration:   catalog.FormatDuration(res.Duration),
		Uploader:   res.Uploader,
		WebpageURL: res.WebpageURL,
		Formats:    s.reconciler.Reconcile(res.Formats),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" || req.FormatID == "" {
		writeJSONError(w, http.StatusBadRequest, msgDownloadRequired)
		return
	}

	id := s.manager.Submit(jobs.Request{
		URL:      url,
		FormatID: req.FormatID,
		Type:     req.Type,
		Title:    req.Title,
		Artist:   req.Artist,
	})
	writeJSON(w, http.StatusOK, downloadResponse{
		DownloadID:      id,
		Message:         msgDownloadStarted,
		DownloadsFolder: s.manager.OutputDir(),
	})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	snap := s.manager.Status(r.PathValue("id"))
	if snap.Status == jobs.StatusUnknown {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  string(snap.Status),
			"message": snap.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	f, name, err := s.manager.Open(r.PathValue("id"))
	switch {
	case errors.Is(err, jobs.ErrFileNotAvailable):
		writeJSONError(w, http.StatusNotFound, msgFileNotAvailable)
		return
	case errors.Is(err, jobs.ErrFileMissing):
		writeJSONError(w, http.StatusNotFound, msgFileNotFound)
		return
	case err != nil:
		s.logger.Error("opening download failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, msgInternalErrPrefix+err.Error())
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, msgInternalErrPrefix+err.Error())
		return
	}
	// Large files on slow links outlive the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("clearing write deadline failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n := s.manager.Cleanup()
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Cleaned up %d old entries", n),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startedAt).Truncate(time.Second).String()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_downloads": s.manager.Active(),
		"uptime":           uptime,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"downloads": s.manager.List(),
	})
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || mediaType != "application/json" {
		return &requestError{http.StatusBadRequest, "content type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
