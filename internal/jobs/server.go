package jobs

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/schaermu/dirtidy/internal/config"
	"github.com/schaermu/dirtidy/internal/tidy"
)

// SignatureHeader carries "sha256=<hex HMAC>" of the request body, or of
// the request path for requests without a body. Signatures carry no
// timestamp, so a captured request can be sent again: a DELETE only repeats
// the cancel of its own job ID, which is a no-op once the job has finished.
const SignatureHeader = "X-Dirtidy-Signature"

const maxBodySize = 1 << 20 // 1 MB

type startRequest struct {
	Folder string `json:"folder"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server exposes a Manager over HTTP
type Server struct {
	cfg     *config.Config
	manager *Manager
	logger  *slog.Logger
	secret  []byte
}

// NewServer creates a new job server. When cfg has a secret file, every
// mutating request must be signed with its contents.
func NewServer(cfg *config.Config, manager *Manager, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
	}

	if !cfg.SecretConfigured() {
		logger.Warn("no secret_file configured, job requests are not authenticated")
		return s, nil
	}

	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read request secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", cfg.Serve.SecretFile)
	}
	s.secret = secret

	return s, nil
}

// Handler returns the HTTP routes of the job API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleStart)
	mux.HandleFunc("GET /jobs", s.handleList)
	mux.HandleFunc("GET /jobs/{id}", s.handleGet)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleCancel)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok\n")
	})
	return mux
}

// Start serves the API on listener until ctx is cancelled, then shuts the
// server down and cancels all running jobs.
func (s *Server) Start(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("job server starting", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down job server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		if cerr := s.manager.Close(5 * time.Second); cerr != nil {
			s.logger.Warn("jobs did not stop in time", "error", cerr)
		}
		return err
	case err := <-errCh:
		_ = s.manager.Close(5 * time.Second)
		return err
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", r.Header.Get("Content-Type"))
		writeError(w, http.StatusBadRequest, "invalid content type")
		return
	}

	body, ok := s.readVerified(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.logger.Warn("failed to parse job request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Folder == "" {
		writeError(w, http.StatusBadRequest, "folder is required")
		return
	}

	job, err := s.manager.Start(req.Folder)
	if err != nil {
		s.logger.Warn("job rejected", "folder", req.Folder, "error", err)
		writeError(w, startErrorStatus(err), err.Error())
		return
	}

	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readVerified(w, r); !ok {
		return
	}

	job, err := s.manager.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// readVerified reads the body and checks its signature. On failure the
// response has been written and ok is false.
func (s *Server) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read body")
		return nil, false
	}
	defer func() {
		_ = r.Body.Close()
	}()

	payload := body
	if len(payload) == 0 {
		payload = []byte(r.URL.Path)
	}

	if !s.verifySignature(payload, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "method", r.Method, "path", r.URL.Path)
		writeError(w, http.StatusForbidden, "invalid signature")
		return nil, false
	}

	return body, true
}

// verifySignature checks a "sha256=<hex>" HMAC of payload. Without a
// configured secret every request passes.
func (s *Server) verifySignature(payload []byte, signature string) bool {
	if len(s.secret) == 0 {
		return true
	}
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(signature), []byte(expected))
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrFolderBusy):
		return http.StatusConflict
	case errors.Is(err, ErrFolderNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, tidy.ErrNotFound), errors.Is(err, tidy.ErrNotDirectory), errors.Is(err, tidy.ErrUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
