// Package httpapi exposes the runtime's session registry over the plain
// HTTP+JSON surface of spec.md §6, using gorilla/mux for routing the way
// the retrieval pack's own agent server does.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ajaxzhan/swerex-go/internal/metrics"
	"github.com/ajaxzhan/swerex-go/internal/registry"
	"github.com/ajaxzhan/swerex-go/internal/rexerr"
	"github.com/ajaxzhan/swerex-go/pkg/schema"
)

// Server wires a Registry to HTTP handlers.
type Server struct {
	reg       *registry.Registry
	authToken string
	logger    *zap.Logger
}

// NewServer constructs a Server. authToken == "" disables auth entirely.
func NewServer(reg *registry.Registry, authToken string, logger *zap.Logger) *Server {
	return &Server{reg: reg, authToken: authToken, logger: logger}
}

// Router builds the mux.Router serving every route of spec.md §6 plus
// /metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.authMiddleware)

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/is_alive", s.handleIsAlive).Methods(http.MethodGet)
	r.HandleFunc("/create_session", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/run_in_session", s.handleRunInSession).Methods(http.MethodPost)
	r.HandleFunc("/close_session", s.handleCloseSession).Methods(http.MethodPost)
	r.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	r.HandleFunc("/read_file", s.handleReadFile).Methods(http.MethodPost)
	r.HandleFunc("/write_file", s.handleWriteFile).Methods(http.MethodPost)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/close", s.handleClose).Methods(http.MethodPost)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	return r
}

// authMiddleware enforces X-API-Key when a token is configured. An empty
// authToken disables authentication entirely, per spec.md §6.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, req)
			return
		}
		if req.Header.Get("X-API-Key") != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "hello world"})
}

func (s *Server) handleIsAlive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.IsAlive())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	var body schema.CreateSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.reg.CreateSession(req.Context(), &body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.SessionsCreated.Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunInSession(w http.ResponseWriter, req *http.Request) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	action, err := schema.DecodeAction(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	start := time.Now()
	obs, err := s.reg.RunInSession(req.Context(), action)
	metrics.CommandDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CommandsRun.WithLabelValues("error").Inc()
		s.writeError(w, err)
		return
	}
	metrics.CommandsRun.WithLabelValues("ok").Inc()
	if obs.ExitCode != nil {
		metrics.ExitCodes.Observe(float64(*obs.ExitCode))
	}
	writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, req *http.Request) {
	var body schema.CloseSessionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.reg.CloseSession(&body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	metrics.SessionsClosed.Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecute(w http.ResponseWriter, req *http.Request) {
	var body schema.Command
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.reg.Execute(req.Context(), &body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadFile(w http.ResponseWriter, req *http.Request) {
	var body schema.ReadFileRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.reg.ReadFile(&body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWriteFile(w http.ResponseWriter, req *http.Request) {
	var body schema.WriteFileRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.reg.WriteFile(&body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUpload accepts a multipart form with fields file, target_path, and
// unzip, per spec.md §6's filesystem conventions.
func (s *Server) handleUpload(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	targetPath := req.FormValue("target_path")
	unzip := req.FormValue("unzip") == "true"

	file, _, err := req.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "swerex-upload-*")
	if err != nil {
		s.writeError(w, err)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		s.writeError(w, err)
		return
	}
	tmp.Close()

	if err := s.reg.ExtractUpload(tmpPath, targetPath, unzip); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.UploadResponse{})
}

func (s *Server) handleClose(w http.ResponseWriter, _ *http.Request) {
	if err := s.reg.Close(); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.CloseResponse{})
}

// writeError maps a runtime error to HTTP 511 with the transfer envelope of
// spec.md §6, the same status every non-HTTP-layer error surfaces as.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if s.logger != nil {
		s.logger.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, 511, map[string]rexerr.Transfer{"swerexception": rexerr.ToTransfer(err)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
