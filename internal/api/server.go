package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salebot/internal/config"
	"salebot/internal/engine"
	"salebot/internal/report"
)

// Run is the live run the server reports on.
type Run interface {
	RunID() string
	Snapshot() engine.Snapshot
	Abort(reason string) bool
}

type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	run     Run
	summary *report.SummaryStore
	metrics http.Handler
}

func NewServer(cfg *config.Config, logger *slog.Logger, run Run, summary *report.SummaryStore) *Server {
	return &Server{cfg: cfg, logger: logger, run: run, summary: summary, metrics: promhttp.Handler()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("/runs/last", s.withAuth(s.handleLastRun))
	mux.HandleFunc("/stop", s.withAuth(s.handleStop))
	mux.Handle("/metrics", s.withAuth(s.metrics.ServeHTTP))
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	s.logger.Info("api starting", "listen", s.cfg.API.Listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.API.AuthToken != "" {
			token := r.Header.Get("X-API-Key")
			if token == "" {
				auth := r.Header.Get("Authorization")
				if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
					token = strings.TrimSpace(auth[7:])
				}
			}
			if token != s.cfg.API.AuthToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	RunID       string           `json:"run_id,omitempty"`
	Environment string           `json:"environment"`
	ChainID     uint64           `json:"chain_id"`
	Run         *engine.Snapshot `json:"run,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := statusResponse{Environment: s.cfg.Environment, ChainID: s.cfg.ChainID}
	if s.run != nil {
		snap := s.run.Snapshot()
		resp.RunID = s.run.RunID()
		resp.Run = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.summary == nil {
		writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	sum, err := s.summary.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sum == nil {
		writeError(w, http.StatusNotFound, "no run recorded")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.run == nil {
		writeError(w, http.StatusConflict, "no active run")
		return
	}
	req := stopRequest{Reason: "stopped by operator"}
	if r.ContentLength > 0 {
		if err := readJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			req.Reason = "stopped by operator"
		}
	}
	if !s.run.Abort(req.Reason) {
		writeError(w, http.StatusConflict, "run already stopped")
		return
	}
	s.logger.Warn("stop requested over api", "run_id", s.run.RunID(), "reason", req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"run_id": s.run.RunID(), "status": "stopping"})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(b, v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
