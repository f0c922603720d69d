package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinyrange/vrdma/internal/vmm"
)

// maxBodySize caps request bodies; every accepted body is a small JSON
// object.
const maxBodySize = 64 << 10

// ActionType names the instance actions accepted by PUT /actions.
type ActionType string

const ActionInstanceStart ActionType = "InstanceStart"

type instanceAction struct {
	ActionType ActionType `json:"action_type"`
}

// Server routes control-plane requests to an ActionHandler.
type Server struct {
	handler ActionHandler
	router  chi.Router
}

// NewServer builds the router for h.
func NewServer(h ActionHandler) *Server {
	s := &Server{handler: h}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Put("/rdma", s.putRdma)
	r.Put("/rdma/{id}", s.putRdma)
	r.Get("/vm/config", s.getVMConfig)
	r.Put("/actions", s.putActions)
	r.Handle("/metrics", promhttp.Handler())

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve answers requests on l until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api: shutdown", "err", err)
		}
	}()
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, badRequest("failed to read request body: %v", err)
	}
	if len(body) > maxBodySize {
		return nil, badRequest("request body exceeds %d bytes", maxBodySize)
	}
	return body, nil
}

func (s *Server) putRdma(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	action, err := ParsePutRdma(body, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.run(w, r, action)
}

func (s *Server) putActions(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req instanceAction
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, badRequest("%v", err))
		return
	}
	switch req.ActionType {
	case ActionInstanceStart:
		s.run(w, r, vmm.StartInstance{})
	default:
		writeError(w, badRequest("unsupported action type %q", req.ActionType))
	}
}

func (s *Server) getVMConfig(w http.ResponseWriter, r *http.Request) {
	resp, err := s.handler.Do(r.Context(), vmm.GetVMConfig{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp.VMConfig)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, a vmm.Action) {
	if _, err := s.handler.Do(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
