// Package api implements the HTTP admin surface: POST /pod to merge
// filter/output/upload settings into every matching record, GET /pod to
// snapshot the registry, GET /rules to inspect the control plane's most
// recent directives, and /metrics for prometheus scraping.
//
// Grounded on src/api.rs (post_pod/query_pod/not_found) in
// original_source, with the mux.Router/http.Server wiring and graceful
// Shutdown style adapted from ipfs-canary-testing's pkg/daemon/daemon.go.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nodeharvest/harvest-agent/internal/registry"
)

// Server is the admin HTTP surface described in SPEC_FULL.md §12.
type Server struct {
	log   *zap.Logger
	reg   *registry.Registry
	rules func() []any

	httpServer *http.Server
	listener   net.Listener
}

// New builds a Server bound to addr. rulesSnapshot may be nil if no
// control ingress is wired (GET /rules then always returns an empty list).
func New(addr string, reg *registry.Registry, rulesSnapshot func() []any, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if rulesSnapshot == nil {
		rulesSnapshot = func() []any { return []any{} }
	}

	s := &Server{log: log.Named("api"), reg: reg, rules: rulesSnapshot}

	r := mux.NewRouter()
	r.HandleFunc("/pod", s.postPod).Methods(http.MethodPost)
	r.HandleFunc("/pod", s.getPod).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.getRules).Methods(http.MethodGet)
	r.PathPrefix("/metrics").Handler(promhttp.Handler())
	r.NotFoundHandler = http.HandlerFunc(notFound)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("api: listen on %q: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

// Addr returns the bound listen address, useful in tests that listen on
// port 0 and get a system-assigned port.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks serving requests until Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("admin server listening", zap.String("addr", s.Addr()))
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type postPodRequest struct {
	Namespace string `json:"namespace"`
	Pod       string `json:"pod"`
	Filter    string `json:"filter"`
	Output    string `json:"output"`
	Upload    bool   `json:"upload"`
}

func (s *Server) postPod(w http.ResponseWriter, r *http.Request) {
	var req postPodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error",
			"reason": fmt.Sprintf("malformed request body: %v", err),
		})
		return
	}

	if req.Namespace == "" || req.Pod == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"status": "error",
			"reason": fmt.Sprintf("namespace %q or pod %q maybe is empty", req.Namespace, req.Pod),
		})
		return
	}

	for _, rec := range s.reg.SliceByNsPod(req.Namespace, req.Pod) {
		rec.Filter = req.Filter
		rec.Output = req.Output
		rec.Upload = req.Upload
		s.reg.Apply(rec)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getPod(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Snapshot())
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules())
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status": "error",
		"reason": "Resource was not found.",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
