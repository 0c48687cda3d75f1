// Package ops serves the observability endpoints: health, Prometheus
// metrics and the debt registry. It is not the admin API; nothing here
// mutates engine state.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/triframe/triframe/internal/debt"
	"github.com/triframe/triframe/internal/metrics"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

const checkTimeout = 2 * time.Second

// Server is the ops HTTP surface.
type Server struct {
	listen  string
	metrics *metrics.Registry
	log     zerolog.Logger

	checks map[string]CheckFunc
	srv    *http.Server
}

// NewServer builds an ops server listening on addr.
func NewServer(addr string, m *metrics.Registry, log zerolog.Logger) *Server {
	return &Server{
		listen:  addr,
		metrics: m,
		log:     log.With().Str("component", "ops").Logger(),
		checks:  make(map[string]CheckFunc),
	}
}

// RegisterCheck adds a named dependency probe to /healthz. Not safe to call
// once Start has run.
func (s *Server) RegisterCheck(name string, fn CheckFunc) {
	s.checks[name] = fn
}

// Router builds the mux router; exposed for handler tests.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/debts", s.handleDebts).Methods(http.MethodGet)
	return r
}

// Start serves until Shutdown. It returns when the listener closes.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info().Str("listen", s.listen).Msg("ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the listener, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks))}
	for name, fn := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := fn(ctx)
		cancel()
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type debtRow struct {
	Gate     string `json:"gate"`
	Resolved bool   `json:"resolved"`
}

func (s *Server) handleDebts(w http.ResponseWriter, _ *http.Request) {
	gates := debt.Gates()
	rows := make([]debtRow, 0, len(gates))
	for _, g := range gates {
		rows = append(rows, debtRow{Gate: string(g), Resolved: debt.Resolved(g)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Gate < rows[j].Gate })
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
