// Package metrics exposes the engine's Prometheus counters/gauges over
// an HTTP listener built from the <monitoring> config section.
//
// Grounded on the teacher's cmd/proxysip/main.go, which wires
// promhttp.Handler() onto a plain http.ServeMux under /metrics plus a
// hand-rolled /health; the mux itself is rebuilt on
// flowpbx-flowpbx/internal/api/server.go's chi.Mux + chi/middleware
// pattern (this mux uses RequestID and Recoverer) since the teacher's own mux is
// a single-route afterthought and the spec's monitoring surface needs
// more than one route.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry groups every counter/gauge the engine publishes. One
// Registry is built per process and threaded into each controller that
// needs to record something.
type Registry struct {
	DialogsActive      prometheus.Gauge
	DialogsTotal       prometheus.Counter
	TransactionsActive prometheus.Gauge
	TransactionsTotal  *prometheus.CounterVec // labeled by method
	ProxyBranchesTotal *prometheus.CounterVec // labeled by outcome: terminal, crankback, canceled
	PendingRequests    prometheus.Gauge
	AppClientsActive   prometheus.Gauge
	BlacklistHits      prometheus.Counter
	CDRsPosted         *prometheus.CounterVec // labeled by record type
}

// New builds a Registry and registers every metric against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		DialogsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drachtio_dialogs_active",
			Help: "Number of confirmed SIP dialogs currently tracked.",
		}),
		DialogsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drachtio_dialogs_total",
			Help: "Total confirmed SIP dialogs since process start.",
		}),
		TransactionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drachtio_transactions_active",
			Help: "Number of SIP transactions currently open.",
		}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drachtio_transactions_total",
			Help: "Total SIP transactions started, by method.",
		}, []string{"method"}),
		ProxyBranchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drachtio_proxy_branches_total",
			Help: "Total proxy-core client branches started, by outcome.",
		}, []string{"outcome"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drachtio_pending_requests",
			Help: "Requests parked awaiting an application client's disposition.",
		}),
		AppClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drachtio_app_clients_active",
			Help: "Connected and authenticated application control-plane clients.",
		}),
		BlacklistHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drachtio_blacklist_hits_total",
			Help: "Inbound datagrams dropped because their source IP was blacklisted.",
		}),
		CDRsPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drachtio_cdrs_posted_total",
			Help: "Call-detail records posted to application clients, by record type.",
		}, []string{"record_type"}),
	}

	reg.MustRegister(
		m.DialogsActive, m.DialogsTotal, m.TransactionsActive, m.TransactionsTotal,
		m.ProxyBranchesTotal, m.PendingRequests, m.AppClientsActive, m.BlacklistHits,
		m.CDRsPosted,
	)
	return m
}

// Server is the /metrics + /health HTTP listener described in the
// <monitoring> config section.
type Server struct {
	log    zerolog.Logger
	router *chi.Mux
	srv    *http.Server
}

// NewServer builds the monitoring HTTP handler. gatherer is typically
// the same prometheus.Registerer passed to New, upcast to a Gatherer
// (*prometheus.Registry satisfies both).
func NewServer(log zerolog.Logger, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/health", handleHealth)

	return &Server{log: log, router: r}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Serve runs the monitoring listener on l until Shutdown is called. It
// returns nil on a clean shutdown (http.ErrServerClosed is swallowed).
func (s *Server) Serve(l net.Listener) error {
	s.srv = &http.Server{Handler: s.router}
	s.log.Info().Str("addr", l.Addr().String()).Msg("monitoring listener started")
	if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the monitoring listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
