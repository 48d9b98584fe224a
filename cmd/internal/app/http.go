package app

import (
	"context"
	"net/http"

	"desk/cmd/internal/relay"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// dbPinger reports database readiness. Nil means no database is configured.
type dbPinger func(ctx context.Context) error

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	ping dbPinger,
	gw *relay.Gateway,
	gatherer prometheus.Gatherer,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && ping == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if ping != nil {
			if err := ping(r.Context()); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.Handle("/ws/agent", gw.AgentHandler())
	mux.Handle("/ws/user", gw.VisitorHandler())
}
