package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/doridoridoriand/latency-probe/internal/config"
	"github.com/doridoridoriand/latency-probe/internal/log"
	"github.com/doridoridoriand/latency-probe/internal/state"
)

// Server exposes the aggregator over HTTP.
type Server struct {
	collector *Collector
	registry  *prometheus.Registry
	logger    *log.Logger
}

// NewServer registers collector on a dedicated registry.
func NewServer(collector *Collector, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Nop()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)
	return &Server{collector: collector, registry: registry, logger: logger}
}

// Handler routes /metrics, /healthz and /api/v1/snapshot.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/api/v1/snapshot", gziphandler.GzipHandler(http.HandlerFunc(s.handleSnapshot)))

	return r
}

type bucketJSON struct {
	UpperBound float64 `json:"le"`
	Count      uint64  `json:"count"`
}

type seriesJSON struct {
	Target              string            `json:"target"`
	Kind                config.Kind       `json:"probe_type"`
	Health              state.Health      `json:"health"`
	Count               uint64            `json:"count"`
	SumMs               float64           `json:"sum_ms"`
	MeanMs              float64           `json:"mean_ms"`
	LastLatencyMs       *float64          `json:"last_latency_ms,omitempty"`
	Timeouts            uint64            `json:"timeouts"`
	Errors              map[string]uint64 `json:"errors"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	Buckets             []bucketJSON      `json:"buckets,omitempty"`
}

type snapshotJSON struct {
	Series         []seriesJSON `json:"series"`
	ConfigRejected uint64       `json:"config_rejected"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	rows := s.collector.rows.Snapshot()
	out := snapshotJSON{Series: make([]seriesJSON, 0, len(rows))}
	if s.collector.rejections != nil {
		out.ConfigRejected = s.collector.rejections.Rejected()
	}
	history := s.collector.LatencyHistory()
	for _, row := range rows {
		item := seriesJSON{
			Target:              row.Target,
			Kind:                row.Kind,
			Health:              row.Health,
			Count:               row.Count,
			SumMs:               row.Sum,
			MeanMs:              milliseconds(row.Mean()),
			Timeouts:            row.Timeouts,
			Errors:              row.Errors,
			ConsecutiveFailures: row.ConsecutiveFailures,
		}
		if row.HasLatency {
			last := milliseconds(row.LastLatency)
			item.LastLatencyMs = &last
		}
		if history {
			for _, b := range row.Buckets {
				item.Buckets = append(item.Buckets, bucketJSON{UpperBound: b.UpperBound, Count: b.Count})
			}
		}
		out.Series = append(out.Series, item)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.LogError("metrics", err, zap.String("path", r.URL.Path))
	}
}

// Serve starts an HTTP server and blocks until context cancellation.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
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
			return context.Canceled
		}
		return err
	}
}
