// Package metrics instruments the daemon with Prometheus counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the daemon's counters on a private registry.
type Set struct {
	registry *prometheus.Registry

	DatagramsIn    *prometheus.CounterVec
	DatagramsOut   prometheus.Counter
	DecodeFailures prometheus.Counter
	Forwarded      *prometheus.CounterVec
	Dropped        *prometheus.CounterVec
	Isolations     prometheus.Counter
}

// New builds and registers the counter set for the named node.
func New(node string) *Set {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"node": node}
	s := &Set{
		registry: reg,
		DatagramsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mesh_datagrams_in_total",
			Help:        "Datagrams received, by message kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		DatagramsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mesh_datagrams_out_total",
			Help:        "Datagrams broadcast.",
			ConstLabels: labels,
		}),
		DecodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mesh_decode_failures_total",
			Help:        "Malformed datagrams dropped.",
			ConstLabels: labels,
		}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mesh_forwarded_total",
			Help:        "Messages re-broadcast on behalf of peers, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mesh_dropped_total",
			Help:        "Messages dropped, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		Isolations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mesh_isolations_total",
			Help:        "Peers quarantined by the intrusion prevention subsystem.",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(s.DatagramsIn, s.DatagramsOut, s.DecodeFailures, s.Forwarded, s.Dropped, s.Isolations)
	return s
}

// Serve exposes the registry over HTTP until ctx is canceled.
func (s *Set) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
