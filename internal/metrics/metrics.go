// Package metrics exports crew and task run metrics in the Prometheus
// format.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/crew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scriptcrew"

// Collector records finished runs. It satisfies execution.Recorder.
type Collector struct {
	registry *prometheus.Registry

	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	crewsTotal   *prometheus.CounterVec
	crewDuration *prometheus.HistogramVec
}

// NewCollector registers the run metrics on a registry of its own.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Tasks that reached a final status",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Time from task start to completion",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		),
		crewsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crew_runs_total",
				Help:      "Crew and flow runs by final status",
			},
			[]string{"status"},
		),
		crewDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "crew_run_duration_seconds",
				Help:      "Wall time of crew and flow runs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"status"},
		),
	}
}

func (c *Collector) TaskFinished(status crew.TaskStatus, d time.Duration) {
	c.tasksTotal.WithLabelValues(string(status)).Inc()
	// Pre-flight failures never started, so they have no duration.
	if d > 0 {
		c.taskDuration.WithLabelValues(string(status)).Observe(d.Seconds())
	}
}

func (c *Collector) CrewFinished(status crew.CrewStatus, d time.Duration) {
	c.crewsTotal.WithLabelValues(string(status)).Inc()
	c.crewDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// WatchRunning exports the value of running as the number of active crew
// runs.
func (c *Collector) WatchRunning(running func() int) {
	promauto.With(c.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "crews_running",
			Help:      "Crew runs in progress",
		},
		func() float64 { return float64(running()) },
	)
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on port until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("metrics listener started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
