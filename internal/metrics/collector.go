package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bucketsyncer/internal/stats"
)

const namespace = "bucketsyncer"

// QueueStats is the view of the worker pool exported as gauges.
type QueueStats interface {
	Len() int
	Cap() int
	Active() int
}

// Collector exposes the mirror counters and pool state. Values are read
// from Stats at scrape time.
type Collector struct {
	registry *prometheus.Registry

	objectsRead    prometheus.CounterFunc
	objectsCopied  prometheus.CounterFunc
	copyErrors     prometheus.CounterFunc
	objectsDeleted prometheus.CounterFunc
	deleteErrors   prometheus.CounterFunc
	bytesCopied    prometheus.CounterFunc
	requests       []prometheus.CounterFunc

	queueLength   prometheus.GaugeFunc
	queueCapacity prometheus.GaugeFunc
	activeWorkers prometheus.GaugeFunc
}

func counter(name, help string, v func() int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v()) })
}

func requestCounter(op string, v func() int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "requests_total",
		Help:        "Remote requests issued, by operation",
		ConstLabels: prometheus.Labels{"op": op},
	}, func() float64 { return float64(v()) })
}

func gauge(name, help string, v func() int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v()) })
}

// New creates a new metrics collector on a private registry.
func New(st *stats.Stats, queue QueueStats) *Collector {
	c := &Collector{
		registry:       prometheus.NewRegistry(),
		objectsRead:    counter("objects_read_total", "Objects listed from either bucket", st.ObjectsRead.Load),
		objectsCopied:  counter("objects_copied_total", "Objects copied to the destination", st.ObjectsCopied.Load),
		copyErrors:     counter("copy_errors_total", "Objects whose copy failed", st.CopyErrors.Load),
		objectsDeleted: counter("objects_deleted_total", "Objects removed from the destination", st.ObjectsDeleted.Load),
		deleteErrors:   counter("delete_errors_total", "Objects whose delete failed", st.DeleteErrors.Load),
		bytesCopied:    counter("bytes_copied_total", "Bytes copied to the destination", st.BytesCopied.Load),
		requests: []prometheus.CounterFunc{
			requestCounter("copy", st.CopyCount.Load),
			requestCounter("delete", st.DeleteCount.Load),
			requestCounter("get", st.GetCount.Load),
		},
		queueLength:   gauge("queue_length", "Jobs waiting in the work queue", queue.Len),
		queueCapacity: gauge("queue_capacity", "Capacity of the work queue", queue.Cap),
		activeWorkers: gauge("active_workers", "Workers currently running a job", queue.Active),
	}

	c.registry.MustRegister(
		c.objectsRead,
		c.objectsCopied,
		c.copyErrors,
		c.objectsDeleted,
		c.deleteErrors,
		c.bytesCopied,
		c.queueLength,
		c.queueCapacity,
		c.activeWorkers,
	)
	for _, r := range c.requests {
		c.registry.MustRegister(r)
	}

	return c
}

// Registry returns the registry holding the mirror metrics.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is done.
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
