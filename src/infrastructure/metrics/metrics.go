package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"webrag/src/core/contentcache"
	"webrag/src/core/embedding"
	"webrag/src/core/retrieval"
)

const namespace = "webrag"

// query latency buckets in milliseconds
var queryBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Collector owns a private registry and observes the cache, the batcher and
// the composer.
type Collector struct {
	registry *prometheus.Registry

	cacheLookups  *prometheus.CounterVec
	batches       *prometheus.CounterVec
	chunks        *prometheus.CounterVec
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

var (
	_ contentcache.Observer = (*Collector)(nil)
	_ embedding.Observer    = (*Collector)(nil)
	_ retrieval.Observer    = (*Collector)(nil)
)

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Content cache lookups by result",
		}, []string{"result"}),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_batches_total",
			Help:      "Embedding batches by final status",
		}, []string{"status"}),

		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_chunks_total",
			Help:      "Chunks embedded or abandoned",
		}, []string{"status"}),

		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Answered queries by outcome",
		}, []string{"outcome"}),

		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_ms",
			Help:      "Query latency in milliseconds",
			Buckets:   queryBuckets,
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.cacheLookups,
		c.batches,
		c.chunks,
		c.queries,
		c.queryDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) CacheHit()  { c.cacheLookups.WithLabelValues("hit").Inc() }
func (c *Collector) CacheMiss() { c.cacheLookups.WithLabelValues("miss").Inc() }

func (c *Collector) BatchDone(size int, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	c.batches.WithLabelValues(status).Inc()
	c.chunks.WithLabelValues(status).Add(float64(size))
}

func (c *Collector) QueryDone(outcome retrieval.Outcome, elapsed time.Duration, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	c.queries.WithLabelValues(label).Inc()
	c.queryDuration.WithLabelValues(label).Observe(float64(elapsed.Milliseconds()))
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
