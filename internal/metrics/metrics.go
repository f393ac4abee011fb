package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_sync_http_requests_total",
			Help: "Total number of HTTP requests by method, route, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "panel_sync_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "panel_sync_http_requests_in_flight",
		Help: "Current number of HTTP requests being processed.",
	})

	SyncPasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_sync_passes_total",
			Help: "Reconciliation passes by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "panel_sync_pass_duration_seconds",
			Help:    "Reconciliation pass latency in seconds by operation.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	ServersSynced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_sync_servers_synced_total",
			Help: "Servers processed by sync passes, by result.",
		},
		[]string{"result"},
	)

	BypassAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_sync_bypass_attempts_total",
			Help: "Bypass attempts by transport variant, identity profile, and outcome.",
		},
		[]string{"variant", "profile", "outcome"},
	)

	LiveReads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "panel_sync_live_status_reads_total",
			Help: "Live-status reads by data source.",
		},
		[]string{"source"},
	)
)

// InventoryDB is the subset of db.DB needed to collect inventory metrics.
type InventoryDB interface {
	CountByStatus() (map[string]int, error)
}

// inventoryCollector queries the database on each scrape to report server
// counts broken down by status.
type inventoryCollector struct {
	db          InventoryDB
	serversDesc *prometheus.Desc
}

func (c *inventoryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.serversDesc
}

func (c *inventoryCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.db.CountByStatus()
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.serversDesc, err)
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.serversDesc,
			prometheus.GaugeValue,
			float64(n),
			status,
		)
	}
}

// Register registers all metrics with the default Prometheus registry.
// Call once at startup after the database is initialised.
func Register(db InventoryDB) {
	RegisterWith(prometheus.DefaultRegisterer, db)
}

// RegisterWith registers the application metrics with reg. It panics on a
// duplicate registration.
func RegisterWith(reg prometheus.Registerer, db InventoryDB) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		httpRequestsTotal,
		httpRequestDuration,
		httpRequestsInFlight,

		SyncPasses,
		syncDuration,
		ServersSynced,
		BypassAttempts,
		LiveReads,
		&inventoryCollector{
			db: db,
			serversDesc: prometheus.NewDesc(
				"panel_sync_servers",
				"Number of servers in the local inventory, partitioned by status.",
				[]string{"status"},
				nil,
			),
		},
	)
}

// ObserveSync records one finished pass.
func ObserveSync(operation, outcome string, d time.Duration) {
	SyncPasses.WithLabelValues(operation, outcome).Inc()
	syncDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveServers records per-server sync results.
func ObserveServers(synced, failed int) {
	ServersSynced.WithLabelValues("synced").Add(float64(synced))
	ServersSynced.WithLabelValues("failed").Add(float64(failed))
}

// ObserveBypass records one bypass attempt.
func ObserveBypass(variant, profile, outcome string) {
	BypassAttempts.WithLabelValues(variant, profile, outcome).Inc()
}

// ObserveLiveRead records which source served a live-status read.
func ObserveLiveRead(source string) {
	LiveReads.WithLabelValues(source).Inc()
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// responseWriter wraps http.ResponseWriter to capture the response status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to record HTTP metrics.
// pattern should be the route pattern string (e.g. "/api/v1/servers/{identifier}")
// so the path label has bounded cardinality.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsInFlight.Dec()
			status := strconv.Itoa(rw.status)
			httpRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		}()

		next.ServeHTTP(rw, r)
	})
}
