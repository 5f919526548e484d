// Package telemetry keeps in-process request and report metrics and serves
// them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		next := math.Float64bits(math.Float64frombits(old) + v)
		if atomic.CompareAndSwapUint64(&h.sum, old, next) {
			break
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
}

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// labels are joined with "|" to form map keys; none of the label values we
// record can contain it.
func labelsKey(values ...string) string { return strings.Join(values, "|") }

type histogramVec struct {
	boundaries []float64
	mu         sync.RWMutex
	items      map[string]*histogram
}

func newHistogramVec(boundaries []float64) *histogramVec {
	return &histogramVec{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (v *histogramVec) with(key string) *histogram {
	v.mu.RLock()
	h, ok := v.items[key]
	v.mu.RUnlock()
	if ok {
		return h
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if h, ok = v.items[key]; !ok {
		h = newHistogram(v.boundaries)
		v.items[key] = h
	}
	return h
}

type counterVec struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterVec() *counterVec {
	return &counterVec{items: make(map[string]*int64)}
}

func (v *counterVec) inc(key string) {
	v.mu.RLock()
	p, ok := v.items[key]
	v.mu.RUnlock()
	if !ok {
		v.mu.Lock()
		if p, ok = v.items[key]; !ok {
			p = new(int64)
			v.items[key] = p
		}
		v.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (v *counterVec) get(key string) int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if p, ok := v.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

// sortedKeys gives stable exposition order.
func sortedKeys[T any](mu *sync.RWMutex, m map[string]T) []string {
	mu.RLock()
	defer mu.RUnlock()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Request durations are in seconds. Report builds run many warehouse queries
// so the upper buckets reach the request timeout.
var (
	requestBuckets = []float64{0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1, 2.5, 5, 10, 30, 60, 90}
	reportBuckets  = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90}
)

// Metrics is the process-wide metrics registry.
type Metrics struct {
	requests *histogramVec // method, route, status
	active   int64

	reports         *histogram
	reportsTotal    *counterVec // outcome
	degradedByBlock *counterVec // section

	pool *pgxpool.Pool
}

func New() *Metrics {
	return &Metrics{
		requests:        newHistogramVec(requestBuckets),
		reports:         newHistogram(reportBuckets),
		reportsTotal:    newCounterVec(),
		degradedByBlock: newCounterVec(),
	}
}

// WithPool adds connection pool gauges to the exposition.
func (m *Metrics) WithPool(pool *pgxpool.Pool) *Metrics {
	m.pool = pool
	return m
}

// ObserveReport records one situation report build and the sections that
// came back degraded.
func (m *Metrics) ObserveReport(degraded []string, elapsed time.Duration) {
	m.reports.Observe(elapsed.Seconds())
	outcome := "complete"
	if len(degraded) > 0 {
		outcome = "degraded"
	}
	m.reportsTotal.inc(outcome)
	for _, s := range degraded {
		m.degradedByBlock.inc(s)
	}
}

// DegradedCount returns how often a section has been degraded.
func (m *Metrics) DegradedCount(section string) int64 { return m.degradedByBlock.get(section) }

// ReportCount returns the number of reports built with the given outcome.
func (m *Metrics) ReportCount(outcome string) int64 { return m.reportsTotal.get(outcome) }

// RequestCount returns the number of requests seen for a route.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.requests.mu.RLock()
	h, ok := m.requests.items[labelsKey(method, route, strconv.Itoa(status))]
	m.requests.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.Count()
}

// Middleware times every request by its route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			defer atomic.AddInt64(&m.active, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requests.with(labelsKey(c.Request().Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the exposition at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		header(&b, "sitrep_http_request_duration_seconds", "Duration of HTTP requests in seconds.", "histogram")
		for _, key := range sortedKeys(&m.requests.mu, m.requests.items) {
			parts := strings.SplitN(key, "|", 3)
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, "sitrep_http_request_duration_seconds", labels, m.requests.with(key))
		}
		b.WriteByte('\n')

		header(&b, "sitrep_http_active_requests", "Number of in-flight HTTP requests.", "gauge")
		fmt.Fprintf(&b, "sitrep_http_active_requests %d\n\n", atomic.LoadInt64(&m.active))

		header(&b, "sitrep_report_build_seconds", "Time to build a full situation report.", "histogram")
		writeHistogram(&b, "sitrep_report_build_seconds", "", m.reports)
		b.WriteByte('\n')

		header(&b, "sitrep_reports_total", "Situation reports built, by outcome.", "counter")
		for _, k := range sortedKeys(&m.reportsTotal.mu, m.reportsTotal.items) {
			fmt.Fprintf(&b, "sitrep_reports_total{outcome=%q} %d\n", k, m.reportsTotal.get(k))
		}
		b.WriteByte('\n')

		header(&b, "sitrep_section_degraded_total", "Report sections that could not be computed.", "counter")
		for _, k := range sortedKeys(&m.degradedByBlock.mu, m.degradedByBlock.items) {
			fmt.Fprintf(&b, "sitrep_section_degraded_total{section=%q} %d\n", k, m.degradedByBlock.get(k))
		}
		b.WriteByte('\n')

		if m.pool != nil {
			st := m.pool.Stat()
			for _, g := range []struct {
				name, help string
				val        int32
			}{
				{"sitrep_db_pool_acquired_connections", "Connections in use.", st.AcquiredConns()},
				{"sitrep_db_pool_idle_connections", "Idle connections.", st.IdleConns()},
				{"sitrep_db_pool_total_connections", "Open connections.", st.TotalConns()},
			} {
				header(&b, g.name, g.help, "gauge")
				fmt.Fprintf(&b, "%s %d\n\n", g.name, g.val)
			}
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func header(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	cum := h.cumulative()
	for i, le := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, le, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, h.Count())
}
