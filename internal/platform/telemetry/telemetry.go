// Package telemetry records HTTP and booking-arbitration metrics in memory
// and serves them in the Prometheus text exposition format.
package telemetry

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	durationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	arbitrationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3, 10}
)

// histogram is a thread-safe histogram. Bucket counts are non-cumulative
// in storage; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
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

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// labeledHistograms holds one histogram per label tuple.
type labeledHistograms struct {
	mu         sync.RWMutex
	boundaries []float64
	items      map[string]*histogram
}

func newLabeledHistograms(boundaries []float64) *labeledHistograms {
	return &labeledHistograms{boundaries: boundaries, items: make(map[string]*histogram)}
}

func (s *labeledHistograms) get(key string) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(s.boundaries)
		s.items[key] = h
	}
	return h
}

func (s *labeledHistograms) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		cp[k] = v
	}
	return cp
}

// LabelsKey joins label values into a map key.
func LabelsKey(values ...string) string {
	return strings.Join(values, "|")
}

// PoolStatsFunc reports acquired and idle database connections.
type PoolStatsFunc func() (acquired, idle int64)

// Metrics is the process-wide metric registry.
type Metrics struct {
	active      int64
	requests    *labeledHistograms // method|route|status
	arbitration *labeledHistograms // op|outcome

	mu   sync.RWMutex
	pool PoolStatsFunc
}

func New() *Metrics {
	return &Metrics{
		requests:    newLabeledHistograms(durationBuckets),
		arbitration: newLabeledHistograms(arbitrationBuckets),
	}
}

// SetPoolStats registers the source of the db pool gauges.
func (m *Metrics) SetPoolStats(fn PoolStatsFunc) {
	m.mu.Lock()
	m.pool = fn
	m.mu.Unlock()
}

// ObserveArbitration records one finished booking or block attempt.
func (m *Metrics) ObserveArbitration(op, outcome string, elapsed time.Duration) {
	m.arbitration.get(LabelsKey(op, outcome)).Observe(elapsed.Seconds())
}

// Arbitrations returns how many op attempts ended with outcome.
func (m *Metrics) Arbitrations(op, outcome string) int64 {
	return m.arbitration.get(LabelsKey(op, outcome)).Count()
}

// Requests returns how many requests matched method, route and status.
func (m *Metrics) Requests(method, route string, status int) int64 {
	return m.requests.get(LabelsKey(method, route, strconv.Itoa(status))).Count()
}

// Middleware records request duration by method, route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			defer atomic.AddInt64(&m.active, -1)

			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.requests.get(LabelsKey(c.Request().Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves GET /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistograms(&b, "http_server_request_duration_seconds", "Duration of HTTP requests in seconds.",
			[]string{"method", "route", "status_code"}, m.requests)

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

		writeHistograms(&b, "booking_arbitration_duration_seconds",
			"Time from attempt start to outcome, including lock waits and retries.",
			[]string{"op", "outcome"}, m.arbitration)

		m.mu.RLock()
		pool := m.pool
		m.mu.RUnlock()
		if pool != nil {
			acquired, idle := pool()
			b.WriteString("# HELP db_pool_acquired_connections Connections currently checked out.\n")
			b.WriteString("# TYPE db_pool_acquired_connections gauge\n")
			fmt.Fprintf(&b, "db_pool_acquired_connections %d\n\n", acquired)
			b.WriteString("# HELP db_pool_idle_connections Idle connections in the pool.\n")
			b.WriteString("# TYPE db_pool_idle_connections gauge\n")
			fmt.Fprintf(&b, "db_pool_idle_connections %d\n\n", idle)
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

func writeHistograms(b *strings.Builder, name, help string, labelNames []string, store *labeledHistograms) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)

	snap := store.snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		values := strings.Split(key, "|")
		if len(values) != len(labelNames) {
			continue
		}
		pairs := make([]string, len(values))
		for i, v := range values {
			pairs[i] = fmt.Sprintf("%s=%q", labelNames[i], v)
		}
		writeHistogram(b, name, strings.Join(pairs, ","), snap[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}
