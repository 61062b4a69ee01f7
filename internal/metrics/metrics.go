// Package metrics provides Prometheus-format metrics for chunkswarm
package metrics

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Metrics holds all engine metrics
type Metrics struct {
	// Counters
	PacketsSent     *CounterVec // labels: type
	PacketsReceived *CounterVec // labels: type
	PacketsDropped  *CounterVec // labels: reason (decode, unknown_peer, unknown_transfer, empty_get)
	BytesDownloaded *Counter
	BytesUploaded   *CounterVec // labels: peer
	ChunksFetched   *Counter
	ChunksServed    *Counter
	Denied          *CounterVec // labels: reason (not_owned, busy, in_use)

	ValidationFailures *Counter
	Timeouts           *CounterVec // labels: role (client, server)
	Retransmissions    *CounterVec // labels: cause (timeout, dup_ack)
	PeersDead          *Counter
	RateLimited        *Counter

	CacheHits   *Counter
	CacheMisses *Counter

	// Gauges
	ActiveDownloads  *Gauge
	ActiveUploads    *Gauge
	MissingChunks    *Gauge
	CongestionWindow *GaugeVec // labels: peer
	// UploadBudget is the upload byte budget left; -1 means unlimited.
	UploadBudget *Gauge

	// Histograms
	ChunkDownloadTime *Histogram
	WindowSize        *Histogram
}

// Counter is a simple counter metric
type Counter struct {
	value int64
	mu    sync.Mutex
}

// Inc increments the counter by 1.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.value++
	c.mu.Unlock()
}

// Add adds the given value to the counter.
func (c *Counter) Add(v int64) {
	c.mu.Lock()
	c.value += v
	c.mu.Unlock()
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// CounterVec is a counter with labels for multi-dimensional metrics.
type CounterVec struct {
	counters map[string]*Counter
	mu       sync.RWMutex
}

// NewCounterVec creates a new labeled counter vector.
func NewCounterVec() *CounterVec {
	return &CounterVec{
		counters: make(map[string]*Counter),
	}
}

// WithLabel returns the counter for the given label, creating it if needed.
func (cv *CounterVec) WithLabel(label string) *Counter {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	if c, ok := cv.counters[label]; ok {
		return c
	}
	c := &Counter{}
	cv.counters[label] = c
	return c
}

// Values returns all label-value pairs in the counter vector.
func (cv *CounterVec) Values() map[string]int64 {
	cv.mu.RLock()
	defer cv.mu.RUnlock()
	result := make(map[string]int64)
	for k, v := range cv.counters {
		result[k] = v.Value()
	}
	return result
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	value float64
	mu    sync.Mutex
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() {
	g.mu.Lock()
	g.value++
	g.mu.Unlock()
}

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() {
	g.mu.Lock()
	g.value--
	g.mu.Unlock()
}

// Add adds the given value to the gauge.
func (g *Gauge) Add(v float64) {
	g.mu.Lock()
	g.value += v
	g.mu.Unlock()
}

// Value returns the current gauge value.
func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Histogram tracks distribution of values across buckets.
type Histogram struct {
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
	mu      sync.Mutex
}

// NewHistogram creates a new histogram with the given bucket boundaries.
func NewHistogram(buckets []float64) *Histogram {
	return &Histogram{
		buckets: buckets,
		counts:  make([]int64, len(buckets)+1),
	}
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++
}

// Stats returns the current histogram statistics.
func (h *Histogram) Stats() (count int64, sum float64, buckets []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	bucketsCopy := make([]int64, len(h.counts))
	copy(bucketsCopy, h.counts)
	return h.count, h.sum, bucketsCopy
}

// GaugeVec is a gauge with labels.
type GaugeVec struct {
	gauges map[string]*Gauge
	mu     sync.RWMutex
}

// NewGaugeVec creates a new labeled gauge vector.
func NewGaugeVec() *GaugeVec {
	return &GaugeVec{gauges: make(map[string]*Gauge)}
}

// WithLabel returns the gauge for the given label, creating it if needed.
func (gv *GaugeVec) WithLabel(label string) *Gauge {
	gv.mu.Lock()
	defer gv.mu.Unlock()
	if g, ok := gv.gauges[label]; ok {
		return g
	}
	g := &Gauge{}
	gv.gauges[label] = g
	return g
}

// Delete drops the series for label.
func (gv *GaugeVec) Delete(label string) {
	gv.mu.Lock()
	delete(gv.gauges, label)
	gv.mu.Unlock()
}

// Values returns all label-value pairs in the gauge vector.
func (gv *GaugeVec) Values() map[string]float64 {
	gv.mu.RLock()
	defer gv.mu.RUnlock()
	result := make(map[string]float64, len(gv.gauges))
	for k, v := range gv.gauges {
		result[k] = v.Value()
	}
	return result
}

// Default buckets for different metric types
var (
	DurationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	WindowBuckets   = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 525}
)

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		PacketsSent:     NewCounterVec(),
		PacketsReceived: NewCounterVec(),
		PacketsDropped:  NewCounterVec(),
		BytesDownloaded: &Counter{},
		BytesUploaded:   NewCounterVec(),
		ChunksFetched:   &Counter{},
		ChunksServed:    &Counter{},
		Denied:          NewCounterVec(),

		ValidationFailures: &Counter{},
		Timeouts:           NewCounterVec(),
		Retransmissions:    NewCounterVec(),
		PeersDead:          &Counter{},
		RateLimited:        &Counter{},

		CacheHits:   &Counter{},
		CacheMisses: &Counter{},

		ActiveDownloads:  &Gauge{},
		ActiveUploads:    &Gauge{},
		MissingChunks:    &Gauge{},
		CongestionWindow: NewGaugeVec(),
		UploadBudget:     &Gauge{},

		ChunkDownloadTime: NewHistogram(DurationBuckets),
		WindowSize:        NewHistogram(WindowBuckets),
	}
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		writeCounter(w, "chunkswarm_bytes_downloaded_total", m.BytesDownloaded.Value())
		writeCounter(w, "chunkswarm_chunks_fetched_total", m.ChunksFetched.Value())
		writeCounter(w, "chunkswarm_chunks_served_total", m.ChunksServed.Value())
		writeCounter(w, "chunkswarm_validation_failures_total", m.ValidationFailures.Value())
		writeCounter(w, "chunkswarm_peers_dead_total", m.PeersDead.Value())
		writeCounter(w, "chunkswarm_rate_limited_total", m.RateLimited.Value())
		writeCounter(w, "chunkswarm_cache_hits_total", m.CacheHits.Value())
		writeCounter(w, "chunkswarm_cache_misses_total", m.CacheMisses.Value())

		writeCounterVec(w, "chunkswarm_packets_sent_total", "type", m.PacketsSent)
		writeCounterVec(w, "chunkswarm_packets_received_total", "type", m.PacketsReceived)
		writeCounterVec(w, "chunkswarm_packets_dropped_total", "reason", m.PacketsDropped)
		writeCounterVec(w, "chunkswarm_bytes_uploaded_total", "peer", m.BytesUploaded)
		writeCounterVec(w, "chunkswarm_denied_total", "reason", m.Denied)
		writeCounterVec(w, "chunkswarm_timeouts_total", "role", m.Timeouts)
		writeCounterVec(w, "chunkswarm_retransmissions_total", "cause", m.Retransmissions)

		writeGauge(w, "chunkswarm_active_downloads", m.ActiveDownloads.Value())
		writeGauge(w, "chunkswarm_active_uploads", m.ActiveUploads.Value())
		writeGauge(w, "chunkswarm_missing_chunks", m.MissingChunks.Value())
		writeGauge(w, "chunkswarm_upload_budget_bytes", m.UploadBudget.Value())
		values := m.CongestionWindow.Values()
		if len(values) > 0 {
			_, _ = w.Write([]byte("# TYPE chunkswarm_congestion_window gauge\n"))
			for _, label := range sortedKeys(values) {
				_, _ = w.Write([]byte("chunkswarm_congestion_window{peer=\"" + label + "\"} " + ftoa(values[label]) + "\n"))
			}
		}

		writeHistogram(w, "chunkswarm_chunk_download_seconds", m.ChunkDownloadTime)
		writeHistogram(w, "chunkswarm_window_size", m.WindowSize)
	})
}

func writeCounterVec(w http.ResponseWriter, name, labelName string, cv *CounterVec) {
	values := cv.Values()
	if len(values) == 0 {
		return
	}
	_, _ = w.Write([]byte("# TYPE " + name + " counter\n"))
	for _, label := range sortedKeys(values) {
		writeCounterWithLabel(w, name, labelName, label, values[label])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeCounter(w http.ResponseWriter, name string, value int64) {
	_, _ = w.Write([]byte("# TYPE " + name + " counter\n"))
	_, _ = w.Write([]byte(name + " " + itoa(value) + "\n"))
}

func writeCounterWithLabel(w http.ResponseWriter, name, labelName, labelValue string, value int64) {
	_, _ = w.Write([]byte(name + "{" + labelName + "=\"" + labelValue + "\"} " + itoa(value) + "\n"))
}

func writeGauge(w http.ResponseWriter, name string, value float64) {
	_, _ = w.Write([]byte("# TYPE " + name + " gauge\n"))
	_, _ = w.Write([]byte(name + " " + ftoa(value) + "\n"))
}

func writeHistogram(w http.ResponseWriter, name string, h *Histogram) {
	count, sum, buckets := h.Stats()
	_, _ = w.Write([]byte("# TYPE " + name + " histogram\n"))

	cumulative := int64(0)
	for i, b := range h.buckets {
		cumulative += buckets[i]
		_, _ = w.Write([]byte(name + "_bucket{le=\"" + ftoa(b) + "\"} " + itoa(cumulative) + "\n"))
	}
	cumulative += buckets[len(buckets)-1]
	_, _ = w.Write([]byte(name + "_bucket{le=\"+Inf\"} " + itoa(cumulative) + "\n"))
	_, _ = w.Write([]byte(name + "_sum " + ftoa(sum) + "\n"))
	_, _ = w.Write([]byte(name + "_count " + itoa(count) + "\n"))
}

func itoa(i int64) string {
	return strconv.FormatInt(i, 10)
}

// ftoa formats f as the shortest decimal that parses back to f.
func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
	clock clock.Clock
	h     *Histogram
}

// NewTimer creates a new timer that will observe to the given histogram.
// A nil clock means wall time.
func NewTimer(h *Histogram, clk clock.Clock) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{
		start: clk.Now(),
		clock: clk,
		h:     h,
	}
}

// ObserveDuration records the elapsed time
func (t *Timer) ObserveDuration() time.Duration {
	d := t.clock.Since(t.start)
	if t.h != nil {
		t.h.Observe(d.Seconds())
	}
	return d
}
