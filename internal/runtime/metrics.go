package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks publisher and subscriber activity per stream. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	mu sync.RWMutex

	streams map[string]*StreamMetrics

	publishedTotal       *prometheus.CounterVec
	publishFailuresTotal *prometheus.CounterVec
	publishTimeoutsTotal *prometheus.CounterVec
	reconnectsTotal      *prometheus.CounterVec
	deliveredTotal       *prometheus.CounterVec
	duplicatesTotal      *prometheus.CounterVec
	flushedTotal         *prometheus.CounterVec
	queueDepth           *prometheus.GaugeVec
	publishSeconds       *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// StreamMetrics holds the counters of one stream.
type StreamMetrics struct {
	Published       uint64    `json:"published"`
	PublishFailures uint64    `json:"publish_failures"`
	PublishTimeouts uint64    `json:"publish_timeouts"`
	Reconnects      uint64    `json:"reconnects"`
	Delivered       uint64    `json:"delivered"`
	Duplicates      uint64    `json:"duplicates"`
	Flushed         uint64    `json:"flushed"`
	QueueDepth      int       `json:"queue_depth"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// MetricsSnapshot is a point-in-time copy of all stream metrics.
type MetricsSnapshot struct {
	Streams     map[string]StreamMetrics `json:"streams"`
	CollectedAt time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "streambridge",
			Name:      name,
			Help:      help,
		},
		[]string{"stream"},
	)
}

// NewMetrics creates the collectors. Call Register to expose them; a nil
// registerer means prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		streams:              make(map[string]*StreamMetrics),
		registerer:           registerer,
		publishedTotal:       newCounterVec("published_total", "Messages confirmed by the broker"),
		publishFailuresTotal: newCounterVec("publish_failures_total", "Failed publish attempts"),
		publishTimeoutsTotal: newCounterVec("publish_timeouts_total", "Publishes that exhausted their attempt budget"),
		reconnectsTotal:      newCounterVec("reconnects_total", "Broker sessions re-established after the first connect"),
		deliveredTotal:       newCounterVec("delivered_total", "Messages handed to the application and acknowledged"),
		duplicatesTotal:      newCounterVec("duplicates_total", "Deliveries skipped by the deduplicator"),
		flushedTotal:         newCounterVec("flushed_total", "Queued messages discarded by Flush"),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "streambridge",
				Name:      "queue_depth",
				Help:      "Messages waiting in a background subscriber queue",
			},
			[]string{"stream"},
		),
		publishSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "streambridge",
				Name:      "publish_duration_seconds",
				Help:      "Time from the first attempt until the broker confirmed the message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stream"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.publishedTotal,
		m.publishFailuresTotal,
		m.publishTimeoutsTotal,
		m.reconnectsTotal,
		m.deliveredTotal,
		m.duplicatesTotal,
		m.flushedTotal,
		m.queueDepth,
		m.publishSeconds,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordPublished counts a confirmed message and the time it took.
func (m *Metrics) RecordPublished(stream string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(stream).Inc()
	m.publishSeconds.WithLabelValues(stream).Observe(elapsed.Seconds())
	m.update(stream, func(s *StreamMetrics) { s.Published++ })
}

func (m *Metrics) RecordPublishFailure(stream string) {
	if m == nil {
		return
	}
	m.publishFailuresTotal.WithLabelValues(stream).Inc()
	m.update(stream, func(s *StreamMetrics) { s.PublishFailures++ })
}

func (m *Metrics) RecordPublishTimeout(stream string) {
	if m == nil {
		return
	}
	m.publishTimeoutsTotal.WithLabelValues(stream).Inc()
	m.update(stream, func(s *StreamMetrics) { s.PublishTimeouts++ })
}

func (m *Metrics) RecordReconnect(stream string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(stream).Inc()
	m.update(stream, func(s *StreamMetrics) { s.Reconnects++ })
}

func (m *Metrics) RecordDelivered(stream string) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(stream).Inc()
	m.update(stream, func(s *StreamMetrics) { s.Delivered++ })
}

func (m *Metrics) RecordDuplicate(stream string) {
	if m == nil {
		return
	}
	m.duplicatesTotal.WithLabelValues(stream).Inc()
	m.update(stream, func(s *StreamMetrics) { s.Duplicates++ })
}

// RecordFlushed counts n discarded messages. Zero is ignored.
func (m *Metrics) RecordFlushed(stream string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flushedTotal.WithLabelValues(stream).Add(float64(n))
	m.update(stream, func(s *StreamMetrics) { s.Flushed += uint64(n) })
}

func (m *Metrics) SetQueueDepth(stream string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(stream).Set(float64(depth))
	m.update(stream, func(s *StreamMetrics) { s.QueueDepth = depth })
}

// Snapshot returns a copy of the per-stream counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snapshot := MetricsSnapshot{
		Streams:     make(map[string]StreamMetrics),
		CollectedAt: time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for stream, s := range m.streams {
		snapshot.Streams[stream] = *s
	}
	return snapshot
}

// Stream returns a copy of the counters of one stream.
func (m *Metrics) Stream(stream string) StreamMetrics {
	if m == nil {
		return StreamMetrics{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.streams[stream]; ok {
		return *s
	}
	return StreamMetrics{}
}

// Reset clears the per-stream counters. Prometheus collectors keep their
// values.
func (m *Metrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = make(map[string]*StreamMetrics)
}

func (m *Metrics) update(stream string, fn func(*StreamMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[stream]
	if !ok {
		s = &StreamMetrics{}
		m.streams[stream] = s
	}
	fn(s)
	s.LastUpdatedAt = time.Now()
}
