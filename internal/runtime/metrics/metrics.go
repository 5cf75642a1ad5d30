// Package metrics records channel and pipeline statistics. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks send, receive and dispatch statistics.
type Metrics struct {
	mu sync.RWMutex

	topicCounts map[string]*TopicMetrics

	sentTotal         *prometheus.CounterVec
	sendRetriesTotal  *prometheus.CounterVec
	sendFailuresTotal *prometheus.CounterVec
	receivedTotal     *prometheus.CounterVec
	abandonedTotal    *prometheus.CounterVec
	compressedTotal   *prometheus.CounterVec
	overflowedTotal   *prometheus.CounterVec
	dispatchedTotal   *prometheus.CounterVec
	dispatchErrors    *prometheus.CounterVec
	unhandledTotal    *prometheus.CounterVec
	timeoutsTotal     *prometheus.CounterVec
	roundTripSeconds  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// TopicMetrics holds the counters of one wire topic.
type TopicMetrics struct {
	Sent          uint64    `json:"sent"`
	SendRetries   uint64    `json:"send_retries"`
	SendFailures  uint64    `json:"send_failures"`
	Received      uint64    `json:"received"`
	Abandoned     uint64    `json:"abandoned"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Snapshot is a point-in-time copy of the per-topic counters.
type Snapshot struct {
	Topics      map[string]TopicMetrics `json:"topics"`
	CollectedAt time.Time               `json:"collected_at"`
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rpcflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		topicCounts:       make(map[string]*TopicMetrics),
		registerer:        registerer,
		sentTotal:         newCounterVec("pipeline", "sent_total", "Messages acknowledged by the transport", []string{"topic", "kind"}),
		sendRetriesTotal:  newCounterVec("pipeline", "send_retries_total", "Send attempts that were not acknowledged and retried", []string{"topic"}),
		sendFailuresTotal: newCounterVec("pipeline", "send_failures_total", "Sends that failed permanently", []string{"topic"}),
		receivedTotal:     newCounterVec("receiver", "received_total", "Messages taken from a subscription", []string{"topic", "kind"}),
		abandonedTotal:    newCounterVec("receiver", "abandoned_total", "Messages returned to the transport after a processing failure", []string{"topic"}),
		compressedTotal:   newCounterVec("pipeline", "compressed_total", "Payloads deflated before sending", []string{"topic"}),
		overflowedTotal:   newCounterVec("pipeline", "overflowed_total", "Payloads moved to blob storage", []string{"topic"}),
		dispatchedTotal:   newCounterVec("dispatch", "invocations_total", "Handler invocations", []string{"type"}),
		dispatchErrors:    newCounterVec("dispatch", "errors_total", "Handler failures by severity", []string{"type", "severity"}),
		unhandledTotal:    newCounterVec("dispatch", "unhandled_total", "Messages with no registered handler", []string{"type"}),
		timeoutsTotal:     newCounterVec("request", "timeouts_total", "Requests that timed out waiting for a response", []string{"type"}),
		roundTripSeconds:  newHistogramVec("request", "round_trip_seconds", "Time between sending a request and resolving its response", prometheus.DefBuckets, []string{"type"}),
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
		m.sentTotal, m.sendRetriesTotal, m.sendFailuresTotal,
		m.receivedTotal, m.abandonedTotal,
		m.compressedTotal, m.overflowedTotal,
		m.dispatchedTotal, m.dispatchErrors, m.unhandledTotal,
		m.timeoutsTotal, m.roundTripSeconds,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) touch(topic string, update func(*TopicMetrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.topicCounts[topic]
	if !ok {
		tm = &TopicMetrics{}
		m.topicCounts[topic] = tm
	}
	update(tm)
	tm.LastUpdatedAt = time.Now()
}

// RecordSent records an acknowledged send.
func (m *Metrics) RecordSent(topic, kind string) {
	if m == nil {
		return
	}
	m.touch(topic, func(tm *TopicMetrics) { tm.Sent++ })
	m.sentTotal.WithLabelValues(topic, kind).Inc()
}

// RecordSendRetry records an unacknowledged attempt that will be retried.
func (m *Metrics) RecordSendRetry(topic string) {
	if m == nil {
		return
	}
	m.touch(topic, func(tm *TopicMetrics) { tm.SendRetries++ })
	m.sendRetriesTotal.WithLabelValues(topic).Inc()
}

// RecordSendFailure records a permanent send failure.
func (m *Metrics) RecordSendFailure(topic string) {
	if m == nil {
		return
	}
	m.touch(topic, func(tm *TopicMetrics) { tm.SendFailures++ })
	m.sendFailuresTotal.WithLabelValues(topic).Inc()
}

// RecordReceived records a message taken from a subscription.
func (m *Metrics) RecordReceived(topic, kind string) {
	if m == nil {
		return
	}
	m.touch(topic, func(tm *TopicMetrics) { tm.Received++ })
	m.receivedTotal.WithLabelValues(topic, kind).Inc()
}

// RecordAbandoned records a message handed back for redelivery.
func (m *Metrics) RecordAbandoned(topic string) {
	if m == nil {
		return
	}
	m.touch(topic, func(tm *TopicMetrics) { tm.Abandoned++ })
	m.abandonedTotal.WithLabelValues(topic).Inc()
}

// RecordCompressed records a deflated payload.
func (m *Metrics) RecordCompressed(topic string) {
	if m == nil {
		return
	}
	m.compressedTotal.WithLabelValues(topic).Inc()
}

// RecordOverflowed records a payload moved to blob storage.
func (m *Metrics) RecordOverflowed(topic string) {
	if m == nil {
		return
	}
	m.overflowedTotal.WithLabelValues(topic).Inc()
}

// RecordDispatched records a handler invocation.
func (m *Metrics) RecordDispatched(typeName string) {
	if m == nil {
		return
	}
	m.dispatchedTotal.WithLabelValues(typeName).Inc()
}

// RecordDispatchError records a handler failure. severity is "warning" or "error".
func (m *Metrics) RecordDispatchError(typeName, severity string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(typeName, severity).Inc()
}

// RecordUnhandled records a message nobody registered a handler for.
func (m *Metrics) RecordUnhandled(typeName string) {
	if m == nil {
		return
	}
	m.unhandledTotal.WithLabelValues(typeName).Inc()
}

// RecordTimeout records a request that gave up waiting.
func (m *Metrics) RecordTimeout(typeName string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.WithLabelValues(typeName).Inc()
}

// ObserveRoundTrip records the time taken to resolve a request.
func (m *Metrics) ObserveRoundTrip(typeName string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.roundTripSeconds.WithLabelValues(typeName).Observe(elapsed.Seconds())
}

// GetSnapshot returns a point-in-time snapshot of the per-topic counters.
func (m *Metrics) GetSnapshot() Snapshot {
	snapshot := Snapshot{Topics: map[string]TopicMetrics{}, CollectedAt: time.Now()}
	if m == nil {
		return snapshot
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for topic, tm := range m.topicCounts {
		snapshot.Topics[topic] = *tm
	}
	return snapshot
}

// GetTopicMetrics returns a copy of the counters for topic, or nil.
func (m *Metrics) GetTopicMetrics(topic string) *TopicMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tm, ok := m.topicCounts[topic]; ok {
		copied := *tm
		return &copied
	}
	return nil
}
