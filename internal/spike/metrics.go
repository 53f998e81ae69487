package spike

import (
	"sync"
	"time"
)

// latencyWindow is how many recent samples feed the latency averages.
const latencyWindow = 100

type MetricsSnapshot struct {
	UptimeSeconds         float64 `json:"uptime_seconds"`
	CandlesProcessed      int64   `json:"candles_processed"`
	EventsDetected        int64   `json:"events_detected"`
	NotificationsSent     int64   `json:"notifications_sent"`
	NotificationFailures  int64   `json:"notification_failures"`
	EventsStored          int64   `json:"events_stored"`
	DuplicateEvents       int64   `json:"duplicate_events"`
	StoreFailures         int64   `json:"store_failures"`
	LatencyBudgetBreaches int64   `json:"latency_budget_breaches"`
	AvgDetectionLatencyMs float64 `json:"avg_detection_latency_ms"`
	MaxDetectionLatencyMs float64 `json:"max_detection_latency_ms"`
	AvgDeliveryLatencyMs  float64 `json:"avg_delivery_latency_ms"`
	MaxDeliveryLatencyMs  float64 `json:"max_delivery_latency_ms"`
	CandlesPerSecond      float64 `json:"candles_per_second"`
	EventsPerMinute       float64 `json:"events_per_minute"`
}

type window struct {
	samples []float64
	next    int
}

func (w *window) add(v float64) {
	if len(w.samples) < latencyWindow {
		w.samples = append(w.samples, v)
		return
	}
	w.samples[w.next] = v
	w.next = (w.next + 1) % latencyWindow
}

func (w *window) stats() (avg, maxV float64) {
	if len(w.samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range w.samples {
		sum += v
		maxV = max(maxV, v)
	}
	return sum / float64(len(w.samples)), maxV
}

// Metrics aggregates live detection counters.
type Metrics struct {
	mu    sync.Mutex
	now   func() time.Time
	start time.Time

	detection window
	delivery  window

	candles, events          int64
	notified, notifyFailures int64
	stored, duplicates       int64
	storeFailures, breaches  int64
}

func NewMetrics() *Metrics {
	m := &Metrics{now: time.Now}
	m.start = m.now()
	return m
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.start = m.now()
	m.detection, m.delivery = window{}, window{}
	m.candles, m.events = 0, 0
	m.notified, m.notifyFailures = 0, 0
	m.stored, m.duplicates = 0, 0
	m.storeFailures, m.breaches = 0, 0
}

func (m *Metrics) candle() {
	m.mu.Lock()
	m.candles++
	m.mu.Unlock()
}

func (m *Metrics) detected(latency time.Duration) {
	m.mu.Lock()
	m.events++
	m.detection.add(ms(latency))
	m.mu.Unlock()
}

func (m *Metrics) delivered(latency time.Duration) {
	m.mu.Lock()
	m.notified++
	m.delivery.add(ms(latency))
	m.mu.Unlock()
}

func (m *Metrics) deliveryFailed() {
	m.mu.Lock()
	m.notifyFailures++
	m.mu.Unlock()
}

func (m *Metrics) storedEvent(duplicate bool) {
	m.mu.Lock()
	if duplicate {
		m.duplicates++
	} else {
		m.stored++
	}
	m.mu.Unlock()
}

func (m *Metrics) storeFailed() {
	m.mu.Lock()
	m.storeFailures++
	m.mu.Unlock()
}

func (m *Metrics) budgetBreached() {
	m.mu.Lock()
	m.breaches++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	uptime := m.now().Sub(m.start).Seconds()
	s := MetricsSnapshot{
		UptimeSeconds:         uptime,
		CandlesProcessed:      m.candles,
		EventsDetected:        m.events,
		NotificationsSent:     m.notified,
		NotificationFailures:  m.notifyFailures,
		EventsStored:          m.stored,
		DuplicateEvents:       m.duplicates,
		StoreFailures:         m.storeFailures,
		LatencyBudgetBreaches: m.breaches,
	}
	s.AvgDetectionLatencyMs, s.MaxDetectionLatencyMs = m.detection.stats()
	s.AvgDeliveryLatencyMs, s.MaxDeliveryLatencyMs = m.delivery.stats()
	if uptime > 0 {
		s.CandlesPerSecond = float64(m.candles) / uptime
		s.EventsPerMinute = float64(m.events) / (uptime / 60)
	}
	return s
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
