package monitoring

import (
	"maps"
	"sync"
	"time"

	"github.com/tr1v3r/pkg/log"
)

// Counters is a point-in-time copy of Metrics.
type Counters struct {
	// HTTP metrics
	HTTPRequestsTotal    int64
	HTTPRequestsByMethod map[string]int64
	HTTPRequestDuration  time.Duration

	// UPnP metrics
	UPnPActionsTotal int64
	UPnPErrorsTotal  int64

	// GENA metrics
	NotificationsSent     int64
	NotificationsFailed   int64
	SubscriptionsAccepted int64
	SubscriptionsFailed   int64
	EventsReceived        int64

	Uptime time.Duration
}

// Metrics tracks basic counters of one host or control point.
type Metrics struct {
	mu sync.RWMutex
	Counters

	startTime time.Time
}

func New() *Metrics {
	return &Metrics{
		Counters:  Counters{HTTPRequestsByMethod: make(map[string]int64)},
		startTime: time.Now(),
	}
}

func (m *Metrics) update(fn func()) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method string, duration time.Duration) {
	m.update(func() {
		m.HTTPRequestsTotal++
		m.HTTPRequestsByMethod[method]++
		m.HTTPRequestDuration += duration
	})
}

// RecordUPnPAction records a UPnP action
func (m *Metrics) RecordUPnPAction() { m.update(func() { m.UPnPActionsTotal++ }) }

// RecordUPnPError records a failed UPnP action
func (m *Metrics) RecordUPnPError() { m.update(func() { m.UPnPErrorsTotal++ }) }

// RecordNotify records one NOTIFY delivery attempt.
func (m *Metrics) RecordNotify(ok bool) {
	m.update(func() {
		if ok {
			m.NotificationsSent++
		} else {
			m.NotificationsFailed++
		}
	})
}

// RecordSubscription records the outcome of a SUBSCRIBE, sent or received.
func (m *Metrics) RecordSubscription(ok bool) {
	m.update(func() {
		if ok {
			m.SubscriptionsAccepted++
		} else {
			m.SubscriptionsFailed++
		}
	})
}

// RecordEvent records an accepted inbound event.
func (m *Metrics) RecordEvent() { m.update(func() { m.EventsReceived++ }) }

// Snapshot returns a copy of the counters.
func (m *Metrics) Snapshot() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.Counters
	c.HTTPRequestsByMethod = maps.Clone(m.HTTPRequestsByMethod)
	c.Uptime = time.Since(m.startTime)
	return c
}

// GetUptime returns the time since New.
func (m *Metrics) GetUptime() time.Duration { return time.Since(m.startTime) }

// LogMetrics logs current metrics
func (m *Metrics) LogMetrics() {
	s := m.Snapshot()
	log.Info("metrics uptime=%s http_requests_total=%d upnp_actions_total=%d upnp_errors_total=%d notify_sent=%d notify_failed=%d subscriptions_accepted=%d subscriptions_failed=%d events_received=%d",
		s.Uptime.Truncate(time.Second).String(),
		s.HTTPRequestsTotal,
		s.UPnPActionsTotal,
		s.UPnPErrorsTotal,
		s.NotificationsSent,
		s.NotificationsFailed,
		s.SubscriptionsAccepted,
		s.SubscriptionsFailed,
		s.EventsReceived)
}
