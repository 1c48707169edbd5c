package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveActivities   prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	DialogueEvents     *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	ReminderDispatches *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	PersistenceErrors  *prometheus.CounterVec
	TickDuration       *prometheus.HistogramVec

	window *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveActivities: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_activities",
			Help:      "Number of activity sessions currently in progress.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Activity session lifecycle events by type.",
		}, []string{"event"}),
		DialogueEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dialogue_events_total",
			Help:      "Dialogue flow events by flow and outcome.",
		}, []string{"flow", "outcome"}),
		RateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Rate limiter decisions by result.",
		}, []string{"result"}),
		ReminderDispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_dispatches_total",
			Help:      "Reminder deliveries by kind and result.",
		}, []string{"kind", "result"}),
		Notifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by message type and result.",
		}, []string{"type", "result"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PersistenceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Storage failures by operation.",
		}, []string{"op"}),
		TickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "background_tick_duration_ms",
			Help:      "Duration of background sweeper and scheduler ticks in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"loop"}),
		window: newLatencyWindow(15*time.Minute, 512),
	}
}

func (m *Metrics) IncSession(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveActivities(n int) {
	if m == nil {
		return
	}
	m.ActiveActivities.Set(float64(n))
}

func (m *Metrics) IncDialogue(flow, outcome string) {
	if m == nil {
		return
	}
	m.DialogueEvents.WithLabelValues(flow, outcome).Inc()
}

func (m *Metrics) IncRateLimit(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.RateLimitDecisions.WithLabelValues(result).Inc()
}

func (m *Metrics) IncReminder(kind, result string) {
	if m == nil {
		return
	}
	m.ReminderDispatches.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncNotification(msgType, result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) IncWS(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) IncPersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}

// ObserveTick records a background loop iteration in both the histogram
// and the latency window.
func (m *Metrics) ObserveTick(loop string, d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(loop).Observe(float64(d.Microseconds()) / 1000)
	m.window.observe(loop, d)
}

// ObserveEvent records the handling time of one inbound event, overall and
// for its action.
func (m *Metrics) ObserveEvent(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.window.observe(StageHandleEvent, d)
	if action != "" {
		m.window.observe(actionPrefix+action, d)
	}
}

// ObserveFlowCompletion records how long the final submission of a flow
// took, completion action included.
func (m *Metrics) ObserveFlowCompletion(flowID string, d time.Duration) {
	if m == nil || flowID == "" {
		return
	}
	m.window.observe(flowPrefix+flowID, d)
}

// CountEvent bumps a named domain event shown next to the latencies.
func (m *Metrics) CountEvent(name string) {
	if m == nil {
		return
	}
	m.window.count(name)
}

func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.window.report()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.window.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
