package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks lifecycle throughput. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Transitions        *prometheus.CounterVec
	TransitionDuration prometheus.Histogram
	Notifications      *prometheus.CounterVec
	CertificatesIssued prometheus.Counter
	RequestsCreated    *prometheus.CounterVec
}

// New registers the lifecycle metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "permitline_transitions_total",
			Help: "Transition attempts by action and outcome",
		}, []string{"action", "outcome"}),
		TransitionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "permitline_transition_duration_seconds",
			Help:    "Duration of ApplyTransition calls",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "permitline_notifications_total",
			Help: "Applicant notifications by event and delivery result",
		}, []string{"event", "result"}),
		CertificatesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "permitline_certificates_issued_total",
			Help: "Certificates generated on issuance",
		}),
		RequestsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "permitline_requests_created_total",
			Help: "Requests created by kind",
		}, []string{"kind"}),
	}
}

// ObserveTransition records one ApplyTransition call. outcome is "ok" or an error code.
func (m *Metrics) ObserveTransition(action, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(action, outcome).Inc()
	m.TransitionDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveNotification(event string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.Notifications.WithLabelValues(event, result).Inc()
}

func (m *Metrics) IncrementCertificates() {
	if m == nil {
		return
	}
	m.CertificatesIssued.Inc()
}

func (m *Metrics) IncrementCreated(kind string) {
	if m == nil {
		return
	}
	m.RequestsCreated.WithLabelValues(kind).Inc()
}
