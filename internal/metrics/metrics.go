// Package metrics exposes process counters and a pull-style active-dialog
// gauge as prometheus.Collectors, grounded on the teacher pack's
// metrics.Collector wiring.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveDialogsProvider exposes the number of dialogs currently tracked.
type ActiveDialogsProvider interface {
	ActiveCount() int
}

// Metrics holds every counter/histogram this process reports; all fields are
// safe for concurrent use, being prometheus primitives themselves.
type Metrics struct {
	DialogsStarted       prometheus.Counter
	DialogsTerminated    *prometheus.CounterVec
	RequestsSent         *prometheus.CounterVec
	AuthRetries          prometheus.Counter
	StaleRequestsDropped prometheus.Counter
}

// New builds the counter/vec set, unregistered.
func New() *Metrics {
	return &Metrics{
		DialogsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipuad_dialogs_started_total",
			Help: "Total number of INVITE dialogs started, either direction.",
		}),
		DialogsTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipuad_dialogs_terminated_total",
			Help: "Total number of INVITE dialogs terminated, by final status code.",
		}, []string{"status"}),
		RequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sipuad_requests_sent_total",
			Help: "Total number of requests sent within a dialog, by method.",
		}, []string{"method"}),
		AuthRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipuad_auth_retries_total",
			Help: "Total number of INVITEs retried after a 401/407 challenge.",
		}),
		StaleRequestsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sipuad_stale_requests_dropped_total",
			Help: "Total number of in-dialog requests discarded for a stale CSeq.",
		}),
	}
}

// MustRegister registers every counter in m plus an active-dialogs gauge
// backed by provider, panicking on a duplicate registration (same contract
// as prometheus.MustRegister).
func (m *Metrics) MustRegister(reg *prometheus.Registry, provider ActiveDialogsProvider) {
	reg.MustRegister(
		m.DialogsStarted,
		m.DialogsTerminated,
		m.RequestsSent,
		m.AuthRetries,
		m.StaleRequestsDropped,
		newActiveDialogsCollector(provider),
	)
}

// ObserveTerminated records a dialog ending with the given final status.
func (m *Metrics) ObserveTerminated(status int) {
	m.DialogsTerminated.WithLabelValues(strconv.Itoa(status)).Inc()
}

type activeDialogsCollector struct {
	provider ActiveDialogsProvider
	desc     *prometheus.Desc
}

func newActiveDialogsCollector(provider ActiveDialogsProvider) *activeDialogsCollector {
	return &activeDialogsCollector{
		provider: provider,
		desc: prometheus.NewDesc(
			"sipuad_active_dialogs",
			"Number of INVITE dialogs currently tracked.",
			nil, nil,
		),
	}
}

func (c *activeDialogsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *activeDialogsCollector) Collect(ch chan<- prometheus.Metric) {
	if c.provider == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(c.provider.ActiveCount()))
}
