// Package metrics exposes prometheus collectors for sync jobs and remote calls.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edfi_sync"

type Metrics struct {
	jobsTotal      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	recordsTotal   *prometheus.CounterVec
	remoteRequests *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	conflictsTotal *prometheus.CounterVec
	jobsDispatched prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Sync jobs finished, by resource type and terminal status.",
		}, []string{"resource_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of sync job execution.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"resource_type", "direction"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records handled by sync passes, by outcome.",
		}, []string{"resource_type", "direction", "outcome"}),
		remoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "HTTP requests issued to the remote API, by method and status.",
		}, []string{"method", "status"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "OAuth token requests, by outcome.",
		}, []string{"outcome"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Conflicts persisted during inbound passes.",
		}, []string{"resource_type"}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Jobs published to the work queue.",
		}),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.recordsTotal,
		m.remoteRequests,
		m.tokenRefreshes,
		m.conflictsTotal,
		m.jobsDispatched,
	)
	return m
}

func (m *Metrics) RecordJob(resourceType, direction, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(resourceType, status).Inc()
	m.jobDuration.WithLabelValues(resourceType, direction).Observe(d.Seconds())
}

func (m *Metrics) RecordRecords(resourceType, direction, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recordsTotal.WithLabelValues(resourceType, direction, outcome).Add(float64(n))
}

// RecordRemoteRequest takes status 0 for transport failures.
func (m *Metrics) RecordRemoteRequest(method string, status int) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.remoteRequests.WithLabelValues(method, label).Inc()
}

func (m *Metrics) RecordTokenRefresh(ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordConflict(resourceType string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) RecordDispatch(n int) {
	if m == nil {
		return
	}
	m.jobsDispatched.Add(float64(n))
}
