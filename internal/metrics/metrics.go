package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Claim outcomes.
const (
	OutcomeClaimed   = "claimed"
	OutcomeEmpty     = "empty"
	OutcomeExhausted = "exhausted"
	OutcomeError     = "error"
)

type MetricsFn interface {
	IncJobsAdded(project string)
	IncClaims(project, outcome string)
	IncClaimConflicts(project string)
	ObserveStoreOp(op string, d time.Duration, err error)
}

// Metrics registers its collectors on a private registry so several
// instances (tests, embedded services) never collide.
type Metrics struct {
	reg *prometheus.Registry

	// counters
	jobsAdded      *prometheus.CounterVec
	claims         *prometheus.CounterVec
	claimConflicts *prometheus.CounterVec

	// histograms
	storeOps *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobclerk_jobs_added_total",
				Help: "Jobs added, by project.",
			},
			[]string{"project"},
		),
		claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobclerk_claims_total",
				Help: "Claim requests by project and outcome (claimed/empty/exhausted/error).",
			},
			[]string{"project", "outcome"},
		),
		claimConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobclerk_claim_conflicts_total",
				Help: "Claim attempts lost to a concurrent claimer.",
			},
			[]string{"project"},
		),
		storeOps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jobclerk_store_op_duration_seconds",
				Help:    "Latency of job store operations.",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"op", "success"},
		),
	}

	m.reg.MustRegister(
		m.jobsAdded, m.claims, m.claimConflicts, m.storeOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// counters
func (m *Metrics) IncJobsAdded(project string) { m.jobsAdded.WithLabelValues(project).Inc() }
func (m *Metrics) IncClaims(project, outcome string) {
	m.claims.WithLabelValues(project, norm(outcome)).Inc()
}
func (m *Metrics) IncClaimConflicts(project string) { m.claimConflicts.WithLabelValues(project).Inc() }

// histograms
func (m *Metrics) ObserveStoreOp(op string, d time.Duration, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	m.storeOps.WithLabelValues(norm(op), success).Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Http handler

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncJobsAdded(string)                         {}
func (Nop) IncClaims(string, string)                    {}
func (Nop) IncClaimConflicts(string)                    {}
func (Nop) ObserveStoreOp(string, time.Duration, error) {}
